package model

import (
	"strings"
	"time"
)

// SourceType describes where a stored event came from.
type SourceType string

const (
	SourceStandalone   SourceType = "STANDALONE"
	SourceTask         SourceType = "TASK"
	SourceReminder     SourceType = "REMINDER"
	SourceSubscription SourceType = "SUBSCRIPTION"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceStandalone, SourceTask, SourceReminder, SourceSubscription:
		return true
	}
	return false
}

// CalendarEvent is a stored calendar event before recurrence expansion.
// StartAt is always set. EndAt may be nil, in which case an occurrence
// lasts one hour.
type CalendarEvent struct {
	ID          string `json:"id"`
	TenantID    string `json:"-"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	StartAt  time.Time  `json:"startAt"`
	EndAt    *time.Time `json:"endAt,omitempty"`
	IsAllDay bool       `json:"isAllDay"`

	Color string `json:"color,omitempty"`

	// RecurrenceRule is RRULE set text including a DTSTART line, e.g.
	// "DTSTART:20240601T090000Z\nRRULE:FREQ=DAILY;COUNT=5". Empty means
	// a single occurrence.
	RecurrenceRule string `json:"recurrenceRule,omitempty"`

	SourceType   SourceType `json:"sourceType"`
	SourceTaskID string     `json:"sourceTaskId,omitempty"`

	// SubscriptionID links events imported from an ICS subscription back to
	// their source so a refresh can replace them.
	SubscriptionID string `json:"-"`
}

// IsRecurring reports whether the event carries a recurrence rule. A rule
// of only whitespace counts as none.
func (e CalendarEvent) IsRecurring() bool {
	return strings.TrimSpace(e.RecurrenceRule) != ""
}

// Occurrence is one concrete, display-ready instance of a CalendarEvent
// inside a query window. Occurrences are never persisted.
type Occurrence struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Start / End are "YYYY-MM-DD" for all-day events and
	// "YYYY-MM-DD HH:mm" otherwise.
	Start    string `json:"start"`
	End      string `json:"end"`
	IsAllDay bool   `json:"isAllDay"`

	CalendarID      string `json:"calendarId"`
	OriginalEventID string `json:"originalEventId"`

	SourceType   SourceType `json:"sourceType"`
	SourceTaskID string     `json:"sourceTaskId,omitempty"`
}
