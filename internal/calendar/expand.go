package calendar

import (
	"errors"
	"fmt"
	"time"

	"relcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	defaultMaxScannedOccurrences  = 500000

	// defaultDuration applies when a stored event has no end.
	defaultDuration = time.Hour

	// occurrenceIDLayout matches ISO-8601 UTC with millisecond precision.
	occurrenceIDLayout = "2006-01-02T15:04:05.000Z"
)

// ErrInvalidRecurrenceRule is returned (wrapped) when a stored recurrence
// rule cannot be parsed.
var ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")

// Expander turns stored events into concrete occurrences inside a window.
// The zero value is ready to use. An Expander holds no mutable state and is
// safe for concurrent use.
type Expander struct {
	// Location is the zone used to render start/end strings. If nil,
	// time.Local is used.
	Location *time.Location

	// MaxOccurrencesPerEvent caps the occurrences produced by one recurring
	// event. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// MaxScannedOccurrences caps how many occurrences of one event are
	// walked, including those before the window. An event that reaches it
	// is reported as truncated. If zero, defaultMaxScannedOccurrences is
	// used.
	MaxScannedOccurrences int
}

// Result wraps expanded occurrences and the ids of recurring events that hit
// the per-event or scan cap.
type Result struct {
	Occurrences []model.Occurrence
	Truncated   []string
}

// Expand expands events into occurrences overlapping [rangeStart, rangeEnd],
// rendering timestamps in time.Local.
func Expand(events []model.CalendarEvent, rangeStart, rangeEnd time.Time) ([]model.Occurrence, error) {
	res, err := Expander{}.Expand(events, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return res.Occurrences, nil
}

// Expand produces the occurrences of events that overlap the closed window
// [rangeStart, rangeEnd]. It handles:
//
//   - Single events, included when start <= rangeEnd and end >= rangeStart
//   - Recurring events, whose occurrence starts are enumerated inside the
//     window (both bounds inclusive) with the stored duration preserved
//
// Output follows input order, and each event's occurrences are ascending.
// The first unparseable recurrence rule aborts the whole expansion.
func (x Expander) Expand(events []model.CalendarEvent, rangeStart, rangeEnd time.Time) (Result, error) {
	loc := x.Location
	if loc == nil {
		loc = time.Local
	}
	limit := x.MaxOccurrencesPerEvent
	if limit <= 0 {
		limit = defaultMaxOccurrencesPerEvent
	}
	maxScan := x.MaxScannedOccurrences
	if maxScan <= 0 {
		maxScan = defaultMaxScannedOccurrences
	}

	result := Result{Occurrences: make([]model.Occurrence, 0, len(events))}

	for _, ev := range events {
		if !ev.IsRecurring() {
			if occ, ok := expandSingleEvent(ev, rangeStart, rangeEnd, loc); ok {
				result.Occurrences = append(result.Occurrences, occ)
			}
			continue
		}

		occs, hitCap, err := expandRecurringEvent(ev, rangeStart, rangeEnd, loc, limit, maxScan)
		if err != nil {
			return Result{}, err
		}
		if hitCap {
			result.Truncated = append(result.Truncated, ev.ID)
		}
		result.Occurrences = append(result.Occurrences, occs...)
	}

	return result, nil
}

func expandSingleEvent(ev model.CalendarEvent, rangeStart, rangeEnd time.Time, loc *time.Location) (model.Occurrence, bool) {
	end := effectiveEnd(ev)
	if !timeRangesOverlap(ev.StartAt, end, rangeStart, rangeEnd) {
		return model.Occurrence{}, false
	}
	return makeOccurrence(ev, ev.ID, ev.StartAt, end, loc), true
}

func expandRecurringEvent(ev model.CalendarEvent, rangeStart, rangeEnd time.Time, loc *time.Location, limit, maxScan int) ([]model.Occurrence, bool, error) {
	set, err := parseRule(ev.RecurrenceRule, ev.StartAt)
	if err != nil {
		return nil, false, fmt.Errorf("expand event %q: %w", ev.ID, err)
	}

	dur := effectiveEnd(ev).Sub(ev.StartAt)

	var (
		starts  []time.Time
		hitCap  bool
		scanned int
	)
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(rangeEnd) {
			break
		}
		if scanned++; scanned > maxScan {
			hitCap = true
			break
		}
		if t.Before(rangeStart) {
			continue
		}
		if len(starts) == limit {
			hitCap = true
			break
		}
		starts = append(starts, t)
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		id := ev.ID + "_" + start.UTC().Format(occurrenceIDLayout)
		out = append(out, makeOccurrence(ev, id, start, start.Add(dur), loc))
	}
	return out, hitCap, nil
}

// effectiveEnd returns EndAt, or StartAt plus one hour when EndAt is unset.
func effectiveEnd(ev model.CalendarEvent) time.Time {
	if ev.EndAt != nil {
		return *ev.EndAt
	}
	return ev.StartAt.Add(defaultDuration)
}

func makeOccurrence(ev model.CalendarEvent, id string, start, end time.Time, loc *time.Location) model.Occurrence {
	return model.Occurrence{
		ID:              id,
		Title:           ev.Title,
		Description:     ev.Description,
		Start:           FormatTimestamp(start, ev.IsAllDay, loc),
		End:             FormatTimestamp(end, ev.IsAllDay, loc),
		IsAllDay:        ev.IsAllDay,
		CalendarID:      CalendarID(ev.Color, ev.SourceType),
		OriginalEventID: ev.ID,
		SourceType:      ev.SourceType,
		SourceTaskID:    ev.SourceTaskID,
	}
}

// timeRangesOverlap treats both intervals as closed.
func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
