package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"relcal/internal/model"
)

// DefaultProductID is the PRODID of exported feeds.
const DefaultProductID = "-//relcal//calendar feed//EN"

// Export serializes stored events as a VCALENDAR. Recurring events keep
// their rule lines, so clients expand them themselves. All-day dates are
// taken in loc (UTC when nil).
func Export(events []model.CalendarEvent, productID string, loc *time.Location) string {
	if productID == "" {
		productID = DefaultProductID
	}
	if loc == nil {
		loc = time.UTC
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	stamp := time.Now().UTC()
	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.SourceType != "" {
			ve.SetProperty(ical.ComponentPropertyCategories, string(ev.SourceType))
		}

		if ev.IsAllDay {
			ve.SetAllDayStartAt(ev.StartAt.In(loc))
			ve.SetAllDayEndAt(allDayEnd(ev, loc))
		} else {
			ve.SetStartAt(ev.StartAt)
			if ev.EndAt != nil {
				ve.SetEndAt(*ev.EndAt)
			}
		}

		if ev.IsRecurring() {
			addRuleLines(ve, ev.RecurrenceRule)
		}
	}

	return cal.Serialize()
}

// allDayEnd returns the exclusive DATE end of an all-day event.
func allDayEnd(ev model.CalendarEvent, loc *time.Location) time.Time {
	last := ev.StartAt.In(loc)
	if ev.EndAt != nil && ev.EndAt.After(ev.StartAt) {
		last = ev.EndAt.In(loc)
	}
	return time.Date(last.Year(), last.Month(), last.Day()+1, 0, 0, 0, 0, loc)
}

// addRuleLines copies RRULE, RDATE and EXDATE lines of a stored rule onto
// ve. DTSTART comes from the event start instead.
func addRuleLines(ve *ical.VEvent, rule string) {
	for _, raw := range strings.FieldsFunc(rule, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "FREQ=") {
			line = "RRULE:" + line
		}

		head, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, rawParams, _ := strings.Cut(head, ";")

		var params []ical.PropertyParameter
		for _, kv := range strings.Split(rawParams, ";") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			switch strings.ToUpper(k) {
			case "TZID":
				params = append(params, ical.WithTZID(v))
			case "VALUE":
				params = append(params, ical.WithValue(v))
			}
		}

		switch strings.ToUpper(name) {
		case "RRULE":
			ve.AddProperty(ical.ComponentPropertyRrule, value, params...)
		case "RDATE":
			ve.AddProperty(ical.ComponentPropertyRdate, value, params...)
		case "EXDATE":
			ve.AddProperty(ical.ComponentPropertyExdate, value, params...)
		}
	}
}
