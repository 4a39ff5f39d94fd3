package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"

	appLog "relcal/internal/log"
	"relcal/internal/model"
)

const (
	utcLayout      = "20060102T150405Z"
	floatingLayout = "20060102T150405"
	dateLayout     = "20060102"
)

// eventNamespace seeds the UUIDv5 ids of imported events so a re-import of
// the same feed yields the same ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("relcal:ics-event"))

// vevent is the normalized form of one VEVENT before it becomes a stored
// event. Recurrence data is kept apart so overrides can amend it.
type vevent struct {
	uid         string
	summary     string
	description string

	start   time.Time
	end     *time.Time
	allDay  bool
	startTZ string

	rrules  []string
	rdates  []string
	exdates []time.Time

	recurrenceID *time.Time
}

// ParseICS parses a single ICS payload into stored calendar events for src.
//
//   - Every event gets SourceType SUBSCRIPTION and src.Color.
//   - Ids are UUIDv5 values derived from src.TenantID, src.ID, the UID
//     and, for overrides, the RECURRENCE-ID, so they are stable across
//     refreshes and distinct between tenants sharing a feed.
//   - DATE values and floating date-times without TZID are read in
//     src.Location (UTC when nil).
//   - RRULE, RDATE and EXDATE are folded into a rule set text anchored by a
//     DTSTART line.
//   - A VEVENT carrying RECURRENCE-ID becomes a standalone event and the
//     instance it replaces is excluded from its base series.
//   - Malformed VEVENTs are logged and skipped.
func ParseICS(src Source, body []byte) ([]model.CalendarEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if !bytes.Contains(bytes.ToUpper(body), []byte("BEGIN:VCALENDAR")) {
		return nil, errors.New("body is not a VCALENDAR")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	loc := src.Location
	if loc == nil {
		loc = time.UTC
	}

	parsed := make([]vevent, 0, len(cal.Events()))
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "id", src.ID, "url", redactURL(src.URL), "err", perr.Error())
			continue
		}
		parsed = append(parsed, ev)
	}

	// Overridden instances are removed from their series.
	bases := make(map[string]int, len(parsed))
	for i, ev := range parsed {
		if ev.recurrenceID == nil {
			bases[ev.uid] = i
		}
	}
	for _, ev := range parsed {
		if ev.recurrenceID == nil {
			continue
		}
		if i, ok := bases[ev.uid]; ok {
			parsed[i].exdates = append(parsed[i].exdates, *ev.recurrenceID)
		}
	}

	events := make([]model.CalendarEvent, 0, len(parsed))
	for _, ev := range parsed {
		events = append(events, ev.toModel(src, loc))
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func (v vevent) toModel(src Source, loc *time.Location) model.CalendarEvent {
	key := src.TenantID + "\x00" + src.ID + "\x00" + v.uid
	if v.recurrenceID != nil {
		key += "\x00" + v.recurrenceID.UTC().Format(utcLayout)
	}

	ev := model.CalendarEvent{
		ID:          uuid.NewSHA1(eventNamespace, []byte(key)).String(),
		TenantID:    src.TenantID,
		Title:       v.summary,
		Description: v.description,
		StartAt:     v.start,
		EndAt:       v.end,
		IsAllDay:    v.allDay,
		Color:       src.Color,
		SourceType:  model.SourceSubscription,
	}
	if v.recurrenceID == nil {
		ev.RecurrenceRule = v.ruleText(loc)
	}
	return ev
}

// ruleText renders the recurrence of v as rule set lines, or "" when v
// does not recur.
func (v vevent) ruleText(loc *time.Location) string {
	if len(v.rrules) == 0 && len(v.rdates) == 0 {
		return ""
	}

	lines := make([]string, 0, 1+len(v.rrules)+len(v.rdates)+1)
	lines = append(lines, dtstartLine(v.start, v.startTZ, v.allDay, loc))
	for _, r := range v.rrules {
		lines = append(lines, "RRULE:"+r)
	}
	lines = append(lines, v.rdates...)
	if len(v.exdates) > 0 {
		parts := make([]string, 0, len(v.exdates))
		for _, t := range v.exdates {
			parts = append(parts, t.UTC().Format(utcLayout))
		}
		lines = append(lines, "EXDATE:"+strings.Join(parts, ","))
	}
	return strings.Join(lines, "\n")
}

// dtstartLine anchors the rule set. All-day series are anchored at local
// midnight in loc so DST changes do not move them to another day.
func dtstartLine(start time.Time, tzid string, allDay bool, loc *time.Location) string {
	if allDay && loc != time.UTC {
		if _, err := time.LoadLocation(loc.String()); err == nil {
			return "DTSTART;TZID=" + loc.String() + ":" + start.In(loc).Format(floatingLayout)
		}
	}
	if tzid != "" && !allDay {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return "DTSTART;TZID=" + tzid + ":" + start.In(loc).Format(floatingLayout)
		}
	}
	return "DTSTART:" + start.UTC().Format(utcLayout)
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (vevent, error) {
	var out vevent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.uid = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.description = unescapeText(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.uid)
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("event %s: DTSTART: %w", out.uid, err)
	}
	out.start = start
	out.allDay = allDay
	out.startTZ = param(dtStart.ICalParameters, "TZID")

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, endAllDay, err := propTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("event %s: DTEND: %w", out.uid, err)
		}
		if endAllDay {
			// DATE ends are exclusive; stored ends are inclusive.
			end = end.Add(-time.Millisecond)
		}
		if end.Before(start) {
			end = start
		}
		out.end = &end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, fmt.Errorf("event %s: DURATION: %w", out.uid, err)
		}
		end := start.Add(d)
		out.end = &end
	case allDay:
		end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
		out.end = &end
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyRrule) {
		if r := strings.TrimSpace(p.Value); r != "" {
			out.rrules = append(out.rrules, r)
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyRdate) {
		for _, part := range strings.Split(p.Value, ",") {
			t, _, err := propTime(part, p.ICalParameters, loc)
			if err != nil {
				continue
			}
			out.rdates = append(out.rdates, "RDATE:"+t.UTC().Format(utcLayout))
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			t, _, err := propTime(part, p.ICalParameters, loc)
			if err != nil {
				continue
			}
			out.exdates = append(out.exdates, t)
		}
	}

	if rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId); rid != nil {
		t, _, err := propTime(rid.Value, rid.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("event %s: RECURRENCE-ID: %w", out.uid, err)
		}
		out.recurrenceID = &t
	}

	return out, nil
}

// propTime parses a DATE or DATE-TIME value. DATE values are midnight in
// loc. TZID is honored for floating date-times; unknown zones and floating
// values without TZID are read in loc. The bool result reports a DATE value.
func propTime(value string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation(dateLayout, v, loc)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(utcLayout, v)
		return t, false, err
	}

	zone := loc
	if tzid := param(params, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			zone = l
		}
	}
	t, err := time.ParseInLocation(floatingLayout, v, zone)
	return t, false, err
}

func param(params map[string][]string, key string) string {
	if vs := params[key]; len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

// parseDuration parses an RFC 5545 DURATION value such as PT1H30M or P1D.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if !strings.ContainsAny(v, "0123456789") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	prop := goical.NewProp(goical.PropDuration)
	prop.Value = v
	d, err := prop.Duration()
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
