package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const dtStartLayout = "20060102T150405Z"

// ValidateRule reports whether rule parses as a recurrence rule set. anchor
// is used as DTSTART when the rule does not carry one. SECONDLY and
// MINUTELY rules must be bounded by COUNT or UNTIL.
func ValidateRule(rule string, anchor time.Time) error {
	if _, err := parseRule(rule, anchor); err != nil {
		return err
	}

	for _, line := range splitRuleLines(rule) {
		upper := strings.ToUpper(line)
		var body string
		switch {
		case strings.HasPrefix(upper, "FREQ="):
			body = line
		case strings.HasPrefix(upper, "RRULE"):
			_, body, _ = strings.Cut(line, ":")
		default:
			continue
		}
		opt, err := rrule.StrToROption(body)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecurrenceRule, err)
		}
		if (opt.Freq == rrule.SECONDLY || opt.Freq == rrule.MINUTELY) && opt.Count == 0 && opt.Until.IsZero() {
			return fmt.Errorf("%w: sub-hourly rule needs COUNT or UNTIL", ErrInvalidRecurrenceRule)
		}
	}
	return nil
}

// parseRule builds an rrule.Set from stored rule text. Accepted forms:
//
//	DTSTART:20240601T090000Z\nRRULE:FREQ=DAILY;COUNT=5
//	RRULE:FREQ=WEEKLY;BYDAY=MO\nEXDATE:20240610T090000Z
//	FREQ=DAILY;COUNT=3
//
// A missing DTSTART is filled from anchor; a bare rule body becomes an
// RRULE line. Lines may be separated by "\n" or "\r\n".
func parseRule(rule string, anchor time.Time) (*rrule.Set, error) {
	lines := splitRuleLines(rule)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRecurrenceRule)
	}

	var dtstart string
	body := make([]string, 0, len(lines))
	generators := 0

	for _, line := range lines {
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DTSTART"):
			if dtstart != "" {
				return nil, fmt.Errorf("%w: more than one DTSTART", ErrInvalidRecurrenceRule)
			}
			dtstart = line
			continue
		case strings.HasPrefix(upper, "FREQ="):
			line = "RRULE:" + line
			generators++
		case strings.HasPrefix(upper, "RRULE"), strings.HasPrefix(upper, "RDATE"):
			generators++
		}
		body = append(body, line)
	}

	if generators == 0 {
		return nil, fmt.Errorf("%w: no RRULE or RDATE line", ErrInvalidRecurrenceRule)
	}
	if dtstart == "" {
		dtstart = "DTSTART:" + anchor.UTC().Format(dtStartLayout)
	}

	// DTSTART must come first for the parser.
	set, err := rrule.StrSliceToRRuleSet(append([]string{dtstart}, body...))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecurrenceRule, err)
	}
	return set, nil
}

func splitRuleLines(rule string) []string {
	raw := strings.FieldsFunc(rule, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
