package calendar

import (
	"strings"
	"time"

	"relcal/internal/model"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

// FormatTimestamp renders t in loc as "YYYY-MM-DD" for all-day events and
// "YYYY-MM-DD HH:mm" otherwise. Seconds are dropped.
func FormatTimestamp(t time.Time, allDay bool, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	if allDay {
		return local.Format(dateLayout)
	}
	return local.Format(dateTimeLayout)
}

// CalendarID is the display grouping key: the color when set, otherwise
// the lowercased source type.
func CalendarID(color string, source model.SourceType) string {
	if color != "" {
		return color
	}
	return strings.ToLower(string(source))
}
