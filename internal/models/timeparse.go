package models

import (
	"strings"
	"time"

	"callbridge/internal/errors"
)

// DefaultScheduleDelay applies when a scheduling request omits scheduled_at.
const DefaultScheduleDelay = time.Minute

// DBTimeLayout is how naive local timestamps are written back to clients.
const DBTimeLayout = "2006-01-02 15:04:05"

// ScheduleFormats are the accepted scheduled_at layouts, most specific first.
var ScheduleFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	DBTimeLayout,
	"2006-01-02 15:04",
	dateOnlyLayout,
}

const dateOnlyLayout = "2006-01-02"

// ParseScheduleTime parses raw in loc. Date-only values take the current
// time of day. An empty raw yields now+DefaultScheduleDelay.
func ParseScheduleTime(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Add(DefaultScheduleDelay), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range ScheduleFormats {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, raw)
		} else {
			t, err = time.ParseInLocation(layout, raw, loc)
		}
		if err != nil {
			continue
		}
		if layout == dateOnlyLayout {
			local := now.In(loc)
			t = time.Date(t.Year(), t.Month(), t.Day(), local.Hour(), local.Minute(), local.Second(), 0, loc)
		}
		return t, nil
	}
	return time.Time{}, errors.Invalidf("invalid date %q, use ISO 8601 (e.g. 2006-01-02T15:04:05Z)", raw)
}

// RequireFuture rejects t unless it is strictly after now.
func RequireFuture(t, now time.Time) error {
	if !t.After(now) {
		return errors.Invalidf("scheduled time %s must be in the future", t.UTC().Format(time.RFC3339))
	}
	return nil
}

// RequireFutureSchedule is RequireFuture for a value parsed from raw. A
// date-only raw resolves to the current time of day, so today's date is
// never in the future; the error says so.
func RequireFutureSchedule(raw string, t, now time.Time) error {
	err := RequireFuture(t, now)
	if err == nil || !IsDateOnly(raw) {
		return err
	}
	return errors.Invalidf("scheduled date %s without a time means that day at the current time, which is not in the future; add a time of day (e.g. %sT15:04:05)", strings.TrimSpace(raw), strings.TrimSpace(raw))
}

// IsDateOnly reports whether raw carries a date without a time of day.
func IsDateOnly(raw string) bool {
	_, err := time.Parse(dateOnlyLayout, strings.TrimSpace(raw))
	return err == nil
}
