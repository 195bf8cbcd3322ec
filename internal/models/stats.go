package models

import (
	"time"

	"callbridge/internal/errors"
)

// Period names accepted by the stats report.
const (
	PeriodToday     = "today"
	PeriodYesterday = "yesterday"
	PeriodWeek      = "week"
	PeriodMonth     = "month"
)

// TopFailedLimit bounds the failing-task list of the stats report.
const TopFailedLimit = 10

// Window is a half-open [From, To) interval over created_at.
type Window struct {
	Period string
	From   time.Time
	To     time.Time
}

// HourlyBreakdown reports whether by-hour buckets are meaningful for the window.
func (w Window) HourlyBreakdown() bool {
	return w.Period == PeriodToday || w.Period == PeriodYesterday
}

// PeriodWindow resolves a named period relative to now in loc. Week and
// month are rolling windows ending now.
func PeriodWindow(period string, now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch period {
	case "", PeriodToday:
		return Window{Period: PeriodToday, From: midnight, To: midnight.AddDate(0, 0, 1)}, nil
	case PeriodYesterday:
		return Window{Period: PeriodYesterday, From: midnight.AddDate(0, 0, -1), To: midnight}, nil
	case PeriodWeek:
		return Window{Period: PeriodWeek, From: local.AddDate(0, 0, -7), To: local}, nil
	case PeriodMonth:
		return Window{Period: PeriodMonth, From: local.AddDate(0, -1, 0), To: local}, nil
	}
	return Window{}, errors.Invalidf("period must be one of today, yesterday, week, month")
}

// StatsSummary aggregates one window.
type StatsSummary struct {
	Total             int64      `json:"total"`
	Pending           int64      `json:"pending"`
	Processing        int64      `json:"processing"`
	Completed         int64      `json:"completed"`
	Failed            int64      `json:"failed"`
	Cancelled         int64      `json:"cancelled"`
	AvgRetries        float64    `json:"avg_retries"`
	EarliestScheduled *time.Time `json:"earliest_scheduled,omitempty"`
	LatestScheduled   *time.Time `json:"latest_scheduled,omitempty"`
}

// Add counts n tasks of status st.
func (s *StatsSummary) Add(st Status, n int64) {
	s.Total += n
	switch st {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// ByStatus flattens the summary for gauges and logs.
func (s StatsSummary) ByStatus() map[Status]int64 {
	return map[Status]int64{
		StatusPending:    s.Pending,
		StatusProcessing: s.Processing,
		StatusCompleted:  s.Completed,
		StatusFailed:     s.Failed,
		StatusCancelled:  s.Cancelled,
	}
}

type PriorityStat struct {
	Priority  int   `json:"priority"`
	Count     int64 `json:"count"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type HourStat struct {
	Hour      int   `json:"hour"`
	Count     int64 `json:"count"`
	Completed int64 `json:"completed"`
}

// Stats is the report returned by GET /reports/stats.
type Stats struct {
	Period     string         `json:"period"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Summary    StatsSummary   `json:"summary"`
	ByPriority []PriorityStat `json:"by_priority"`
	ByHour     []HourStat     `json:"by_hour,omitempty"`
	TopFailed  []Task         `json:"top_failed"`
}
