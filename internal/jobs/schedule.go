package jobs

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleType distinguishes one-shot from recurring crawlers.
type ScheduleType string

// Schedule types.
const (
	ScheduleOneTime   ScheduleType = "one_time"
	ScheduleRecurring ScheduleType = "recurring"
)

// NextRunsCached is how many upcoming instants are projected onto the job row.
const NextRunsCached = 5

// CrawlerSchedule is the scheduling value object carried as JSON on a crawler
// job. Cron fields are interpreted in Timezone; NextRuns is a cache of
// upcoming instants stored in UTC and always reconstructible from
// (cron, timezone, last fire).
type CrawlerSchedule struct {
	Type           ScheduleType `json:"type"`
	CronExpression string       `json:"cron_expression,omitempty"`
	Timezone       string       `json:"timezone"`
	NextRuns       []time.Time  `json:"next_runs,omitempty"`
}

// Validate checks the cron expression and time zone.
func (s *CrawlerSchedule) Validate() error {
	switch s.Type {
	case ScheduleOneTime:
		if s.CronExpression != "" {
			return Invalid("cron", "one_time schedule must not carry a cron expression")
		}
	case ScheduleRecurring:
		if s.CronExpression == "" {
			return Invalid("cron", "recurring schedule requires a cron expression")
		}
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return Invalid("cron", "invalid cron expression %q: %v", s.CronExpression, err)
		}
	default:
		return Invalid("schedule", "unknown schedule type %q", s.Type)
	}
	if _, err := s.Location(); err != nil {
		return Invalid("timezone", "invalid timezone %q: %v", s.Timezone, err)
	}
	return nil
}

// Location resolves the configured IANA zone, defaulting to UTC.
func (s *CrawlerSchedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// NextAfter computes the next fire instant strictly after t. The cron is
// evaluated in the schedule's zone and the result converted to UTC.
// Non-existent local times advance to the next valid instant; ambiguous local
// times resolve to the earlier one.
func (s *CrawlerSchedule) NextAfter(t time.Time) (time.Time, error) {
	if s.Type != ScheduleRecurring {
		return time.Time{}, Invalid("schedule", "next run is only defined for recurring schedules")
	}
	sched, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return time.Time{}, Invalid("cron", "invalid cron expression %q: %v", s.CronExpression, err)
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, Invalid("timezone", "invalid timezone %q: %v", s.Timezone, err)
	}
	return sched.Next(t.In(loc)).UTC(), nil
}

// NextN projects the n upcoming fire instants after t, in UTC ascending.
func (s *CrawlerSchedule) NextN(t time.Time, n int) ([]time.Time, error) {
	if s.Type != ScheduleRecurring {
		if len(s.NextRuns) > 0 && s.NextRuns[0].After(t) {
			return []time.Time{s.NextRuns[0].UTC()}, nil
		}
		return nil, nil
	}
	runs := make([]time.Time, 0, n)
	cursor := t
	for range n {
		next, err := s.NextAfter(cursor)
		if err != nil {
			return nil, err
		}
		runs = append(runs, next)
		cursor = next
	}
	return runs, nil
}

// Period estimates the schedule's cadence from two consecutive fires. Used to
// bound trigger TTLs.
func (s *CrawlerSchedule) Period(t time.Time) (time.Duration, error) {
	runs, err := s.NextN(t, 2)
	if err != nil {
		return 0, err
	}
	if len(runs) < 2 {
		return 0, nil
	}
	return runs[1].Sub(runs[0]), nil
}

// OneTime builds a one-shot schedule firing at the given instant.
func OneTime(at time.Time) *CrawlerSchedule {
	return &CrawlerSchedule{
		Type:     ScheduleOneTime,
		Timezone: "UTC",
		NextRuns: []time.Time{at.UTC()},
	}
}

// Recurring builds a recurring schedule and primes the next-runs cache.
func Recurring(expr, tz string, now time.Time) (*CrawlerSchedule, error) {
	s := &CrawlerSchedule{Type: ScheduleRecurring, CronExpression: expr, Timezone: tz}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	runs, err := s.NextN(now, NextRunsCached)
	if err != nil {
		return nil, err
	}
	s.NextRuns = runs
	return s, nil
}
