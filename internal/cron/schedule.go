package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, an optional
// leading seconds field, and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed job schedule.
type Schedule struct {
	// Kind is at, every, or cron.
	Kind     string        `json:"kind"`
	CronExpr string        `json:"cronExpr,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	At       time.Time     `json:"at,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// NewSchedule parses the schedule fields of a job config. Exactly one
// of expr, every, or at must be set.
func NewSchedule(expr, every, at, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	every = strings.TrimSpace(every)
	at = strings.TrimSpace(at)
	timezone = strings.TrimSpace(timezone)

	set := 0
	for _, v := range []string{expr, every, at} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	if set > 1 {
		return Schedule{}, fmt.Errorf("schedule, every, and at are mutually exclusive")
	}

	sched := Schedule{Timezone: timezone}
	switch {
	case at != "":
		parsed, err := parseAt(at, timezone)
		if err != nil {
			return Schedule{}, err
		}
		sched.Kind = "at"
		sched.At = parsed
	case every != "":
		d, err := ParseEvery(every)
		if err != nil {
			return Schedule{}, err
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("every must be positive")
		}
		sched.Kind = "every"
		sched.Every = d
	default:
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		sched.Kind = "cron"
		sched.CronExpr = expr
	}
	return sched, nil
}

// Next returns the next run time strictly after now. ok is false when
// the schedule has no further runs (a passed `at`).
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if !now.Before(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case "cron":
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Describe renders the schedule for status output.
func (s Schedule) Describe() string {
	switch s.Kind {
	case "at":
		return "at " + s.At.Format(time.RFC3339)
	case "every":
		return "every " + s.Every.String()
	case "cron":
		if s.Timezone != "" {
			return s.CronExpr + " (" + s.Timezone + ")"
		}
		return s.CronExpr
	default:
		return ""
	}
}

// ParseEvery parses an interval. A bare number means minutes, matching
// the heartbeat `every` convention.
func ParseEvery(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(n * float64(time.Minute)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	return d, nil
}

func parseAt(value, tz string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			for _, layout := range layouts {
				if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
					return parsed, nil
				}
			}
		}
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp %q", value)
}
