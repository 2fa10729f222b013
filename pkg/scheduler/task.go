package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field cron and descriptors such as "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// TaskFunc is the work a task performs on each run.
type TaskFunc func(ctx context.Context) error

// Task is one periodic unit of maintenance work.
type Task struct {
	Name string
	// Schedule is "@every <duration>", a descriptor such as "@daily", or a five-field cron
	// expression.
	Schedule string
	// Timezone applies to cron schedules. Empty means UTC.
	Timezone string
	// LockTTL defaults to the runtime's DefaultLockTTL.
	LockTTL time.Duration
	// Timeout defaults to the runtime's RunTimeout.
	Timeout time.Duration
	Run     TaskFunc

	schedule Schedule
}

// Validate checks the task and compiles its schedule.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q has no run function", t.Name))
	}
	loc := time.UTC
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
		}
	}
	schedule, err := ParseSchedule(t.Schedule, loc)
	if err != nil {
		return err
	}
	t.schedule = schedule
	return nil
}

// Schedule yields the run times of a task.
type Schedule interface {
	// Next returns the first run time strictly after now, in UTC.
	Next(now time.Time) time.Time
}

// ParseSchedule compiles "@every <duration>", a descriptor such as "@daily", or a
// five-field cron expression evaluated in loc (UTC when nil).
func ParseSchedule(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schedulerError(ErrValidation, "schedule is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if raw, ok := strings.CutPrefix(expr, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return nil, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return everySchedule(interval), nil
	}

	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid schedule %q", expr)), err)
	}
	return cronSchedule{spec: spec, loc: loc}, nil
}

// everySchedule fires on whole multiples of the interval, so processes sharing a lock
// backend agree on the run instants.
type everySchedule time.Duration

func (e everySchedule) Next(now time.Time) time.Time {
	interval := time.Duration(e)
	return now.UTC().Truncate(interval).Add(interval)
}

type cronSchedule struct {
	spec cronlib.Schedule
	loc  *time.Location
}

func (c cronSchedule) Next(now time.Time) time.Time {
	next := c.spec.Next(now.In(c.loc))
	if next.IsZero() {
		// No match within the parser's search horizon; park far in the future.
		return now.Add(100 * 365 * 24 * time.Hour).UTC()
	}
	return next.UTC()
}
