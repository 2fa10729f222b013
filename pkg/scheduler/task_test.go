package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseSchedule_Next(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 7, 30, 0, time.UTC) // Tuesday
	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{"every aligns to epoch", "@every 15m", base, time.Date(2026, 3, 10, 14, 15, 0, 0, time.UTC)},
		{"every on a boundary moves forward", "@every 1h", time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)},
		{"step minutes", "*/5 * * * *", base, time.Date(2026, 3, 10, 14, 10, 0, 0, time.UTC)},
		{"fixed minute", "15 * * * *", base, time.Date(2026, 3, 10, 14, 15, 0, 0, time.UTC)},
		{"fixed minute already passed", "5 * * * *", base, time.Date(2026, 3, 10, 15, 5, 0, 0, time.UTC)},
		{"daily", "30 2 * * *", base, time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC)},
		{"range and list", "0 9-17 * * 1,3", base, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
		{"sunday", "0 0 * * 0", base, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"weekday name", "0 0 * * SUN", base, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"daily descriptor", "@daily", base, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"hourly descriptor", "@hourly", base, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)},
		{"day of month or weekday", "0 0 1 * 3", base, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"month", "0 0 1 6 *", base, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr, nil)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.expr, err)
			}
			if got := s.Next(tt.now); !got.Equal(tt.want) {
				t.Fatalf("next(%s) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

func TestParseSchedule_Timezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s, err := ParseSchedule("0 3 * * *", loc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if got, want := s.Next(now), time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %s, want %s", got, want)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"@every",
		"@every soon",
		"@every -1m",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"@fortnightly",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
	} {
		if _, err := ParseSchedule(expr, nil); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseSchedule(%q): expected validation error, got %v", expr, err)
		}
	}
}

func TestTask_Validate(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		task Task
	}{
		{"missing name", Task{Schedule: "@every 1m", Run: noop}},
		{"missing run", Task{Name: "x", Schedule: "@every 1m"}},
		{"missing schedule", Task{Name: "x", Run: noop}},
		{"bad timezone", Task{Name: "x", Schedule: "0 * * * *", Timezone: "Mars/Olympus", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.task.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	task := Task{Name: "  trim ", Schedule: "@every 1m", Run: noop}
	if err := task.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if task.Name != "trim" || task.schedule == nil {
		t.Fatalf("validate must normalize the name and compile the schedule: %+v", task)
	}
}
