// Package repository defines the job state store fed by lifecycle listeners.
//
// A job id lives in at most one of the pending, completed and failed sets. Every
// transition moves the id atomically, so concurrent workers reducing events for different
// jobs never observe an id in two sets.
package repository

import (
	"context"
	"time"

	"github.com/nimburion/jobwatch/pkg/jobs"
)

// Set names one of the mutually exclusive job sets.
type Set string

const (
	SetPending   Set = "pending"
	SetCompleted Set = "completed"
	SetFailed    Set = "failed"
)

// Sets lists every set in display order.
var Sets = []Set{SetPending, SetCompleted, SetFailed}

// Valid reports whether s names a known set.
func (s Set) Valid() bool {
	switch s {
	case SetPending, SetCompleted, SetFailed:
		return true
	}
	return false
}

// Status is the last lifecycle status recorded for a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// JobRecord is the stored view of one job.
type JobRecord struct {
	ID         string   `json:"id" yaml:"id"`
	Connection string   `json:"connection" yaml:"connection"`
	Queue      string   `json:"queue" yaml:"queue"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Status     Status   `json:"status" yaml:"status"`
	Attempts   int      `json:"attempts" yaml:"attempts"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Payload    string   `json:"payload" yaml:"payload"`
	Exception  string   `json:"exception,omitempty" yaml:"exception,omitempty"`
	Retained   bool     `json:"retained" yaml:"retained"`

	PushedAt    time.Time `json:"pushed_at" yaml:"pushed_at"`
	ReservedAt  time.Time `json:"reserved_at" yaml:"reserved_at"`
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
	FailedAt    time.Time `json:"failed_at" yaml:"failed_at"`
}

// JobRepository records job transitions. Payload arguments are the snapshots carried by
// lifecycle events.
type JobRepository interface {
	// Pushed stores the job and puts its id in the pending set.
	Pushed(ctx context.Context, connection, queue string, payload *jobs.Payload) error
	// Reserved records a delivery attempt. Set membership is unchanged.
	Reserved(ctx context.Context, connection, queue string, payload *jobs.Payload) error
	// RemoveJobFromPending drops the id from pending without recording an outcome.
	RemoveJobFromPending(ctx context.Context, payload *jobs.Payload) error
	// Completed moves the id from pending into completed, or into failed when failed is
	// true, and stores the payload snapshot. Repeating the call is harmless.
	Completed(ctx context.Context, payload *jobs.Payload, failed bool) error
	// Failed moves the id into the failed set and stores the failure text.
	Failed(ctx context.Context, cause error, connection, queue string, payload *jobs.Payload) error
	// Remember retains the job beyond normal expiry, indexed by its monitored tags.
	Remember(ctx context.Context, connection, queue string, payload *jobs.Payload) error

	// Find returns the record for id or an ErrNotFound-classified error.
	Find(ctx context.Context, id string) (*JobRecord, error)
	// List returns up to limit records of set, newest first. limit <= 0 means all.
	List(ctx context.Context, set Set, limit int) ([]JobRecord, error)
	Count(ctx context.Context, set Set) (int, error)
	// SetsOf returns every set currently holding id.
	SetsOf(ctx context.Context, id string) ([]Set, error)
	// Trim expires records older than their retention. Retained jobs are kept.
	Trim(ctx context.Context) (int, error)
}

// TagRepository tracks which tags are monitored and which jobs carry them.
type TagRepository interface {
	// Monitored returns the subset of tags currently monitored, in input order.
	Monitored(ctx context.Context, tags []string) ([]string, error)
	Monitor(ctx context.Context, tag string) error
	// StopMonitoring forgets tag and its job index.
	StopMonitoring(ctx context.Context, tag string) error
	// Monitoring lists monitored tags sorted by name.
	Monitoring(ctx context.Context) ([]string, error)
	// Add indexes id under each tag.
	Add(ctx context.Context, id string, tags []string) error
	// JobIDs lists ids indexed under tag, newest first.
	JobIDs(ctx context.Context, tag string) ([]string, error)
}

// Store is a repository serving both contracts from one backend.
type Store interface {
	JobRepository
	TagRepository
	HealthCheck(ctx context.Context) error
	Close() error
}

// Retention controls how long records live before Trim drops them.
type Retention struct {
	Pending   time.Duration `mapstructure:"pending"`
	Completed time.Duration `mapstructure:"completed"`
	Failed    time.Duration `mapstructure:"failed"`
}

// DefaultRetention keeps recent jobs for an hour and failures for a week.
func DefaultRetention() Retention {
	return Retention{
		Pending:   time.Hour,
		Completed: time.Hour,
		Failed:    7 * 24 * time.Hour,
	}
}

// Normalize fills zero durations with defaults.
func (r *Retention) Normalize() {
	def := DefaultRetention()
	if r.Pending <= 0 {
		r.Pending = def.Pending
	}
	if r.Completed <= 0 {
		r.Completed = def.Completed
	}
	if r.Failed <= 0 {
		r.Failed = def.Failed
	}
}

// For returns the retention of set.
func (r Retention) For(set Set) time.Duration {
	switch set {
	case SetCompleted:
		return r.Completed
	case SetFailed:
		return r.Failed
	default:
		return r.Pending
	}
}

// JobID returns the id of payload or a validation error when it has none.
func JobID(payload *jobs.Payload) (string, error) {
	if payload == nil {
		return "", jobs.Errorf(jobs.ErrValidation, "payload is required")
	}
	id := payload.ID()
	if id == "" {
		return "", jobs.Errorf(jobs.ErrValidation, "payload has no id")
	}
	return id, nil
}

// Intersect returns the tags of candidates that appear in monitored, keeping candidate
// order and dropping duplicates.
func Intersect(candidates []string, monitored map[string]struct{}) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, tag := range candidates {
		if _, ok := monitored[tag]; !ok {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
