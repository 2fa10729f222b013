package jobs

import (
	"context"
	"time"
)

// Job is one reserved queue job as seen by workers and lifecycle listeners.
// Transports implement it; listeners never assume a concrete type except where they
// filter on their own transport family.
type Job interface {
	// ID returns the stable correlation id shared by push, reserve and delete.
	ID() string
	// Attempts returns how many times the transport has delivered this message.
	Attempts() int
	RawBody() string
	Payload() *Payload
	ConnectionName() string
	Queue() string

	Delete(ctx context.Context) error
	Release(ctx context.Context, delay time.Duration) error
	MarkAsFailed()
	HasFailed() bool
	IsDeleted() bool
	IsReleased() bool
}

// CompletionSkipper is implemented by jobs that may opt out of completion tracking.
// A job reporting true is only dropped from the pending set when it finishes.
type CompletionSkipper interface {
	ShouldSkipMarkAsCompleted() bool
}

// Tagged commands contribute tags to their payload at push time.
type Tagged interface {
	Tags() []string
}

// Named commands choose the handler name the worker dispatches on.
type Named interface {
	JobName() string
}

// DisplayNamer commands override the name shown on the dashboard.
type DisplayNamer interface {
	DisplayName() string
}

// Typed commands override the payload type ("job" by default).
type Typed interface {
	JobType() string
}

// Tries commands cap the number of deliveries before the job is failed for good.
type Tries interface {
	Tries() int
}
