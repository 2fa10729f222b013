package listeners

import (
	"context"
	"errors"

	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
)

// MarshalFailedEvent turns the worker's generic failure notification into a typed
// JobFailed for SQS jobs. Jobs of other transports are left to their own listeners.
type MarshalFailedEvent struct {
	dispatcher lifecycle.Dispatcher
}

// NewMarshalFailedEvent creates the marshaller. Typed events go out through dispatcher.
func NewMarshalFailedEvent(dispatcher lifecycle.Dispatcher) (*MarshalFailedEvent, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &MarshalFailedEvent{dispatcher: dispatcher}, nil
}

// Handle dispatches JobFailed carrying the reserved snapshot of the job.
func (l *MarshalFailedEvent) Handle(ctx context.Context, e *lifecycle.QueueJobFailed) error {
	job, ok := e.Job.(*sqs.Job)
	if !ok || job == nil {
		return nil
	}
	failed := lifecycle.Stamp(
		lifecycle.NewJobFailed(e.Err, job, job.ReservedJob()),
		e.ConnectionName,
		job.Queue(),
	)
	return l.dispatcher.Dispatch(ctx, failed)
}
