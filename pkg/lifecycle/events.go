// Package lifecycle defines the job lifecycle events raised by queue transports and the
// synchronous dispatcher that delivers them to listeners.
package lifecycle

import (
	"github.com/nimburion/jobwatch/pkg/jobs"
)

// Event names.
const (
	EventJobPushed      = "job.pushed"
	EventJobReserved    = "job.reserved"
	EventJobDeleted     = "job.deleted"
	EventJobFailed      = "job.failed"
	EventQueueJobFailed = "queue.job_failed"
)

// Event is one observed job-state transition. The set of implementations is closed.
type Event interface {
	EventName() string
	Connection() string
	QueueName() string
	// JobPayload returns the payload snapshot carried by the event, nil if none.
	JobPayload() *jobs.Payload
	lifecycleEvent()
}

// Stampable events accept the originating connection and queue before dispatch.
type Stampable interface {
	Event
	SetConnection(name string)
	SetQueue(name string)
}

// Base carries the routing fields shared by every event.
type Base struct {
	ConnectionName string
	Queue          string
}

func (b *Base) Connection() string        { return b.ConnectionName }
func (b *Base) QueueName() string         { return b.Queue }
func (b *Base) SetConnection(name string) { b.ConnectionName = name }
func (b *Base) SetQueue(name string)      { b.Queue = name }
func (*Base) lifecycleEvent()             {}

// Stamp sets connection and queue on e and returns it.
func Stamp[E Stampable](e E, connection, queue string) E {
	e.SetConnection(connection)
	e.SetQueue(queue)
	return e
}

// JobPushed fires after a payload was accepted by the transport.
type JobPushed struct {
	Base
	Payload *jobs.Payload
}

// NewJobPushed creates a pushed event for payload.
func NewJobPushed(payload *jobs.Payload) *JobPushed {
	return &JobPushed{Payload: payload}
}

func (*JobPushed) EventName() string           { return EventJobPushed }
func (e *JobPushed) JobPayload() *jobs.Payload { return e.Payload }

// JobReserved fires when a consumer took a message. Payload is the reserved snapshot,
// attempts included.
type JobReserved struct {
	Base
	Payload *jobs.Payload
}

// NewJobReserved creates a reserved event for the snapshot.
func NewJobReserved(snapshot *jobs.Payload) *JobReserved {
	return &JobReserved{Payload: snapshot}
}

func (*JobReserved) EventName() string           { return EventJobReserved }
func (e *JobReserved) JobPayload() *jobs.Payload { return e.Payload }

// JobDeleted fires after the transport confirmed the message deletion.
type JobDeleted struct {
	Base
	Job     jobs.Job
	Payload *jobs.Payload
}

// NewJobDeleted creates a deleted event.
func NewJobDeleted(job jobs.Job, payload *jobs.Payload) *JobDeleted {
	return &JobDeleted{Job: job, Payload: payload}
}

func (*JobDeleted) EventName() string           { return EventJobDeleted }
func (e *JobDeleted) JobPayload() *jobs.Payload { return e.Payload }

// JobFailed is the typed failure raised for jobs of this package's transport family.
type JobFailed struct {
	Base
	Err     error
	Job     jobs.Job
	Payload *jobs.Payload
}

// NewJobFailed creates a failed event. payload is the reserved snapshot of job.
func NewJobFailed(err error, job jobs.Job, payload *jobs.Payload) *JobFailed {
	return &JobFailed{Err: err, Job: job, Payload: payload}
}

func (*JobFailed) EventName() string           { return EventJobFailed }
func (e *JobFailed) JobPayload() *jobs.Payload { return e.Payload }

// QueueJobFailed is the generic notification a worker raises when any job, from any
// transport, failed for good. Listeners translate it into a JobFailed when they recognise
// the job's transport.
type QueueJobFailed struct {
	Base
	Job jobs.Job
	Err error
}

// NewQueueJobFailed creates the generic failure notification.
func NewQueueJobFailed(connection string, job jobs.Job, err error) *QueueJobFailed {
	e := &QueueJobFailed{Job: job, Err: err}
	e.ConnectionName = connection
	if job != nil {
		e.Queue = job.Queue()
	}
	return e
}

func (*QueueJobFailed) EventName() string { return EventQueueJobFailed }

func (e *QueueJobFailed) JobPayload() *jobs.Payload {
	if e.Job == nil {
		return nil
	}
	return e.Job.Payload()
}
