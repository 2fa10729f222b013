package sqs

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
)

const receiveCountAttribute = string(types.MessageSystemAttributeNameApproximateReceiveCount)

// Job is one reserved SQS message. It lives for a single reservation: a redelivered
// message becomes a new Job with a higher attempt count.
type Job struct {
	client         API
	message        types.Message
	connectionName string
	queue          string
	dispatcher     lifecycle.Dispatcher
	payload        *jobs.Payload

	mu             sync.Mutex
	deleted        bool
	released       bool
	failed         bool
	skipCompletion bool
}

var (
	_ jobs.Job               = (*Job)(nil)
	_ jobs.CompletionSkipper = (*Job)(nil)
)

// NewJob wraps a received message and raises exactly one JobReserved event before
// returning. A body that is not a JSON object cannot be correlated and is rejected.
func NewJob(
	ctx context.Context,
	client API,
	message types.Message,
	connectionName string,
	queue string,
	dispatcher lifecycle.Dispatcher,
) (*Job, error) {
	payload, err := jobs.ParsePayload(aws.ToString(message.Body))
	if err != nil {
		return nil, err
	}
	job := &Job{
		client:         client,
		message:        message,
		connectionName: connectionName,
		queue:          queue,
		dispatcher:     dispatcher,
		payload:        payload,
	}

	event := lifecycle.Stamp(lifecycle.NewJobReserved(job.ReservedJob()), connectionName, queue)
	if err := lifecycle.Fire(ctx, dispatcher, event); err != nil {
		return nil, err
	}
	return job, nil
}

// ID returns the correlation id from the payload, or the SQS message id for payloads that
// carry none.
func (j *Job) ID() string {
	if id := j.payload.ID(); id != "" {
		return id
	}
	return j.MessageID()
}

// MessageID returns the transport-assigned message id.
func (j *Job) MessageID() string { return aws.ToString(j.message.MessageId) }

// Attempts returns the approximate receive count. SQS counts the current delivery, so the
// first reservation reports 1.
func (j *Job) Attempts() int {
	raw := strings.TrimSpace(j.message.Attributes[receiveCountAttribute])
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (j *Job) RawBody() string        { return aws.ToString(j.message.Body) }
func (j *Job) ConnectionName() string { return j.connectionName }
func (j *Job) Queue() string          { return j.queue }

// Payload returns a copy of the decoded message body.
func (j *Job) Payload() *jobs.Payload { return j.payload.Clone() }

// ReservedJob returns the payload as it looked at reservation time, attempts included.
// Listeners use it instead of re-reading a message that may already be gone.
func (j *Job) ReservedJob() *jobs.Payload {
	return j.payload.WithAttempts(j.Attempts())
}

// MaxTries returns the payload's maxTries, zero when unlimited.
func (j *Job) MaxTries() int { return j.payload.MaxTries() }

// Delete removes the message from the queue and then raises JobDeleted. When the
// transport call fails no event is raised and the message becomes visible again once its
// visibility timeout expires.
func (j *Job) Delete(ctx context.Context) error {
	_, err := j.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(j.queue),
		ReceiptHandle: j.message.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("%w: delete message %s: %v", jobs.ErrTransport, j.MessageID(), err)
	}

	j.mu.Lock()
	j.deleted = true
	j.mu.Unlock()

	event := lifecycle.Stamp(lifecycle.NewJobDeleted(j, j.Payload()), j.connectionName, j.queue)
	return lifecycle.Fire(ctx, j.dispatcher, event)
}

// Release makes the message visible again after delay.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if err := j.changeVisibility(ctx, delay); err != nil {
		return fmt.Errorf("%w: release message %s: %v", jobs.ErrTransport, j.MessageID(), err)
	}
	j.mu.Lock()
	j.released = true
	j.mu.Unlock()
	return nil
}

// Extend keeps the message hidden for another d while a handler is still running.
func (j *Job) Extend(ctx context.Context, d time.Duration) error {
	if err := j.changeVisibility(ctx, d); err != nil {
		return fmt.Errorf("%w: extend visibility of %s: %v", jobs.ErrTransport, j.MessageID(), err)
	}
	return nil
}

func (j *Job) changeVisibility(ctx context.Context, d time.Duration) error {
	seconds := int32(0)
	if d > 0 {
		seconds = int32(math.Ceil(d.Seconds()))
	}
	_, err := j.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(j.queue),
		ReceiptHandle:     j.message.ReceiptHandle,
		VisibilityTimeout: seconds,
	})
	return err
}

// MarkAsFailed flags the job as permanently failed.
func (j *Job) MarkAsFailed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed = true
}

func (j *Job) HasFailed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

func (j *Job) IsDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deleted
}

func (j *Job) IsReleased() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.released
}

// SkipCompletion opts the job out of completion tracking: when it is deleted without
// failing it is only removed from the pending set.
func (j *Job) SkipCompletion() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.skipCompletion = true
}

// ShouldSkipMarkAsCompleted implements jobs.CompletionSkipper.
func (j *Job) ShouldSkipMarkAsCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.skipCompletion
}
