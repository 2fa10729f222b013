package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/tracing"
)

const (
	// DefaultConnectionName names the connection when the config leaves it empty.
	DefaultConnectionName = "sqs"
	// MaxDelay is the longest delivery delay SQS accepts.
	MaxDelay = 15 * time.Minute

	defaultOperationTimeout = 30 * time.Second
	defaultWaitTimeSeconds  = 0
)

// Config configures one SQS connection.
type Config struct {
	ConnectionName  string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Queue is the default queue, either a name resolved against Prefix or a full URL.
	Queue  string
	Prefix string
	Suffix string

	OperationTimeout  time.Duration
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

func (c *Config) normalize() {
	c.ConnectionName = strings.TrimSpace(c.ConnectionName)
	if c.ConnectionName == "" {
		c.ConnectionName = DefaultConnectionName
	}
	c.Queue = strings.TrimSpace(c.Queue)
	c.Prefix = strings.TrimSpace(c.Prefix)
	c.Suffix = strings.TrimSpace(c.Suffix)
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.WaitTimeSeconds < 0 {
		c.WaitTimeSeconds = defaultWaitTimeSeconds
	}
}

// Queue pushes and pops jobs on SQS and raises lifecycle events for each successful
// transition.
type Queue struct {
	client     API
	dispatcher lifecycle.Dispatcher
	log        logger.Logger
	config     Config

	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewQueue creates a queue over client. dispatcher may be nil, in which case no lifecycle
// events are raised.
func NewQueue(client API, cfg Config, dispatcher lifecycle.Dispatcher, log logger.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Queue == "" {
		return nil, errors.New("sqs default queue is required")
	}
	return &Queue{
		client:     client,
		dispatcher: dispatcher,
		log:        log.With("connection", cfg.ConnectionName),
		config:     cfg,
		now:        time.Now,
	}, nil
}

// ConnectionName returns the configured connection name.
func (q *Queue) ConnectionName() string { return q.config.ConnectionName }

// SetDispatcher binds or unbinds (nil) the lifecycle dispatcher.
func (q *Queue) SetDispatcher(d lifecycle.Dispatcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatcher = d
}

func (q *Queue) currentDispatcher() lifecycle.Dispatcher {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dispatcher
}

// PushOption adjusts a single send.
type PushOption func(*pushOptions)

type pushOptions struct {
	delay     time.Duration
	deliverAt time.Time
}

// WithDelay delays delivery by d.
func WithDelay(d time.Duration) PushOption {
	return func(o *pushOptions) { o.delay = d }
}

// WithDeliverAt delays delivery until t.
func WithDeliverAt(t time.Time) PushOption {
	return func(o *pushOptions) { o.deliverAt = t }
}

// Push builds the payload for command, sends it to queue (the default queue when empty)
// and returns the job id.
func (q *Queue) Push(ctx context.Context, command any, queue string, opts ...PushOption) (string, error) {
	payload, err := jobs.CreatePayload(command)
	if err != nil {
		return "", err
	}
	return q.pushPayload(ctx, command, payload, queue, opts...)
}

// Later pushes command for delivery after delay.
func (q *Queue) Later(ctx context.Context, delay time.Duration, command any, queue string) (string, error) {
	return q.Push(ctx, command, queue, WithDelay(delay))
}

// PushRaw sends an already encoded payload. The payload must carry a uuid.
func (q *Queue) PushRaw(ctx context.Context, raw string, queue string, opts ...PushOption) (string, error) {
	payload, err := jobs.ParsePayload(raw)
	if err != nil {
		return "", err
	}
	return q.pushPayload(ctx, nil, payload, queue, opts...)
}

func (q *Queue) pushPayload(ctx context.Context, command any, payload *jobs.Payload, queue string, opts ...PushOption) (string, error) {
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	prepared, err := payload.Prepare(command)
	if err != nil {
		return "", err
	}

	options := pushOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	queueURL := q.QueueURL(queue)
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(prepared.Value()),
	}
	if options.deliverAt.IsZero() && options.delay > 0 {
		options.deliverAt = q.now().Add(options.delay)
	}
	if !options.deliverAt.IsZero() {
		seconds, err := q.secondsUntil(options.deliverAt)
		if err != nil {
			return "", err
		}
		input.DelaySeconds = seconds
	}

	traceCtx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("sqs"),
		tracing.WithMessagingDestination(queueURL),
		tracing.WithMessagingMessageID(prepared.ID()),
		tracing.WithMessagingPayloadSize(len(*input.MessageBody)),
	)
	defer span.End()

	opCtx, cancel := context.WithTimeout(traceCtx, q.config.OperationTimeout)
	out, err := q.client.SendMessage(opCtx, input)
	cancel()
	if err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("%w: send message to %s: %v", jobs.ErrTransport, queueURL, err)
	}
	q.log.Debug("job pushed",
		"job_id", prepared.ID(),
		"queue", queueURL,
		"message_id", aws.ToString(out.MessageId),
		"delay_seconds", input.DelaySeconds,
	)

	event := lifecycle.Stamp(lifecycle.NewJobPushed(prepared.Clone()), q.config.ConnectionName, queueURL)
	if err := lifecycle.Fire(traceCtx, q.currentDispatcher(), event); err != nil {
		tracing.RecordError(span, err)
		return prepared.ID(), err
	}
	tracing.RecordSuccess(span)
	return prepared.ID(), nil
}

// Pop receives the next message from queue. It returns nil, nil when the queue is empty.
// The returned job has already raised its JobReserved event.
func (q *Queue) Pop(ctx context.Context, queue string) (*Job, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	queueURL := q.QueueURL(queue)

	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout+time.Duration(q.config.WaitTimeSeconds)*time.Second)
	out, err := q.client.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.config.WaitTimeSeconds,
		VisibilityTimeout:   q.config.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: receive message from %s: %v", jobs.ErrTransport, queueURL, err)
	}
	if out == nil || len(out.Messages) == 0 {
		return nil, nil
	}

	job, err := NewJob(ctx, q.client, out.Messages[0], q.config.ConnectionName, queueURL, q.currentDispatcher())
	if err != nil {
		q.log.Warn("reserved message could not be tracked",
			"queue", queueURL,
			"message_id", aws.ToString(out.Messages[0].MessageId),
			"error", err,
		)
		return nil, err
	}
	return job, nil
}

// Size returns the approximate number of visible messages in queue.
func (q *Queue) Size(ctx context.Context, queue string) (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	queueURL := q.QueueURL(queue)
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	out, err := q.client.GetQueueAttributes(opCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: queue attributes for %s: %v", jobs.ErrTransport, queueURL, err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message count %q", jobs.ErrTransport, raw)
	}
	return size, nil
}

// ReadyNow returns the number of jobs ready to process. SQS has no separate delayed
// count, so it equals Size.
func (q *Queue) ReadyNow(ctx context.Context, queue string) (int, error) {
	return q.Size(ctx, queue)
}

// HealthCheck verifies the default queue is reachable.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if _, err := q.Size(ctx, ""); err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

// Close marks the queue closed. The SQS client holds no connections to release.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// QueueURL resolves queue (or the default queue) to a full URL. Full URLs are returned
// unchanged; names are appended to the prefix and suffixed once.
func (q *Queue) QueueURL(queue string) string {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = q.config.Queue
	}
	if isURL(queue) {
		return queue
	}
	if q.config.Suffix != "" && !strings.HasSuffix(queue, q.config.Suffix) {
		queue += q.config.Suffix
	}
	if q.config.Prefix == "" {
		return queue
	}
	return strings.TrimRight(q.config.Prefix, "/") + "/" + queue
}

func (q *Queue) secondsUntil(t time.Time) (int32, error) {
	delay := t.Sub(q.now())
	if delay <= 0 {
		return 0, nil
	}
	if delay > MaxDelay {
		return 0, jobs.Errorf(jobs.ErrValidation, "delay %s exceeds the sqs maximum of %s", delay.Round(time.Second), MaxDelay)
	}
	return int32(math.Ceil(delay.Seconds())), nil
}

func (q *Queue) ensureOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "sqs queue %s is closed", q.config.ConnectionName)
	}
	return nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
