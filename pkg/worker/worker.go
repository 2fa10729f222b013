// Package worker pops jobs from an SQS queue and runs the handler registered for each job
// name, driving every job to a deletion, a release or a permanent failure so the
// lifecycle listeners see a complete history.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/observability/tracing"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
	"github.com/nimburion/jobwatch/pkg/resilience"
)

const (
	DefaultMaxTries       = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
	DefaultTimeout        = 60 * time.Second
	DefaultPollInterval   = time.Second
	DefaultStopTimeout    = 30 * time.Second

	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Status values reported to the processed-jobs metric.
const (
	StatusSuccess = "success"
	StatusRetry   = "retry"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// ErrNoHandler is the failure recorded for a job whose name has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// ErrMaxAttemptsExceeded is the failure recorded for a job delivered more times than its
// max tries allow, for example after a worker crashed mid-attempt.
var ErrMaxAttemptsExceeded = errors.New("job has been attempted too many times")

// Handler runs one job. A returned error or a panic counts as a failed attempt.
type Handler func(ctx context.Context, job *sqs.Job) error

// Source is the queue the worker pops from. *sqs.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context, queue string) (*sqs.Job, error)
	ConnectionName() string
}

var _ Source = (*sqs.Queue)(nil)

// Config controls polling, retries and shutdown.
type Config struct {
	// Queues to poll. An empty name polls the connection's default queue.
	Queues      []string      `mapstructure:"queues"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxTries    int           `mapstructure:"max_tries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PollRate caps receives per second for each poll loop. Zero disables the cap.
	PollRate float64 `mapstructure:"poll_rate"`

	// VisibilityExtension, when set, keeps a running job hidden by extending its
	// visibility every half period.
	VisibilityExtension time.Duration `mapstructure:"visibility_extension"`

	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`

	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

func (c *Config) normalize() {
	if len(c.Queues) == 0 {
		c.Queues = []string{""}
	}
	for i, q := range c.Queues {
		c.Queues[i] = strings.TrimSpace(q)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxTries <= 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff > sqs.MaxDelay {
		c.MaxBackoff = sqs.MaxDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Validate rejects settings normalize cannot repair.
func (c Config) Validate() error {
	if c.PollRate < 0 {
		return errors.New("worker.poll_rate must not be negative")
	}
	if c.VisibilityExtension < 0 {
		return errors.New("worker.visibility_extension must not be negative")
	}
	if c.InitialBackoff > 0 && c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return errors.New("worker.initial_backoff must not exceed worker.max_backoff")
	}
	return nil
}

// Worker polls its queues with a fixed number of loops each.
type Worker struct {
	source     Source
	dispatcher lifecycle.Dispatcher
	metrics    *metrics.JobMetrics
	log        logger.Logger
	config     Config
	breaker    *resilience.CircuitBreaker

	mu       sync.RWMutex
	handlers map[string]Handler

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration)
}

// New creates a worker. dispatcher receives the QueueJobFailed event for jobs that fail
// for good; m may be nil.
func New(source Source, dispatcher lifecycle.Dispatcher, m *metrics.JobMetrics, log logger.Logger, cfg Config) (*Worker, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	w := &Worker{
		source:     source,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log.With("connection", source.ConnectionName()),
		config:     cfg,
		breaker:    resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		handlers:   map[string]Handler{},
		sleep:      sleepContext,
	}
	w.breaker.OnStateChange(func(from, to resilience.State) {
		w.log.Warn("receive circuit changed state", "from", from.String(), "to", to.String())
	})
	return w, nil
}

// Register binds handler to a job name as found in the payload's "job" field.
func (w *Worker) Register(jobName string, handler Handler) error {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return errors.New("job name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobName] = handler
	return nil
}

// Start runs the poll loops and blocks until ctx is cancelled, then drains in-flight jobs
// within the stop timeout.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	w.log.Info("worker started", "queues", w.config.Queues, "concurrency", w.config.Concurrency)
	for _, queue := range w.config.Queues {
		for i := 0; i < w.config.Concurrency; i++ {
			w.wg.Add(1)
			go w.runQueueLoop(runCtx, queue)
		}
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop cancels the poll loops and waits for the running handlers.
func (w *Worker) Stop(ctx context.Context) error {
	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	case <-done:
		w.log.Info("worker stopped")
		return nil
	}
}

func (w *Worker) runQueueLoop(ctx context.Context, queue string) {
	defer w.wg.Done()

	var limiter *rate.Limiter
	if w.config.PollRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.config.PollRate), 1)
	}

	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		processed, err := w.RunNext(ctx, queue)
		switch {
		case errors.Is(err, resilience.ErrCircuitBreakerOpen):
			w.sleep(ctx, w.config.PollInterval)
		case err != nil:
			if ctx.Err() == nil {
				w.log.Warn("worker iteration failed", "queue", queue, "error", err)
			}
			w.sleep(ctx, w.config.PollInterval)
		case !processed:
			w.sleep(ctx, w.config.PollInterval)
		}
	}
}

// RunNext pops one job from queue and processes it. It reports false when the queue was
// empty. Receive failures count against the circuit breaker; once it opens RunNext
// returns resilience.ErrCircuitBreakerOpen without calling the queue.
func (w *Worker) RunNext(ctx context.Context, queue string) (bool, error) {
	var job *sqs.Job
	err := w.breaker.Execute(func() error {
		var popErr error
		job, popErr = w.source.Pop(ctx, queue)
		return popErr
	}, func(err error) bool { return errors.Is(err, jobs.ErrTransport) })
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.Process(ctx, job)
}

// Process runs job's handler and settles the message.
//
// Success deletes the job unless the handler already deleted or released it. A failure
// releases the job with exponential backoff until its attempts reach the payload's
// maxTries (or the configured default), then fails it for good: the job is marked
// failed, deleted, and a QueueJobFailed event is dispatched. A job with no registered
// handler fails for good on its first attempt, and a delivery already past max tries
// fails without running the handler.
func (w *Worker) Process(ctx context.Context, job *sqs.Job) error {
	payload := job.Payload()
	name := payload.JobName()
	ctx = logger.ContextWithJob(ctx, job.ConnectionName(), job.ID())
	log := w.log.WithContext(ctx).With("job_name", name, "attempt", job.Attempts())

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("sqs"),
		tracing.WithMessagingDestination(job.Queue()),
		tracing.WithMessagingMessageID(job.MessageID()),
		tracing.WithMessagingPayloadSize(len(job.RawBody())),
		tracing.WithMessagingAttempt(job.Attempts()),
	)
	span.SetAttributes(
		attribute.String("jobwatch.job_name", name),
		attribute.Int("jobwatch.max_tries", w.maxTries(job)),
	)
	defer span.End()

	done := w.metrics.Begin(job.Queue())
	defer done()
	started := time.Now()

	if maxTries := w.maxTries(job); job.Attempts() > maxTries {
		err := fmt.Errorf("%w: attempt %d of %d", ErrMaxAttemptsExceeded, job.Attempts(), maxTries)
		tracing.RecordError(span, err)
		log.Error("job exceeded its max tries", "error", err)
		status, failErr := w.fail(ctx, job, err)
		return w.settle(job, name, started, status, failErr)
	}

	handler, ok := w.lookupHandler(name)
	if !ok {
		err := fmt.Errorf("%w for job %q", ErrNoHandler, name)
		tracing.RecordError(span, err)
		log.Error("job has no handler", "error", err)
		status, failErr := w.fail(ctx, job, err)
		return w.settle(job, name, started, status, failErr)
	}

	stopExtend := w.extendVisibility(ctx, job, log)
	execErr := resilience.WithTimeout(ctx, w.config.Timeout, func(runCtx context.Context) error {
		return handler(runCtx, job)
	})
	stopExtend()

	if execErr == nil {
		if job.IsDeleted() || job.IsReleased() {
			tracing.RecordSuccess(span)
			return w.settle(job, name, started, StatusSuccess, nil)
		}
		if err := job.Delete(ctx); err != nil {
			tracing.RecordError(span, err)
			return w.settle(job, name, started, StatusError, err)
		}
		tracing.RecordSuccess(span)
		return w.settle(job, name, started, StatusSuccess, nil)
	}

	tracing.RecordError(span, execErr)
	var pe *resilience.PanicError
	if errors.As(execErr, &pe) {
		log.Error("job handler panicked", "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
	} else {
		log.Warn("job attempt failed", "error", execErr)
	}

	if job.Attempts() >= w.maxTries(job) {
		status, failErr := w.fail(ctx, job, execErr)
		return w.settle(job, name, started, status, failErr)
	}
	if job.IsDeleted() {
		return w.settle(job, name, started, StatusError, execErr)
	}
	backoff := ExponentialBackoff(job.Attempts(), w.config.InitialBackoff, w.config.MaxBackoff)
	if err := job.Release(ctx, backoff); err != nil {
		return w.settle(job, name, started, StatusError, errors.Join(execErr, err))
	}
	w.metrics.Retry(job.Queue(), name)
	log.Info("job released for retry", "backoff", backoff.String())
	return w.settle(job, name, started, StatusRetry, nil)
}

// fail marks the job failed, deletes it and raises QueueJobFailed. The returned status
// and error feed settle.
func (w *Worker) fail(ctx context.Context, job *sqs.Job, cause error) (string, error) {
	job.MarkAsFailed()
	if !job.IsDeleted() {
		if err := job.Delete(ctx); err != nil {
			return StatusError, errors.Join(cause, err)
		}
	}
	event := lifecycle.NewQueueJobFailed(w.source.ConnectionName(), job, cause)
	if err := lifecycle.Fire(ctx, w.dispatcher, event); err != nil {
		return StatusError, err
	}
	return StatusFailed, nil
}

func (w *Worker) settle(job *sqs.Job, name string, started time.Time, status string, err error) error {
	w.metrics.Processed(job.Queue(), name, status, time.Since(started))
	return err
}

func (w *Worker) maxTries(job *sqs.Job) int {
	if n := job.MaxTries(); n > 0 {
		return n
	}
	return w.config.MaxTries
}

func (w *Worker) lookupHandler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[strings.TrimSpace(name)]
	return h, ok
}

// extendVisibility renews the job's visibility every half extension period until the
// returned stop func is called.
func (w *Worker) extendVisibility(ctx context.Context, job *sqs.Job, log logger.Logger) func() {
	period := w.config.VisibilityExtension
	if period <= 0 {
		return func() {}
	}
	extendCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(period / 2)
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				if err := job.Extend(extendCtx, period); err != nil && extendCtx.Err() == nil {
					log.Warn("visibility extension failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-stopped
	}
}

// ExponentialBackoff returns initial doubled once per previous attempt, capped at max.
func ExponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return min(initial, max)
	}
	backoff := initial
	for i := 1; i < attempt; i++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	return min(backoff, max)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
