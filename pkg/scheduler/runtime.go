// Package scheduler runs periodic maintenance tasks, such as repository trimming, under
// a lock so that only one of several processes sharing a backend performs each run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

const (
	DefaultRunTimeout = time.Minute
	DefaultLockTTL    = 30 * time.Second
)

// Config controls scheduler runtime behavior.
type Config struct {
	RunTimeout     time.Duration
	DefaultLockTTL time.Duration
	// Registerer receives the task collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

func (c *Config) normalize() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
}

// Runtime runs registered tasks on their schedules.
type Runtime struct {
	lock    LockProvider
	log     logger.Logger
	config  Config
	metrics *taskMetrics
	now     func() time.Time

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(lockProvider LockProvider, log logger.Logger, cfg Config) (*Runtime, error) {
	if lockProvider == nil {
		return nil, errors.New("lock provider is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Runtime{
		lock:    lockProvider,
		log:     log,
		config:  cfg,
		metrics: newTaskMetrics(cfg.Registerer),
		now:     time.Now,
		tasks:   map[string]Task{},
	}, nil
}

// Register adds a task. Names are unique.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered task names, sorted.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs every registered task until ctx is cancelled. With no tasks it simply waits.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	for _, task := range tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runCtx, task)
	}

	<-runCtx.Done()
	return r.Stop(context.Background())
}

// Stop cancels the task loops and waits for running tasks.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Trigger runs one task now, under its lock, outside its schedule.
func (r *Runtime) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return schedulerError(ErrNotFound, fmt.Sprintf("task %q", name))
	}
	return r.runTask(ctx, task, r.now().UTC())
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	for {
		next := task.schedule.Next(r.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := r.runTask(ctx, task, next); err != nil && ctx.Err() == nil {
			r.log.Error("scheduled task failed", "task", task.Name, "error", err)
		}
	}
}

// runTask holds the run's lock for the duration of the task, renewing it at half its
// TTL. A lock held elsewhere skips the run.
func (r *Runtime) runTask(ctx context.Context, task Task, runAt time.Time) error {
	ttl := task.LockTTL
	if ttl <= 0 {
		ttl = r.config.DefaultLockTTL
	}
	key := fmt.Sprintf("task:%s:%d", task.Name, runAt.Unix())
	lease, acquired, err := r.lock.Acquire(ctx, key, ttl)
	if err != nil {
		r.metrics.run(task.Name, StatusError)
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		r.metrics.run(task.Name, StatusSkipped)
		r.log.Debug("scheduled task skipped, lock held elsewhere", "task", task.Name)
		return nil
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.config.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopRenew := r.keepLease(runCtx, task.Name, lease, ttl)
	done := r.metrics.begin(task.Name)
	runErr := task.Run(runCtx)
	done()
	stopRenew()

	releaseErr := r.lock.Release(context.WithoutCancel(ctx), lease)
	if runErr != nil {
		r.metrics.run(task.Name, StatusError)
	} else {
		r.metrics.run(task.Name, StatusSuccess)
	}
	return errors.Join(runErr, releaseErr)
}

func (r *Runtime) keepLease(ctx context.Context, name string, lease *LockLease, ttl time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(ttl/2, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.lock.Renew(ctx, lease, ttl); err != nil {
					r.metrics.renew(name, StatusError)
					if ctx.Err() == nil {
						r.log.Warn("task lock renewal failed", "task", name, "error", err)
					}
					continue
				}
				r.metrics.renew(name, StatusSuccess)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
