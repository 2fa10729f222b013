package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/jobwatch/pkg/config"
	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/eventbus/factory"
	"github.com/nimburion/jobwatch/pkg/health"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/listeners"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/observability/tracing"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
	"github.com/nimburion/jobwatch/pkg/repository"
	"github.com/nimburion/jobwatch/pkg/repository/memory"
	"github.com/nimburion/jobwatch/pkg/repository/redis"
	"github.com/nimburion/jobwatch/pkg/scheduler"
	"github.com/nimburion/jobwatch/pkg/version"
	"github.com/nimburion/jobwatch/pkg/worker"
)

// Dependencies replaces collaborators the runtime would otherwise build from config.
// Anything supplied here is not closed by the runtime.
type Dependencies struct {
	SQS      sqs.API
	Store    repository.Store
	Producer eventbus.Producer
}

// Runtime is the object graph shared by the commands: one queue connection whose
// lifecycle events are reduced into the store and optionally forwarded.
type Runtime struct {
	Config     *config.Config
	Log        logger.Logger
	Metrics    *metrics.Registry
	Store      repository.Store
	Dispatcher *lifecycle.SyncDispatcher
	Queue      *sqs.Queue
	Producer   eventbus.Producer
	// Scheduler runs maintenance tasks such as repository trimming.
	Scheduler  *scheduler.Runtime

	lock    scheduler.LockProvider
	tracer  *tracing.TracerProvider
	closers []func() error
}

// NewRuntime wires the runtime. On error everything built so far is closed.
func NewRuntime(ctx context.Context, cfg *config.Config, log logger.Logger, deps Dependencies) (rt *Runtime, err error) {
	rt = &Runtime{Config: cfg, Log: log, Metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceVersion = version.Current(cfg.Service.Name).Version
	if rt.tracer, err = tracing.NewTracerProvider(ctx, tracingCfg); err != nil {
		return rt, fmt.Errorf("create tracer provider: %w", err)
	}

	if rt.Store = deps.Store; rt.Store == nil {
		if rt.Store, err = openStore(ctx, cfg.Repository, log); err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, rt.Store.Close)
	}

	if err = rt.buildScheduler(ctx, deps.Store != nil); err != nil {
		return rt, err
	}

	if rt.Producer = deps.Producer; rt.Producer == nil {
		if rt.Producer, err = factory.NewProducer(ctx, cfg.Forward, log); err != nil {
			return rt, fmt.Errorf("create forward producer: %w", err)
		}
		if rt.Producer != nil {
			rt.closers = append(rt.closers, rt.Producer.Close)
		}
	}

	if rt.Dispatcher, err = lifecycle.NewSyncDispatcher(log); err != nil {
		return rt, err
	}
	err = listeners.Register(rt.Dispatcher, listeners.Options{
		Jobs:         rt.Store,
		Tags:         rt.Store,
		Metrics:      rt.Metrics.Jobs(),
		Logger:       log,
		Producer:     rt.Producer,
		Topic:        cfg.Forward.Topic,
		ProducerName: cfg.Service.Name,
	})
	if err != nil {
		return rt, fmt.Errorf("register listeners: %w", err)
	}

	queueCfg := cfg.SQS.QueueConfig()
	if deps.SQS != nil {
		rt.Queue, err = sqs.NewQueue(deps.SQS, queueCfg, rt.Dispatcher, log)
	} else {
		rt.Queue, err = sqs.Connect(ctx, queueCfg, rt.Dispatcher, log)
	}
	if err != nil {
		return rt, fmt.Errorf("connect sqs: %w", err)
	}
	rt.closers = append(rt.closers, rt.Queue.Close)
	return rt, nil
}

func openStore(ctx context.Context, cfg config.RepositoryConfig, log logger.Logger) (repository.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.RepositoryRedis:
		store, err := redis.Connect(ctx, cfg.RedisConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("connect redis repository: %w", err)
		}
		return store, nil
	case config.RepositoryMemory, "":
		return memory.NewStore(cfg.Retention), nil
	default:
		return nil, fmt.Errorf("unsupported repository.type %q", cfg.Type)
	}
}

// buildScheduler picks a Redis lock when several processes share a Redis repository and
// an in-process lock otherwise, then registers the trim task.
func (rt *Runtime) buildScheduler(ctx context.Context, injectedStore bool) (err error) {
	repo := rt.Config.Repository
	if !injectedStore && strings.EqualFold(strings.TrimSpace(repo.Type), config.RepositoryRedis) {
		prefix := strings.TrimRight(strings.TrimSpace(repo.Prefix), ":")
		if prefix == "" {
			prefix = "jobwatch"
		}
		rt.lock, err = scheduler.ConnectRedisLock(ctx, scheduler.RedisLockConfig{
			URL:              repo.URL,
			Prefix:           prefix + ":lock",
			OperationTimeout: repo.OperationTimeout,
		}, rt.Log)
		if err != nil {
			return fmt.Errorf("connect scheduler lock: %w", err)
		}
	} else {
		rt.lock = scheduler.NewLocalLockProvider()
	}
	rt.closers = append(rt.closers, rt.lock.Close)

	rt.Scheduler, err = scheduler.NewRuntime(rt.lock, rt.Log, scheduler.Config{Registerer: rt.Metrics.Registerer()})
	if err != nil {
		return err
	}
	if interval := repo.TrimInterval; interval > 0 {
		err = rt.Scheduler.Register(scheduler.Task{
			Name:     TrimTask,
			Schedule: "@every " + interval.String(),
			LockTTL:  max(interval, scheduler.DefaultLockTTL),
			Run:      rt.trim,
		})
		if err != nil {
			return fmt.Errorf("register %s task: %w", TrimTask, err)
		}
	}
	return nil
}

// TrimTask is the scheduler task that drops expired job records.
const TrimTask = "repository-trim"

func (rt *Runtime) trim(ctx context.Context) error {
	n, err := rt.Store.Trim(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		rt.Log.Debug("trimmed expired jobs", "count", n)
	}
	return nil
}

// NewWorker builds a worker over the runtime's queue. Non-empty queues and a positive
// concurrency override the configured values.
func (rt *Runtime) NewWorker(queues []string, concurrency int) (*worker.Worker, error) {
	cfg := rt.Config.Worker
	if len(queues) > 0 {
		cfg.Queues = queues
	}
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	return worker.New(rt.Queue, rt.Dispatcher, rt.Metrics.Jobs(), rt.Log, cfg)
}

// Health returns a registry checking every dependency the runtime talks to.
func (rt *Runtime) Health() *health.Registry {
	reg := health.NewRegistry()
	reg.Register(health.NewAdapterChecker("sqs", rt.Queue, 0))
	reg.Register(health.NewAdapterChecker("repository", rt.Store, 0))
	reg.Register(health.NewAdapterChecker("scheduler-lock", rt.lock, 0))
	if rt.Producer != nil {
		reg.Register(health.NewAdapterChecker("forward", rt.Producer, 0))
	}
	if threshold := rt.Config.Management.BacklogThreshold; threshold > 0 {
		reg.Register(health.NewBacklogChecker("backlog", func(ctx context.Context) (int, error) {
			return rt.Queue.Size(ctx, "")
		}, threshold))
	}
	return reg
}

// Close releases what the runtime built, in reverse order, and flushes spans.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
