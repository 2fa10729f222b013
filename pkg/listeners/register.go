package listeners

import (
	"errors"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/repository"
)

// Options wires the listeners to their collaborators. Metrics and Producer are optional.
type Options struct {
	Jobs    repository.JobRepository
	Tags    repository.TagRepository
	Metrics *metrics.JobMetrics
	Logger  logger.Logger

	Producer     eventbus.Producer
	Topic        string
	ProducerName string
}

// Register attaches every listener to d.
//
// A job that fails for good is deleted before its failure is reported. JobDeleted therefore
// moves it to the failed set first, and JobFailed later stores the exception and repeats
// the move, which Completed tolerates.
func Register(d *lifecycle.SyncDispatcher, opts Options) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}

	store, err := NewStoreJob(opts.Jobs, opts.Metrics)
	if err != nil {
		return err
	}
	tags, err := NewStoreMonitoredTags(opts.Tags, opts.Metrics)
	if err != nil {
		return err
	}
	reserved, err := NewMarkJobAsReserved(opts.Jobs, opts.Metrics)
	if err != nil {
		return err
	}
	failed, err := NewMarkJobAsFailed(opts.Jobs, opts.Metrics)
	if err != nil {
		return err
	}
	complete, err := NewMarkJobAsComplete(opts.Jobs, opts.Tags, opts.Metrics, log)
	if err != nil {
		return err
	}
	marshal, err := NewMarshalFailedEvent(d)
	if err != nil {
		return err
	}
	record := NewRecordMetrics(opts.Metrics)

	steps := []func() error{
		func() error { return d.Listen(lifecycle.EventJobPushed, "RecordMetrics", record) },
		func() error { return lifecycle.On(d, "StoreJob", store.Handle) },
		func() error { return lifecycle.On(d, "StoreMonitoredTags", tags.Handle) },

		func() error { return d.Listen(lifecycle.EventJobReserved, "RecordMetrics", record) },
		func() error { return lifecycle.On(d, "MarkJobAsReserved", reserved.Handle) },

		func() error { return d.Listen(lifecycle.EventJobDeleted, "RecordMetrics", record) },
		func() error { return lifecycle.On(d, "MarkJobAsComplete", complete.HandleDeleted) },

		func() error { return d.Listen(lifecycle.EventQueueJobFailed, "RecordMetrics", record) },
		func() error { return lifecycle.On(d, "MarshalFailedEvent", marshal.Handle) },

		func() error { return d.Listen(lifecycle.EventJobFailed, "RecordMetrics", record) },
		func() error { return lifecycle.On(d, "MarkJobAsFailed", failed.Handle) },
		func() error { return lifecycle.On(d, "MarkJobAsComplete", complete.HandleFailed) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if opts.Producer == nil {
		return nil
	}
	forward, err := NewForwardEvents(opts.Producer, opts.Topic, opts.ProducerName, log)
	if err != nil {
		return err
	}
	for _, name := range []string{
		lifecycle.EventJobPushed,
		lifecycle.EventJobReserved,
		lifecycle.EventJobDeleted,
		lifecycle.EventJobFailed,
	} {
		if err := d.Listen(name, "ForwardEvents", forward); err != nil {
			return err
		}
	}
	return nil
}
