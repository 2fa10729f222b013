package listeners

import (
	"context"
	"errors"

	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/repository"
)

// StoreJob records pushed jobs as pending.
type StoreJob struct {
	jobs    repository.JobRepository
	metrics *metrics.JobMetrics
}

func NewStoreJob(jobRepo repository.JobRepository, m *metrics.JobMetrics) (*StoreJob, error) {
	if jobRepo == nil {
		return nil, errors.New("job repository is required")
	}
	return &StoreJob{jobs: jobRepo, metrics: m}, nil
}

func (l *StoreJob) Handle(ctx context.Context, e *lifecycle.JobPushed) error {
	if err := l.jobs.Pushed(ctx, e.ConnectionName, e.Queue, e.Payload); err != nil {
		l.metrics.RepositoryError("pushed")
		return err
	}
	return nil
}

// MarkJobAsReserved records each delivery attempt.
type MarkJobAsReserved struct {
	jobs    repository.JobRepository
	metrics *metrics.JobMetrics
}

func NewMarkJobAsReserved(jobRepo repository.JobRepository, m *metrics.JobMetrics) (*MarkJobAsReserved, error) {
	if jobRepo == nil {
		return nil, errors.New("job repository is required")
	}
	return &MarkJobAsReserved{jobs: jobRepo, metrics: m}, nil
}

func (l *MarkJobAsReserved) Handle(ctx context.Context, e *lifecycle.JobReserved) error {
	if err := l.jobs.Reserved(ctx, e.ConnectionName, e.Queue, e.Payload); err != nil {
		l.metrics.RepositoryError("reserved")
		return err
	}
	return nil
}

// MarkJobAsFailed stores the failure cause of a job that failed for good.
type MarkJobAsFailed struct {
	jobs    repository.JobRepository
	metrics *metrics.JobMetrics
}

func NewMarkJobAsFailed(jobRepo repository.JobRepository, m *metrics.JobMetrics) (*MarkJobAsFailed, error) {
	if jobRepo == nil {
		return nil, errors.New("job repository is required")
	}
	return &MarkJobAsFailed{jobs: jobRepo, metrics: m}, nil
}

func (l *MarkJobAsFailed) Handle(ctx context.Context, e *lifecycle.JobFailed) error {
	if err := l.jobs.Failed(ctx, e.Err, e.ConnectionName, e.Queue, e.Payload); err != nil {
		l.metrics.RepositoryError("failed")
		return err
	}
	return nil
}

// StoreMonitoredTags indexes pushed jobs under the tags currently monitored.
type StoreMonitoredTags struct {
	tags    repository.TagRepository
	metrics *metrics.JobMetrics
}

func NewStoreMonitoredTags(tagRepo repository.TagRepository, m *metrics.JobMetrics) (*StoreMonitoredTags, error) {
	if tagRepo == nil {
		return nil, errors.New("tag repository is required")
	}
	return &StoreMonitoredTags{tags: tagRepo, metrics: m}, nil
}

func (l *StoreMonitoredTags) Handle(ctx context.Context, e *lifecycle.JobPushed) error {
	if e.Payload == nil {
		return nil
	}
	monitored, err := l.tags.Monitored(ctx, e.Payload.Tags())
	if err != nil {
		l.metrics.RepositoryError("monitored")
		return err
	}
	if len(monitored) == 0 {
		return nil
	}
	id, err := repository.JobID(e.Payload)
	if err != nil {
		return err
	}
	if err := l.tags.Add(ctx, id, monitored); err != nil {
		l.metrics.RepositoryError("tag_add")
		return err
	}
	return nil
}

// RecordMetrics counts every lifecycle event by connection, queue and name.
type RecordMetrics struct {
	metrics *metrics.JobMetrics
}

func NewRecordMetrics(m *metrics.JobMetrics) *RecordMetrics {
	return &RecordMetrics{metrics: m}
}

// Handle implements lifecycle.Listener.
func (l *RecordMetrics) Handle(_ context.Context, e lifecycle.Event) error {
	l.metrics.Event(e.Connection(), e.QueueName(), e.EventName())
	return nil
}
