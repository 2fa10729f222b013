// Package listeners reduces job lifecycle events into the job repository.
package listeners

import (
	"context"
	"errors"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/repository"
)

// MarkJobAsComplete records the outcome of a finished job.
//
// A job that did not fail and asked to skip completion is only dropped from the pending
// set. Every other job is moved to completed (or failed) and, when it succeeded and
// carries a monitored tag, retained for the tag dashboards.
type MarkJobAsComplete struct {
	jobs    repository.JobRepository
	tags    repository.TagRepository
	metrics *metrics.JobMetrics
	log     logger.Logger
}

// NewMarkJobAsComplete creates the completion reducer.
func NewMarkJobAsComplete(jobRepo repository.JobRepository, tagRepo repository.TagRepository, m *metrics.JobMetrics, log logger.Logger) (*MarkJobAsComplete, error) {
	if jobRepo == nil || tagRepo == nil {
		return nil, errors.New("job and tag repositories are required")
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &MarkJobAsComplete{jobs: jobRepo, tags: tagRepo, metrics: m, log: log}, nil
}

// HandleDeleted reduces a JobDeleted event. The outcome follows the job's failed flag.
func (l *MarkJobAsComplete) HandleDeleted(ctx context.Context, e *lifecycle.JobDeleted) error {
	failed := e.Job != nil && e.Job.HasFailed()
	return l.complete(ctx, e.ConnectionName, e.Queue, e.Job, e.Payload, failed)
}

// HandleFailed reduces a JobFailed event. The worker deletes failed jobs too, so this
// repeats the deleted reduction with failed forced; Completed tolerates the repeat.
func (l *MarkJobAsComplete) HandleFailed(ctx context.Context, e *lifecycle.JobFailed) error {
	return l.complete(ctx, e.ConnectionName, e.Queue, e.Job, e.Payload, true)
}

func (l *MarkJobAsComplete) complete(ctx context.Context, connection, queue string, job jobs.Job, payload *jobs.Payload, failed bool) error {
	if payload == nil {
		return nil
	}

	if !failed && shouldSkip(job) {
		if err := l.jobs.RemoveJobFromPending(ctx, payload); err != nil {
			l.metrics.RepositoryError("remove_pending")
			return err
		}
		l.log.Debug("job completion skipped", "job_id", payload.ID(), "queue", queue)
		return nil
	}

	if err := l.jobs.Completed(ctx, payload, failed); err != nil {
		l.metrics.RepositoryError("completed")
		return err
	}
	if failed {
		return nil
	}

	monitored, err := l.tags.Monitored(ctx, payload.Tags())
	if err != nil {
		l.metrics.RepositoryError("monitored")
		return err
	}
	if len(monitored) == 0 {
		return nil
	}
	if err := l.jobs.Remember(ctx, connection, queue, payload); err != nil {
		l.metrics.RepositoryError("remember")
		return err
	}
	return nil
}

func shouldSkip(job jobs.Job) bool {
	skipper, ok := job.(jobs.CompletionSkipper)
	return ok && skipper.ShouldSkipMarkAsCompleted()
}
