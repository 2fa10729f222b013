package listeners

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/repository"
)

// callRepo records repository calls as "<Method>:<id>" strings.
type callRepo struct {
	mu        sync.Mutex
	calls     []string
	monitored map[string]struct{}
	err       error
}

func newCallRepo(monitored ...string) *callRepo {
	r := &callRepo{monitored: map[string]struct{}{}}
	for _, tag := range monitored {
		r.monitored[tag] = struct{}{}
	}
	return r
}

func (r *callRepo) record(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return r.err
}

func (r *callRepo) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRepo) Pushed(_ context.Context, _, _ string, p *jobs.Payload) error {
	return r.record("Pushed:%s", p.ID())
}

func (r *callRepo) Reserved(_ context.Context, _, _ string, p *jobs.Payload) error {
	return r.record("Reserved:%s:%d", p.ID(), p.Attempts())
}

func (r *callRepo) RemoveJobFromPending(_ context.Context, p *jobs.Payload) error {
	return r.record("RemoveJobFromPending:%s", p.ID())
}

func (r *callRepo) Completed(_ context.Context, p *jobs.Payload, failed bool) error {
	return r.record("Completed:%s:%t", p.ID(), failed)
}

func (r *callRepo) Failed(_ context.Context, cause error, _, _ string, p *jobs.Payload) error {
	return r.record("Failed:%s:%v", p.ID(), cause)
}

func (r *callRepo) Remember(_ context.Context, connection, queue string, p *jobs.Payload) error {
	return r.record("Remember:%s:%s:%s", p.ID(), connection, queue)
}

func (r *callRepo) Find(context.Context, string) (*repository.JobRecord, error) {
	return nil, jobs.ErrNotFound
}

func (r *callRepo) List(context.Context, repository.Set, int) ([]repository.JobRecord, error) {
	return nil, nil
}

func (r *callRepo) Count(context.Context, repository.Set) (int, error) { return 0, nil }

func (r *callRepo) SetsOf(context.Context, string) ([]repository.Set, error) { return nil, nil }

func (r *callRepo) Trim(context.Context) (int, error) { return 0, nil }

func (r *callRepo) Monitored(_ context.Context, tags []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return repository.Intersect(tags, r.monitored), nil
}

func (r *callRepo) Monitor(context.Context, string) error        { return nil }
func (r *callRepo) StopMonitoring(context.Context, string) error { return nil }

func (r *callRepo) Monitoring(context.Context) ([]string, error) { return nil, nil }

func (r *callRepo) Add(_ context.Context, id string, tags []string) error {
	return r.record("Add:%s:%v", id, tags)
}

func (r *callRepo) JobIDs(context.Context, string) ([]string, error) { return nil, nil }

// foreignJob is a jobs.Job from some other transport.
type foreignJob struct {
	payload *jobs.Payload
	failed  bool
}

func (j *foreignJob) ID() string                                   { return j.payload.ID() }
func (j *foreignJob) Attempts() int                                { return 1 }
func (j *foreignJob) RawBody() string                              { return j.payload.Value() }
func (j *foreignJob) Payload() *jobs.Payload                       { return j.payload.Clone() }
func (j *foreignJob) ConnectionName() string                       { return "redis" }
func (j *foreignJob) Queue() string                                { return "default" }
func (j *foreignJob) Delete(context.Context) error                 { return nil }
func (j *foreignJob) Release(context.Context, time.Duration) error { return nil }
func (j *foreignJob) MarkAsFailed()                                { j.failed = true }
func (j *foreignJob) HasFailed() bool                              { return j.failed }
func (j *foreignJob) IsDeleted() bool                              { return false }
func (j *foreignJob) IsReleased() bool                             { return false }

// skippingJob is a foreign job that opts out of completion tracking.
type skippingJob struct {
	foreignJob
}

func (*skippingJob) ShouldSkipMarkAsCompleted() bool { return true }

// fakeProducer captures published messages.
type fakeProducer struct {
	mu        sync.Mutex
	topics    []string
	published []*eventbus.Message
	err       error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, m *eventbus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.published = append(p.published, m)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, ms []*eventbus.Message) error {
	for _, m := range ms {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProducer) HealthCheck(context.Context) error { return nil }
func (p *fakeProducer) Close() error                      { return nil }

func (p *fakeProducer) envelopes() []*eventbus.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*eventbus.Envelope, 0, len(p.published))
	for _, m := range p.published {
		e, err := eventbus.DecodeEnvelope(m.Value)
		if err != nil {
			panic(err)
		}
		out = append(out, e)
	}
	return out
}
