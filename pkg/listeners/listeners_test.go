package listeners

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/lifecycle/lifecycletest"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
	"github.com/nimburion/jobwatch/pkg/queue/sqs/sqstest"
)

const queueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/reports"

func reportPayload(id string, tags ...string) *jobs.Payload {
	p := jobs.MustParsePayload(`{"uuid":"` + id + `","id":"` + id + `","job":"BuildReport"}`)
	if tags == nil {
		tags = []string{}
	}
	_ = p.Set(jobs.FieldTags, tags)
	return p
}

func newComplete(t *testing.T, repo *callRepo) *MarkJobAsComplete {
	t.Helper()
	l, err := NewMarkJobAsComplete(repo, repo, nil, logger.Nop{})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	return l
}

func deleted(job jobs.Job, payload *jobs.Payload) *lifecycle.JobDeleted {
	return lifecycle.Stamp(lifecycle.NewJobDeleted(job, payload), "sqs", queueURL)
}

func TestMarkJobAsComplete_SkipPathOnlyLeavesPending(t *testing.T) {
	repo := newCallRepo("report:5")
	l := newComplete(t, repo)

	payload := reportPayload("j1", "report:5")
	job := &skippingJob{foreignJob{payload: payload}}
	if err := l.HandleDeleted(context.Background(), deleted(job, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []string{"RemoveJobFromPending:j1"}
	if got := repo.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestMarkJobAsComplete_SkipIgnoredWhenFailed(t *testing.T) {
	repo := newCallRepo("report:5")
	l := newComplete(t, repo)

	payload := reportPayload("j1", "report:5")
	job := &skippingJob{foreignJob{payload: payload, failed: true}}
	if err := l.HandleDeleted(context.Background(), deleted(job, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []string{"Completed:j1:true"}
	if got := repo.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestMarkJobAsComplete_RemembersMonitoredJobs(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{
			name: "monitored tag",
			tags: []string{"report:5"},
			want: []string{"Completed:j1:false", "Remember:j1:sqs:" + queueURL},
		},
		{
			name: "unmonitored tag",
			tags: []string{"report:6"},
			want: []string{"Completed:j1:false"},
		},
		{
			name: "no tags",
			want: []string{"Completed:j1:false"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newCallRepo("report:5")
			l := newComplete(t, repo)
			payload := reportPayload("j1", tt.tags...)

			if err := l.HandleDeleted(context.Background(), deleted(&foreignJob{payload: payload}, payload)); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got := repo.Calls(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkJobAsComplete_FailedEventNeverRemembers(t *testing.T) {
	repo := newCallRepo("report:5")
	l := newComplete(t, repo)
	payload := reportPayload("j1", "report:5")

	event := lifecycle.Stamp(lifecycle.NewJobFailed(errors.New("boom"), &foreignJob{payload: payload}, payload), "sqs", queueURL)
	if err := l.HandleFailed(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := []string{"Completed:j1:true"}
	if got := repo.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestMarkJobAsComplete_PropagatesRepositoryErrors(t *testing.T) {
	repo := newCallRepo()
	repo.err = errors.New("redis down")
	l := newComplete(t, repo)
	payload := reportPayload("j1")

	err := l.HandleDeleted(context.Background(), deleted(&foreignJob{payload: payload}, payload))
	if !errors.Is(err, repo.err) {
		t.Fatalf("expected repository error, got %v", err)
	}
}

func TestNewListeners_Validation(t *testing.T) {
	if _, err := NewMarkJobAsComplete(nil, nil, nil, nil); err == nil {
		t.Fatal("expected error without repositories")
	}
	if _, err := NewMarshalFailedEvent(nil); err == nil {
		t.Fatal("expected error without dispatcher")
	}
	if _, err := NewStoreJob(nil, nil); err == nil {
		t.Fatal("expected error without repository")
	}
	if _, err := NewStoreMonitoredTags(nil, nil); err == nil {
		t.Fatal("expected error without tag repository")
	}
	if _, err := NewForwardEvents(nil, "", "", nil); err == nil {
		t.Fatal("expected error without producer")
	}
}

func reservedSQSJob(t *testing.T, body string, receiveCount string) *sqs.Job {
	t.Helper()
	job, err := sqs.NewJob(context.Background(), &sqstest.Fake{}, types.Message{
		MessageId:     aws.String("m-1"),
		Body:          aws.String(body),
		ReceiptHandle: aws.String("m-1-" + receiveCount),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receiveCount,
		},
	}, "sqs", queueURL, nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestMarshalFailedEvent_DispatchesReservedSnapshot(t *testing.T) {
	d, rec := lifecycletest.NewDispatcher(t)
	l, err := NewMarshalFailedEvent(d)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}

	job := reservedSQSJob(t, `{"uuid":"j9","id":"j9","attempts":0}`, "3")
	cause := errors.New("smtp timeout")
	if err := l.Handle(context.Background(), lifecycle.NewQueueJobFailed("primary", job, cause)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	events := rec.Named(lifecycle.EventJobFailed)
	if len(events) != 1 {
		t.Fatalf("expected one JobFailed, got %v", rec.Names())
	}
	failed := events[0].(*lifecycle.JobFailed)
	if failed.ConnectionName != "primary" || failed.Queue != queueURL {
		t.Fatalf("unexpected stamp %q/%q", failed.ConnectionName, failed.Queue)
	}
	if failed.Job != job || !errors.Is(failed.Err, cause) {
		t.Fatalf("event must carry the job and its cause: %+v", failed)
	}
	if failed.Payload.Attempts() != 3 || failed.Payload.ID() != "j9" {
		t.Fatalf("expected reserved snapshot with attempts 3, got %s", failed.Payload)
	}
}

func TestMarshalFailedEvent_IgnoresForeignJobs(t *testing.T) {
	d, rec := lifecycletest.NewDispatcher(t)
	l, _ := NewMarshalFailedEvent(d)

	job := &foreignJob{payload: reportPayload("x")}
	if err := l.Handle(context.Background(), lifecycle.NewQueueJobFailed("redis", job, errors.New("boom"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := l.Handle(context.Background(), lifecycle.NewQueueJobFailed("redis", nil, errors.New("boom"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := rec.All(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", rec.Names())
	}
}

func TestStoreMonitoredTags_IndexesOnlyMonitored(t *testing.T) {
	repo := newCallRepo("report:5", "mail")
	l, _ := NewStoreMonitoredTags(repo, nil)

	push := func(payload *jobs.Payload) {
		t.Helper()
		e := lifecycle.Stamp(lifecycle.NewJobPushed(payload), "sqs", queueURL)
		if err := l.Handle(context.Background(), e); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	push(reportPayload("a", "mail", "other", "report:5"))
	push(reportPayload("b", "other"))

	want := []string{"Add:a:[mail report:5]"}
	if got := repo.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestForwardEvents_PublishesEnvelopes(t *testing.T) {
	producer := &fakeProducer{}
	l, err := NewForwardEvents(producer, "jobwatch.lifecycle", "worker-1", logger.Nop{})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	l.newID = func() string { return "evt" }

	payload := reportPayload("j1").WithAttempts(2)
	job := &foreignJob{payload: payload, failed: true}
	events := []lifecycle.Event{
		lifecycle.Stamp(lifecycle.NewJobReserved(payload), "sqs", queueURL),
		deleted(job, payload),
		lifecycle.Stamp(lifecycle.NewJobFailed(errors.New("boom"), job, payload), "sqs", queueURL),
	}
	for _, e := range events {
		if err := l.Handle(context.Background(), e); err != nil {
			t.Fatalf("handle %s: %v", e.EventName(), err)
		}
	}

	got := producer.envelopes()
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	if got[0].Type != "jobwatch.job.reserved" || got[0].Attempts != 2 || got[0].Failed {
		t.Fatalf("unexpected reserved envelope %+v", got[0])
	}
	if got[1].Type != "jobwatch.job.deleted" || !got[1].Failed {
		t.Fatalf("deleted envelope must report failure: %+v", got[1])
	}
	if got[2].Exception != "boom" || got[2].Producer != "worker-1" || got[2].Queue != queueURL {
		t.Fatalf("unexpected failed envelope %+v", got[2])
	}
	for _, topic := range producer.topics {
		if topic != "jobwatch.lifecycle" {
			t.Fatalf("unexpected topic %q", topic)
		}
	}
}

func TestForwardEvents_BrokerErrorsDoNotFailDispatch(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	l, _ := NewForwardEvents(producer, "", "", logger.Nop{})

	e := lifecycle.Stamp(lifecycle.NewJobPushed(reportPayload("j1")), "sqs", queueURL)
	if err := l.Handle(context.Background(), e); err != nil {
		t.Fatalf("forward errors must be swallowed, got %v", err)
	}
}
