package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/testutil"
)

func TestNewQueue_Validation(t *testing.T) {
	tests := []struct {
		name   string
		client API
		cfg    Config
	}{
		{name: "missing client", cfg: Config{Queue: "default"}},
		{name: "missing queue", client: &fakeAPI{}, cfg: Config{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewQueue(tt.client, tt.cfg, nil, &testutil.MockLogger{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	q, err := NewQueue(&fakeAPI{}, Config{Queue: "default"}, nil, &testutil.MockLogger{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.ConnectionName() != DefaultConnectionName {
		t.Fatalf("expected default connection name, got %q", q.ConnectionName())
	}
}

func TestQueue_QueueURL(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		queue  string
		expect string
	}{
		{name: "default queue", cfg: Config{Queue: "default", Prefix: testPrefix}, expect: testPrefix + "/default"},
		{name: "named queue", cfg: Config{Queue: "default", Prefix: testPrefix + "/"}, queue: "emails", expect: testPrefix + "/emails"},
		{name: "suffix appended", cfg: Config{Queue: "default", Prefix: testPrefix, Suffix: "-prod"}, queue: "emails", expect: testPrefix + "/emails-prod"},
		{name: "suffix not doubled", cfg: Config{Queue: "default", Prefix: testPrefix, Suffix: "-prod"}, queue: "emails-prod", expect: testPrefix + "/emails-prod"},
		{name: "full url passes through", cfg: Config{Queue: "default", Prefix: testPrefix, Suffix: "-prod"}, queue: "https://other/1/q", expect: "https://other/1/q"},
		{name: "no prefix", cfg: Config{Queue: "default"}, expect: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQueue(&fakeAPI{}, tt.cfg, nil, &testutil.MockLogger{})
			if err != nil {
				t.Fatalf("new queue: %v", err)
			}
			if got := q.QueueURL(tt.queue); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestQueue_PushRaisesOnePushedEvent(t *testing.T) {
	api := &fakeAPI{}
	dispatcher, rec := newRecordingDispatcher(t)
	q := newTestQueue(t, api, dispatcher)

	id, err := q.Push(context.Background(), sendEmail{To: "a@example.com"}, "")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if id == "" {
		t.Fatal("expected a job id")
	}

	pushed := rec.Named(lifecycle.EventJobPushed)
	if len(pushed) != 1 {
		t.Fatalf("expected 1 pushed event, got %d", len(pushed))
	}
	event := pushed[0].(*lifecycle.JobPushed)
	if event.ConnectionName != "sqs" || event.Queue != testPrefix+"/default" {
		t.Fatalf("event not stamped: %+v", event.Base)
	}
	if event.Payload.ID() != id || event.Payload.UUID() != id {
		t.Fatalf("payload id mismatch: id=%q payload=%s", id, event.Payload)
	}
	tags := event.Payload.Tags()
	if len(tags) != 2 || tags[0] != "mail" || tags[1] != "customer:7" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if event.Payload.Type() != jobs.DefaultJobType {
		t.Fatalf("unexpected type %q", event.Payload.Type())
	}

	body := aws.ToString(api.Sends[0].MessageBody)
	if body != event.Payload.Value() {
		t.Fatalf("sent body differs from event payload:\n%s\n%s", body, event.Payload.Value())
	}
}

func TestQueue_PushFailureRaisesNoEvent(t *testing.T) {
	api := &fakeAPI{SendErr: errors.New("throttled")}
	dispatcher, rec := newRecordingDispatcher(t)
	q := newTestQueue(t, api, dispatcher)

	_, err := q.Push(context.Background(), sendEmail{}, "")
	if !errors.Is(err, jobs.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if n := len(rec.All()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestQueue_PushWithoutDispatcher(t *testing.T) {
	api := &fakeAPI{}
	q := newTestQueue(t, api, nil)

	if _, err := q.Push(context.Background(), sendEmail{}, "emails"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(api.Sends) != 1 || aws.ToString(api.Sends[0].QueueUrl) != testPrefix+"/emails" {
		t.Fatalf("unexpected sends %+v", api.Sends)
	}
}

func TestQueue_PushRawRequiresUUID(t *testing.T) {
	api := &fakeAPI{}
	dispatcher, rec := newRecordingDispatcher(t)
	q := newTestQueue(t, api, dispatcher)

	_, err := q.PushRaw(context.Background(), `{"job":"SendEmail"}`, "")
	if !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(api.Sends) != 0 || len(rec.All()) != 0 {
		t.Fatal("expected nothing sent and no events")
	}
}

func TestQueue_PushRawKeepsExistingFields(t *testing.T) {
	api := &fakeAPI{}
	dispatcher, rec := newRecordingDispatcher(t)
	q := newTestQueue(t, api, dispatcher)

	raw := `{"uuid":"abc","type":"broadcast","tags":["x"],"pushedAt":"1.0000"}`
	id, err := q.PushRaw(context.Background(), raw, "")
	if err != nil {
		t.Fatalf("push raw: %v", err)
	}
	if id != "abc" {
		t.Fatalf("expected id abc, got %q", id)
	}
	p := rec.Named(lifecycle.EventJobPushed)[0].JobPayload()
	if p.Type() != "broadcast" || p.PushedAt() != "1.0000" || len(p.Tags()) != 1 {
		t.Fatalf("existing fields overwritten: %s", p)
	}
}

func TestQueue_DelaySeconds(t *testing.T) {
	tests := []struct {
		name    string
		opts    []PushOption
		expect  int32
		wantErr bool
	}{
		{name: "no delay", expect: 0},
		{name: "relative delay", opts: []PushOption{WithDelay(90 * time.Second)}, expect: 90},
		{name: "fractional second rounds up", opts: []PushOption{WithDelay(1500 * time.Millisecond)}, expect: 2},
		{name: "absolute time", opts: []PushOption{WithDeliverAt(time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC))}, expect: 60},
		{name: "past time sends now", opts: []PushOption{WithDeliverAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))}, expect: 0},
		{name: "maximum delay", opts: []PushOption{WithDelay(MaxDelay)}, expect: 900},
		{name: "beyond maximum", opts: []PushOption{WithDelay(MaxDelay + time.Second)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			q := newTestQueue(t, api, nil)
			_, err := q.Push(context.Background(), sendEmail{}, "", tt.opts...)
			if tt.wantErr {
				if !errors.Is(err, jobs.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if len(api.Sends) != 0 {
					t.Fatal("expected no send")
				}
				return
			}
			if err != nil {
				t.Fatalf("push: %v", err)
			}
			if got := api.Sends[0].DelaySeconds; got != tt.expect {
				t.Fatalf("expected delay %d, got %d", tt.expect, got)
			}
		})
	}
}

func TestQueue_LaterUsesDelay(t *testing.T) {
	api := &fakeAPI{}
	q := newTestQueue(t, api, nil)
	if _, err := q.Later(context.Background(), 30*time.Second, sendEmail{}, ""); err != nil {
		t.Fatalf("later: %v", err)
	}
	if api.Sends[0].DelaySeconds != 30 {
		t.Fatalf("expected 30s delay, got %d", api.Sends[0].DelaySeconds)
	}
}

func TestQueue_PushedListenerErrorIsReturned(t *testing.T) {
	api := &fakeAPI{}
	d, err := lifecycle.NewSyncDispatcher(&testutil.MockLogger{})
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("store down")
	_ = d.Listen(lifecycle.EventJobPushed, "failing", lifecycle.ListenerFunc(func(context.Context, lifecycle.Event) error {
		return boom
	}))
	q := newTestQueue(t, api, d)

	id, err := q.Push(context.Background(), sendEmail{}, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if id == "" || len(api.Sends) != 1 {
		t.Fatal("expected message sent and id returned")
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	dispatcher, rec := newRecordingDispatcher(t)
	q := newTestQueue(t, &fakeAPI{}, dispatcher)

	job, err := q.Pop(context.Background(), "")
	if err != nil || job != nil {
		t.Fatalf("expected nil job and nil error, got %v %v", job, err)
	}
	if len(rec.All()) != 0 {
		t.Fatal("expected no events")
	}
}

func TestQueue_PopTransportError(t *testing.T) {
	q := newTestQueue(t, &fakeAPI{ReceiveErr: errors.New("network")}, nil)
	if _, err := q.Pop(context.Background(), ""); !errors.Is(err, jobs.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestQueue_SizeAndHealth(t *testing.T) {
	api := &fakeAPI{ApproxSize: "42"}
	q := newTestQueue(t, api, nil)

	size, err := q.Size(context.Background(), "")
	if err != nil || size != 42 {
		t.Fatalf("expected 42, got %d %v", size, err)
	}
	if err := q.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	api.ApproxSize = "many"
	if _, err := q.ReadyNow(context.Background(), ""); !errors.Is(err, jobs.ErrTransport) {
		t.Fatalf("expected transport error for bad count, got %v", err)
	}
}

func TestQueue_Closed(t *testing.T) {
	q := newTestQueue(t, &fakeAPI{}, nil)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Push(context.Background(), sendEmail{}, ""); !errors.Is(err, jobs.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := q.Pop(context.Background(), ""); !errors.Is(err, jobs.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
