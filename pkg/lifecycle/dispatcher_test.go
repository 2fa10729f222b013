package lifecycle_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/lifecycle/lifecycletest"
	"github.com/nimburion/jobwatch/pkg/testutil"
)

func pushed(id string) *lifecycle.JobPushed {
	return lifecycle.Stamp(lifecycle.NewJobPushed(jobs.MustParsePayload(`{"uuid":"`+id+`"}`)), "sqs", "q")
}

func TestSyncDispatcher_OrderAndRouting(t *testing.T) {
	d, err := lifecycle.NewSyncDispatcher(&testutil.MockLogger{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		err := lifecycle.On(d, name, func(_ context.Context, e *lifecycle.JobPushed) error {
			order = append(order, name+":"+e.Payload.UUID())
			return nil
		})
		if err != nil {
			t.Fatalf("on: %v", err)
		}
	}
	rec := &lifecycletest.Recorder{}
	rec.Listen(t, d, lifecycle.EventJobDeleted)

	if err := d.Dispatch(context.Background(), pushed("a")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if want := []string{"first:a", "second:a"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if len(rec.All()) != 0 {
		t.Fatalf("deleted listener must not see pushed events: %v", rec.Names())
	}
	if !d.HasListeners(lifecycle.EventJobPushed) || d.HasListeners(lifecycle.EventJobFailed) {
		t.Fatal("unexpected HasListeners result")
	}
}

func TestSyncDispatcher_ErrorStopsFanOut(t *testing.T) {
	log := &testutil.MockLogger{}
	d, _ := lifecycle.NewSyncDispatcher(log)

	boom := errors.New("boom")
	calledAfter := false
	_ = lifecycle.On(d, "failing", func(context.Context, *lifecycle.JobPushed) error { return boom })
	_ = lifecycle.On(d, "after", func(context.Context, *lifecycle.JobPushed) error {
		calledAfter = true
		return nil
	})

	err := d.Dispatch(context.Background(), pushed("a"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if calledAfter {
		t.Fatal("fan-out must stop at the failing listener")
	}
	if log.Count("error") != 1 {
		t.Fatalf("expected one error log, got %d", log.Count("error"))
	}
}

func TestSyncDispatcher_Validation(t *testing.T) {
	if _, err := lifecycle.NewSyncDispatcher(nil); err == nil {
		t.Fatal("expected error without logger")
	}
	d, _ := lifecycle.NewSyncDispatcher(&testutil.MockLogger{})
	noop := lifecycle.ListenerFunc(func(context.Context, lifecycle.Event) error { return nil })
	if err := d.Listen(" ", "x", noop); err == nil {
		t.Fatal("expected error for empty event name")
	}
	if err := d.Listen(lifecycle.EventJobPushed, "x", nil); err == nil {
		t.Fatal("expected error for nil listener")
	}

	var nilDispatcher *lifecycle.SyncDispatcher
	if err := nilDispatcher.Dispatch(context.Background(), pushed("a")); err != nil {
		t.Fatalf("nil dispatcher must be a no-op, got %v", err)
	}
	if err := d.Dispatch(context.Background(), nil); err != nil {
		t.Fatalf("nil event must be a no-op, got %v", err)
	}
}

func TestFire_NilDispatcherIsNoop(t *testing.T) {
	if err := lifecycle.Fire(context.Background(), nil, pushed("a")); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestStampAndPayloads(t *testing.T) {
	payload := jobs.MustParsePayload(`{"uuid":"x"}`)
	events := []lifecycle.Event{
		lifecycle.Stamp(lifecycle.NewJobPushed(payload), "c", "q"),
		lifecycle.Stamp(lifecycle.NewJobReserved(payload), "c", "q"),
		lifecycle.Stamp(lifecycle.NewJobDeleted(nil, payload), "c", "q"),
		lifecycle.Stamp(lifecycle.NewJobFailed(errors.New("e"), nil, payload), "c", "q"),
	}
	want := []string{
		lifecycle.EventJobPushed,
		lifecycle.EventJobReserved,
		lifecycle.EventJobDeleted,
		lifecycle.EventJobFailed,
	}
	for i, e := range events {
		if e.EventName() != want[i] || e.Connection() != "c" || e.QueueName() != "q" {
			t.Fatalf("event %d: %s %s %s", i, e.EventName(), e.Connection(), e.QueueName())
		}
		if e.JobPayload() != payload {
			t.Fatalf("event %d must carry its payload", i)
		}
	}

	generic := lifecycle.NewQueueJobFailed("c", nil, errors.New("e"))
	if generic.JobPayload() != nil || generic.QueueName() != "" {
		t.Fatal("generic failure without a job carries no payload or queue")
	}
}
