// Package lifecycletest records dispatched lifecycle events for assertions.
package lifecycletest

import (
	"context"
	"sync"
	"testing"

	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// AllEvents lists every event name a dispatcher can carry.
var AllEvents = []string{
	lifecycle.EventJobPushed,
	lifecycle.EventJobReserved,
	lifecycle.EventJobDeleted,
	lifecycle.EventJobFailed,
	lifecycle.EventQueueJobFailed,
}

// Recorder captures events in dispatch order.
type Recorder struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

// Handle implements lifecycle.Listener.
func (r *Recorder) Handle(_ context.Context, e lifecycle.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// All returns a copy of every recorded event.
func (r *Recorder) All() []lifecycle.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.Event(nil), r.events...)
}

// Named returns the recorded events called name.
func (r *Recorder) Named(name string) []lifecycle.Event {
	var out []lifecycle.Event
	for _, e := range r.All() {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	var out []string
	for _, e := range r.All() {
		out = append(out, e.EventName())
	}
	return out
}

// Listen registers r on d for names, or for every event when names is empty.
func (r *Recorder) Listen(t testing.TB, d *lifecycle.SyncDispatcher, names ...string) {
	t.Helper()
	if len(names) == 0 {
		names = AllEvents
	}
	for _, name := range names {
		if err := d.Listen(name, "recorder", r); err != nil {
			t.Fatalf("listen %s: %v", name, err)
		}
	}
}

// NewDispatcher returns a dispatcher with a recorder attached to the four transport
// events.
func NewDispatcher(t testing.TB) (*lifecycle.SyncDispatcher, *Recorder) {
	t.Helper()
	d, err := lifecycle.NewSyncDispatcher(logger.Nop{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	rec := &Recorder{}
	rec.Listen(t, d,
		lifecycle.EventJobPushed,
		lifecycle.EventJobReserved,
		lifecycle.EventJobDeleted,
		lifecycle.EventJobFailed,
	)
	return d, rec
}
