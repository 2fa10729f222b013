package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// Dispatcher delivers events to listeners synchronously, in registration order.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Listener handles one event.
type Listener interface {
	Handle(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) error

// Handle implements Listener.
func (f ListenerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Fire dispatches event when a dispatcher is bound. A nil dispatcher is a no-op:
// lifecycle events are telemetry and never required by the queue operation itself.
func Fire(ctx context.Context, d Dispatcher, event Event) error {
	if d == nil || event == nil {
		return nil
	}
	return d.Dispatch(ctx, event)
}

type registration struct {
	name     string
	listener Listener
}

// SyncDispatcher is the in-process Dispatcher. Listeners run on the caller's goroutine and
// a listener error stops the fan-out and is returned to the dispatching call.
type SyncDispatcher struct {
	log logger.Logger

	mu        sync.RWMutex
	listeners map[string][]registration
}

// NewSyncDispatcher creates an empty dispatcher.
func NewSyncDispatcher(log logger.Logger) (*SyncDispatcher, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &SyncDispatcher{
		log:       log,
		listeners: map[string][]registration{},
	}, nil
}

// Listen registers listener for eventName under a diagnostic name.
func (d *SyncDispatcher) Listen(eventName, name string, listener Listener) error {
	if d == nil {
		return errors.New("dispatcher is not initialized")
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return errors.New("event name is required")
	}
	if listener == nil {
		return errors.New("listener is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventName] = append(d.listeners[eventName], registration{
		name:     strings.TrimSpace(name),
		listener: listener,
	})
	return nil
}

// On registers a typed handler for events of type E.
func On[E Event](d *SyncDispatcher, name string, handle func(ctx context.Context, event E) error) error {
	var zero E
	return d.Listen(zero.EventName(), name, ListenerFunc(func(ctx context.Context, event Event) error {
		typed, ok := event.(E)
		if !ok {
			return fmt.Errorf("listener %s: unexpected event %T", name, event)
		}
		return handle(ctx, typed)
	}))
}

// HasListeners reports whether anything listens for eventName.
func (d *SyncDispatcher) HasListeners(eventName string) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[eventName]) > 0
}

// Dispatch implements Dispatcher.
func (d *SyncDispatcher) Dispatch(ctx context.Context, event Event) error {
	if d == nil || event == nil {
		return nil
	}
	d.mu.RLock()
	regs := append([]registration(nil), d.listeners[event.EventName()]...)
	d.mu.RUnlock()

	for _, reg := range regs {
		if err := reg.listener.Handle(ctx, event); err != nil {
			d.log.Error("lifecycle listener failed",
				"event", event.EventName(),
				"listener", reg.name,
				"connection", event.Connection(),
				"queue", event.QueueName(),
				"error", err,
			)
			return fmt.Errorf("listener %s on %s: %w", reg.name, event.EventName(), err)
		}
	}
	return nil
}
