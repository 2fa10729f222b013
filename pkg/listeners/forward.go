package listeners

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// ForwardEvents republishes lifecycle events to a broker. Publishing is best effort:
// a broker outage is logged and never fails the queue operation that raised the event.
type ForwardEvents struct {
	producer eventbus.Producer
	topic    string
	name     string
	log      logger.Logger
	now      func() time.Time
	newID    func() string
}

// NewForwardEvents creates the forwarder. name identifies this process in envelopes.
func NewForwardEvents(producer eventbus.Producer, topic, name string, log logger.Logger) (*ForwardEvents, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "jobwatch"
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &ForwardEvents{
		producer: producer,
		topic:    strings.TrimSpace(topic),
		name:     name,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Handle implements lifecycle.Listener.
func (l *ForwardEvents) Handle(ctx context.Context, e lifecycle.Event) error {
	envelope := l.envelope(e)
	if envelope == nil {
		return nil
	}
	msg, err := envelope.ToMessage()
	if err != nil {
		l.log.Warn("lifecycle event not forwarded", "event", e.EventName(), "error", err)
		return nil
	}
	if err := l.producer.Publish(ctx, l.topic, msg); err != nil {
		l.log.Error("lifecycle event forward failed",
			"event", e.EventName(),
			"job_id", envelope.JobID,
			"error", err,
		)
	}
	return nil
}

// envelope maps e to its broker form. Events without a payload are not forwarded.
func (l *ForwardEvents) envelope(e lifecycle.Event) *eventbus.Envelope {
	payload := e.JobPayload()
	if payload == nil {
		return nil
	}
	out := &eventbus.Envelope{
		ID:         l.newID(),
		Type:       eventbus.TypePrefix + e.EventName(),
		Version:    eventbus.EnvelopeVersion,
		Producer:   l.name,
		Connection: e.Connection(),
		Queue:      e.QueueName(),
		JobID:      payload.ID(),
		Attempts:   payload.Attempts(),
		OccurredAt: l.now().UTC(),
		Payload:    json.RawMessage(payload.Value()),
	}
	switch ev := e.(type) {
	case *lifecycle.JobDeleted:
		out.Failed = ev.Job != nil && ev.Job.HasFailed()
	case *lifecycle.JobFailed:
		out.Failed = true
		if ev.Err != nil {
			out.Exception = ev.Err.Error()
		}
	}
	return out
}
