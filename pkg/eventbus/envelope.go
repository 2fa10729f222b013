package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvelopeContentType is the content type of forwarded envelopes.
	EnvelopeContentType = "application/json"
	// EnvelopeVersion is bumped when the envelope layout changes.
	EnvelopeVersion = "1"
	// TypePrefix namespaces envelope types.
	TypePrefix = "jobwatch."
)

// Envelope is the broker representation of one lifecycle event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Version    string          `json:"version"`
	Producer   string          `json:"producer"`
	Connection string          `json:"connection"`
	Queue      string          `json:"queue"`
	JobID      string          `json:"job_id"`
	Attempts   int             `json:"attempts"`
	Failed     bool            `json:"failed,omitempty"`
	Exception  string          `json:"exception,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Validate checks the fields consumers rely on.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope is nil")
	}
	required := []struct{ field, value string }{
		{"id", e.ID},
		{"type", e.Type},
		{"version", e.Version},
		{"producer", e.Producer},
		{"job_id", e.JobID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("missing required field: %s", r.field)
		}
	}
	if !strings.HasPrefix(e.Type, TypePrefix) {
		return fmt.Errorf("invalid type %q: must start with %q", e.Type, TypePrefix)
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// ToMessage validates and encodes the envelope.
func (e *Envelope) ToMessage() (*Message, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return &Message{
		ID:          e.ID,
		Key:         e.JobID,
		Value:       data,
		ContentType: EnvelopeContentType,
		Timestamp:   e.OccurredAt,
		Headers: map[string]string{
			"type":       e.Type,
			"version":    e.Version,
			"connection": e.Connection,
			"job_id":     e.JobID,
			"attempts":   strconv.Itoa(e.Attempts),
		},
	}, nil
}

// DecodeEnvelope parses and validates a forwarded message body.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot decode empty envelope")
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
