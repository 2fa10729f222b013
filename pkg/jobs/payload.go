package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload field names shared by producers, consumers and the repository.
const (
	FieldID          = "id"
	FieldUUID        = "uuid"
	FieldAttempts    = "attempts"
	FieldDisplayName = "displayName"
	FieldJob         = "job"
	FieldMaxTries    = "maxTries"
	FieldTimeout     = "timeout"
	FieldData        = "data"
	FieldType        = "type"
	FieldTags        = "tags"
	FieldPushedAt    = "pushedAt"
)

// DefaultJobType is stamped on payloads whose command does not report a type.
const DefaultJobType = "job"

var nowFunc = time.Now

// Payload is the JSON object carried in a queue message body. Fields the package does not
// know about are preserved byte-for-byte across decode/encode.
type Payload struct {
	fields map[string]json.RawMessage
}

// CommandData is the "data" section of a payload.
type CommandData struct {
	CommandName string          `json:"commandName"`
	Command     json.RawMessage `json:"command"`
}

// ParsePayload decodes a message body. The body must be a JSON object.
func ParsePayload(raw string) (*Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, Errorf(ErrValidation, "payload is empty")
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrValidation, err)
	}
	return &Payload{fields: fields}, nil
}

// MustParsePayload is ParsePayload for literals in tests and fixtures.
func MustParsePayload(raw string) *Payload {
	p, err := ParsePayload(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// CreatePayload builds the wire payload for command. The correlation id is minted once here
// and carried in both "uuid" and "id".
func CreatePayload(command any) (*Payload, error) {
	if command == nil {
		return nil, Errorf(ErrValidation, "command is required")
	}
	encoded, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal command: %v", ErrValidation, err)
	}

	displayName := commandName(command)
	handler := displayName
	if named, ok := command.(Named); ok && strings.TrimSpace(named.JobName()) != "" {
		handler = strings.TrimSpace(named.JobName())
	}
	var maxTries any
	if tries, ok := command.(Tries); ok && tries.Tries() > 0 {
		maxTries = tries.Tries()
	}

	id := uuid.NewString()
	p := &Payload{fields: map[string]json.RawMessage{}}
	for key, value := range map[string]any{
		FieldUUID:        id,
		FieldID:          id,
		FieldDisplayName: displayName,
		FieldJob:         handler,
		FieldMaxTries:    maxTries,
		FieldTimeout:     nil,
		FieldAttempts:    0,
		FieldData:        CommandData{CommandName: displayName, Command: encoded},
	} {
		if err := p.Set(key, value); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Prepare correlates the payload before it is sent. The id is taken from the payload's own
// uuid so retried sends of the same logical job keep their identity. Fields already present
// are left untouched, which makes Prepare idempotent.
func (p *Payload) Prepare(command any) (*Payload, error) {
	uid := p.UUID()
	if uid == "" {
		return nil, Errorf(ErrValidation, "payload has no %s", FieldUUID)
	}
	if p.getString(FieldID) == "" {
		if err := p.Set(FieldID, uid); err != nil {
			return nil, err
		}
	}
	if !p.Has(FieldType) {
		if err := p.Set(FieldType, commandType(command)); err != nil {
			return nil, err
		}
	}
	if !p.Has(FieldTags) {
		if err := p.Set(FieldTags, commandTags(command)); err != nil {
			return nil, err
		}
	}
	if !p.Has(FieldPushedAt) {
		now := nowFunc()
		pushedAt := strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 4, 64)
		if err := p.Set(FieldPushedAt, pushedAt); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ID returns the correlation id, falling back to the uuid for payloads not yet prepared.
func (p *Payload) ID() string {
	if id := p.getString(FieldID); id != "" {
		return id
	}
	return p.UUID()
}

func (p *Payload) UUID() string { return p.getString(FieldUUID) }

func (p *Payload) DisplayName() string { return p.getString(FieldDisplayName) }

// JobName returns the handler name the worker dispatches on.
func (p *Payload) JobName() string { return p.getString(FieldJob) }

func (p *Payload) Type() string { return p.getString(FieldType) }

func (p *Payload) PushedAt() string { return p.getString(FieldPushedAt) }

// Attempts returns the attempts field. Non-numeric values read as zero.
func (p *Payload) Attempts() int {
	var n json.Number
	if ok, err := p.Get(FieldAttempts, &n); !ok || err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return int(v)
}

// MaxTries returns the maxTries field, zero when unlimited or missing.
func (p *Payload) MaxTries() int {
	var n *int
	if ok, err := p.Get(FieldMaxTries, &n); !ok || err != nil || n == nil {
		return 0
	}
	return *n
}

// Tags returns the payload tags in their stored order.
func (p *Payload) Tags() []string {
	var tags []string
	if ok, err := p.Get(FieldTags, &tags); !ok || err != nil {
		return nil
	}
	return tags
}

// Data decodes the "data" section.
func (p *Payload) Data() (CommandData, error) {
	var data CommandData
	ok, err := p.Get(FieldData, &data)
	if err != nil {
		return CommandData{}, err
	}
	if !ok {
		return CommandData{}, Errorf(ErrValidation, "payload has no %s", FieldData)
	}
	return data, nil
}

// Has reports whether key is present, even with a null value.
func (p *Payload) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.fields[key]
	return ok
}

// Get decodes key into dst. It reports false when the key is absent.
func (p *Payload) Get(key string, dst any) (bool, error) {
	if p == nil {
		return false, nil
	}
	raw, ok := p.fields[key]
	if !ok {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return true, fmt.Errorf("%w: decode %s: %v", ErrValidation, key, err)
	}
	return true, nil
}

// Set encodes value under key.
func (p *Payload) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrValidation, key, err)
	}
	if p.fields == nil {
		p.fields = map[string]json.RawMessage{}
	}
	p.fields[key] = encoded
	return nil
}

// WithAttempts returns a copy with the attempts field replaced.
func (p *Payload) WithAttempts(attempts int) *Payload {
	out := p.Clone()
	_ = out.Set(FieldAttempts, attempts)
	return out
}

// Value returns the canonical encoding: keys sorted, values as stored.
func (p *Payload) Value() string {
	if p == nil || len(p.fields) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(p.fields[k])
	}
	buf.WriteByte('}')
	return buf.String()
}

// String implements fmt.Stringer.
func (p *Payload) String() string { return p.Value() }

// MarshalJSON emits the canonical encoding.
func (p *Payload) MarshalJSON() ([]byte, error) { return []byte(p.Value()), nil }

// UnmarshalJSON accepts any JSON object.
func (p *Payload) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePayload(string(data))
	if err != nil {
		return err
	}
	p.fields = parsed.fields
	return nil
}

// Clone returns a deep copy.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{fields: make(map[string]json.RawMessage, len(p.fields))}
	for k, v := range p.fields {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out.fields[k] = cp
	}
	return out
}

func (p *Payload) getString(key string) string {
	var s string
	if ok, err := p.Get(key, &s); !ok || err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func commandName(command any) string {
	if named, ok := command.(DisplayNamer); ok {
		if name := strings.TrimSpace(named.DisplayName()); name != "" {
			return name
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", command), "*")
}

func commandType(command any) string {
	if typed, ok := command.(Typed); ok {
		if t := strings.TrimSpace(typed.JobType()); t != "" {
			return t
		}
	}
	return DefaultJobType
}

func commandTags(command any) []string {
	tagged, ok := command.(Tagged)
	if !ok {
		return []string{}
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, tag := range tagged.Tags() {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
