package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type reindex struct {
	Index string `json:"index"`
}

func (reindex) Tags() []string      { return []string{" search ", "", "tenant:1", "search"} }
func (reindex) JobName() string     { return "search.reindex" }
func (reindex) DisplayName() string { return "Reindex" }
func (reindex) JobType() string     { return "broadcast" }
func (reindex) Tries() int          { return 4 }

type plain struct{ N int }

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	previous := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = previous })
}

func TestCreatePayload_IDEqualsUUID(t *testing.T) {
	p, err := CreatePayload(plain{N: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.UUID() == "" || p.ID() != p.UUID() {
		t.Fatalf("expected id == uuid, got id=%q uuid=%q", p.ID(), p.UUID())
	}
	if p.DisplayName() != "jobs.plain" || p.JobName() != "jobs.plain" {
		t.Fatalf("unexpected names %q %q", p.DisplayName(), p.JobName())
	}
	if p.Attempts() != 0 || p.MaxTries() != 0 {
		t.Fatalf("unexpected counters attempts=%d maxTries=%d", p.Attempts(), p.MaxTries())
	}
	data, err := p.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if string(data.Command) != `{"N":1}` {
		t.Fatalf("unexpected command %s", data.Command)
	}
}

func TestCreatePayload_UsesCommandCapabilities(t *testing.T) {
	p, err := CreatePayload(reindex{Index: "users"})
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName() != "Reindex" || p.JobName() != "search.reindex" || p.MaxTries() != 4 {
		t.Fatalf("capabilities ignored: %s", p)
	}
}

func TestCreatePayload_RequiresCommand(t *testing.T) {
	if _, err := CreatePayload(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPrepare_AddsCorrelationFields(t *testing.T) {
	freezeNow(t, time.Unix(1700000000, 123456000))
	p := MustParsePayload(`{"uuid":"abc"}`)

	prepared, err := p.Prepare(reindex{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prepared.ID() != "abc" {
		t.Fatalf("expected id abc, got %q", prepared.ID())
	}
	if prepared.Type() != "broadcast" {
		t.Fatalf("expected type broadcast, got %q", prepared.Type())
	}
	tags := prepared.Tags()
	if strings.Join(tags, ",") != "search,tenant:1" {
		t.Fatalf("expected deduplicated tags, got %v", tags)
	}
	if prepared.PushedAt() != "1700000000.1235" {
		t.Fatalf("unexpected pushedAt %q", prepared.PushedAt())
	}
}

func TestPrepare_DefaultsWithoutCommand(t *testing.T) {
	prepared, err := MustParsePayload(`{"uuid":"abc"}`).Prepare(nil)
	if err != nil {
		t.Fatal(err)
	}
	if prepared.Type() != DefaultJobType {
		t.Fatalf("expected default type, got %q", prepared.Type())
	}
	if tags := prepared.Tags(); tags == nil || len(tags) != 0 {
		t.Fatalf("expected empty tag list, got %#v", tags)
	}
	if !strings.Contains(prepared.Value(), `"tags":[]`) {
		t.Fatalf("expected tags encoded as empty array: %s", prepared.Value())
	}
}

func TestPrepare_MissingUUID(t *testing.T) {
	for _, raw := range []string{`{}`, `{"uuid":""}`, `{"uuid":"   "}`, `{"id":"abc"}`} {
		if _, err := MustParsePayload(raw).Prepare(nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", raw, err)
		}
	}
}

func TestPrepare_KeepsExistingID(t *testing.T) {
	prepared, err := MustParsePayload(`{"uuid":"abc","id":"legacy"}`).Prepare(nil)
	if err != nil {
		t.Fatal(err)
	}
	if prepared.ID() != "legacy" {
		t.Fatalf("expected existing id kept, got %q", prepared.ID())
	}
}

func TestPayload_PreservesUnknownFields(t *testing.T) {
	raw := `{"uuid":"abc","custom":{"nested":[1,2,3]},"big":12345678901234567890}`
	p := MustParsePayload(raw)
	out := p.Value()
	if !strings.Contains(out, `"custom":{"nested":[1,2,3]}`) || !strings.Contains(out, `"big":12345678901234567890`) {
		t.Fatalf("unknown fields altered: %s", out)
	}
}

func TestParsePayload_Rejects(t *testing.T) {
	for _, raw := range []string{"", "  ", "[1,2]", `"abc"`, "{"} {
		if _, err := ParsePayload(raw); !errors.Is(err, ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
	}
}

func TestPayload_WithAttemptsDoesNotMutate(t *testing.T) {
	p := MustParsePayload(`{"uuid":"abc","attempts":0}`)
	snapshot := p.WithAttempts(3)
	if snapshot.Attempts() != 3 || p.Attempts() != 0 {
		t.Fatalf("expected copy-on-write, got snapshot=%d original=%d", snapshot.Attempts(), p.Attempts())
	}
}

func TestPayload_JSONRoundTripThroughStruct(t *testing.T) {
	type wrapper struct {
		Payload *Payload `json:"payload"`
	}
	in := wrapper{Payload: MustParsePayload(`{"uuid":"abc","b":1,"a":2}`)}
	encoded, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != `{"payload":{"a":2,"b":1,"uuid":"abc"}}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	var out wrapper
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatal(err)
	}
	if out.Payload.UUID() != "abc" {
		t.Fatalf("lost uuid: %s", out.Payload)
	}
}

func TestProperty_PrepareIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("preparing twice yields the same bytes and id", prop.ForAll(
		func(uuid string, tags []string, seconds int64) bool {
			if strings.TrimSpace(uuid) == "" {
				return true
			}
			previous := nowFunc
			defer func() { nowFunc = previous }()

			nowFunc = func() time.Time { return time.Unix(seconds, 0) }
			p, err := payloadWithUUID(uuid)
			if err != nil {
				return false
			}
			first, err := p.Prepare(taggedCommand(tags))
			if err != nil {
				return false
			}
			once := first.Value()

			nowFunc = func() time.Time { return time.Unix(seconds+3600, 0) }
			second, err := first.Prepare(taggedCommand(append(tags, "later")))
			if err != nil {
				return false
			}
			return second.Value() == once && second.ID() == strings.TrimSpace(uuid)
		},
		gen.Identifier(),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64Range(0, 4102444800),
	))

	properties.TestingRun(t)
}

type taggedCommand []string

func (c taggedCommand) Tags() []string { return c }

func payloadWithUUID(uuid string) (*Payload, error) {
	p := &Payload{}
	if err := p.Set(FieldUUID, uuid); err != nil {
		return nil, err
	}
	return p, nil
}
