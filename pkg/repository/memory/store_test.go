package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/repository"
)

func payload(id string, extra string) *jobs.Payload {
	if extra == "" {
		return jobs.MustParsePayload(`{"uuid":"` + id + `","id":"` + id + `","displayName":"SendEmail"}`)
	}
	return jobs.MustParsePayload(`{"uuid":"` + id + `","id":"` + id + `","displayName":"SendEmail",` + extra + `}`)
}

func newClockedStore(start time.Time) (*Store, *time.Time) {
	s := NewStore(repository.Retention{})
	clock := start
	s.now = func() time.Time { return clock }
	return s, &clock
}

func assertSets(t *testing.T, s *Store, id string, want ...repository.Set) {
	t.Helper()
	got, err := s.SetsOf(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("job %s: expected sets %v, got %v", id, want, got)
	}
}

func TestStore_Transitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(1000, 0))
	p := payload("abc", `"tags":["mail"]`)

	if err := s.Pushed(ctx, "sqs", "q", p); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc", repository.SetPending)

	if err := s.Reserved(ctx, "sqs", "q", p.WithAttempts(1)); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc", repository.SetPending)
	rec, _ := s.Find(ctx, "abc")
	if rec.Status != repository.StatusReserved || rec.Attempts != 1 {
		t.Fatalf("unexpected record after reserve: %+v", rec)
	}

	if err := s.Completed(ctx, p, false); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc", repository.SetCompleted)
	rec, _ = s.Find(ctx, "abc")
	if rec.Status != repository.StatusCompleted || rec.Name != "SendEmail" || rec.Tags[0] != "mail" {
		t.Fatalf("unexpected record after completion: %+v", rec)
	}
}

func TestStore_FailedKeepsException(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(1000, 0))
	p := payload("abc", "")

	_ = s.Pushed(ctx, "sqs", "q", p)
	if err := s.Completed(ctx, p, true); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc", repository.SetFailed)
	if err := s.Failed(ctx, errors.New("smtp timeout"), "sqs", "q", p); err != nil {
		t.Fatal(err)
	}
	if err := s.Completed(ctx, p, true); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc", repository.SetFailed)
	rec, _ := s.Find(ctx, "abc")
	if rec.Exception != "smtp timeout" || rec.Status != repository.StatusFailed {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStore_RemoveJobFromPendingOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(1000, 0))
	p := payload("abc", "")
	_ = s.Pushed(ctx, "sqs", "q", p)

	if err := s.RemoveJobFromPending(ctx, p); err != nil {
		t.Fatal(err)
	}
	assertSets(t, s, "abc")
	if _, err := s.Find(ctx, "abc"); err != nil {
		t.Fatalf("record must survive: %v", err)
	}
}

func TestStore_RejectsPayloadWithoutID(t *testing.T) {
	s := NewStore(repository.Retention{})
	err := s.Completed(context.Background(), jobs.MustParsePayload(`{"job":"x"}`), false)
	if !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStore_FindMissing(t *testing.T) {
	s := NewStore(repository.Retention{})
	if _, err := s.Find(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(time.Unix(1000, 0))
	for _, id := range []string{"a", "b", "c"} {
		*clock = clock.Add(time.Second)
		_ = s.Pushed(ctx, "sqs", "q", payload(id, ""))
	}

	recs, err := s.List(ctx, repository.SetPending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
	if n, _ := s.Count(ctx, repository.SetPending); n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}
	if _, err := s.List(ctx, repository.Set("bogus"), 0); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStore_TagsAndRemember(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(1000, 0))

	if err := s.Monitor(ctx, "report:5"); err != nil {
		t.Fatal(err)
	}
	if err := s.Monitor(ctx, " "); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error for blank tag, got %v", err)
	}
	monitored, _ := s.Monitored(ctx, []string{"mail", "report:5", "report:5"})
	if !reflect.DeepEqual(monitored, []string{"report:5"}) {
		t.Fatalf("unexpected monitored subset %v", monitored)
	}

	p := payload("abc", `"tags":["report:5","mail"]`)
	if err := s.Remember(ctx, "sqs", "q", p); err != nil {
		t.Fatal(err)
	}
	ids, _ := s.JobIDs(ctx, "report:5")
	if !reflect.DeepEqual(ids, []string{"abc"}) {
		t.Fatalf("expected abc indexed, got %v", ids)
	}
	if ids, _ := s.JobIDs(ctx, "mail"); len(ids) != 0 {
		t.Fatalf("unmonitored tag must not be indexed, got %v", ids)
	}
	rec, _ := s.Find(ctx, "abc")
	if !rec.Retained {
		t.Fatal("expected record retained")
	}

	if err := s.StopMonitoring(ctx, "report:5"); err != nil {
		t.Fatal(err)
	}
	if ids, _ := s.JobIDs(ctx, "report:5"); len(ids) != 0 {
		t.Fatalf("expected index dropped with the tag, got %v", ids)
	}
	if tags, _ := s.Monitoring(ctx); len(tags) != 0 {
		t.Fatalf("expected no monitored tags, got %v", tags)
	}
}

func TestStore_TrimKeepsRetained(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(time.Unix(1000, 0))
	_ = s.Pushed(ctx, "sqs", "q", payload("old", ""))
	_ = s.Completed(ctx, payload("old", ""), false)
	_ = s.Pushed(ctx, "sqs", "q", payload("kept", ""))
	_ = s.Completed(ctx, payload("kept", ""), false)
	_ = s.Remember(ctx, "sqs", "q", payload("kept", ""))
	_ = s.Pushed(ctx, "sqs", "q", payload("broken", ""))
	_ = s.Failed(ctx, errors.New("x"), "sqs", "q", payload("broken", ""))

	*clock = clock.Add(2 * time.Hour)
	removed, err := s.Trim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.Find(ctx, "old"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatal("expected old job trimmed")
	}
	if _, err := s.Find(ctx, "kept"); err != nil {
		t.Fatal("expected retained job kept")
	}
	if _, err := s.Find(ctx, "broken"); err != nil {
		t.Fatal("expected failed job kept within its retention")
	}
}

func TestStore_StopMonitoringReleasesRetainedJobs(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(time.Unix(1000, 0))
	_ = s.Monitor(ctx, "report:5")
	_ = s.Monitor(ctx, "mail")

	only := payload("only", `"tags":["report:5"]`)
	both := payload("both", `"tags":["report:5","mail"]`)
	for _, p := range []*jobs.Payload{only, both} {
		_ = s.Pushed(ctx, "sqs", "q", p)
		_ = s.Completed(ctx, p, false)
		if err := s.Remember(ctx, "sqs", "q", p); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.StopMonitoring(ctx, "report:5"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.Find(ctx, "only"); rec.Retained {
		t.Fatal("a job no monitored tag covers must no longer be retained")
	}
	if rec, _ := s.Find(ctx, "both"); !rec.Retained {
		t.Fatal("a job still indexed under a monitored tag stays retained")
	}

	*clock = clock.Add(30 * 24 * time.Hour)
	removed, err := s.Trim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.Find(ctx, "only"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected released job trimmed, got %v", err)
	}
}

func TestStore_TrimDropsTagIndexEntries(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(time.Unix(1000, 0))
	_ = s.Monitor(ctx, "report:5")

	p := payload("j2", `"tags":["report:5"]`)
	_ = s.Pushed(ctx, "sqs", "q", p)
	if err := s.Add(ctx, "j2", []string{"report:5"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Completed(ctx, p, true)

	*clock = clock.Add(8 * 24 * time.Hour)
	removed, err := s.Trim(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d %v", removed, err)
	}
	if ids, _ := s.JobIDs(ctx, "report:5"); len(ids) != 0 {
		t.Fatalf("trimmed job must leave the tag index, got %v", ids)
	}
	if tags, _ := s.Monitoring(ctx); !reflect.DeepEqual(tags, []string{"report:5"}) {
		t.Fatalf("trim must not touch monitored tags, got %v", tags)
	}
}

type operation struct {
	Kind int
	ID   int
}

func TestProperty_SetMembershipIsExclusive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genOp := gopter.CombineGens(gen.IntRange(0, 5), gen.IntRange(0, 3)).Map(func(v []interface{}) operation {
		return operation{Kind: v[0].(int), ID: v[1].(int)}
	})

	properties.Property("every id is in at most one set after any sequence", prop.ForAll(
		func(ops []operation) bool {
			ctx := context.Background()
			s := NewStore(repository.Retention{})
			for _, op := range ops {
				id := string(rune('a' + op.ID))
				p := payload(id, "")
				var err error
				switch op.Kind {
				case 0:
					err = s.Pushed(ctx, "sqs", "q", p)
				case 1:
					err = s.Reserved(ctx, "sqs", "q", p)
				case 2:
					err = s.Completed(ctx, p, false)
				case 3:
					err = s.Completed(ctx, p, true)
				case 4:
					err = s.Failed(ctx, errors.New("boom"), "sqs", "q", p)
				case 5:
					err = s.RemoveJobFromPending(ctx, p)
				}
				if err != nil {
					return false
				}
				for i := 0; i < 4; i++ {
					sets, _ := s.SetsOf(ctx, string(rune('a'+i)))
					if len(sets) > 1 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
