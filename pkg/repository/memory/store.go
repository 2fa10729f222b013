// Package memory is the in-process repository used by tests and single-worker setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/repository"
)

// Store keeps every record and set under one mutex, which makes each transition atomic.
type Store struct {
	retention repository.Retention
	now       func() time.Time

	mu         sync.RWMutex
	records    map[string]*repository.JobRecord
	sets       map[repository.Set]map[string]time.Time
	monitoring map[string]struct{}
	tagIndex   map[string]map[string]time.Time
}

var _ repository.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(retention repository.Retention) *Store {
	retention.Normalize()
	s := &Store{
		retention:  retention,
		now:        time.Now,
		records:    map[string]*repository.JobRecord{},
		sets:       map[repository.Set]map[string]time.Time{},
		monitoring: map[string]struct{}{},
		tagIndex:   map[string]map[string]time.Time{},
	}
	for _, set := range repository.Sets {
		s.sets[set] = map[string]time.Time{}
	}
	return s
}

func (s *Store) Pushed(_ context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.record(id)
	rec.Connection = connection
	rec.Queue = queue
	rec.Name = jobName(payload)
	rec.Status = repository.StatusPending
	rec.Tags = payload.Tags()
	rec.Payload = payload.Value()
	rec.PushedAt = now
	s.move(id, repository.SetPending, now)
	return nil
}

func (s *Store) Reserved(_ context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(id)
	rec.Connection = connection
	rec.Queue = queue
	if rec.Name == "" {
		rec.Name = jobName(payload)
	}
	rec.Status = repository.StatusReserved
	rec.Attempts = payload.Attempts()
	rec.Payload = payload.Value()
	rec.ReservedAt = s.now()
	return nil
}

func (s *Store) RemoveJobFromPending(_ context.Context, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[repository.SetPending], id)
	return nil
}

func (s *Store) Completed(_ context.Context, payload *jobs.Payload, failed bool) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.record(id)
	if rec.Name == "" {
		rec.Name = jobName(payload)
	}
	rec.Payload = payload.Value()
	if failed {
		rec.Status = repository.StatusFailed
		if rec.FailedAt.IsZero() {
			rec.FailedAt = now
		}
		s.move(id, repository.SetFailed, now)
		return nil
	}
	rec.Status = repository.StatusCompleted
	rec.CompletedAt = now
	s.move(id, repository.SetCompleted, now)
	return nil
}

func (s *Store) Failed(_ context.Context, cause error, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.record(id)
	rec.Connection = connection
	rec.Queue = queue
	if rec.Name == "" {
		rec.Name = jobName(payload)
	}
	rec.Status = repository.StatusFailed
	rec.Payload = payload.Value()
	if cause != nil {
		rec.Exception = cause.Error()
	}
	rec.FailedAt = now
	s.move(id, repository.SetFailed, now)
	return nil
}

func (s *Store) Remember(_ context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.record(id)
	rec.Connection = connection
	rec.Queue = queue
	rec.Payload = payload.Value()
	rec.Retained = true
	for _, tag := range repository.Intersect(payload.Tags(), s.monitoring) {
		s.index(tag, id, now)
	}
	return nil
}

func (s *Store) Find(_ context.Context, id string) (*repository.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, jobs.Errorf(jobs.ErrNotFound, "job %s", id)
	}
	return cloneRecord(rec), nil
}

func (s *Store) List(_ context.Context, set repository.Set, limit int) ([]repository.JobRecord, error) {
	if !set.Valid() {
		return nil, jobs.Errorf(jobs.ErrValidation, "unknown set %q", set)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := newestFirst(s.sets[set])
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]repository.JobRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, *cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *Store) Count(_ context.Context, set repository.Set) (int, error) {
	if !set.Valid() {
		return 0, jobs.Errorf(jobs.ErrValidation, "unknown set %q", set)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[set]), nil
}

func (s *Store) SetsOf(_ context.Context, id string) ([]repository.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []repository.Set
	for _, set := range repository.Sets {
		if _, ok := s.sets[set][id]; ok {
			out = append(out, set)
		}
	}
	return out, nil
}

func (s *Store) Trim(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, set := range repository.Sets {
		cutoff := now.Add(-s.retention.For(set))
		for id, at := range s.sets[set] {
			if !at.Before(cutoff) {
				continue
			}
			if rec, ok := s.records[id]; ok && rec.Retained {
				continue
			}
			delete(s.sets[set], id)
			delete(s.records, id)
			s.unindex(id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Monitored(_ context.Context, tags []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repository.Intersect(tags, s.monitoring), nil
}

func (s *Store) Monitor(_ context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return jobs.Errorf(jobs.ErrValidation, "tag is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitoring[tag] = struct{}{}
	return nil
}

func (s *Store) StopMonitoring(_ context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitoring, tag)
	ids := s.tagIndex[tag]
	delete(s.tagIndex, tag)
	for id := range ids {
		if rec, ok := s.records[id]; ok && !s.indexedUnderMonitored(id) {
			rec.Retained = false
		}
	}
	return nil
}

func (s *Store) Monitoring(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.monitoring))
	for tag := range s.monitoring {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Add(_ context.Context, id string, tags []string) error {
	if strings.TrimSpace(id) == "" {
		return jobs.Errorf(jobs.ErrValidation, "job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			s.index(tag, id, now)
		}
	}
	return nil
}

func (s *Store) JobIDs(_ context.Context, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.tagIndex[strings.TrimSpace(tag)]), nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// move puts id in target and removes it from every other set. An id already in target
// keeps its original timestamp.
func (s *Store) move(id string, target repository.Set, at time.Time) {
	for _, set := range repository.Sets {
		if set != target {
			delete(s.sets[set], id)
		}
	}
	if _, ok := s.sets[target][id]; !ok {
		s.sets[target][id] = at
	}
}

func (s *Store) index(tag, id string, at time.Time) {
	ids, ok := s.tagIndex[tag]
	if !ok {
		ids = map[string]time.Time{}
		s.tagIndex[tag] = ids
	}
	ids[id] = at
}

// unindex drops id from every tag index.
func (s *Store) unindex(id string) {
	for tag, ids := range s.tagIndex {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.tagIndex, tag)
		}
	}
}

func (s *Store) indexedUnderMonitored(id string) bool {
	for tag := range s.monitoring {
		if _, ok := s.tagIndex[tag][id]; ok {
			return true
		}
	}
	return false
}

func (s *Store) record(id string) *repository.JobRecord {
	rec, ok := s.records[id]
	if !ok {
		rec = &repository.JobRecord{ID: id}
		s.records[id] = rec
	}
	return rec
}

func newestFirst(members map[string]time.Time) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := members[ids[i]], members[ids[j]]
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.After(b)
	})
	return ids
}

func cloneRecord(rec *repository.JobRecord) *repository.JobRecord {
	out := *rec
	out.Tags = append([]string(nil), rec.Tags...)
	return &out
}

func jobName(payload *jobs.Payload) string {
	if name := payload.DisplayName(); name != "" {
		return name
	}
	return payload.JobName()
}
