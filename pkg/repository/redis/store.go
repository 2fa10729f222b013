// Package redis stores job state in Redis sorted sets and hashes. Set transitions run as
// Lua scripts so an id is never visible in two sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/tracing"
	"github.com/nimburion/jobwatch/pkg/repository"
)

const (
	defaultPrefix           = "jobwatch"
	defaultOperationTimeout = 5 * time.Second
)

// Config configures the Redis store.
type Config struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	Retention        repository.Retention
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Retention.Normalize()
}

// Store implements repository.Store on Redis.
type Store struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config
	now    func() time.Time
	owned  bool
}

var _ repository.Store = (*Store)(nil)

// Connect parses cfg.URL, verifies the server answers and returns a store that owns the
// connection.
func Connect(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis job repository connected", "prefix", cfg.Prefix)

	store := NewStore(client, cfg, log)
	store.owned = true
	return store, nil
}

// NewStore wraps an existing client. The caller keeps ownership of client.
func NewStore(client redis.UniversalClient, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	if log == nil {
		log = logger.Nop{}
	}
	return &Store{
		client: client,
		log:    log,
		config: cfg,
		now:    time.Now,
	}
}

func (s *Store) Pushed(ctx context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	now := s.now()
	tags, _ := json.Marshal(nonNil(payload.Tags()))
	return s.move(ctx, "pushed", id, repository.SetPending, now,
		"id", id,
		"connection", connection,
		"queue", queue,
		"name", jobName(payload),
		"status", string(repository.StatusPending),
		"tags", string(tags),
		"payload", payload.Value(),
		"pushed_at", millis(now),
	)
}

func (s *Store) Reserved(ctx context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	now := s.now()
	return s.move(ctx, "reserved", id, "", now,
		"id", id,
		"connection", connection,
		"queue", queue,
		"?name", jobName(payload),
		"status", string(repository.StatusReserved),
		"attempts", strconv.Itoa(payload.Attempts()),
		"payload", payload.Value(),
		"reserved_at", millis(now),
	)
}

func (s *Store) RemoveJobFromPending(ctx context.Context, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	ctx, span := s.span(ctx, tracing.SpanOperationStoreWrite, "remove_pending", id)
	defer span.End()

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.ZRem(opCtx, s.setKey(repository.SetPending), id).Err(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("remove %s from pending: %w", id, err)
	}
	return nil
}

func (s *Store) Completed(ctx context.Context, payload *jobs.Payload, failed bool) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	now := s.now()
	if failed {
		return s.move(ctx, "completed", id, repository.SetFailed, now,
			"id", id,
			"?name", jobName(payload),
			"status", string(repository.StatusFailed),
			"payload", payload.Value(),
			"?failed_at", millis(now),
		)
	}
	return s.move(ctx, "completed", id, repository.SetCompleted, now,
		"id", id,
		"?name", jobName(payload),
		"status", string(repository.StatusCompleted),
		"payload", payload.Value(),
		"completed_at", millis(now),
	)
}

func (s *Store) Failed(ctx context.Context, cause error, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	exception := ""
	if cause != nil {
		exception = cause.Error()
	}
	now := s.now()
	return s.move(ctx, "failed", id, repository.SetFailed, now,
		"id", id,
		"connection", connection,
		"queue", queue,
		"?name", jobName(payload),
		"status", string(repository.StatusFailed),
		"payload", payload.Value(),
		"exception", exception,
		"failed_at", millis(now),
	)
}

func (s *Store) Remember(ctx context.Context, connection, queue string, payload *jobs.Payload) error {
	id, err := repository.JobID(payload)
	if err != nil {
		return err
	}
	ctx, span := s.span(ctx, tracing.SpanOperationStoreWrite, "remember", id)
	defer span.End()

	args := []any{id, s.now().UnixMilli(), s.tagKey(""), connection, queue, payload.Value()}
	for _, tag := range payload.Tags() {
		args = append(args, tag)
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := rememberScript.Run(opCtx, s.client, []string{s.jobKey(id), s.monitoringKey()}, args...).Err(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("remember %s: %w", id, err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*repository.JobRecord, error) {
	ctx, span := s.span(ctx, tracing.SpanOperationStoreRead, "find", id)
	defer span.End()

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	fields, err := s.client.HGetAll(opCtx, s.jobKey(id)).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, jobs.Errorf(jobs.ErrNotFound, "job %s", id)
	}
	return decodeRecord(fields), nil
}

func (s *Store) List(ctx context.Context, set repository.Set, limit int) ([]repository.JobRecord, error) {
	if !set.Valid() {
		return nil, jobs.Errorf(jobs.ErrValidation, "unknown set %q", set)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.ZRevRange(opCtx, s.setKey(set), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", set, err)
	}
	if len(ids) == 0 {
		return []repository.JobRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(opCtx, s.jobKey(id))
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return nil, fmt.Errorf("load %s records: %w", set, err)
	}
	out := make([]repository.JobRecord, 0, len(ids))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			out = append(out, *decodeRecord(fields))
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, set repository.Set) (int, error) {
	if !set.Valid() {
		return 0, jobs.Errorf(jobs.ErrValidation, "unknown set %q", set)
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	n, err := s.client.ZCard(opCtx, s.setKey(set)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", set, err)
	}
	return int(n), nil
}

func (s *Store) SetsOf(ctx context.Context, id string) ([]repository.Set, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(repository.Sets))
	for i, set := range repository.Sets {
		cmds[i] = pipe.ZScore(opCtx, s.setKey(set), id)
	}
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("membership of %s: %w", id, err)
	}
	var out []repository.Set
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			out = append(out, repository.Sets[i])
		}
	}
	return out, nil
}

func (s *Store) Trim(ctx context.Context) (int, error) {
	ctx, span := s.span(ctx, tracing.SpanOperationStoreWrite, "trim", "")
	defer span.End()

	now := s.now()
	removed := 0
	for _, set := range repository.Sets {
		cutoff := now.Add(-s.config.Retention.For(set)).UnixMilli()
		opCtx, cancel := s.operationContext(ctx)
		keys := []string{s.setKey(set), s.monitoringKey()}
		n, err := trimScript.Run(opCtx, s.client, keys, cutoff, s.jobKey(""), s.tagKey("")).Int()
		cancel()
		if err != nil {
			tracing.RecordError(span, err)
			return removed, fmt.Errorf("trim %s: %w", set, err)
		}
		removed += n
	}
	tracing.RecordSuccess(span)
	return removed, nil
}

func (s *Store) Monitored(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}
	members := make([]any, len(tags))
	for i, tag := range tags {
		members[i] = tag
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	flags, err := s.client.SMIsMember(opCtx, s.monitoringKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("check monitored tags: %w", err)
	}
	monitored := map[string]struct{}{}
	for i, ok := range flags {
		if ok {
			monitored[tags[i]] = struct{}{}
		}
	}
	return repository.Intersect(tags, monitored), nil
}

func (s *Store) Monitor(ctx context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return jobs.Errorf(jobs.ErrValidation, "tag is required")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.SAdd(opCtx, s.monitoringKey(), tag).Err(); err != nil {
		return fmt.Errorf("monitor %s: %w", tag, err)
	}
	return nil
}

func (s *Store) StopMonitoring(ctx context.Context, tag string) error {
	tag = strings.TrimSpace(tag)
	ttl := int64(s.config.Retention.For(repository.SetCompleted).Seconds())
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	keys := []string{s.monitoringKey(), s.tagKey(tag)}
	released, err := stopMonitoringScript.Run(opCtx, s.client, keys, tag, s.jobKey(""), s.tagKey(""), ttl).Int()
	if err != nil {
		return fmt.Errorf("stop monitoring %s: %w", tag, err)
	}
	if released > 0 {
		s.log.Debug("released monitored jobs", "tag", tag, "count", released)
	}
	return nil
}

func (s *Store) Monitoring(ctx context.Context) ([]string, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	tags, err := s.client.SMembers(opCtx, s.monitoringKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list monitored tags: %w", err)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *Store) Add(ctx context.Context, id string, tags []string) error {
	if strings.TrimSpace(id) == "" {
		return jobs.Errorf(jobs.ErrValidation, "job id is required")
	}
	now := float64(s.now().UnixMilli())
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, tag := range tags {
			if tag = strings.TrimSpace(tag); tag != "" {
				pipe.ZAdd(opCtx, s.tagKey(tag), redis.Z{Score: now, Member: id})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

func (s *Store) JobIDs(ctx context.Context, tag string) ([]string, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	ids, err := s.client.ZRevRange(opCtx, s.tagKey(strings.TrimSpace(tag)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs tagged %s: %w", tag, err)
	}
	return ids, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the connection when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis connection: %w", err)
	}
	return nil
}

// move runs moveScript. An empty target keeps the current set membership.
func (s *Store) move(ctx context.Context, action, id string, target repository.Set, now time.Time, fields ...string) error {
	ctx, span := s.span(ctx, tracing.SpanOperationStoreWrite, action, id)
	defer span.End()

	ttlSet := target
	if ttlSet == "" {
		ttlSet = repository.SetPending
	}
	args := make([]any, 0, 4+len(fields))
	args = append(args, id, targetIndex(target), now.UnixMilli(), int64(s.config.Retention.For(ttlSet).Seconds()))
	for _, f := range fields {
		args = append(args, f)
	}

	keys := make([]string, 0, 4)
	for _, set := range repository.Sets {
		keys = append(keys, s.setKey(set))
	}
	keys = append(keys, s.jobKey(id))

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := moveScript.Run(opCtx, s.client, keys, args...).Err(); err != nil {
		tracing.RecordError(span, err)
		s.log.Warn("job repository write failed", "action", action, "job_id", id, "error", err)
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *Store) span(ctx context.Context, op tracing.SpanOperation, action, id string) (context.Context, trace.Span) {
	opts := []tracing.StoreSpanOption{tracing.WithStoreSystem("redis"), tracing.WithStoreAction(action)}
	if id != "" {
		opts = append(opts, tracing.WithStoreJobID(id))
	}
	return tracing.StartStoreSpan(ctx, op, opts...)
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *Store) jobKey(id string) string          { return s.config.Prefix + ":job:" + id }
func (s *Store) tagKey(tag string) string         { return s.config.Prefix + ":tag:" + tag }
func (s *Store) monitoringKey() string            { return s.config.Prefix + ":monitoring" }
func (s *Store) setKey(set repository.Set) string { return s.config.Prefix + ":" + string(set) + "_jobs" }

func targetIndex(set repository.Set) int {
	for i, candidate := range repository.Sets {
		if candidate == set {
			return i + 1
		}
	}
	return 0
}

func decodeRecord(fields map[string]string) *repository.JobRecord {
	rec := &repository.JobRecord{
		ID:         fields["id"],
		Connection: fields["connection"],
		Queue:      fields["queue"],
		Name:       fields["name"],
		Status:     repository.Status(fields["status"]),
		Payload:    fields["payload"],
		Exception:  fields["exception"],
		Retained:   fields["retained"] == "1",

		PushedAt:    parseMillis(fields["pushed_at"]),
		ReservedAt:  parseMillis(fields["reserved_at"]),
		CompletedAt: parseMillis(fields["completed_at"]),
		FailedAt:    parseMillis(fields["failed_at"]),
	}
	rec.Attempts, _ = strconv.Atoi(fields["attempts"])
	if raw := fields["tags"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Tags)
	}
	return rec
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func jobName(payload *jobs.Payload) string {
	if name := payload.DisplayName(); name != "" {
		return name
	}
	return payload.JobName()
}
