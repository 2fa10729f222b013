package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "jobwatch:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockConfig configures Redis-backed task locks.
type RedisLockConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockConfig) normalize() {
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider implements LockProvider with SET NX PX and token-checked scripts.
type RedisLockProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisLockConfig
	owned  bool
}

// ConnectRedisLock dials cfg.URL and verifies the server answers. The provider owns the
// connection.
func ConnectRedisLock(ctx context.Context, cfg RedisLockConfig, log logger.Logger) (*RedisLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrValidation, "redis url is required")
	}
	cfg.normalize()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(schedulerError(ErrRetryable, "ping redis failed"), err)
	}
	p := NewRedisLockProvider(client, cfg, log)
	p.owned = true
	p.log.Info("redis scheduler lock connected", "prefix", p.config.Prefix)
	return p, nil
}

// NewRedisLockProvider wraps an existing client. The caller keeps ownership of client.
func NewRedisLockProvider(client redis.UniversalClient, cfg RedisLockConfig, log logger.Logger) *RedisLockProvider {
	cfg.normalize()
	if log == nil {
		log = logger.Nop{}
	}
	return &RedisLockProvider{client: client, log: log, config: cfg}
}

func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrValidation, "ttl must be > 0")
	}
	token := uuid.NewString()

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrValidation, "ttl must be > 0")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "renew lock failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validLease(lease); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "release lock failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	return nil
}

func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis lock healthcheck failed"), err)
	}
	return nil
}

// Close closes the connection when the provider owns it.
func (p *RedisLockProvider) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

func (p *RedisLockProvider) fullKey(key string) string {
	return p.config.Prefix + ":" + key
}

func validLease(lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrValidation, "lease key and token are required")
	}
	return nil
}
