package scheduler

import (
	"context"
	"time"
)

// LockLease identifies one held lock.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider makes a task run on one process at a time when several share a backend.
type LockProvider interface {
	// Acquire reports false without error when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}
