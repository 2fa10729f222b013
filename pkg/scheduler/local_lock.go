package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLockProvider serializes task runs inside one process. It backs single-instance
// deployments, such as those using the in-memory repository.
type LocalLockProvider struct {
	mu     sync.Mutex
	held   map[string]LockLease
	now    func() time.Time
	closed bool
}

// NewLocalLockProvider creates an in-process lock provider.
func NewLocalLockProvider() *LocalLockProvider {
	return &LocalLockProvider{held: map[string]LockLease{}, now: time.Now}
}

func (p *LocalLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrValidation, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, schedulerError(ErrConflict, "lock provider closed")
	}
	now := p.now()
	if cur, ok := p.held[key]; ok && now.Before(cur.ExpireAt) {
		return nil, false, nil
	}
	lease := LockLease{Key: key, Token: uuid.NewString(), ExpireAt: now.Add(ttl)}
	p.held[key] = lease
	return &lease, true, nil
}

func (p *LocalLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.held[lease.Key]
	if !ok || cur.Token != lease.Token {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	cur.ExpireAt = p.now().Add(ttl)
	p.held[lease.Key] = cur
	lease.ExpireAt = cur.ExpireAt
	return nil
}

func (p *LocalLockProvider) Release(_ context.Context, lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.held[lease.Key]
	if !ok || cur.Token != lease.Token {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	delete(p.held, lease.Key)
	return nil
}

// HealthCheck always succeeds.
func (p *LocalLockProvider) HealthCheck(context.Context) error { return nil }

func (p *LocalLockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
