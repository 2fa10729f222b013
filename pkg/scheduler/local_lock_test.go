package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockProvider(t *testing.T) {
	ctx := context.Background()
	p := NewLocalLockProvider()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	lease, ok, err := p.Acquire(ctx, "task:trim:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	if _, ok, _ := p.Acquire(ctx, "task:trim:1", time.Minute); ok {
		t.Fatal("a held lock must not be acquired twice")
	}

	now = now.Add(30 * time.Second)
	if err := p.Renew(ctx, lease, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !lease.ExpireAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("renew must extend the lease, got %s", lease.ExpireAt)
	}

	now = now.Add(2 * time.Minute)
	stolen, ok, _ := p.Acquire(ctx, "task:trim:1", time.Minute)
	if !ok {
		t.Fatal("an expired lock must be acquirable")
	}
	if err := p.Release(ctx, lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("releasing a lost lease must conflict, got %v", err)
	}
	if err := p.Release(ctx, stolen); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := p.Acquire(ctx, "task:trim:1", time.Minute); !ok {
		t.Fatal("a released lock must be acquirable")
	}
}

func TestLocalLockProvider_Validation(t *testing.T) {
	ctx := context.Background()
	p := NewLocalLockProvider()
	if _, _, err := p.Acquire(ctx, " ", time.Minute); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty key, got %v", err)
	}
	if _, _, err := p.Acquire(ctx, "k", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for zero ttl, got %v", err)
	}
	if err := p.Renew(ctx, nil, time.Minute); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nil lease, got %v", err)
	}
	_ = p.Close()
	if _, _, err := p.Acquire(ctx, "k", time.Minute); err == nil {
		t.Fatal("a closed provider must refuse new locks")
	}
}
