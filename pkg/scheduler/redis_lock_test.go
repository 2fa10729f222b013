package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	jwtestutil "github.com/nimburion/jobwatch/pkg/testutil"
)

func TestConnectRedisLock_Validation(t *testing.T) {
	if _, err := ConnectRedisLock(context.Background(), RedisLockConfig{}, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without url, got %v", err)
	}
	if _, err := ConnectRedisLock(context.Background(), RedisLockConfig{URL: "://bad"}, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad url, got %v", err)
	}
}

func TestRedisLockConfig_Normalize(t *testing.T) {
	cfg := RedisLockConfig{Prefix: " custom: "}
	cfg.normalize()
	if cfg.Prefix != "custom" || cfg.OperationTimeout != defaultRedisOperationTimeout {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cfg = RedisLockConfig{}
	cfg.normalize()
	if cfg.Prefix != defaultRedisPrefix {
		t.Fatalf("prefix = %q", cfg.Prefix)
	}
}

func TestRedisLockProvider_Integration(t *testing.T) {
	jwtestutil.RequireIntegration(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	p, err := ConnectRedisLock(ctx, RedisLockConfig{URL: url}, &jwtestutil.MockLogger{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.HealthCheck(ctx); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	lease, ok, err := p.Acquire(ctx, "task:trim:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%t err=%v", ok, err)
	}
	if _, ok, _ := p.Acquire(ctx, "task:trim:1", time.Second); ok {
		t.Fatal("a held lock must not be acquired twice")
	}
	if err := p.Renew(ctx, lease, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	forged := &LockLease{Key: lease.Key, Token: "other"}
	if err := p.Release(ctx, forged); !errors.Is(err, ErrConflict) {
		t.Fatalf("release with a foreign token must conflict, got %v", err)
	}
	if err := p.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := p.Acquire(ctx, "task:trim:1", time.Second); !ok {
		t.Fatal("a released lock must be acquirable")
	}
}
