package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "drain", time.Minute)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire() should succeed")
	}

	// Same key from another process must not acquire.
	other := NewRedisLock(client, "drain", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("second Acquire() should fail while lock is held")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if !ok {
		t.Error("Acquire() should succeed after release")
	}
}

func TestRedisLock_ReleaseOnlyOwn(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "drain", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("Acquire() should succeed")
	}

	// A different instance releasing must not delete the holder's key.
	stranger := NewRedisLock(client, "drain", time.Minute)
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if !mr.Exists("lock:drain") {
		t.Error("lock key deleted by a non-owner")
	}
}

func TestRedisLock_TTLExpiry(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "drain", 10*time.Second)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("Acquire() should succeed")
	}

	mr.FastForward(11 * time.Second)

	other := NewRedisLock(client, "drain", 10*time.Second)
	ok, err := other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Error("Acquire() should succeed once the TTL expired")
	}
}

func TestNewLock_PrefersRedis(t *testing.T) {
	_, client := setupRedis(t)

	if _, ok := NewLock(client, nil, "drain", time.Minute).(*RedisLock); !ok {
		t.Error("NewLock with a redis client should return a RedisLock")
	}
	if _, ok := NewLock(nil, nil, "drain", time.Minute).(*PGAdvisoryLock); !ok {
		t.Error("NewLock without redis should fall back to the advisory lock")
	}
}
