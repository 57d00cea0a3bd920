package lock

import (
	"context"
	"os"
	"testing"
	"time"

	rd "github.com/go-redis/redis/v9"
)

func newTestRedisClient(t *testing.T) rd.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("env REDIS_ADDR not set")
	}
	client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: []string{addr}})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockerExcludesSecondOwner(t *testing.T) {
	client := newTestRedisClient(t)
	l := NewRedisLocker(client, "civicpipe-test", WithWaitTimeout(100*time.Millisecond))
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "pune:+919800000001")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := l.Lock(ctx, "pune:+919800000001"); err == nil {
		t.Fatal("second owner acquired a held lock")
	}
	unlock()

	again, err := l.Lock(ctx, "pune:+919800000001")
	if err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	again()
}
