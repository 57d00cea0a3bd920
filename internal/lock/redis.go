package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
)

// Defaults for RedisLocker.
const (
	DefaultLeaseTTL    = 30 * time.Second
	DefaultWaitTimeout = 10 * time.Second
)

var errLockHeld = errors.New("lock held by another owner")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = rd.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by several processes. A lock is a key set with
// SET NX PX holding a random token; it expires after the lease TTL if its holder dies.
type RedisLocker struct {
	client      rd.UniversalClient
	namespace   string
	ttl         time.Duration
	waitTimeout time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLeaseTTL sets how long a lock survives without being released.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithWaitTimeout bounds how long Lock retries before giving up.
func WithWaitTimeout(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.waitTimeout = d }
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client rd.UniversalClient, namespace string, opts ...RedisOption) *RedisLocker {
	if namespace == "" {
		namespace = "civicpipe"
	}
	l := &RedisLocker{client: client, namespace: namespace, ttl: DefaultLeaseTTL, waitTimeout: DefaultWaitTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(key string) string {
	return strings.Join([]string{l.namespace, "lock", key}, ":")
}

// Lock retries with exponential backoff until the key is acquired, ctx is done or
// the wait timeout elapses.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.key(key)
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = l.waitTimeout

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, rd.Nil) {
			slog.Warn("RedisLocker: release failed", "key", key, "error", err)
		}
	}, nil
}
