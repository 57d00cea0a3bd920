package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
)

// DefaultDedupTTL bounds how long an event id is remembered.
const DefaultDedupTTL = 7 * 24 * time.Hour

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

const (
	dedupReceived  = "received"
	dedupProcessed = "processed"
)

// RedisConfig addresses a Redis deployment shared by all router instances.
type RedisConfig struct {
	Addrs     []string
	Namespace string
}

// NewRedisClient creates a client for a single node, a sentinel group or a cluster
// depending on the addresses.
func NewRedisClient(conf RedisConfig) rd.UniversalClient {
	return rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
}

// RedisDedup keeps event ids in Redis with a TTL so several router instances share
// one deduplication window.
type RedisDedup struct {
	client    rd.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisDedup wraps an existing client.
func NewRedisDedup(client rd.UniversalClient, namespace string, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if namespace == "" {
		namespace = "civicpipe"
	}
	return &RedisDedup{client: client, namespace: namespace, ttl: ttl}
}

func (r *RedisDedup) key(tenantID, eventID string) string {
	return strings.Join([]string{r.namespace, "dedup", tenantID, eventID}, ":")
}

func (r *RedisDedup) IsDuplicate(ctx context.Context, tenantID, eventID string) (bool, error) {
	val, err := r.client.Get(ctx, r.key(tenantID, eventID)).Result()
	if errors.Is(err, rd.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis dedup check failed: %w", err)
	}
	return val == dedupProcessed, nil
}

func (r *RedisDedup) RecordInbound(ctx context.Context, tenantID, eventID, participantID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(tenantID, eventID), dedupReceived, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis record inbound failed: %w", err)
	}
	return ok, nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, tenantID, eventID string) error {
	if err := r.client.Set(ctx, r.key(tenantID, eventID), dedupProcessed, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis mark processed failed: %w", err)
	}
	slog.Debug("RedisDedup.MarkProcessed", "tenantID", tenantID, "eventID", eventID)
	return nil
}

// PruneDedup is a no-op: keys expire on their own.
func (r *RedisDedup) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}
