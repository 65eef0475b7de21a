package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"logcorr/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// maxTxRetries bounds optimistic transaction retries when a watched key changes.
const maxTxRetries = 16

// ErrTxConflict is returned when a transaction kept losing the WATCH race.
var ErrTxConflict = errors.New("redis transaction conflict: retries exhausted")

// RedisCache wraps a Redis client for shared correlation state.
// State entries are msgpack encoded (Encode/Decode) and keys are namespaced by prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, prefix string, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Client exposes the underlying client for hash and transaction commands.
func (rc *RedisCache) Client() *redis.Client {
	return rc.client
}

// Key joins parts under the configured prefix, e.g. "logcorr:xbit:auth_fail".
func (rc *RedisCache) Key(parts ...string) string {
	if rc.prefix == "" {
		return strings.Join(parts, ":")
	}
	return rc.prefix + ":" + strings.Join(parts, ":")
}

// Watch runs fn inside an optimistic WATCH transaction on keys, retrying
// while another writer wins the race.
func (rc *RedisCache) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := rc.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		metrics.CacheErrors.WithLabelValues("redis", "tx").Inc()
		return err
	}
	metrics.CacheErrors.WithLabelValues("redis", "tx_conflict").Inc()
	return fmt.Errorf("%w: keys %v", ErrTxConflict, keys)
}

// Encode msgpack-encodes a state entry.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode msgpack-decodes a state entry.
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
