package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRateStore keeps each track dimension in one Redis hash. Fields are
// "policy|gid|sid|key" and values msgpack core.RateEntry. capacity bounds the
// number of fields per hash.
type RedisRateStore struct {
	cache    *core.RedisCache
	capacity int
	stats    *metrics.Stats
	logger   *zap.SugaredLogger
}

// NewRedisRateStore creates a Redis-backed rate store.
func NewRedisRateStore(cache *core.RedisCache, capacity int, stats *metrics.Stats, logger *zap.SugaredLogger) *RedisRateStore {
	return &RedisRateStore{cache: cache, capacity: capacity, stats: stats, logger: logger}
}

func rateField(key RateKey) string {
	return key.Policy + "|" + strconv.FormatUint(key.GID, 10) + "|" + strconv.FormatUint(key.SID, 10) + "|" + key.Value
}

func (s *RedisRateStore) Record(ctx context.Context, key RateKey, window time.Duration, now time.Time) (int, error) {
	hkey := s.cache.Key("rate", key.Track.String())
	field := rateField(key)
	count := 0

	err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, hkey).Result()
		if err != nil {
			return err
		}

		var entry core.RateEntry
		var stale []string
		if v, ok := raw[field]; ok && core.Decode([]byte(v), &entry) == nil {
			entry.Window = window
			count = entry.Touch(now)
		} else {
			for f, v := range raw {
				var e core.RateEntry
				if err := core.Decode([]byte(v), &e); err != nil || e.Stale(now) {
					stale = append(stale, f)
				}
			}
			if len(raw)-len(stale) >= s.capacity {
				return ErrTableFull
			}
			entry = core.RateEntry{GID: key.GID, SID: key.SID, Policy: key.Policy, Key: key.Value, Count: 1, Last: now, Window: window}
			count = 1
		}

		data, err := core.Encode(entry)
		if err != nil {
			return err
		}
		ttl, err := tx.PTTL(ctx, hkey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.HDel(ctx, hkey, stale...)
			}
			pipe.HSet(ctx, hkey, field, data)
			if ttl < window {
				pipe.PExpire(ctx, hkey, window)
			}
			return nil
		})
		return err
	}, hkey)

	if errors.Is(err, ErrTableFull) {
		if s.stats != nil {
			s.stats.Dropped.Add(1)
		}
		metrics.StateTableDropped.WithLabelValues(key.Track.String()).Inc()
		s.logger.Warnw("Rate table full, entry dropped",
			"table", key.Track.String(), "gid", key.GID, "sid", key.SID, "policy", key.Policy, "key", key.Value, "capacity", s.capacity)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record rate entry: %w", err)
	}
	return count, nil
}
