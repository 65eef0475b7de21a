package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMarkerStore keeps markers in Redis so several engine processes share them.
// Each marker name is one hash keyed "src|dst"; values are msgpack core.Marker.
// A set of known names lets capacity bound the live markers of all names
// together, as in the in-memory table. Concurrent writers to different names
// may overshoot it by the number of racing writers.
type RedisMarkerStore struct {
	cache    *core.RedisCache
	capacity int
	stats    *metrics.Stats
	logger   *zap.SugaredLogger
}

// NewRedisMarkerStore creates a Redis-backed marker store.
func NewRedisMarkerStore(cache *core.RedisCache, capacity int, stats *metrics.Stats, logger *zap.SugaredLogger) *RedisMarkerStore {
	return &RedisMarkerStore{cache: cache, capacity: capacity, stats: stats, logger: logger}
}

func (s *RedisMarkerStore) key(name string) string {
	return s.cache.Key("xbit", name)
}

func (s *RedisMarkerStore) namesKey() string {
	return s.cache.Key("xbit-names")
}

// liveElsewhere counts live markers stored under names other than skip,
// reclaiming expired fields and forgetting names whose hash is gone.
func (s *RedisMarkerStore) liveElsewhere(ctx context.Context, skip string, now time.Time) (int, error) {
	client := s.cache.Client()
	names, err := client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list marker names: %w", err)
	}
	live := 0
	for _, name := range names {
		if name == skip {
			continue
		}
		entries, err := s.load(ctx, client, name)
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			client.SRem(ctx, s.namesKey(), name)
			continue
		}
		var stale []string
		for f, m := range entries {
			if m.Live(now) {
				live++
			} else {
				stale = append(stale, f)
			}
		}
		if len(stale) > 0 {
			client.HDel(ctx, s.key(name), stale...)
		}
	}
	return live, nil
}

func pairField(src, dst string) string {
	return src + "|" + dst
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisMarkerStore) load(ctx context.Context, c hashReader, name string) (map[string]core.Marker, error) {
	raw, err := c.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read marker %q: %w", name, err)
	}
	out := make(map[string]core.Marker, len(raw))
	for field, v := range raw {
		var m core.Marker
		if err := core.Decode([]byte(v), &m); err != nil {
			s.logger.Warnw("Discarding undecodable marker", "name", name, "field", field, "error", err)
			continue
		}
		out[field] = m
	}
	return out, nil
}

func (s *RedisMarkerStore) Set(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error {
	var full error
	for _, d := range rule.Markers {
		if d.Op != core.MarkerSet {
			continue
		}
		for _, name := range d.Expr.Names {
			err := s.setOne(ctx, name, src, dst, d.Expire, now)
			if errors.Is(err, ErrTableFull) {
				if s.stats != nil {
					s.stats.Dropped.Add(1)
				}
				metrics.StateTableDropped.WithLabelValues("markers").Inc()
				s.logger.Warnw("Marker table full, marker dropped", "sid", rule.SID, "name", name, "capacity", s.capacity)
				full = err
				continue
			}
			if err != nil {
				return err
			}
		}
	}
	return full
}

func (s *RedisMarkerStore) setOne(ctx context.Context, name, src, dst string, expire time.Duration, now time.Time) error {
	key := s.key(name)
	field := pairField(src, dst)

	return s.cache.Watch(ctx, func(tx *redis.Tx) error {
		entries, err := s.load(ctx, tx, name)
		if err != nil {
			return err
		}

		var stale []string
		if _, exists := entries[field]; !exists {
			for f, m := range entries {
				if !m.Live(now) {
					stale = append(stale, f)
				}
			}
			others, err := s.liveElsewhere(ctx, name, now)
			if err != nil {
				return err
			}
			if others+len(entries)-len(stale) >= s.capacity {
				return ErrTableFull
			}
		}

		data, err := core.Encode(core.Marker{
			Name: name, Src: src, Dst: dst,
			Active: true, SetAt: now, Expires: now.Add(expire),
		})
		if err != nil {
			return err
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.HDel(ctx, key, stale...)
			}
			pipe.HSet(ctx, key, field, data)
			pipe.SAdd(ctx, s.namesKey(), name)
			if ttl < expire {
				pipe.PExpire(ctx, key, expire)
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisMarkerStore) Unset(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error {
	for _, d := range rule.Markers {
		if d.Op != core.MarkerUnset {
			continue
		}
		for _, name := range d.Expr.Names {
			key := s.key(name)
			dir := d.Direction
			err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
				entries, err := s.load(ctx, tx, name)
				if err != nil {
					return err
				}
				updates := make(map[string]interface{})
				for f, m := range entries {
					if m.Live(now) && dir.Matches(m.Src, m.Dst, src, dst) {
						m.Active = false
						data, err := core.Encode(m)
						if err != nil {
							return err
						}
						updates[f] = data
					}
				}
				if len(updates) == 0 {
					s.logger.Debugw("Unset found no marker", "sid", rule.SID, "name", name, "direction", dir.String())
					return nil
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.HSet(ctx, key, updates)
					return nil
				})
				return err
			}, key)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisMarkerStore) Test(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) (bool, error) {
	cache := make(map[string]map[string]core.Marker)
	var loadErr error

	ok := evalConditions(rule, func(name string, dir core.Direction) bool {
		entries, seen := cache[name]
		if !seen {
			var err error
			entries, err = s.load(ctx, s.cache.Client(), name)
			if err != nil {
				loadErr = err
				return false
			}
			cache[name] = entries
		}
		for _, m := range entries {
			if m.Live(now) && dir.Matches(m.Src, m.Dst, src, dst) {
				return true
			}
		}
		return false
	})
	if loadErr != nil {
		return false, loadErr
	}
	return ok, nil
}
