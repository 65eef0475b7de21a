package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"logcorr/config"
	"logcorr/core"
	"logcorr/detect"
	"logcorr/metrics"
	"logcorr/storage"

	"go.uber.org/zap"
)

// StateComponents holds the marker and rate-control stores.
type StateComponents struct {
	Markers detect.MarkerStore
	Rates   detect.RateStore
	Redis   *core.RedisCache
}

// Close releases the Redis connection, if any.
func (s *StateComponents) Close() error {
	if s == nil || s.Redis == nil {
		return nil
	}
	return s.Redis.Close()
}

// InitState builds the marker and rate-control stores for the configured backend.
func InitState(ctx context.Context, cfg *config.Config, stats *metrics.Stats, sugar *zap.SugaredLogger) (*StateComponents, error) {
	switch cfg.State.Backend {
	case "redis":
		rc := cfg.State.Redis
		cache := core.NewRedisCache(rc.Addr, rc.Password, rc.DB, rc.PoolSize, rc.KeyPrefix, sugar)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := cache.Ping(pingCtx); err != nil {
			cache.Close()
			fmt.Fprintf(os.Stderr, "%s\n", ClassifyConnectionError(err, rc.Addr))
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sugar.Infow("Redis state backend connected", "addr", rc.Addr, "prefix", rc.KeyPrefix)
		return &StateComponents{
			Markers: detect.NewRedisMarkerStore(cache, cfg.State.MarkerCapacity, stats, sugar),
			Rates:   detect.NewRedisRateStore(cache, cfg.State.RateCapacity, stats, sugar),
			Redis:   cache,
		}, nil

	case "memory", "":
		sugar.Infow("In-memory state backend",
			"marker_capacity", cfg.State.MarkerCapacity,
			"rate_capacity", cfg.State.RateCapacity)
		return &StateComponents{
			Markers: detect.NewMemoryMarkerStore(cfg.State.MarkerCapacity, stats, sugar),
			Rates:   detect.NewMemoryRateStore(cfg.State.RateCapacity, stats, sugar),
		}, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// InitSQLite opens the alert database.
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, path)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", path)
	return sqlite, nil
}
