package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/scan-gate/internal/config"
	"github.com/redis/go-redis/v9"
)

// Open builds the grant store selected by cfg.StoreBackend and checks it is reachable.
func Open(ctx context.Context, cfg *config.Config) (GrantStore, error) {
	var (
		gs  GrantStore
		err error
	)
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		gs, err = NewSQLite(cfg.StorePath())
	case config.BackendBolt:
		gs, err = NewBolt(cfg.StorePath())
	case config.BackendRedis:
		gs = NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "")
	case config.BackendMemory:
		gs = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := gs.Ping(pingCtx); err != nil {
		_ = gs.Close()
		return nil, fmt.Errorf("%s store unreachable: %w", cfg.StoreBackend, err)
	}
	return gs, nil
}
