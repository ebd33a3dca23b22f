// Package cache is a small TTL cache abstraction used for read-side
// aggregations. Values are opaque bytes; callers own the encoding.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "notifyd/pkg/logx"
)

var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// Config selects a backend. Driver is "", "none", "memory" or "redis".
type Config struct {
	Driver    string
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Open returns (nil, nil) when caching is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		c, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("redis cache connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}
