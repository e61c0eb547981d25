package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewCache builds the configured backend. client is only used by the
// redis and layered types and may be nil otherwise.
func NewCache(config Config, client *redis.Client) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case "", "local":
		return NewGoCache(config.Local), nil
	case "lru":
		return NewLocalCache(config.Local), nil
	case "redis":
		if client == nil {
			return NewRedisCache(config.Redis)
		}
		return NewRedisCacheFromClient(client), nil
	case "layered":
		if client == nil {
			return nil, fmt.Errorf("layered cache needs a redis client")
		}
		return NewLayeredCache(NewLocalCache(config.Local), NewRedisCacheFromClient(client)), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// layeredCache reads through a local LRU in front of a shared backend.
// Writes go to the shared backend first so other instances see them.
type layeredCache struct {
	local       Cache
	distributed Cache
}

func NewLayeredCache(local, distributed Cache) Cache {
	return &layeredCache{local: local, distributed: distributed}
}

func (lc *layeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := lc.local.Get(ctx, key); ok {
		return value, true
	}
	if value, ok := lc.distributed.Get(ctx, key); ok {
		_ = lc.local.Set(ctx, key, value, 0)
		return value, true
	}
	return nil, false
}

func (lc *layeredCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := lc.distributed.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, expiration)
}

// SetNX is decided by the shared backend alone
func (lc *layeredCache) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	return lc.distributed.SetNX(ctx, key, value, expiration)
}

func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	if err := lc.local.Delete(ctx, key); err != nil {
		return err
	}
	return lc.distributed.Delete(ctx, key)
}

func (lc *layeredCache) Exists(ctx context.Context, key string) bool {
	return lc.local.Exists(ctx, key) || lc.distributed.Exists(ctx, key)
}

func (lc *layeredCache) Increment(ctx context.Context, key string, value int64) (int64, error) {
	n, err := lc.distributed.Increment(ctx, key, value)
	if err != nil {
		return 0, err
	}
	_ = lc.local.Delete(ctx, key)
	return n, nil
}

func (lc *layeredCache) Close() error {
	if err := lc.local.Close(); err != nil {
		return err
	}
	return lc.distributed.Close()
}
