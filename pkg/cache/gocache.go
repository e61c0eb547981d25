package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper backs the "local" type: per-key TTL, no size bound
type goCacheWrapper struct {
	cache *gocache.Cache
	// serialises Increment, go-cache cannot increment []byte values
	mu sync.Mutex
}

func NewGoCache(config LocalConfig) Cache {
	return &goCacheWrapper{
		cache: gocache.New(config.DefaultExpiration, config.CleanupInterval),
	}
}

func ttl(expiration time.Duration) time.Duration {
	if expiration <= 0 {
		return gocache.DefaultExpiration
	}
	return expiration
}

func (gc *goCacheWrapper) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, found := gc.cache.Get(key); found {
		return value.([]byte), true
	}
	return nil, false
}

func (gc *goCacheWrapper) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	gc.cache.Set(key, value, ttl(expiration))
	return nil
}

func (gc *goCacheWrapper) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	if err := gc.cache.Add(key, value, ttl(expiration)); err != nil {
		return false, nil
	}
	return true, nil
}

func (gc *goCacheWrapper) Delete(ctx context.Context, key string) error {
	gc.cache.Delete(key)
	return nil
}

func (gc *goCacheWrapper) Exists(ctx context.Context, key string) bool {
	_, found := gc.cache.Get(key)
	return found
}

func (gc *goCacheWrapper) Increment(ctx context.Context, key string, value int64) (int64, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	var current int64
	exp := gocache.DefaultExpiration
	if raw, expiresAt, found := gc.cache.GetWithExpiration(key); found {
		n, err := strconv.ParseInt(string(raw.([]byte)), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
		if !expiresAt.IsZero() {
			exp = time.Until(expiresAt)
		}
	}
	current += value
	gc.cache.Set(key, []byte(strconv.FormatInt(current, 10)), exp)
	return current, nil
}

func (gc *goCacheWrapper) Close() error {
	gc.cache.Flush()
	return nil
}
