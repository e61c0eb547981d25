package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruCache backs the "lru" type: bounded size, one TTL for every entry.
// The expiration argument of Set/SetNX is ignored.
type lruCache struct {
	mu    sync.Mutex
	items *expirable.LRU[string, []byte]
}

func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 1000
	}
	return &lruCache{
		items: expirable.NewLRU[string, []byte](size, nil, config.DefaultExpiration),
	}
}

func (lc *lruCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return lc.items.Get(key)
}

func (lc *lruCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	lc.items.Add(key, value)
	return nil
}

func (lc *lruCache) SetNX(ctx context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.items.Contains(key) {
		return false, nil
	}
	lc.items.Add(key, value)
	return true, nil
}

func (lc *lruCache) Delete(ctx context.Context, key string) error {
	lc.items.Remove(key)
	return nil
}

func (lc *lruCache) Exists(ctx context.Context, key string) bool {
	return lc.items.Contains(key)
}

func (lc *lruCache) Increment(ctx context.Context, key string, value int64) (int64, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var current int64
	if raw, ok := lc.items.Peek(key); ok {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += value
	lc.items.Add(key, []byte(strconv.FormatInt(current, 10)))
	return current, nil
}

func (lc *lruCache) Close() error {
	lc.items.Purge()
	return nil
}
