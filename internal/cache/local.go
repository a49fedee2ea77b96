package cache

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// localTier is an in-process hot cache layered in front of the store. The
// store stays the authority: the tier is only filled on writes that also went
// to the store, and is flushed wholesale on pattern invalidation.
type localTier struct {
	cache       *ristretto.Cache
	trackedKeys sync.Map
	logger      *zap.Logger
}

func newLocalTier(maxCost int64, logger *zap.Logger) (*localTier, error) {
	// 10x the expected item count, assuming ~100 bytes per entry.
	numCounters := maxCost / 100 * 10
	if numCounters < 1<<14 {
		numCounters = 1 << 14
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &localTier{cache: cache, logger: logger}, nil
}

func (lt *localTier) get(key string) (string, bool) {
	v, found := lt.cache.Get(key)
	if !found {
		return "", false
	}
	value, ok := v.(string)
	if !ok {
		lt.logger.Warn("invalid local tier entry type", zap.String("key", key))
		lt.delete(key)
		return "", false
	}
	return value, true
}

func (lt *localTier) set(key, value string, ttl time.Duration) {
	lt.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	lt.trackedKeys.Store(key, struct{}{})
}

func (lt *localTier) delete(key string) {
	lt.cache.Del(key)
	lt.trackedKeys.Delete(key)
}

func (lt *localTier) flush() {
	lt.cache.Clear()
	lt.trackedKeys.Range(func(k, _ any) bool {
		lt.trackedKeys.Delete(k)
		return true
	})
}

func (lt *localTier) close() {
	lt.cache.Close()
}
