// Package memoize wraps read and write operations with cache population,
// staleness-aware reads and pattern eviction. It replaces annotation-style
// caching with explicit higher-order wrappers applied at the call site.
package memoize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalog-backend/internal/cache"
	"catalog-backend/internal/consistency"
	"catalog-backend/internal/kv"
)

// Args is the named-argument set an operation was invoked with. The canonical
// key builder sorts it, so field order never changes the cache key.
type Args map[string]any

// Op is a read operation eligible for caching.
type Op[T any] func(ctx context.Context, args Args) (T, error)

// CacheableConfig names the cache namespace and entry lifetime for a wrapped
// read operation.
type CacheableConfig struct {
	Namespace      string
	TTL            time.Duration
	RefreshTimeout time.Duration
}

// Cacheable wraps a read operation with the full cache-aside flow: fresh hits
// count as hits, stale hits are returned immediately while a background
// recomputation repopulates the entry, and misses populate through the
// lock-guarded GetOrSet.
func Cacheable[T any](aside *cache.Aside, monitor *consistency.Monitor, cfg CacheableConfig, logger *zap.Logger, op Op[T]) Op[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 5 * time.Second
	}

	return func(ctx context.Context, args Args) (T, error) {
		var zero T
		key := cache.BuildKey(cfg.Namespace, args)
		fetch := fetchFunc(op, args)
		monitor.Track(key, cfg.TTL, fetch)

		raw, err := aside.Get(ctx, key)
		switch {
		case err == nil:
			var value T
			if uerr := json.Unmarshal([]byte(raw), &value); uerr != nil {
				// A poisoned entry counts against consistency and is dropped
				// so the miss path can repopulate it.
				monitor.TrackConsistencyError()
				logger.Warn("unparsable cache entry",
					zap.String("key", key), zap.Error(uerr))
				if delErr := aside.Delete(ctx, key); delErr != nil {
					logger.Warn("failed to drop poisoned entry",
						zap.String("key", key), zap.Error(delErr))
				}
			} else {
				check, cerr := monitor.CheckStaleData(ctx, key)
				if cerr == nil && check.IsStale {
					monitor.TrackStaleRead()
					go refreshAhead(aside, key, cfg.TTL, refreshTimeout, fetch, logger)
					return value, nil
				}
				monitor.TrackCacheHit()
				return value, nil
			}
		case !errors.Is(err, kv.ErrKeyNotFound):
			return zero, err
		}

		monitor.TrackCacheMiss()
		raw, err = aside.GetOrSet(ctx, key, cfg.TTL, fetch)
		if err != nil {
			return zero, err
		}

		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return zero, fmt.Errorf("failed to decode computed value for %s: %w", key, err)
		}
		return value, nil
	}
}

// EvictConfig names what to invalidate after a successful write: fixed glob
// patterns, patterns computed from the write's arguments and result, or both.
type EvictConfig[T any] struct {
	Patterns     []string
	PatternsFunc func(args Args, result T) []string
}

// Evicting wraps a write operation with cache invalidation. Eviction only
// runs when the wrapped write succeeded; a failed eviction is recorded as a
// consistency error rather than failing the write.
func Evicting[T any](aside *cache.Aside, monitor *consistency.Monitor, cfg EvictConfig[T], logger *zap.Logger, op Op[T]) Op[T] {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, args Args) (T, error) {
		result, err := op(ctx, args)
		if err != nil {
			return result, err
		}

		patterns := cfg.Patterns
		if cfg.PatternsFunc != nil {
			patterns = append(patterns[:len(patterns):len(patterns)], cfg.PatternsFunc(args, result)...)
		}
		for _, pattern := range patterns {
			if _, evictErr := aside.DeleteByPattern(ctx, pattern); evictErr != nil {
				monitor.TrackConsistencyError()
				logger.Warn("post-write eviction failed",
					zap.String("pattern", pattern), zap.Error(evictErr))
			}
		}
		return result, nil
	}
}

// fetchFunc adapts a typed operation into the string-valued compute function
// the store layers consume.
func fetchFunc[T any](op Op[T], args Args) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		value, err := op(ctx, args)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("failed to encode value: %w", err)
		}
		return string(b), nil
	}
}

func refreshAhead(aside *cache.Aside, key string, ttl, timeout time.Duration, fetch func(context.Context) (string, error), logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	raw, err := fetch(ctx)
	if err != nil {
		logger.Warn("refresh-ahead recompute failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := aside.Set(ctx, key, raw, ttl); err != nil {
		logger.Warn("refresh-ahead store failed", zap.String("key", key), zap.Error(err))
	}
}
