// Package cache implements the cache-aside layer: get-or-compute-and-cache
// with distributed-lock stampede protection, pattern invalidation, an
// optional in-process hot tier and an optional negative-lookup filter.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"catalog-backend/internal/kv"
	"catalog-backend/internal/lock"
)

const lockPrefix = "lock:"

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) (string, error)

// Config controls stampede protection and the optional local layers.
type Config struct {
	// LockTTL bounds how long a crashed computation can block other callers.
	LockTTL time.Duration
	// WaitTimeout bounds how long a contending caller polls for the winner's
	// value before falling back to direct computation.
	WaitTimeout time.Duration
	// PollInterval is the polling period while waiting on a contended key.
	PollInterval time.Duration

	EnableLocalTier  bool
	LocalTierMaxCost int64

	// EnableMissFilter short-circuits lookups for keys this process has never
	// written. False positives only cost a recomputation, never correctness.
	EnableMissFilter        bool
	FilterExpectedItems     uint
	FilterFalsePositiveRate float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:                 10 * time.Second,
		WaitTimeout:             2 * time.Second,
		PollInterval:            50 * time.Millisecond,
		EnableLocalTier:         true,
		LocalTierMaxCost:        64 << 20,
		EnableMissFilter:        false,
		FilterExpectedItems:     100_000,
		FilterFalsePositiveRate: 0.01,
	}
}

// Aside is the cache-aside service. All cross-process coordination goes
// through the shared store; the singleflight group only deduplicates
// concurrent misses within this process before they reach the lock.
type Aside struct {
	store  *kv.Client
	locker *lock.Locker
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	sf singleflight.Group

	local *localTier

	filterMu sync.Mutex
	filter   *bloom.BloomFilter
}

// NewAside creates the cache-aside service over the shared store client.
func NewAside(store *kv.Client, locker *lock.Locker, cfg Config, logger *zap.Logger) (*Aside, error) {
	if store == nil || locker == nil {
		return nil, errors.New("store and locker are required")
	}
	if cfg.LockTTL <= 0 || cfg.WaitTimeout <= 0 || cfg.PollInterval <= 0 {
		return nil, errors.New("lock ttl, wait timeout and poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Aside{
		store:  store,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("cache"),
	}

	if cfg.EnableLocalTier {
		lt, err := newLocalTier(cfg.LocalTierMaxCost, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local tier: %w", err)
		}
		a.local = lt
	}
	if cfg.EnableMissFilter {
		a.filter = bloom.NewWithEstimates(cfg.FilterExpectedItems, cfg.FilterFalsePositiveRate)
	}

	return a, nil
}

// Get reads a key through the local tier. A miss is kv.ErrKeyNotFound.
func (a *Aside) Get(ctx context.Context, key string) (string, error) {
	if a.filter != nil && !a.filterTest(key) {
		return "", kv.ErrKeyNotFound
	}
	if a.local != nil {
		if value, ok := a.local.get(key); ok {
			return value, nil
		}
	}
	return a.store.Get(ctx, key)
}

// Set writes a key through to the store and the local tier.
func (a *Aside) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := a.store.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	a.fillLocal(key, value, ttl)
	return nil
}

// Delete removes a key from the store and the local tier.
func (a *Aside) Delete(ctx context.Context, key string) error {
	if a.local != nil {
		a.local.delete(key)
	}
	return a.store.Delete(ctx, key)
}

// DeleteByPattern removes every key matching the glob pattern, flushing the
// whole local tier since it cannot glob-match cheaply. Used for bulk
// invalidation after writes.
func (a *Aside) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if a.local != nil {
		a.local.flush()
	}
	return a.store.DeleteByPattern(ctx, pattern)
}

// GetOrSet returns the cached value at key, computing and caching it on a
// miss. Concurrent misses for the same key elect one computer via the
// distributed lock; the others poll for the winner's value and, if the wait
// times out, compute directly without writing so they cannot race the
// winner's cached result.
func (a *Aside) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (string, error) {
	ctx, span := a.tracer.Start(ctx, "Aside.GetOrSet", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	v, err, _ := a.sf.Do(key, func() (any, error) {
		return a.getOrSet(ctx, key, ttl, compute)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Aside) getOrSet(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (string, error) {
	value, err := a.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, kv.ErrKeyNotFound) {
		return "", err
	}

	token, acquired, err := a.locker.Acquire(ctx, lockPrefix+key, a.cfg.LockTTL)
	if err != nil {
		// Store trouble must not take down the read path. Compute directly
		// and skip caching.
		a.logger.Warn("lock acquire failed, computing without cache",
			zap.String("key", key), zap.Error(err))
		return compute(ctx)
	}

	if !acquired {
		return a.awaitOrCompute(ctx, key, compute)
	}

	value, err = compute(ctx)
	if err != nil {
		// Release before propagating so a failed computation cannot pin the
		// key, and never cache the failure.
		if _, relErr := a.locker.Release(ctx, lockPrefix+key, token); relErr != nil {
			a.logger.Warn("lock release failed", zap.String("key", key), zap.Error(relErr))
		}
		return "", err
	}

	if setErr := a.Set(ctx, key, value, ttl); setErr != nil {
		a.logger.Warn("failed to cache computed value",
			zap.String("key", key), zap.Error(setErr))
	}
	if _, relErr := a.locker.Release(ctx, lockPrefix+key, token); relErr != nil {
		a.logger.Warn("lock release failed", zap.String("key", key), zap.Error(relErr))
	}
	return value, nil
}

// awaitOrCompute polls for the value while another caller computes it. On
// timeout it computes directly and returns the result uncached.
func (a *Aside) awaitOrCompute(ctx context.Context, key string, compute ComputeFunc) (string, error) {
	deadline := time.NewTimer(a.cfg.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			a.logger.Debug("wait for computing peer timed out", zap.String("key", key))
			return compute(ctx)
		case <-ticker.C:
			value, err := a.store.Get(ctx, key)
			if err == nil {
				a.fillLocal(key, value, 0)
				return value, nil
			}
			if !errors.Is(err, kv.ErrKeyNotFound) {
				return "", err
			}
		}
	}
}

// Close releases the local tier.
func (a *Aside) Close() {
	if a.local != nil {
		a.local.close()
	}
}

func (a *Aside) fillLocal(key, value string, ttl time.Duration) {
	if a.local != nil && ttl > 0 {
		a.local.set(key, value, ttl)
	}
	if a.filter != nil {
		a.filterMu.Lock()
		a.filter.Add([]byte(key))
		a.filterMu.Unlock()
	}
}

func (a *Aside) filterTest(key string) bool {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	return a.filter.Test([]byte(key))
}
