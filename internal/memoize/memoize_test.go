package memoize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"catalog-backend/internal/cache"
	"catalog-backend/internal/consistency"
	"catalog-backend/internal/kv"
	"catalog-backend/internal/lock"
)

type order struct {
	ID    string `json:"id"`
	Total int64  `json:"total"`
}

type fixture struct {
	aside   *cache.Aside
	monitor *consistency.Monitor
	store   *kv.Client
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kv.NewClient(rdb, zap.NewNop())
	require.NoError(t, err)

	cfg := cache.DefaultConfig()
	cfg.EnableLocalTier = false
	cfg.WaitTimeout = 500 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	aside, err := cache.NewAside(store, lock.NewLocker(store, zap.NewNop()), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(aside.Close)

	monitor, err := consistency.NewMonitor(store, consistency.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	return &fixture{aside: aside, monitor: monitor, store: store, mr: mr}
}

func TestCacheableMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := atomic.NewInt64(0)
	fetch := Cacheable(f.aside, f.monitor, CacheableConfig{
		Namespace: "order",
		TTL:       time.Minute,
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		calls.Inc()
		return order{ID: args["id"].(string), Total: 4200}, nil
	})

	got, err := fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o-1", Total: 4200}, got)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), f.monitor.Metrics().Misses)

	got, err = fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o-1", Total: 4200}, got)
	assert.Equal(t, int64(1), calls.Load(), "second read must come from cache")
	assert.Equal(t, int64(1), f.monitor.Metrics().Hits)
}

func TestCacheableDistinctArgsComputeSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := atomic.NewInt64(0)
	fetch := Cacheable(f.aside, f.monitor, CacheableConfig{
		Namespace: "order",
		TTL:       time.Minute,
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		calls.Inc()
		return order{ID: args["id"].(string)}, nil
	})

	_, err := fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	_, err = fetch(ctx, Args{"id": "o-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCacheableStaleReadServesAndRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	total := atomic.NewInt64(100)
	fetch := Cacheable(f.aside, f.monitor, CacheableConfig{
		Namespace:      "order",
		TTL:            10 * time.Second,
		RefreshTimeout: time.Second,
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		return order{ID: "o-1", Total: total.Load()}, nil
	})

	first, err := fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.Total)

	// Less than a tenth of the lifetime remains, so the entry reads as stale.
	f.mr.FastForward(9500 * time.Millisecond)
	total.Store(200)

	stale, err := fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), stale.Total, "stale read returns the cached value immediately")
	assert.Equal(t, int64(1), f.monitor.Metrics().StaleReads)

	key := cache.BuildKey("order", map[string]any{"id": "o-1"})
	require.Eventually(t, func() bool {
		raw, err := f.store.Get(ctx, key)
		return err == nil && raw == `{"id":"o-1","total":200}`
	}, 2*time.Second, 20*time.Millisecond, "background refresh repopulates the entry")
}

func TestCacheableDropsUnparsableEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := cache.BuildKey("order", map[string]any{"id": "o-1"})
	require.NoError(t, f.store.Set(ctx, key, "not json", time.Minute))

	fetch := Cacheable(f.aside, f.monitor, CacheableConfig{
		Namespace: "order",
		TTL:       time.Minute,
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		return order{ID: "o-1", Total: 7}, nil
	})

	got, err := fetch(ctx, Args{"id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Total)
	assert.Equal(t, int64(1), f.monitor.Metrics().ConsistencyErrors)
	assert.Equal(t, int64(1), f.monitor.Metrics().Misses)

	raw, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"o-1","total":7}`, raw, "poisoned entry replaced by a recomputed one")
}

func TestCacheablePropagatesComputeError(t *testing.T) {
	f := newFixture(t)

	boom := errors.New("orders database down")
	fetch := Cacheable(f.aside, f.monitor, CacheableConfig{
		Namespace: "order",
		TTL:       time.Minute,
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		return order{}, boom
	})

	_, err := fetch(context.Background(), Args{"id": "o-1"})
	require.ErrorIs(t, err, boom)

	key := cache.BuildKey("order", map[string]any{"id": "o-1"})
	_, err = f.store.Get(context.Background(), key)
	assert.ErrorIs(t, err, kv.ErrKeyNotFound, "failed computations must not be cached")
}

func TestEvictingInvalidatesOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := cache.BuildKey("order", map[string]any{"id": "o-1"})
	require.NoError(t, f.store.Set(ctx, key, `{"id":"o-1","total":100}`, time.Minute))
	require.NoError(t, f.store.Set(ctx, "orders:page:1", "[]", time.Minute))

	write := Evicting(f.aside, f.monitor, EvictConfig[order]{
		Patterns: []string{"orders:*"},
		PatternsFunc: func(args Args, result order) []string {
			return []string{cache.BuildKey("order", map[string]any{"id": result.ID})}
		},
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		return order{ID: "o-1", Total: 300}, nil
	})

	_, err := write(ctx, Args{"id": "o-1"})
	require.NoError(t, err)

	_, err = f.store.Get(ctx, key)
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	_, err = f.store.Get(ctx, "orders:page:1")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestEvictingKeepsCacheWhenWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := cache.BuildKey("order", map[string]any{"id": "o-1"})
	require.NoError(t, f.store.Set(ctx, key, `{"id":"o-1","total":100}`, time.Minute))

	boom := errors.New("constraint violation")
	write := Evicting(f.aside, f.monitor, EvictConfig[order]{
		Patterns: []string{"order:*"},
	}, zap.NewNop(), func(ctx context.Context, args Args) (order, error) {
		return order{}, boom
	})

	_, err := write(ctx, Args{"id": "o-1"})
	require.ErrorIs(t, err, boom)

	raw, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"o-1","total":100}`, raw)
}
