// Package consistency tracks cache hit/miss/staleness health and runs the
// background staleness sweep that refreshes entries close to expiry.
package consistency

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"catalog-backend/internal/kv"
	"catalog-backend/internal/obs"
)

const maxScore = 100.0

// FetchFunc recomputes the authoritative value for a tracked key.
type FetchFunc func(ctx context.Context) (string, error)

// Config controls staleness detection and the background sweep.
type Config struct {
	// SweepInterval is the period of the background staleness sweep.
	SweepInterval time.Duration
	// StaleThreshold is the fraction of the original TTL below which an
	// entry counts as stale.
	StaleThreshold float64
	// StalePenalty and ErrorPenalty are subtracted from the consistency
	// score per stale read and per consistency error.
	StalePenalty float64
	ErrorPenalty float64
	// RefreshTimeout bounds each background refresh.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  30 * time.Second,
		StaleThreshold: 0.1,
		StalePenalty:   5,
		ErrorPenalty:   10,
		RefreshTimeout: 5 * time.Second,
	}
}

// Metrics is a point-in-time snapshot of the raw counters.
type Metrics struct {
	Hits              int64
	Misses            int64
	StaleReads        int64
	ConsistencyErrors int64
}

// PerformanceStats is derived from the counters on every call and never
// stored independently.
type PerformanceStats struct {
	HitRate          float64
	ConsistencyScore float64
	TotalOperations  int64
}

// StaleCheck reports the freshness of a single cache entry.
type StaleCheck struct {
	Exists  bool
	IsStale bool
	Value   string
}

type trackedKey struct {
	originalTTL time.Duration
	fetch       FetchFunc
}

// Monitor owns the process-lifetime consistency counters and the background
// staleness sweep. Counters only reset via Reset.
type Monitor struct {
	store   *kv.Client
	cfg     Config
	logger  *zap.Logger
	metrics *obs.Metrics

	hits              atomic.Int64
	misses            atomic.Int64
	staleReads        atomic.Int64
	consistencyErrors atomic.Int64
	scorePenalty      atomic.Float64

	tracked sync.Map // key -> trackedKey

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}

	// newTicker is swappable so tests can drive the sweep with a fake clock.
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewMonitor creates a Monitor over the shared store client. The obs metrics
// may be nil.
func NewMonitor(store *kv.Client, cfg Config, metrics *obs.Metrics, logger *zap.Logger) (*Monitor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.SweepInterval <= 0 || cfg.StaleThreshold <= 0 || cfg.StaleThreshold >= 1 {
		return nil, errors.New("sweep interval must be positive and stale threshold in (0,1)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}, nil
}

// TrackCacheHit records a cache hit.
func (m *Monitor) TrackCacheHit() {
	m.hits.Inc()
	if m.metrics != nil {
		m.metrics.CacheHitsTotal.Inc()
	}
}

// TrackCacheMiss records a cache miss.
func (m *Monitor) TrackCacheMiss() {
	m.misses.Inc()
	if m.metrics != nil {
		m.metrics.CacheMissesTotal.Inc()
	}
}

// TrackStaleRead records a read served from a near-expiry entry and lowers
// the consistency score.
func (m *Monitor) TrackStaleRead() {
	m.staleReads.Inc()
	m.scorePenalty.Add(m.cfg.StalePenalty)
	if m.metrics != nil {
		m.metrics.StaleReadsTotal.Inc()
		m.metrics.ConsistencyScore.Set(m.score())
	}
}

// TrackConsistencyError records observed drift between cache and store of
// record. Non-fatal, counted for dashboards.
func (m *Monitor) TrackConsistencyError() {
	m.consistencyErrors.Inc()
	m.scorePenalty.Add(m.cfg.ErrorPenalty)
	if m.metrics != nil {
		m.metrics.ConsistencyErrorsTotal.Inc()
		m.metrics.ConsistencyScore.Set(m.score())
	}
}

// Metrics returns a snapshot of the raw counters.
func (m *Monitor) Metrics() Metrics {
	return Metrics{
		Hits:              m.hits.Load(),
		Misses:            m.misses.Load(),
		StaleReads:        m.staleReads.Load(),
		ConsistencyErrors: m.consistencyErrors.Load(),
	}
}

// PerformanceStats recomputes the derived figures from the current counters.
// It is idempotent and side-effect free.
func (m *Monitor) PerformanceStats() PerformanceStats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return PerformanceStats{
		HitRate:          hitRate,
		ConsistencyScore: m.score(),
		TotalOperations:  total,
	}
}

// Reset zeroes all counters and restores the consistency score to 100.
func (m *Monitor) Reset() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.staleReads.Store(0)
	m.consistencyErrors.Store(0)
	m.scorePenalty.Store(0)
	if m.metrics != nil {
		m.metrics.ConsistencyScore.Set(maxScore)
	}
}

// Track registers a key for the background sweep. The original TTL anchors
// the staleness fraction and fetch recomputes the value during refresh.
func (m *Monitor) Track(key string, originalTTL time.Duration, fetch FetchFunc) {
	m.tracked.Store(key, trackedKey{originalTTL: originalTTL, fetch: fetch})
}

// Untrack removes a key from the sweep.
func (m *Monitor) Untrack(key string) {
	m.tracked.Delete(key)
}

// CheckStaleData reads the entry's TTL and value and reports whether it is
// stale: remaining TTL below the threshold fraction of the original, or the
// value missing. It does not mutate any counter; callers decide whether to
// record a stale read.
func (m *Monitor) CheckStaleData(ctx context.Context, key string) (StaleCheck, error) {
	ttl, err := m.store.TTL(ctx, key)
	if err != nil {
		return StaleCheck{}, err
	}
	if ttl == kv.TTLMissing {
		return StaleCheck{Exists: false, IsStale: true}, nil
	}

	value, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			// Expired between the two reads.
			return StaleCheck{Exists: false, IsStale: true}, nil
		}
		return StaleCheck{}, err
	}

	check := StaleCheck{Exists: true, Value: value}
	if ttl == kv.TTLNone {
		// No expiry, nothing to be stale against.
		return check, nil
	}

	if tk, ok := m.loadTracked(key); ok && tk.originalTTL > 0 {
		check.IsStale = float64(ttl) < float64(tk.originalTTL)*m.cfg.StaleThreshold
	}
	return check, nil
}

// Start launches the background sweep. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
}

// Stop halts the background sweep and waits for it to exit. It is idempotent
// and safe to call before Start.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil
}

func (m *Monitor) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	tick, stop := m.newTicker(m.cfg.SweepInterval)
	defer stop()

	for {
		select {
		case <-stopCh:
			m.logger.Debug("staleness sweep stopped")
			return
		case <-tick:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce samples every tracked key and triggers an asynchronous refresh
// for each stale entry. It never blocks on the refresh itself.
func (m *Monitor) SweepOnce(ctx context.Context) {
	m.tracked.Range(func(k, v any) bool {
		key := k.(string)
		tk := v.(trackedKey)

		check, err := m.CheckStaleData(ctx, key)
		if err != nil {
			m.logger.Warn("staleness check failed", zap.String("key", key), zap.Error(err))
			return true
		}
		if !check.IsStale {
			return true
		}

		if m.metrics != nil {
			m.metrics.BackgroundRefreshTotal.Inc()
		}
		go m.refresh(key, tk)
		return true
	})
}

func (m *Monitor) refresh(key string, tk trackedKey) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	defer cancel()

	value, err := tk.fetch(ctx)
	if err != nil {
		m.logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, key, value, tk.originalTTL); err != nil {
		m.logger.Warn("background refresh store failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.logger.Debug("background refresh completed", zap.String("key", key))
}

func (m *Monitor) loadTracked(key string) (trackedKey, bool) {
	v, ok := m.tracked.Load(key)
	if !ok {
		return trackedKey{}, false
	}
	return v.(trackedKey), true
}

func (m *Monitor) score() float64 {
	score := maxScore - m.scorePenalty.Load()
	if score < 0 {
		return 0
	}
	return score
}
