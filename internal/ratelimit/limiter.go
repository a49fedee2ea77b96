// Package ratelimit implements sliding-window-log admission control on the
// shared store's atomic sorted-set pipeline.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"catalog-backend/internal/kv"
	"catalog-backend/internal/obs"
)

// keyPrefix keeps rate-limit state in a namespace disjoint from cache keys.
const keyPrefix = "rate_limit:"

// Config is the admission policy for one caller key.
type Config struct {
	Limit      int
	WindowSize time.Duration
}

// Result reports one admission decision.
type Result struct {
	Allowed bool
	// TotalRequests is the window occupancy after the attempted add.
	TotalRequests int64
	Remaining     int64
	ResetAt       time.Time
}

// ErrInvalidConfig is returned for a non-positive limit or window.
var ErrInvalidConfig = errors.New("rate limit and window must be positive")

// Limiter admits requests by recording a timestamped member per request in a
// per-key sorted set and counting the members inside the trailing window.
// All four sub-operations of a check run as one atomic batch, so concurrent
// callers across processes observe consistent counts.
type Limiter struct {
	store   *kv.Client
	logger  *zap.Logger
	metrics *obs.Metrics
	tracer  trace.Tracer

	// now is swappable for window-slide tests.
	now func() time.Time
}

// NewLimiter creates a Limiter over the shared store client. The obs metrics
// may be nil.
func NewLimiter(store *kv.Client, metrics *obs.Metrics, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:   store,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("ratelimit"),
		now:     time.Now,
	}
}

// Check records an attempt for key and decides admission. On pipeline
// failure it returns an explicit error and no decision: the caller's
// configuration chooses fail-open or fail-closed, never this package.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "Limiter.Check", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if cfg.Limit <= 0 || cfg.WindowSize <= 0 {
		return Result{}, ErrInvalidConfig
	}

	now := l.now()
	nowMillis := now.UnixMilli()
	cutoff := nowMillis - cfg.WindowSize.Milliseconds()
	storeKey := keyPrefix + key

	// The member carries a random suffix so same-millisecond requests never
	// collapse into one sorted-set entry.
	member := strconv.FormatInt(nowMillis, 10) + "-" + uuid.NewString()

	results, err := l.store.Pipeline().
		ZRemRangeByScore(ctx, storeKey, "0", "("+strconv.FormatInt(cutoff, 10)).
		ZAdd(ctx, storeKey, float64(nowMillis), member).
		ZCard(ctx, storeKey).
		Expire(ctx, storeKey, cfg.WindowSize).
		Exec(ctx)
	if err != nil {
		l.trackDecision("error")
		return Result{}, fmt.Errorf("rate limit check failed for %q: %w", key, err)
	}
	if len(results) != 4 {
		l.trackDecision("error")
		return Result{}, fmt.Errorf("%w: expected 4 results, got %d", kv.ErrPipelineFailed, len(results))
	}

	total, ok := results[2].(int64)
	if !ok {
		l.trackDecision("error")
		return Result{}, fmt.Errorf("%w: unexpected cardinality result %T", kv.ErrPipelineFailed, results[2])
	}

	result := decide(total, int64(cfg.Limit), now.Add(cfg.WindowSize))
	if result.Allowed {
		l.trackDecision("allowed")
	} else {
		l.trackDecision("denied")
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("total", total),
			zap.Int("limit", cfg.Limit))
	}
	return result, nil
}

// Status reports current window occupancy without counting a request: it
// prunes expired members but neither adds one nor refreshes the TTL.
func (l *Limiter) Status(ctx context.Context, key string, cfg Config) (Result, error) {
	if cfg.Limit <= 0 || cfg.WindowSize <= 0 {
		return Result{}, ErrInvalidConfig
	}

	now := l.now()
	cutoff := now.UnixMilli() - cfg.WindowSize.Milliseconds()
	storeKey := keyPrefix + key

	results, err := l.store.Pipeline().
		ZRemRangeByScore(ctx, storeKey, "0", "("+strconv.FormatInt(cutoff, 10)).
		ZCard(ctx, storeKey).
		Exec(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit status failed for %q: %w", key, err)
	}
	if len(results) != 2 {
		return Result{}, fmt.Errorf("%w: expected 2 results, got %d", kv.ErrPipelineFailed, len(results))
	}

	total, ok := results[1].(int64)
	if !ok {
		return Result{}, fmt.Errorf("%w: unexpected cardinality result %T", kv.ErrPipelineFailed, results[1])
	}

	result := Result{
		Allowed:       total < int64(cfg.Limit),
		TotalRequests: total,
		Remaining:     remaining(int64(cfg.Limit), total),
		ResetAt:       now.Add(cfg.WindowSize),
	}
	return result, nil
}

// Reset deletes all recorded requests for key. The next check behaves like a
// first-ever call on a fresh key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, keyPrefix+key)
}

func (l *Limiter) trackDecision(result string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisionsTotal.WithLabelValues(result).Inc()
	}
}

func decide(total, limit int64, resetAt time.Time) Result {
	return Result{
		Allowed:       total <= limit,
		TotalRequests: total,
		Remaining:     remaining(limit, total),
		ResetAt:       resetAt,
	}
}

func remaining(limit, total int64) int64 {
	if total >= limit {
		return 0
	}
	return limit - total
}
