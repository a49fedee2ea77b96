package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"catalog-backend/internal/retrier"
)

// TTL sentinel values, matching the wire protocol convention.
const (
	// TTLNone means the key exists but carries no expiry.
	TTLNone = time.Duration(-1)
	// TTLMissing means the key does not exist.
	TTLMissing = time.Duration(-2)
)

const scanBatchSize = 100

// Client is a thin wrapper around a shared Redis connection. All round trips
// run through a circuit breaker and a bounded retrier; misses are reported as
// ErrKeyNotFound and connection loss as ErrConnection, never silently.
type Client struct {
	rdb     *redis.Client
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	logger  *zap.Logger
}

// NewClient wraps an already-connected Redis client. The same Client instance
// is meant to be constructed once at process startup and handed to every
// dependent component.
func NewClient(rdb *redis.Client, logger *zap.Logger) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r, err := retrier.NewRetrier(3, 50*time.Millisecond, 500*time.Millisecond, 0.1, IsTemporary)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kv-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Misses are normal traffic, not breaker failures.
			return err == nil || errors.Is(err, ErrKeyNotFound)
		},
	})

	return &Client{
		rdb:     rdb,
		breaker: cb,
		retrier: r,
		logger:  logger,
	}, nil
}

// Get returns the string value stored at key, or ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.execute(ctx, func() error {
		var err error
		value, err = c.rdb.Get(ctx, key).Result()
		return classify(err)
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.execute(ctx, func() error {
		return classify(c.rdb.Set(ctx, key, value, ttl).Err())
	})
}

// SetNX stores value at key only if the key does not already exist,
// reporting whether the write happened. The ttl must be positive.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.execute(ctx, func() error {
		var err error
		ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
		return classify(err)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.execute(ctx, func() error {
		return classify(c.rdb.Del(ctx, keys...).Err())
	})
}

// Keys returns all keys matching the glob pattern, enumerated with SCAN so
// large keyspaces never block the store.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.execute(ctx, func() error {
		keys = keys[:0]
		iter := c.rdb.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return classify(iter.Err())
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteByPattern removes every key matching the glob pattern and returns how
// many were deleted.
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var deleted int64
	err = c.execute(ctx, func() error {
		var err error
		deleted, err = c.rdb.Del(ctx, keys...).Result()
		return classify(err)
	})
	if err != nil {
		return 0, err
	}
	c.logger.Debug("deleted keys by pattern",
		zap.String("pattern", pattern),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// TTL reports the remaining lifetime of key: TTLNone when the key has no
// expiry, TTLMissing when the key does not exist.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := c.execute(ctx, func() error {
		var err error
		ttl, err = c.rdb.TTL(ctx, key).Result()
		return classify(err)
	})
	if err != nil {
		return 0, err
	}
	switch ttl {
	case -1:
		return TTLNone, nil
	case -2:
		return TTLMissing, nil
	}
	return ttl, nil
}

// Increment atomically increments the integer stored at key, creating it at 1
// when absent.
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.execute(ctx, func() error {
		var err error
		n, err = c.rdb.Incr(ctx, key).Result()
		return classify(err)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Eval runs a Lua script against the store. Used for compare-and-delete.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var result any
	err := c.execute(ctx, func() error {
		var err error
		result, err = script.Run(ctx, c.rdb, keys, args...).Result()
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pipeline starts an atomic MULTI/EXEC batch against the store.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{pipe: c.rdb.TxPipeline()}
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.execute(ctx, func() error {
		return classify(c.rdb.Ping(ctx).Err())
	})
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) execute(ctx context.Context, fn func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.retrier.Run(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}

// classify maps driver errors onto the package error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}
