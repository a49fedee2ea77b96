package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pipeline queues commands for a single atomic MULTI/EXEC round trip. Exec
// returns the full ordered list of per-command results or fails as a unit;
// partial results are never exposed.
type Pipeline struct {
	pipe redis.Pipeliner
}

// ZAdd queues adding member to the sorted set at key with the given score.
func (p *Pipeline) ZAdd(ctx context.Context, key string, score float64, member string) *Pipeline {
	p.pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	return p
}

// ZRemRangeByScore queues pruning members whose score lies in [min, max].
func (p *Pipeline) ZRemRangeByScore(ctx context.Context, key, min, max string) *Pipeline {
	p.pipe.ZRemRangeByScore(ctx, key, min, max)
	return p
}

// ZCard queues counting the members of the sorted set at key.
func (p *Pipeline) ZCard(ctx context.Context, key string) *Pipeline {
	p.pipe.ZCard(ctx, key)
	return p
}

// Expire queues refreshing the ttl of key.
func (p *Pipeline) Expire(ctx context.Context, key string, ttl time.Duration) *Pipeline {
	p.pipe.Expire(ctx, key, ttl)
	return p
}

// Set queues a string write. A zero ttl means no expiry.
func (p *Pipeline) Set(ctx context.Context, key, value string, ttl time.Duration) *Pipeline {
	p.pipe.Set(ctx, key, value, ttl)
	return p
}

// Delete queues removal of the given keys.
func (p *Pipeline) Delete(ctx context.Context, keys ...string) *Pipeline {
	p.pipe.Del(ctx, keys...)
	return p
}

// Exec runs the queued batch atomically and returns one result per command in
// queue order: int64 for sorted-set counts, bool for Expire, string for Set.
func (p *Pipeline) Exec(ctx context.Context) ([]any, error) {
	cmds, err := p.pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		if cerr := classify(err); errors.Is(cerr, ErrConnection) {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", ErrPipelineFailed, err)
	}
	if len(cmds) == 0 {
		return nil, ErrPipelineFailed
	}

	results := make([]any, len(cmds))
	for i, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil && !errors.Is(cmdErr, redis.Nil) {
			return nil, fmt.Errorf("%w: command %d: %v", ErrPipelineFailed, i, cmdErr)
		}
		switch c := cmd.(type) {
		case *redis.IntCmd:
			results[i] = c.Val()
		case *redis.BoolCmd:
			results[i] = c.Val()
		case *redis.StatusCmd:
			results[i] = c.Val()
		case *redis.StringCmd:
			results[i] = c.Val()
		default:
			results[i] = nil
		}
	}
	return results, nil
}
