package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestClient sets up a fresh miniredis instance and a Client over it.
func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client, err := NewClient(rdb, zap.NewNop())
	require.NoError(t, err)
	return client, mr
}

func TestGetReturnsValueAfterSet(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "products:1", `{"name":"boots"}`, time.Minute))

	value, err := client.Get(ctx, "products:1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"boots"}`, value)
}

func TestGetMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSetWithTTLExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Second))

	value, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	mr.FastForward(2 * time.Second)

	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTTLSentinels(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "with-ttl", "v", 30*time.Second))
	require.NoError(t, client.Set(ctx, "no-ttl", "v", 0))

	ttl, err := client.TTL(ctx, "with-ttl")
	require.NoError(t, err)
	assert.Greater(t, ttl, 25*time.Second)

	ttl, err = client.TTL(ctx, "no-ttl")
	require.NoError(t, err)
	assert.Equal(t, TTLNone, ttl)

	ttl, err = client.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)
}

func TestDeleteByPatternMatchesExactly(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "products:1", "a", 0))
	require.NoError(t, client.Set(ctx, "products:2", "b", 0))
	require.NoError(t, client.Set(ctx, "orders:1", "c", 0))

	deleted, err := client.DeleteByPattern(ctx, "products:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = client.Get(ctx, "products:1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = client.Get(ctx, "products:2")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	value, err := client.Get(ctx, "orders:1")
	require.NoError(t, err)
	assert.Equal(t, "c", value)
}

func TestDeleteByPatternNoMatches(t *testing.T) {
	client, _ := newTestClient(t)

	deleted, err := client.DeleteByPattern(context.Background(), "nothing:*")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestIncrement(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	n, err := client.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSetNX(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestConnectionLossIsDistinct(t *testing.T) {
	client, mr := newTestClient(t)
	mr.Close()

	_, err := client.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestPipelineAtomicResults(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	results, err := client.Pipeline().
		ZAdd(ctx, "zs", 1, "a").
		ZAdd(ctx, "zs", 2, "b").
		ZCard(ctx, "zs").
		Expire(ctx, "zs", time.Minute).
		Exec(ctx)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, int64(1), results[0])
	assert.Equal(t, int64(1), results[1])
	assert.Equal(t, int64(2), results[2])
	assert.Equal(t, true, results[3])
}

func TestPipelineZRemRangeByScore(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Pipeline().
		ZAdd(ctx, "zs", 100, "old").
		ZAdd(ctx, "zs", 2000, "recent").
		Exec(ctx)
	require.NoError(t, err)

	results, err := client.Pipeline().
		ZRemRangeByScore(ctx, "zs", "0", "(1000").
		ZCard(ctx, "zs").
		Exec(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0])
	assert.Equal(t, int64(1), results[1])
}

func TestPipelineConnectionLoss(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	mr.Close()

	_, err := client.Pipeline().
		ZCard(ctx, "zs").
		Exec(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}
