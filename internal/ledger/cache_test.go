package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheFetchLoadsOnce(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key, err := cache.BuildKey(ctx, LevelKey{ProductID: 7, Lot: "A", DepositID: 1})
	require.NoError(t, err)

	loads := 0
	loader := func(context.Context) (any, error) {
		loads++
		return map[string]string{"quantity": "40"}, nil
	}

	var first, second map[string]string
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))
	require.Equal(t, 1, loads)
	require.Equal(t, first, second)
}

func TestCacheBumpInvalidates(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	level := LevelKey{ProductID: 7, Lot: "A", DepositID: 1}

	before, err := cache.BuildKey(ctx, level)
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, level)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCacheNilClientPassthrough(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	key, err := cache.BuildKey(ctx, LevelKey{ProductID: 7, DepositID: 1})
	require.NoError(t, err)
	require.Equal(t, "stock:level:7:-:1", key)

	loads := 0
	var dest map[string]string
	loader := func(context.Context) (any, error) {
		loads++
		return map[string]string{"quantity": "1"}, nil
	}
	require.NoError(t, cache.FetchJSON(ctx, key, &dest, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &dest, loader))
	require.Equal(t, 2, loads)
	require.NoError(t, cache.Bump(ctx))
}
