package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*PlanningLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPlanningLock(client, time.Minute), mr
}

func TestPlanningLockSingleOwner(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()
	key := WaveLockKey(uuid.New())

	token, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = lock.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx, key, token))

	token2, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.NotEqual(t, token, token2)
}

func TestPlanningLockReleaseRequiresToken(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()
	key := WaveLockKey(uuid.New())

	token, err := lock.Acquire(ctx, key)
	require.NoError(t, err)

	// A stale token from a previous owner must not free the lock.
	require.NoError(t, lock.Release(ctx, key, uuid.NewString()))
	_, err = lock.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx, key, token))
	_, err = lock.Acquire(ctx, key)
	require.NoError(t, err)
}

func TestPlanningLockExpires(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()
	key := WaveLockKey(uuid.New())

	_, err := lock.Acquire(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = lock.Acquire(ctx, key)
	require.NoError(t, err)
}

func TestPlanningLockNilClientPassthrough(t *testing.T) {
	var lock *PlanningLock
	token, err := lock.Acquire(context.Background(), "any")
	require.NoError(t, err)
	require.Empty(t, token)
	require.NoError(t, lock.Release(context.Background(), "any", token))
}
