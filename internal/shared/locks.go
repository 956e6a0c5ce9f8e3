package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WaveLockKey builds redis keys for wave planning critical sections.
func WaveLockKey(waveID uuid.UUID) string {
	return fmt.Sprintf("wave:%s:plan", waveID)
}

// ErrLockHeld indicates the critical section is owned by another planner.
var ErrLockHeld = errors.New("lock held by another owner")

// PlanningLock is a TTL-bounded advisory lock backed by redis SET NX.
// The lock is advisory for planners only; position reservations remain the
// source of truth and are guarded by their own compare-and-set updates.
type PlanningLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPlanningLock constructs the lock helper.
func NewPlanningLock(client *redis.Client, ttl time.Duration) *PlanningLock {
	return &PlanningLock{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire claims the key and returns a release token.
func (l *PlanningLock) Acquire(ctx context.Context, key string) (string, error) {
	if l == nil || l.client == nil {
		return "", nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release frees the key when the token still owns it.
func (l *PlanningLock) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
