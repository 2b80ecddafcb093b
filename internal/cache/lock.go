package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// AcquireLock takes a best-effort lock via SET NX. Returns true if
// this caller owns the lock until ttl expires or ReleaseLock is called.
// Used to keep duplicate in-flight submissions from starting a second
// workflow for the same target.
func AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return Client.SetNX(ctx, key, owner, ttl).Result()
}

// AssignLockOwner hands a held lock to a new owner without touching its
// TTL. Submitters use it to re-key the lock to the started workflow
// instance, so the release on the instance's terminal state cannot drop
// a lock some later submission owns.
func AssignLockOwner(ctx context.Context, key, owner string) error {
	return Client.Set(ctx, key, owner, redis.KeepTTL).Err()
}

// ReleaseLock drops the lock if the caller still owns it.
func ReleaseLock(ctx context.Context, key, owner string) error {
	val, err := Client.Get(ctx, key).Result()
	if err != nil {
		return nil // expired or never held
	}
	if val != owner {
		return nil
	}
	return Client.Del(ctx, key).Err()
}
