package adapter

import (
	"context"
	"time"
)

// Locker is a best-effort distributed mutex. TryLock returns domain.ErrLockHeld
// when another holder keeps the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}
