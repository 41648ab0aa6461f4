package redis

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// SubmitLimiter admits at most limit submissions per principal in each fixed window.
type SubmitLimiter struct {
	client RedisClient
	limit  int64
	window time.Duration
}

func NewSubmitLimiter(client RedisClient, limit int, window time.Duration) *SubmitLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SubmitLimiter{client: client, limit: int64(limit), window: window}
}

// Admit counts one submission for principal. A non-positive limit admits everything.
func (l *SubmitLimiter) Admit(ctx context.Context, principal string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	key := submitWindowKey(principal)
	count, err := l.client.Incr(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window); err != nil {
			return Decision{}, err
		}
	}
	if count <= l.limit {
		return Decision{Allowed: true, Remaining: int(l.limit - count)}, nil
	}

	ttl, err := l.client.PTTL(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		// the window key lost its expiry; restart the window
		if err := l.client.Expire(ctx, key, l.window); err != nil {
			return Decision{}, err
		}
		ttl = l.window
	}
	return Decision{RetryAfter: ttl}, nil
}

func submitWindowKey(principal string) string {
	return "submit_window:" + principal
}
