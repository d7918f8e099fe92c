package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds until window resets
	Limit      int
}

// Limiter is a fixed one-minute window counter per key in Redis.
type Limiter struct {
	rdb       redis.UniversalClient
	perMinute int
	now       func() time.Time
}

func New(rdb redis.UniversalClient, perMinute int) *Limiter {
	return &Limiter{rdb: rdb, perMinute: perMinute, now: time.Now}
}

func windowKey(scope, clientID string, now time.Time) string {
	// all requests within the same minute share the same window
	return fmt.Sprintf("rl:%s:%s:%s", scope, clientID, now.UTC().Format("200601021504"))
}

func evaluate(count int64, limit int, now time.Time) *Result {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	retry := 60 - now.Second()
	if retry <= 0 {
		retry = 60
	}
	return &Result{
		Allowed:    count <= int64(limit),
		Remaining:  remaining,
		RetryAfter: retry,
		Limit:      limit,
	}
}

// Allow counts one request for clientID under scope.
func (l *Limiter) Allow(ctx context.Context, scope, clientID string) (*Result, error) {
	if l.perMinute <= 0 {
		return &Result{Allowed: true, Remaining: -1}, nil
	}
	now := l.now()
	key := windowKey(scope, clientID, now)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	// expire only on the first hit so old windows clean themselves up
	if count == 1 {
		l.rdb.Expire(ctx, key, 2*time.Minute)
	}
	return evaluate(count, l.perMinute, now), nil
}
