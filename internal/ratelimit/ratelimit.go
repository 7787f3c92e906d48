// Package ratelimit implements the two admission gates in front of the agent
// loop: a per-user daily quota and a global sliding-window throttle, both
// backed by Redis counters. Both limiters are fail-open: if the store is
// unreachable admission succeeds, nothing is incremented, and the condition
// is logged.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Result reports an admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// DailyQuota enforces a per-user request budget that resets at local
// end-of-day. Admins on the allow-list bypass the quota entirely.
type DailyQuota struct {
	Client *redis.Client
	Limit  int
	Admins map[string]struct{}
	// Now is injectable for tests. Nil means time.Now.
	Now func() time.Time
}

func (q *DailyQuota) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Allow admits or denies one request for userID. The counter is incremented
// only on acceptance; a denied request leaves it unchanged.
func (q *DailyQuota) Allow(ctx context.Context, userID string) Result {
	now := q.now()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
	res := Result{Allowed: true, Limit: q.Limit, Remaining: q.Limit, Reset: endOfDay}

	if _, ok := q.Admins[userID]; ok {
		return res
	}
	if q.Client == nil || q.Limit <= 0 {
		return res
	}

	key := fmt.Sprintf("ratelimit:user:%s:%s", userID, now.Format("2006-01-02"))
	count, err := q.Client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("daily quota store unreachable; failing open")
		return res
	}
	if count == 1 {
		_ = q.Client.ExpireAt(ctx, key, endOfDay).Err()
	}
	if count > int64(q.Limit) {
		// Undo the speculative increment so a deny leaves the counter as-is.
		_ = q.Client.Decr(ctx, key).Err()
		res.Allowed = false
		res.Remaining = 0
		return res
	}
	res.Remaining = q.Limit - int(count)
	return res
}

// Refund returns one unit consumed by Allow when a later admission gate
// denies the request, so a denied request never costs daily budget.
func (q *DailyQuota) Refund(ctx context.Context, userID string) {
	if _, ok := q.Admins[userID]; ok {
		return
	}
	if q.Client == nil || q.Limit <= 0 {
		return
	}
	key := fmt.Sprintf("ratelimit:user:%s:%s", userID, q.now().Format("2006-01-02"))
	if err := q.Client.Decr(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("daily quota refund failed")
	}
}

// SlidingWindow throttles globally across all users with a fixed-window
// counter keyed by floor(now/window).
type SlidingWindow struct {
	Client *redis.Client
	Max    int
	Window time.Duration
	// MaxRetries bounds how many windows AllowWithRetry is willing to wait
	// through. Zero means no waiting.
	MaxRetries int
	Now        func() time.Time
}

func (w *SlidingWindow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Allow performs a single admission check against the current window.
func (w *SlidingWindow) Allow(ctx context.Context) Result {
	res := Result{Allowed: true, Limit: w.Max, Remaining: w.Max}
	if w.Client == nil || w.Max <= 0 || w.Window <= 0 {
		return res
	}
	now := w.now()
	bucket := now.UnixMilli() / w.Window.Milliseconds()
	res.Reset = time.UnixMilli((bucket + 1) * w.Window.Milliseconds())

	key := fmt.Sprintf("ratelimit:global:%d", bucket)
	count, err := w.Client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Msg("global limiter store unreachable; failing open")
		return res
	}
	if count == 1 {
		_ = w.Client.PExpire(ctx, key, w.Window).Err()
	}
	if count > int64(w.Max) {
		_ = w.Client.Decr(ctx, key).Err()
		res.Allowed = false
		res.Remaining = 0
		return res
	}
	res.Remaining = w.Max - int(count)
	return res
}

// AllowWithRetry checks the window, and on denial waits until the window
// resets and re-checks, up to MaxRetries times. It honors ctx cancellation
// while waiting.
func (w *SlidingWindow) AllowWithRetry(ctx context.Context) Result {
	res := w.Allow(ctx)
	for i := 0; !res.Allowed && i < w.MaxRetries; i++ {
		wait := time.Until(res.Reset)
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res
		case <-t.C:
		}
		res = w.Allow(ctx)
	}
	return res
}
