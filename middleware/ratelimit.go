package middleware

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix = "ratelimit:"
	maxLocalKeys  = 10000
)

// RateLimiter is a fixed-window request counter keyed by visitor id, or by
// client IP before a visitor is known. Counters live in Redis when a
// client is given so that every replica sees the same counts; otherwise
// they are kept in process.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*windowCount
}

type windowCount struct {
	n     int
	reset time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
		local:  make(map[string]*windowCount),
	}
}

// Allow counts one hit for key and reports whether it is within the
// limit, plus the time left until the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	if rl.rdb != nil {
		ok, retry, err := rl.allowRedis(ctx, key)
		if err == nil {
			return ok, retry
		}
		log.Printf("[RateLimit] Redis unavailable, counting locally: %v", err)
	}
	return rl.allowLocal(key)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, time.Duration, error) {
	k := rateKeyPrefix + key
	n, err := rl.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := rl.rdb.Expire(ctx, k, rl.window).Err(); err != nil {
			return false, 0, err
		}
	}
	ttl, err := rl.rdb.TTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// lost the expiry; restart the window rather than block forever
		rl.rdb.Expire(ctx, k, rl.window)
		ttl = rl.window
	}
	return n <= int64(rl.limit), ttl, nil
}

func (rl *RateLimiter) allowLocal(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.local[key]
	if !ok || !now.Before(w.reset) {
		if len(rl.local) >= maxLocalKeys {
			rl.sweepLocked(now)
		}
		w = &windowCount{reset: now.Add(rl.window)}
		rl.local[key] = w
	}
	w.n++
	return w.n <= rl.limit, w.reset.Sub(now)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for k, w := range rl.local {
		if !now.Before(w.reset) {
			delete(rl.local, k)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("visitor_id")
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		key = c.FullPath() + ":" + key

		ok, retry := rl.Allow(c.Request.Context(), key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please slow down"})
			return
		}
		c.Next()
	}
}
