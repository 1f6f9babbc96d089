package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterLocalWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(nil, 2, time.Minute)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	ok, _ := rl.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = rl.Allow(ctx, "a")
	assert.True(t, ok)
	ok, retry := rl.Allow(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)

	ok, _ = rl.Allow(ctx, "b")
	assert.True(t, ok, "keys are counted separately")

	now = now.Add(time.Minute)
	ok, _ = rl.Allow(ctx, "a")
	assert.True(t, ok, "a new window starts after reset")
}

func TestRateLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	rl := NewRateLimiter(rdb, 1, time.Minute)

	ok, _ := rl.Allow(ctx, "v1")
	assert.True(t, ok)
	ok, retry := rl.Allow(ctx, "v1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)
	assert.True(t, mr.Exists(rateKeyPrefix+"v1"))

	mr.FastForward(time.Minute)
	ok, _ = rl.Allow(ctx, "v1")
	assert.True(t, ok)
}

func TestRateLimiterRedisDownFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	rl := NewRateLimiter(rdb, 1, time.Minute)
	ok, _ := rl.Allow(context.Background(), "v1")
	assert.True(t, ok)
	ok, _ = rl.Allow(context.Background(), "v1")
	assert.False(t, ok)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, 0, time.Minute)
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow(context.Background(), "a")
		assert.True(t, ok)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/api/visitor", NewRateLimiter(nil, 1, time.Minute).Middleware(), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/visitor", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/visitor", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}
