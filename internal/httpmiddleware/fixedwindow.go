package httpmiddleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// KeyedLimiter is a fixed-window counter keyed by an arbitrary string
// (device id, client IP). Used for the device sync and claim endpoints.
type KeyedLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisFixedWindow counts in redis so the limit holds across restarts.
type RedisFixedWindow struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// NewRedisFixedWindow creates a limiter allowing max calls per window.
func NewRedisFixedWindow(client *redis.Client, prefix string, max int, window time.Duration) *RedisFixedWindow {
	return &RedisFixedWindow{client: client, prefix: prefix, max: max, window: window}
}

// Allow increments the current window's counter and checks the cap. The
// INCR is atomic, so concurrent callers cannot slip past the limit.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().Unix() / int64(l.window/time.Second)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, l.window)
	}
	return count <= int64(l.max), nil
}

// MemoryFixedWindow is the in-process fallback for dev and tests.
type MemoryFixedWindow struct {
	max    int
	window time.Duration
	mu     sync.Mutex
	state  map[string]*window
}

type window struct {
	count int
	start time.Time
}

// NewMemoryFixedWindow creates a limiter allowing max calls per window.
func NewMemoryFixedWindow(max int, dur time.Duration) *MemoryFixedWindow {
	return &MemoryFixedWindow{max: max, window: dur, state: make(map[string]*window)}
}

// Allow counts a call against the key's current window.
func (l *MemoryFixedWindow) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	w, ok := l.state[key]
	if !ok || now.Sub(w.start) > l.window {
		w = &window{start: now}
		l.state[key] = w
	}
	w.count++
	return w.count <= l.max, nil
}

// KeyedGinMiddleware enforces a KeyedLimiter using the client IP as key.
func KeyedGinMiddleware(limiter KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		allowed, err := limiter.Allow(c.Request.Context(), ip)
		if err != nil {
			// limiter errors fail open
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded"})
			return
		}
		c.Next()
	}
}
