package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"go-marketpay/utils"
)

// Store counts requests per key inside a window.
type Store interface {
	// Hit records one request for key and returns the count in the window.
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	store  Store
	limit  int
	window time.Duration
}

func NewRateLimiter(store Store, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: store, limit: limit, window: window}
}

// key identifies the client: its API key when it sends one, else its IP.
func key(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return "ratelimit:key:" + k
	}
	return "ratelimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := rl.store.Hit(c.Request.Context(), key(c), rl.window)
		if err != nil {
			// fail open
			slog.WarnContext(c.Request.Context(), "rate limit store", "error", err)
			c.Next()
			return
		}

		remaining := int64(rl.limit) - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if n > int64(rl.limit) {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try later.", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}

// MemoryStore is a per-process sliding log of request times.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string][]time.Time), now: time.Now}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	times := prune(s.requests[key], now, window)
	times = append(times, now)
	s.requests[key] = times
	return int64(len(times)), nil
}

func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	var kept []time.Time
	for _, t := range times {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Cleanup drops idle keys every interval until ctx is done.
func (s *MemoryStore) Cleanup(ctx context.Context, interval, window time.Duration) {
	utils.Every(ctx, interval, func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()
		for k, times := range s.requests {
			if kept := prune(times, now, window); len(kept) == 0 {
				delete(s.requests, k)
			} else {
				s.requests[k] = kept
			}
		}
	})
}

// RedisStore shares counters between instances. The first hit of a window
// starts the key's expiry; later hits only increment it.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
