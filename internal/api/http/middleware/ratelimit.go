package middleware

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterCacheSize = 4096

// RateLimiter keeps one token bucket per client IP. The least recently seen
// clients are evicted once the cache is full.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	onReject func()

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func NewRateLimiter(limit rate.Limit, burst, cacheSize int, onReject func()) (*RateLimiter, error) {
	if cacheSize <= 0 {
		cacheSize = defaultLimiterCacheSize
	}
	if burst <= 0 {
		burst = 1
	}
	if onReject == nil {
		onReject = func() {}
	}
	cache, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		onReject: onReject,
		limiters: cache,
	}, nil
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters.Add(ip, limiter)
	}
	return limiter
}

func (rl *RateLimiter) Allow(ip string) bool {
	return rl.getLimiter(ip).Allow()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			slog.Warn("Rate limit exceeded", "ip", ip, "path", c.Request.URL.Path)
			rl.onReject()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Try again later."})
			return
		}
		c.Next()
	}
}
