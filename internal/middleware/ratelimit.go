package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"mailflow/internal/config"
	appmetrics "mailflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket refills at ratePerSec up to burst tokens.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per client IP.
type limiter struct {
	label   string
	prefix  string
	rpm     int
	burst   int
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newLimiter(label, prefix string, rpm, burst int) *limiter {
	return &limiter{label: label, prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow()
}

// RateLimitMiddleware 按客户端 IP 限流；路径前缀配置优先于全局配置。
// 未启用时不做任何处理。
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newLimiter(p.Prefix, p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("global", "", rl.RequestsPerMinute, rl.Burst)
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		l := global
		for _, pl := range paths {
			if strings.HasPrefix(c.Request.URL.Path, pl.prefix) {
				l = pl
				break
			}
		}
		if l != nil && !l.allow(key) {
			appmetrics.IncRateLimitDrop(l.label)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
