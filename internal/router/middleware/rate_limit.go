package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/zerozero/octolab/pkg/errors"
)

// idleLimiterTTL is how long an unused per-key limiter is kept
const idleLimiterTTL = 10 * time.Minute

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a per-key limiter allowing rps events per second
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*keyedLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, l := range rl.limiters {
		if now.Sub(l.lastSeen) > idleLimiterTTL {
			delete(rl.limiters, k)
		}
	}
	l, ok := rl.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// RateLimitByParam throttles requests per value of the named path parameter
func RateLimitByParam(rl *RateLimiter, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.Param(param)) {
			appErr := errors.NewRateLimited("Too many requests for this session").
				WithMetadata(param, c.Param(param))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": appErr})
			return
		}
		c.Next()
	}
}
