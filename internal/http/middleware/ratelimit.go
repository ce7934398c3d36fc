// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements per-identity token-bucket rate limiting on
// golang.org/x/time/rate. Buckets live in this process and idle ones are
// evicted opportunistically. Idempotent replays skip the limiter.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to its bucket, e.g. "op:<id>" or "ip:<addr>".
type keyFunc func(*gin.Context) string

// KeyByOperatorOrIP buckets by operator id when one was supplied and by
// client IP otherwise.
func KeyByOperatorOrIP() keyFunc {
	return func(c *gin.Context) string {
		if op := OperatorFrom(c); op != AnonymousOperator {
			return "op:" + op
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. It is safe for concurrent
// use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter returns a limiter allowing rps tokens per second with the
// given burst (coerced to >= 1) per key.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// getVisitor returns the limiter for key. Every 5000 lookups idle buckets
// are evicted first, so a stale bucket is dropped even when it is the one
// being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// maxRetryAfter caps the advertised wait so clients with a stalled bucket
// still retry within a minute.
const maxRetryAfter = 60

// retryAfterSeconds rounds the refill delay up to whole seconds within
// [1, maxRetryAfter].
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	switch {
	case d == rate.InfDuration, secs > maxRetryAfter:
		return maxRetryAfter
	case secs < 1:
		return 1
	}
	return secs
}

// Handler enforces the limit. An empty bucket answers 429 with Retry-After
// set to the time until the next token.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		res := rl.getVisitor(rl.keyFn(c)).Reserve()
		delay := res.Delay()
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.Cancel()
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
