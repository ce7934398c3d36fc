package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OperatorID())
	r.Use(pre...)
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, operator string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	if operator != "" {
		req.Header.Set(HeaderOperatorID, operator)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstThen429(t *testing.T) {
	r := limitedRouter(NewRateLimiter(0.0001, 2, KeyByOperatorOrIP()))
	for i := 0; i < 2; i++ {
		if w := hit(r, "op-a"); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	w := hit(r, "op-a")
	// One token per ~3h: the advertised wait is capped.
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("third request = %d retry=%q", w.Code, w.Header().Get("Retry-After"))
	}
	// Separate bucket per operator and for anonymous callers.
	if w := hit(r, "op-b"); w.Code != http.StatusOK {
		t.Fatalf("other operator = %d", w.Code)
	}
	if w := hit(r, ""); w.Code != http.StatusOK {
		t.Fatalf("ip bucket = %d", w.Code)
	}
}

func TestRateLimiter_BypassOnReplay(t *testing.T) {
	markReplay := func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() }
	r := limitedRouter(NewRateLimiter(0.0001, 1, KeyByOperatorOrIP()), markReplay)
	for i := 0; i < 5; i++ {
		if w := hit(r, "op"); w.Code != http.StatusOK {
			t.Fatalf("replay %d limited: %d", i, w.Code)
		}
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByOperatorOrIP())
	rl.ttl = time.Millisecond
	rl.getVisitor("old")
	time.Sleep(5 * time.Millisecond)
	rl.cleanupN = 4999
	rl.getVisitor("new")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["old"]; ok {
		t.Fatal("idle bucket not evicted")
	}
	if _, ok := rl.visitors["new"]; !ok {
		t.Fatal("requested bucket missing")
	}
}

func TestNewRateLimiter_BurstFloor(t *testing.T) {
	if rl := NewRateLimiter(1, 0, KeyByOperatorOrIP()); rl.burst != 1 {
		t.Fatalf("burst = %d", rl.burst)
	}
}

func TestRateLimiter_RetryAfterTracksRefill(t *testing.T) {
	r := limitedRouter(NewRateLimiter(0.25, 1, KeyByOperatorOrIP()))
	if w := hit(r, "op"); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := hit(r, "op")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", w.Code)
	}
	// 0.25 tokens/s: the next token is about 4s away.
	if got := w.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("Retry-After = %q; want 4", got)
	}
	if !strings.Contains(w.Body.String(), `"code":"too_many_requests"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		2100 * time.Millisecond: 3,
		time.Hour:               maxRetryAfter,
		rate.InfDuration:        maxRetryAfter,
	}
	for d, want := range cases {
		if got := retryAfterSeconds(d); got != want {
			t.Errorf("retryAfterSeconds(%v) = %d; want %d", d, got, want)
		}
	}
}
