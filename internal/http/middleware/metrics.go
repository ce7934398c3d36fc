package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP collectors. Labels stay bounded: path is the matched route template,
// surface is one of webhook|realtime|ops|api.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by surface, method, route and status.",
		},
		[]string{"surface", "method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by surface and route.",
			// Webhook handling includes Telegram file downloads for media.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"surface", "method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "requests_inflight",
			Help:      "HTTP requests currently being served.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response sizes by surface and route.",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8), // 128B..2MiB
		},
		[]string{"surface", "method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// surfaceOf classifies a request path into the externally facing surface it
// belongs to.
func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/webhook/"):
		return "webhook"
	case path == "/ws":
		return "realtime"
	case path == "/health", path == "/metrics",
		strings.HasPrefix(path, "/swagger/"), strings.HasPrefix(path, "/media/"):
		return "ops"
	default:
		return "api"
	}
}

// Metrics records request count, latency, size and concurrency. The path
// label is c.FullPath(), or "unmatched" when no route matched so that
// scanners cannot grow the series. Requests to skipPaths are not observed;
// /ws is normally skipped because its latency is the session lifetime.
func Metrics(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		surface := surfaceOf(c.Request.URL.Path)
		method := c.Request.Method
		httpReqs.WithLabelValues(surface, method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(surface, method, path).Observe(time.Since(start).Seconds())
		// -1 when nothing was written
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(surface, method, path).Observe(float64(size))
		}
	}
}
