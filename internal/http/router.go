// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Three surfaces share one engine:
//   - /webhook/telegram receives channel updates (secret-token protected)
//   - the versioned operator API under cfg.APIBasePath
//   - /ws streams realtime events to CRM clients
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/crm-sync/docs"
	"github.com/tbourn/crm-sync/internal/config"
	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/http/handlers"
	"github.com/tbourn/crm-sync/internal/http/middleware"
	"github.com/tbourn/crm-sync/internal/realtime"
	"github.com/tbourn/crm-sync/internal/repo"
	"github.com/tbourn/crm-sync/internal/services"
)

// orderRepoShim adapts the repository free functions to the
// services.OrderRepo interface expected by the OrderService.
type orderRepoShim struct{}

// GetContact proxies repo.GetContact.
func (orderRepoShim) GetContact(ctx context.Context, db *gorm.DB, id string) (*domain.Contact, error) {
	return repo.GetContact(ctx, db, id)
}

// GetOrder proxies repo.GetOrder.
func (orderRepoShim) GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	return repo.GetOrder(ctx, db, id)
}

// UpdateOrderStatus proxies repo.UpdateOrderStatus.
func (orderRepoShim) UpdateOrderStatus(ctx context.Context, db *gorm.DB, id string, status domain.OrderStatus, activeSlot *string) error {
	return repo.UpdateOrderStatus(ctx, db, id, status, activeSlot)
}

// CountOrders proxies repo.CountOrders (pagination support).
func (orderRepoShim) CountOrders(ctx context.Context, db *gorm.DB, contactID string) (int64, error) {
	return repo.CountOrders(ctx, db, contactID)
}

// ListOrdersPage proxies repo.ListOrdersPage (pagination support).
func (orderRepoShim) ListOrdersPage(ctx context.Context, db *gorm.DB, contactID string, offset, limit int) ([]domain.Order, error) {
	return repo.ListOrdersPage(ctx, db, contactID, offset, limit)
}

// statsShim binds the ETag stats queries to a database handle.
type statsShim struct{ db *gorm.DB }

func (s statsShim) MessagesStats(ctx context.Context, threadKey int64) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.db, threadKey)
}

func (s statsShim) OrdersStats(ctx context.Context, contactID string) (int64, *time.Time, error) {
	return repo.OrdersStats(ctx, s.db, contactID)
}

// Runtime carries the long-lived components built by the process entrypoint.
// Ingestor and Persister are shared with the webhook pipeline; Sender and Hub
// may be nil.
type Runtime struct {
	Ingestor  handlers.Ingestor
	Persister *services.Persister
	Sender    services.Sender
	Hub       *realtime.Hub
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Operator id, then idempotency validator (before rate limiter to allow bypass on replay)
//  8. CORS and Security headers
//
// The rate limiter is mounted on the API group and /ws only; Telegram retries
// webhook deliveries it sees rejected.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, rt Runtime) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics("/metrics", "/ws"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Operator id and idempotency validation (before rate limiting)
	r.Use(middleware.OperatorID())
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, Param: "key"},
		func(ctx context.Context, operatorID string, threadKey int64, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, operatorID, threadKey, key, now)
			if err != nil || rec == nil {
				return false, err
			}
			return true, nil
		},
	))

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
		middleware.HeaderOperatorID, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "ETag", "Idempotency-Replayed", "Content-Length"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
		MediaPrefix:  "/media/",
	}))

	// Response compression; upgraded and scraped endpoints stay raw.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{"/ws", "/metrics", "/webhook"}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == "local" {
		r.Static("/media", cfg.Storage.MediaDir)
	}

	// Dependency injection: services ← repo/db/hub
	var bc services.Broadcaster
	if rt.Hub != nil {
		bc = rt.Hub
	}
	persister := rt.Persister
	if persister == nil {
		persister = services.NewPersister(db, bc)
	}
	h := handlers.New(handlers.Deps{
		Ingestor: rt.Ingestor,
		Outbound: &services.OutboundService{
			DB:              db,
			Persister:       persister,
			Sender:          rt.Sender,
			MaxContentRunes: persister.MaxContentRunes,
			IdempotencyTTL:  cfg.IdempotencyTTL,
		},
		Messages:    &services.MessageService{DB: db},
		Orders:      services.NewOrderService(db, orderRepoShim{}, bc),
		Annotations: &services.AnnotationService{DB: db, Broadcaster: bc},
		Stats:       statsShim{db: db},
		Hub:         rt.Hub,
		Upgrader:    realtime.NewUpgrader(cfg.CORS.AllowedOrigins),
		Session: realtime.SessionConfig{
			SendBuffer:   cfg.Realtime.SendBuffer,
			PingInterval: cfg.Realtime.PingInterval,
		},
		MaxContentRunes: persister.MaxContentRunes,
	})

	// Channel webhook
	if rt.Ingestor != nil {
		wh := r.Group("/webhook")
		wh.Use(middleware.WebhookSecret(cfg.Telegram.WebhookSecret))
		wh.POST("/telegram", h.TelegramWebhook)
	}

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOperatorOrIP())

	// Realtime
	r.GET("/ws", rl.Handler(), h.Realtime)

	// Operator API
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(rl.Handler())
	{
		// Threads
		api.GET("/threads/:key/messages", h.ListMessages)
		api.POST("/threads/:key/messages", h.SendMessage)

		// Orders
		api.GET("/contacts/:id/orders", h.ListOrders)
		api.PUT("/orders/:id/status", h.UpdateOrderStatus)

		// Reactions
		api.PUT("/messages/:id/reaction", h.SetReaction)
		api.DELETE("/messages/:id/reaction", h.ClearReaction)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
