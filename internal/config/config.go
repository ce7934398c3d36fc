// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, database, Telegram channel, inbound processing,
// attachment storage, Redis, realtime delivery, rate limiting and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "crm-sync")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the GORM dialect.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	DSN    string // postgres/mysql DSN
	Path   string // sqlite file path
}

// TelegramConfig holds bot credentials and fixed replies.
type TelegramConfig struct {
	BotToken       string
	WebhookSecret  string // compared with X-Telegram-Bot-Api-Secret-Token
	Greeting       string // reply to /start
	UnknownCommand string // reply to any other command
	FailureNotice  string // sent when a coalesced message could not be stored
}

// IngestConfig tunes inbound processing.
type IngestConfig struct {
	DebounceEnabled bool
	DebounceWindow  time.Duration
	SeenTTL         time.Duration // update_id dedupe horizon
	SeenSize        int
	ThreadLookback  int // recent threads inspected when resolving
	ThreadNodeID    int // node component of generated thread keys
	FlushTimeout    time.Duration
}

// StorageConfig selects where relayed attachments are written.
type StorageConfig struct {
	Backend       string // local|gcs
	GCSBucket     string
	GCSCredsJSON  string // optional; application default credentials otherwise
	PublicBaseURL string // overrides the default GCS public URL prefix
	MediaDir      string // local backend root
	MediaBaseURL  string // local backend URL prefix (served under /media)
	RelayTimeout  time.Duration
	RelayMaxBytes int64
}

// RedisConfig enables distributed locking and cross-process dedupe.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ResolveLockTTL time.Duration
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// RealtimeConfig tunes websocket sessions.
type RealtimeConfig struct {
	SendBuffer   int
	PingInterval time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB       DBConfig
	Telegram TelegramConfig
	Ingest   IngestConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Realtime RealtimeConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", ""),
			Path:   getenv("DB_PATH", "crm.db"),
		},
		Telegram: TelegramConfig{
			BotToken:       getenv("TELEGRAM_BOT_TOKEN", ""),
			WebhookSecret:  getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			Greeting:       getenv("TELEGRAM_GREETING", "Hello! Send us your question and a manager will reply shortly."),
			UnknownCommand: getenv("TELEGRAM_UNKNOWN_COMMAND", "Sorry, I don't know that command."),
			FailureNotice:  getenv("TELEGRAM_FAILURE_NOTICE", "Sorry, we could not deliver your message. Please send it again."),
		},
		Ingest: IngestConfig{
			DebounceEnabled: getbool("DEBOUNCE_ENABLED", true),
			DebounceWindow:  getdur("DEBOUNCE_WINDOW", 3*time.Second),
			SeenTTL:         getdur("SEEN_TTL", 24*time.Hour),
			SeenSize:        getint("SEEN_SIZE", 10000),
			ThreadLookback:  getint("THREAD_LOOKBACK", 10),
			ThreadNodeID:    getint("THREAD_NODE_ID", 0),
			FlushTimeout:    getdur("FLUSH_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(getenv("STORAGE_BACKEND", "local")),
			GCSBucket:     getenv("GCS_BUCKET", ""),
			GCSCredsJSON:  getenv("GCS_CREDENTIALS_JSON", ""),
			PublicBaseURL: strings.TrimRight(getenv("STORAGE_PUBLIC_BASE_URL", ""), "/"),
			MediaDir:      getenv("MEDIA_DIR", "media"),
			MediaBaseURL:  strings.TrimRight(getenv("MEDIA_BASE_URL", "http://localhost:8080"), "/"),
			RelayTimeout:  getdur("RELAY_TIMEOUT", 60*time.Second),
			RelayMaxBytes: int64(getint("RELAY_MAX_BYTES", 20<<20)),
		},
		Redis: RedisConfig{
			Addr:           getenv("REDIS_ADDR", ""),
			Password:       getenv("REDIS_PASSWORD", ""),
			DB:             getint("REDIS_DB", 0),
			ResolveLockTTL: getdur("RESOLVE_LOCK_TTL", 30*time.Second),
		},
		Realtime: RealtimeConfig{
			SendBuffer:   getint("WS_SEND_BUFFER", 64),
			PingInterval: getdur("WS_PING_INTERVAL", 30*time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "crm-sync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required for postgres and mysql")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.Ingest.DebounceWindow <= 0 {
		return cfg, errors.New("DEBOUNCE_WINDOW must be > 0")
	}
	if cfg.Ingest.SeenTTL <= 0 || cfg.Ingest.SeenSize < 1 {
		return cfg, errors.New("SEEN_TTL must be > 0 and SEEN_SIZE >= 1")
	}
	if cfg.Ingest.ThreadLookback < 1 {
		return cfg, errors.New("THREAD_LOOKBACK must be >= 1")
	}
	if cfg.Ingest.ThreadNodeID < 0 || cfg.Ingest.ThreadNodeID > 1023 {
		return cfg, errors.New("THREAD_NODE_ID must be between 0 and 1023")
	}
	if cfg.Ingest.FlushTimeout <= 0 {
		return cfg, errors.New("FLUSH_TIMEOUT must be > 0")
	}
	switch cfg.Storage.Backend {
	case "local":
		if strings.TrimSpace(cfg.Storage.MediaDir) == "" {
			return cfg, errors.New("MEDIA_DIR must not be empty")
		}
	case "gcs":
		if strings.TrimSpace(cfg.Storage.GCSBucket) == "" {
			return cfg, errors.New("GCS_BUCKET is required for the gcs storage backend")
		}
	default:
		return cfg, errors.New("STORAGE_BACKEND must be one of: local, gcs")
	}
	if cfg.Storage.RelayTimeout <= 0 || cfg.Storage.RelayMaxBytes <= 0 {
		return cfg, errors.New("RELAY_TIMEOUT and RELAY_MAX_BYTES must be > 0")
	}
	if cfg.Realtime.SendBuffer < 1 || cfg.Realtime.PingInterval <= 0 {
		return cfg, errors.New("WS_SEND_BUFFER must be >= 1 and WS_PING_INTERVAL > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
