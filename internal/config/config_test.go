package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "crm.db" {
		t.Fatalf("db defaults unexpected: %+v", cfg.DB)
	}
	if !cfg.Ingest.DebounceEnabled || cfg.Ingest.DebounceWindow != 3*time.Second {
		t.Fatalf("debounce defaults unexpected: %+v", cfg.Ingest)
	}
	if cfg.Ingest.ThreadLookback != 10 || cfg.Ingest.SeenSize != 10000 || cfg.Ingest.SeenTTL != 24*time.Hour {
		t.Fatalf("ingest defaults unexpected: %+v", cfg.Ingest)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.MediaDir != "media" || cfg.Storage.RelayMaxBytes != 20<<20 {
		t.Fatalf("storage defaults unexpected: %+v", cfg.Storage)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis should be disabled without REDIS_ADDR")
	}
	if cfg.Telegram.Greeting == "" || cfg.Telegram.UnknownCommand == "" || cfg.Telegram.FailureNotice == "" {
		t.Fatalf("telegram replies must have defaults: %+v", cfg.Telegram)
	}
	if cfg.APIBasePath != "/api/v1" || cfg.OTEL.ServiceName != "crm-sync" {
		t.Fatalf("unexpected defaults: base=%q svc=%q", cfg.APIBasePath, cfg.OTEL.ServiceName)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird")    // -> release
	t.Setenv("LOG_LEVEL", "warning") // -> warn
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v2/")

	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DB_DSN", "postgres://u:p@db/crm")

	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "s3cret")
	t.Setenv("TELEGRAM_GREETING", "Hi!")

	t.Setenv("DEBOUNCE_ENABLED", "off")
	t.Setenv("DEBOUNCE_WINDOW", "1500ms")
	t.Setenv("THREAD_NODE_ID", "12")

	t.Setenv("STORAGE_BACKEND", "GCS")
	t.Setenv("GCS_BUCKET", "crm-media")
	t.Setenv("STORAGE_PUBLIC_BASE_URL", "https://cdn.example.com/")

	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")

	t.Setenv("RATE_RPS", "x") // -> default
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("logging fields unexpected: %+v", cfg)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN != "postgres://u:p@db/crm" {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}
	if cfg.Telegram.BotToken != "123:abc" || cfg.Telegram.WebhookSecret != "s3cret" || cfg.Telegram.Greeting != "Hi!" {
		t.Fatalf("telegram unexpected: %+v", cfg.Telegram)
	}
	if cfg.Ingest.DebounceEnabled || cfg.Ingest.DebounceWindow != 1500*time.Millisecond || cfg.Ingest.ThreadNodeID != 12 {
		t.Fatalf("ingest unexpected: %+v", cfg.Ingest)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "crm-media" || cfg.Storage.PublicBaseURL != "https://cdn.example.com" {
		t.Fatalf("storage unexpected: %+v", cfg.Storage)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.DB != 2 {
		t.Fatalf("redis unexpected: %+v", cfg.Redis)
	}
	if cfg.RateRPS != 20.0 {
		t.Fatalf("RATE_RPS should fall back to default, got %v", cfg.RateRPS)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"unknown driver", map[string]string{"DB_DRIVER": "oracle"}, "DB_DRIVER"},
		{"postgres without dsn", map[string]string{"DB_DRIVER": "postgres"}, "DB_DSN"},
		{"debounce window", map[string]string{"DEBOUNCE_WINDOW": "0s"}, "DEBOUNCE_WINDOW"},
		{"seen size", map[string]string{"SEEN_SIZE": "0"}, "SEEN_SIZE"},
		{"lookback", map[string]string{"THREAD_LOOKBACK": "0"}, "THREAD_LOOKBACK"},
		{"node id", map[string]string{"THREAD_NODE_ID": "1024"}, "THREAD_NODE_ID"},
		{"flush timeout", map[string]string{"FLUSH_TIMEOUT": "-1s"}, "FLUSH_TIMEOUT"},
		{"unknown storage", map[string]string{"STORAGE_BACKEND": "s3"}, "STORAGE_BACKEND"},
		{"gcs without bucket", map[string]string{"STORAGE_BACKEND": "gcs"}, "GCS_BUCKET"},
		{"relay limits", map[string]string{"RELAY_MAX_BYTES": "-5"}, "RELAY_MAX_BYTES"},
		{"ws buffer", map[string]string{"WS_SEND_BUFFER": "0"}, "WS_SEND_BUFFER"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"otel ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}
	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for i, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"} {
		k := "B_T_" + string(rune('a'+i))
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for i, v := range []string{"0", "false", "FALSE", " no ", "N", "off", "Off"} {
		k := "B_F_" + string(rune('a'+i))
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: got %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "DB_DRIVER", "DB_DSN", "STORAGE_BACKEND", "REDIS_ADDR", "TELEGRAM_BOT_TOKEN"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
