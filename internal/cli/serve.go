package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/debounce"
	httpapi "github.com/tbourn/crm-sync/internal/http"
	"github.com/tbourn/crm-sync/internal/ingest"
	"github.com/tbourn/crm-sync/internal/lock"
	"github.com/tbourn/crm-sync/internal/observability"
	"github.com/tbourn/crm-sync/internal/realtime"
	"github.com/tbourn/crm-sync/internal/relay"
	"github.com/tbourn/crm-sync/internal/repo"
	"github.com/tbourn/crm-sync/internal/services"
	"github.com/tbourn/crm-sync/internal/sysutil"
	"github.com/tbourn/crm-sync/internal/telegram"
	"github.com/tbourn/crm-sync/internal/threadkey"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, operator API and realtime server",
	Long: `Run the HTTP server. Without TELEGRAM_BOT_TOKEN the webhook is disabled and
operator messages are stored without being delivered.

Set REDIS_ADDR when running more than one replica: thread resolution then
takes a distributed lock and update ids are deduplicated across replicas.
Debounce windows stay per process, so route a chat's webhooks to one replica.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Build{
		Version:  version,
		Instance: sysutil.InstanceID(cfg.Ingest.ThreadNodeID),
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer closeDB(db)
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	keys, err := threadkey.New(cfg.Ingest.ThreadNodeID)
	if err != nil {
		return err
	}

	var (
		locker lock.Locker    = lock.NewLocal()
		seen   ingest.SeenSet = ingest.NewLRUSeen(cfg.Ingest.SeenSize, cfg.Ingest.SeenTTL)
	)
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.Redis.ResolveLockTTL)
		seen = ingest.NewRedisSeen(rdb, cfg.Ingest.SeenTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis coordination enabled")
	}

	hub := realtime.NewHub()
	persister := services.NewPersister(db, hub)
	rt := httpapi.Runtime{Persister: persister, Hub: hub}

	if cfg.Telegram.BotToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set; webhook disabled and outbound messages are stored only")
	} else {
		tg, err := telegram.New(cfg.Telegram.BotToken)
		if err != nil {
			return err
		}
		storage, closeStorage, err := relay.NewStorage(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer closeStorage()

		in := ingest.New(
			services.NewResolver(db, locker, keys, cfg.Ingest.ThreadLookback),
			relay.New(tg, storage, cfg.Storage.RelayTimeout, cfg.Storage.RelayMaxBytes),
			persister, tg, seen,
		)
		in.Greeting = cfg.Telegram.Greeting
		in.UnknownCommand = cfg.Telegram.UnknownCommand
		in.FailureNotice = cfg.Telegram.FailureNotice
		if cfg.Ingest.DebounceEnabled {
			buf := debounce.New(nil, cfg.Ingest.DebounceWindow, in.FlushBatch)
			buf.FlushTimeout = cfg.Ingest.FlushTimeout
			in.AttachBuffer(buf)
			defer buf.Close()
		}
		if cfg.Telegram.WebhookSecret == "" {
			log.Warn().Msg("TELEGRAM_WEBHOOK_SECRET not set; webhook requests are not authenticated")
		}
		rt.Ingestor = in
		rt.Sender = tg
		log.Info().Str("bot", tg.Username()).Msg("telegram connected")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg, rt)

	go purgeIdempotency(ctx, db, time.Hour)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		// Websocket sessions end with the server context.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeIdempotency deletes expired idempotency records every interval.
func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC()); err != nil {
				log.Warn().Err(err).Msg("purge idempotency records")
			} else if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged idempotency records")
			}
		}
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

