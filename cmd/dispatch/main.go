package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dkim-labs/messaging-dispatch/internal/api"
	"github.com/dkim-labs/messaging-dispatch/internal/attachment"
	"github.com/dkim-labs/messaging-dispatch/internal/cache"
	"github.com/dkim-labs/messaging-dispatch/internal/client"
	"github.com/dkim-labs/messaging-dispatch/internal/config"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
	"github.com/dkim-labs/messaging-dispatch/internal/scheduler"
	"github.com/dkim-labs/messaging-dispatch/internal/service"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	defer db.Close()

	messages := repo.NewPostgresMessageRepo(db)
	handles := repo.NewPostgresAttachmentRepo(db)
	deliveryLog := repo.NewPostgresDeliveryLogRepo(db)

	var handleCache cache.HandleCache = cache.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		handleCache = cache.NewRedisHandleCache(rdb, cfg.Redis.TTL)
	}

	gateway := client.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	resolver := attachment.NewResolver(handles, handleCache, gateway, log.With().Str("component", "resolver").Logger()).
		RegisterFetcher("http", client.NewStorageFetcher(cfg.Attachment.FetchTimeout, cfg.Attachment.MaxBytes))
	if cfg.Attachment.S3Enabled {
		s3Fetcher, err := client.NewS3Fetcher(client.S3Options{
			Endpoint:  cfg.Attachment.S3Endpoint,
			Region:    cfg.Attachment.S3Region,
			AccessKey: cfg.Attachment.S3AccessKey,
			SecretKey: cfg.Attachment.S3SecretKey,
			MaxBytes:  cfg.Attachment.MaxBytes,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("s3 fetcher init failed")
		}
		resolver.RegisterFetcher("s3", s3Fetcher)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Gateway.RatePerSec), cfg.Gateway.RatePerSec)

	reconciler := service.NewReconciler(messages, deliveryLog, gateway,
		log.With().Str("component", "reconciler").Logger())

	dispatcher := service.NewDispatcher(messages, resolver, gateway,
		cfg.Gateway.SenderID, cfg.Gateway.BatchLimit, limiter,
		log.With().Str("component", "dispatcher").Logger()).
		WithDispatchedHook(func(ctx context.Context, messageID int64) {
			// Reconciliation follows every dispatch; failures here are
			// picked up by the sweep.
			if err := reconciler.Reconcile(ctx, messageID); err != nil {
				log.Warn().Err(err).Int64("message_id", messageID).Msg("post-dispatch reconciliation deferred")
			}
		})

	auditor := service.NewAuditor(messages, deliveryLog,
		log.With().Str("component", "auditor").Logger())

	dispatchSweep, err := scheduler.New("dispatch", cfg.Scheduler.DispatchInterval, func(ctx context.Context) {
		dispatcher.SweepDue(ctx, cfg.Scheduler.SweepLimit)
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dispatch sweep init failed")
	}

	reconcileSweep, err := scheduler.New("reconcile", cfg.Scheduler.ReconcileInterval, func(ctx context.Context) {
		reconciler.Sweep(ctx, cfg.Scheduler.SweepLimit)
		if n, err := handles.DeleteUnreferenced(ctx); err != nil {
			log.Warn().Err(err).Msg("attachment handle gc failed")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("unreferenced attachment handles removed")
		}
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("reconcile sweep init failed")
	}

	dispatchSweep.Start()
	reconcileSweep.Start()

	handler := api.NewHandler(dispatchSweep, reconcileSweep, messages, dispatcher, reconciler, auditor)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(log, api.Router(handler)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Server.Address).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	dispatchSweep.Stop()
	reconcileSweep.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown failed")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("request")
	})
}
