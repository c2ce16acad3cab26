package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/notify"
	"github.com/mrmushfiq/llm0-keypool/internal/proxy/gemini"
	"github.com/mrmushfiq/llm0-keypool/internal/proxy/handlers"
	"github.com/mrmushfiq/llm0-keypool/internal/report"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.NewDefault("info", "production")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.NewDefault(cfg.LogLevel, cfg.Env)
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting keypool proxy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read-write pool for the allocator path.
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// The schema contract is checked once, here. A mismatch is a
	// configuration problem and stops startup.
	schema, err := database.CheckSchema(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("credential schema mismatch")
	}
	log.Info().Str("secret_column", schema.SecretColumn).Msg("connected to PostgreSQL")

	// Separate read-only pool for reporting, with a statement timeout.
	roDB, err := database.NewReadOnly(cfg.ReadOnlyDatabaseURL, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect read-only pool")
	}
	defer roDB.Close()

	// Redis backs client rate limiting only; the proxy runs without it.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; client rate limiting disabled")
		} else {
			defer redisClient.Close()
			log.Info().Msg("connected to Redis")
		}
	}

	store := keypool.NewPostgresStore(db, schema, cfg.DailyRequestCeiling)
	pool := keypool.New(store, keypool.Options{
		ReserveWindow:    cfg.ReserveWindow,
		ThrottleInterval: cfg.ThrottleInterval,
	}, log)

	upstream := gemini.NewClient(cfg.GeminiEndpoint)
	notifier := notify.New(cfg.SlackWebhookURL, log)

	chatHandler := handlers.NewChatHandler(pool, upstream, notifier, cfg.GeminiModel, log)
	middleware := handlers.NewMiddleware(redisClient, cfg.ProxyAuthToken, cfg.RateLimitPerMinute, log)
	reportHandler := report.NewHandler(roDB, schema, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/report", reportHandler.Routes())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RateLimitMiddleware)

		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Streaming responses can be long-lived; the write timeout must
		// outlast a full generation.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
