package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/jobloop/internal/api"
	"github.com/dunamismax/jobloop/internal/config"
	"github.com/dunamismax/jobloop/internal/logging"
	"github.com/dunamismax/jobloop/internal/ratelimit"
	"github.com/dunamismax/jobloop/internal/store"
	"github.com/dunamismax/jobloop/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Worker.Graph == "" {
		log.Fatal("graph is required (JOBLOOP_GRAPH)")
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "jobloop-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Error("tracing setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.Open(ctx, cfg.Store.Options(), cfg.Worker.Graph)
	if err != nil {
		logger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	opts := []api.Option{api.WithTracer(otel.Tracer("jobloop/api"))}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		defer redisClient.Close()

		policy := cfg.RateLimitPolicy()
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, policy, "")
		if err != nil {
			logger.Error("rate limiter setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("job creation budget",
			slog.Int("capacity", policy.Capacity),
			slog.Duration("window", policy.Window),
		)
		opts = append(opts, api.WithRateLimiter(limiter, cfg.Worker.Graph, ""))
	}

	app := api.NewServer(logger, st, opts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", slog.String("addr", cfg.API.Addr), slog.String("graph", cfg.Worker.Graph))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
}
