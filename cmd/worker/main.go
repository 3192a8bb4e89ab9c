package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/jobloop/internal/config"
	"github.com/dunamismax/jobloop/internal/logging"
	"github.com/dunamismax/jobloop/internal/pipeline"
	"github.com/dunamismax/jobloop/internal/storage"
	"github.com/dunamismax/jobloop/internal/store"
	"github.com/dunamismax/jobloop/internal/telemetry"
	"github.com/dunamismax/jobloop/internal/webhook"
	"github.com/dunamismax/jobloop/internal/worker"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "jobloop-worker",
		Usage: "poll the store for queued jobs of one task type and run them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to a .env file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "task-type",
				Usage: "task type URI to watch (overrides JOBLOOP_TASK_TYPE)",
			},
			&cli.StringFlag{
				Name:  "graph",
				Usage: "graph to scope store access to (overrides JOBLOOP_GRAPH)",
			},
			&cli.StringFlag{
				Name:  "processor",
				Usage: "built-in processor to run (overrides JOBLOOP_PROCESSOR)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "poll once, run the job found if any, and exit",
			},
		},
		Action: runWorker,
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return err
	}
	if v := cmd.String("task-type"); v != "" {
		cfg.Worker.TaskType = v
	}
	if v := cmd.String("graph"); v != "" {
		cfg.Worker.Graph = v
	}
	if v := cmd.String("processor"); v != "" {
		cfg.Worker.Processor = v
	}
	if err := cfg.Worker.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "jobloop-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if store.ProcessLocal(cfg.Store.Driver) {
		logger.Warn("store driver keeps jobs in this process only; no other process can enqueue work for this worker",
			slog.String("store", cfg.Store.Driver),
			slog.String("hint", "set JOBLOOP_STORE_DRIVER=postgres or redis"),
		)
	}

	st, err := store.Open(ctx, cfg.Store.Options(), cfg.Worker.Graph)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := newBlobStore(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	processor, err := pipeline.New(cfg.Worker.Processor, pipeline.Options{
		OutputDir: cfg.Worker.OutputDir,
		Reader:    blobs,
	})
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithTracer(otel.Tracer("jobloop/worker")),
	}
	if cfg.Webhook.URL != "" {
		client := webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
		opts = append(opts, worker.WithWebhook(client, cfg.Webhook.URL))
	}

	loop, err := worker.New(worker.Config{
		TaskType:     cfg.Worker.TaskType,
		Graph:        cfg.Worker.Graph,
		PollInterval: cfg.Worker.PollInterval,
	}, st, blobs, processor, opts...)
	if err != nil {
		return err
	}

	logger.Info("starting worker",
		slog.String("task_type", cfg.Worker.TaskType),
		slog.String("graph", cfg.Worker.Graph),
		slog.String("processor", cfg.Worker.Processor),
		slog.String("store", cfg.Store.Driver),
		slog.Bool("minio", cfg.Storage.Enabled),
	)

	if cmd.Bool("once") {
		outcome, err := loop.RunOnce(ctx)
		if err != nil {
			return err
		}
		if outcome == nil {
			logger.Info("no queued job")
			return nil
		}
		loop.LogOutcome(*outcome)
		return outcome.Err
	}

	metricsServer := serveMetrics(cfg.Worker.MetricsAddr, loop.MetricsHandler(), logger)
	defer func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newBlobStore uploads artifacts to MinIO when storage is enabled and copies
// them into the share directory otherwise.
func newBlobStore(ctx context.Context, cfg config.Config, registrar storage.Registrar, logger *slog.Logger) (*storage.BlobStore, error) {
	blobCfg := storage.BlobConfig{
		ShareDir:  cfg.Worker.ShareDir,
		OutputDir: cfg.Worker.OutputDir,
	}

	if !cfg.Storage.Enabled {
		return storage.NewBlobStore(blobCfg, storage.DirUploader{ShareDir: cfg.Worker.ShareDir}, registrar)
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("artifact uploads go to minio",
		slog.String("endpoint", cfg.Storage.Endpoint),
		slog.String("bucket", client.Bucket()),
	)
	return storage.NewBlobStore(blobCfg, client, registrar, storage.WithObjectClient(client))
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}
