// Package worker implements the job loop: it polls the store for one queued
// job of the watched task type, claims it, runs it through the processor,
// persists the result and records a terminal status, then sleeps for a fixed
// interval before polling again.
//
// The loop is strictly sequential. Claiming is a plain status write, so only
// one loop may watch a given task type and graph at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/dunamismax/jobloop/internal/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPollInterval = 20 * time.Second

// Store is the part of the metadata store the loop needs.
type Store interface {
	FindQueued(ctx context.Context, taskType string) (domain.Job, bool, error)
	SetStatus(ctx context.Context, id string, status domain.Status) error
	AttachResult(ctx context.Context, id, artifactRef string) error
	ResolveLocation(ctx context.Context, fileID string) (string, bool, error)
}

type BlobStore interface {
	Read(ctx context.Context, location string) ([]byte, error)
	Materialize(ctx context.Context, payload []byte, suggestedName string) (string, error)
	Upload(ctx context.Context, location string) (string, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Config struct {
	TaskType     string
	Graph        string
	PollInterval time.Duration
}

// Outcome describes what one execution did to a job.
type Outcome struct {
	JobID string
	// Claimed is false when the claim write failed; the job's stored status
	// is then unknown and nothing else was attempted.
	Claimed bool
	// Status is the last status the loop wrote successfully.
	Status    domain.Status
	ResultRef string
	Err       error
	Duration  time.Duration
}

func (o Outcome) Succeeded() bool {
	return o.Status == domain.StatusDone && o.Err == nil
}

type Loop struct {
	cfg        Config
	logger     *slog.Logger
	store      Store
	blobs      BlobStore
	processor  Processor
	webhook    webhookSender
	webhookURL string
	metrics    *metrics
	tracer     trace.Tracer
	newID      func() string
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithWebhook sends a signed notification to endpoint after every terminal
// status write.
func WithWebhook(sender webhookSender, endpoint string) Option {
	return func(l *Loop) {
		l.webhook = sender
		l.webhookURL = strings.TrimSpace(endpoint)
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(l *Loop) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithIDGenerator overrides how materialized artifact names are drawn.
func WithIDGenerator(fn func() string) Option {
	return func(l *Loop) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func New(cfg Config, store Store, blobs BlobStore, processor Processor, opts ...Option) (*Loop, error) {
	if strings.TrimSpace(cfg.TaskType) == "" {
		return nil, errors.New("task type is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	l := &Loop{
		cfg:       cfg,
		logger:    slog.Default(),
		store:     store,
		blobs:     blobs,
		processor: processor,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("jobloop/worker"),
		newID:     id.New,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("task_type", cfg.TaskType))
	return l, nil
}

func (l *Loop) MetricsHandler() http.Handler {
	return l.metrics.Handler()
}

// Run polls until ctx is cancelled. Job failures and store errors are logged
// and never end the loop; the fixed sleep follows every iteration.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("job loop started",
		slog.String("graph", l.cfg.Graph),
		slog.Duration("poll_interval", l.cfg.PollInterval),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := l.RunOnce(ctx)
		switch {
		case err != nil:
			l.logger.Error("poll failed", slog.String("error", err.Error()))
		case outcome != nil:
			l.LogOutcome(*outcome)
		}

		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			l.logger.Info("job loop stopped", slog.String("reason", err.Error()))
			return err
		}
	}
}

// RunOnce polls once and executes the job found, if any. It returns a nil
// outcome when nothing was queued and an error only when the poll itself
// failed.
func (l *Loop) RunOnce(ctx context.Context) (*Outcome, error) {
	job, ok, err := l.Poll(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	outcome := l.Execute(ctx, job)
	return &outcome, nil
}

// Poll returns at most one queued job of the watched task type.
func (l *Loop) Poll(ctx context.Context) (domain.Job, bool, error) {
	ctx, span := l.tracer.Start(ctx, "worker.poll", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("job.task_type", l.cfg.TaskType))
	defer span.End()

	job, ok, err := l.findQueued(ctx)
	if err != nil {
		l.metrics.pollsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return domain.Job{}, false, stageError(ErrStore, "find queued job: %w", err)
	}
	if !ok {
		l.metrics.pollsTotal.WithLabelValues("empty").Inc()
		return domain.Job{}, false, nil
	}
	if job.Status == "" {
		job.Status = domain.StatusQueued
	}

	l.metrics.pollsTotal.WithLabelValues("found").Inc()
	l.logger.Info("job seen",
		slog.String("job_id", job.ID),
		slog.String("source_ref", job.SourceRef),
	)
	return job, true, nil
}

func (l *Loop) findQueued(ctx context.Context) (job domain.Job, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			job, ok, err = domain.Job{}, false, fmt.Errorf("find queued job panicked: %v", r)
		}
	}()
	return l.store.FindQueued(ctx, l.cfg.TaskType)
}

// LogOutcome writes the structured record of one execution.
func (l *Loop) LogOutcome(o Outcome) {
	attrs := []any{
		slog.String("job_id", o.JobID),
		slog.String("status", o.Status.String()),
		slog.Duration("duration", o.Duration),
	}
	if o.ResultRef != "" {
		attrs = append(attrs, slog.String("result_ref", o.ResultRef))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("stage", Stage(o.Err)), slog.String("error", o.Err.Error()))
		l.logger.Error("job failed", attrs...)
		return
	}
	l.logger.Info("job done", attrs...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
