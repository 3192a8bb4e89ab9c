package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/dunamismax/jobloop/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPayloadExtension = ".json"

// Execute claims a freshly polled job and runs it to a terminal status.
// Every failure is captured in the returned Outcome.
func (l *Loop) Execute(ctx context.Context, job domain.Job) (outcome Outcome) {
	startedAt := time.Now()
	outcome = Outcome{JobID: job.ID, Status: job.Status}

	ctx, span := l.tracer.Start(ctx, "worker.execute", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.task_type", job.TaskType),
		attribute.String("job.source_ref", job.SourceRef),
	)
	defer span.End()
	defer func() {
		outcome.Duration = time.Since(startedAt)
		label := string(outcome.Status)
		if !outcome.Claimed {
			label = "unclaimed"
		}
		l.metrics.jobDuration.WithLabelValues(l.cfg.TaskType, label).Observe(outcome.Duration.Seconds())
		l.metrics.jobsTotal.WithLabelValues(l.cfg.TaskType, label).Inc()
		if outcome.Err != nil {
			l.metrics.failuresTotal.WithLabelValues(Stage(outcome.Err)).Inc()
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, Stage(outcome.Err))
		} else {
			span.SetStatus(codes.Ok, "done")
		}
	}()

	// The claim is written before any other work so a crash leaves the job
	// visibly in processing.
	if err := l.transition(ctx, &job, domain.StatusProcessing); err != nil {
		outcome.Status = ""
		outcome.Err = err
		return outcome
	}
	outcome.Claimed = true
	outcome.Status = job.Status

	l.metrics.activeJobs.Inc()
	resultRef, runErr := l.process(ctx, job)
	l.metrics.activeJobs.Dec()

	final := domain.StatusDone
	if runErr != nil {
		final = domain.StatusFailed
		resultRef = ""
	}
	outcome.ResultRef = resultRef
	outcome.Err = runErr

	if err := l.transition(ctx, &job, final); err != nil {
		outcome.Err = errors.Join(runErr, err)
		return outcome
	}
	outcome.Status = job.Status

	l.notify(ctx, job, outcome)
	return outcome
}

// transition writes the next lifecycle status. Edges outside the state
// machine are refused without touching the store, which also keeps terminal
// jobs from being written again.
func (l *Loop) transition(ctx context.Context, job *domain.Job, to domain.Status) (err error) {
	next, err := job.Status.Transition(to)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.metrics.storeErrorsTotal.WithLabelValues("set_status").Inc()
			err = stageError(ErrStore, "set status %s on job %s panicked: %v", next, job.ID, r)
		}
	}()
	if err := l.store.SetStatus(ctx, job.ID, next); err != nil {
		l.metrics.storeErrorsTotal.WithLabelValues("set_status").Inc()
		return stageError(ErrStore, "set status %s on job %s: %w", next, job.ID, err)
	}
	job.Status = next
	return nil
}

// process runs the job from resolution to persistence. A panic in any step
// is recovered and reported under the class of the step that raised it.
func (l *Loop) process(ctx context.Context, job domain.Job) (resultRef string, err error) {
	stage := ErrResolution
	defer func() {
		if r := recover(); r != nil {
			resultRef = ""
			err = stageError(stage, "job %s panicked: %v", job.ID, r)
		}
	}()

	location, err := l.resolve(ctx, job)
	if err != nil {
		return "", err
	}

	stage = ErrIO
	input, err := l.readInput(ctx, location)
	if err != nil {
		return "", err
	}

	stage = ErrCallback
	result, err := l.invoke(ctx, job, input)
	if err != nil {
		return "", err
	}

	stage = ErrPersistence
	return l.persist(ctx, job, result)
}

func (l *Loop) resolve(ctx context.Context, job domain.Job) (string, error) {
	location, ok, err := l.store.ResolveLocation(ctx, job.SourceRef)
	if err != nil {
		return "", stageError(ErrResolution, "resolve source %s: %w", job.SourceRef, err)
	}
	if !ok || strings.TrimSpace(location) == "" {
		return "", stageError(ErrResolution, "no physical location for source %s", job.SourceRef)
	}

	l.logger.Info("source resolved",
		slog.String("job_id", job.ID),
		slog.String("source_ref", job.SourceRef),
		slog.String("location", location),
	)
	return location, nil
}

func (l *Loop) readInput(ctx context.Context, location string) (any, error) {
	data, err := l.blobs.Read(ctx, location)
	if err != nil {
		return nil, stageError(ErrIO, "read %s: %w", location, err)
	}

	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, stageError(ErrParse, "decode %s: %w", location, err)
	}
	return input, nil
}

func (l *Loop) invoke(ctx context.Context, job domain.Job, input any) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = stageError(ErrCallback, "processor panicked on job %s: %v", job.ID, r)
		}
	}()

	result, err = l.processor.Process(ctx, input)
	if err != nil {
		return nil, stageError(ErrCallback, "process job %s: %w", job.ID, err)
	}
	if result == nil {
		result = NoResult{}
	}
	return result, nil
}

func (l *Loop) persist(ctx context.Context, job domain.Job, result Result) (string, error) {
	var artifactPath string
	switch r := result.(type) {
	case NoResult:
		return "", nil
	case FileResult:
		if strings.TrimSpace(r.Path) == "" {
			return "", stageError(ErrCallback, "job %s returned an empty result path", job.ID)
		}
		artifactPath = r.Path
	case PayloadResult:
		name := l.newID() + payloadExtension(r.Extension)
		p, err := l.blobs.Materialize(ctx, r.Data, name)
		if err != nil {
			return "", stageError(ErrPersistence, "materialize result of job %s: %w", job.ID, err)
		}
		artifactPath = p
	default:
		return "", stageError(ErrCallback, "job %s returned unsupported result type %T", job.ID, result)
	}

	artifactID, err := l.blobs.Upload(ctx, artifactPath)
	if err != nil {
		return "", stageError(ErrPersistence, "upload result of job %s: %w", job.ID, err)
	}
	if err := l.store.AttachResult(ctx, job.ID, artifactID); err != nil {
		l.metrics.storeErrorsTotal.WithLabelValues("attach_result").Inc()
		return "", stageError(ErrPersistence, "attach result %s to job %s: %w", artifactID, job.ID, err)
	}

	l.metrics.artifactsTotal.Inc()
	return artifactID, nil
}

func payloadExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return defaultPayloadExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func (l *Loop) notify(ctx context.Context, job domain.Job, outcome Outcome) {
	if l.webhook == nil || l.webhookURL == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("webhook sender panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
			)
		}
	}()

	event := webhook.EventJobDone
	body := map[string]any{
		"job_id":     job.ID,
		"task_type":  job.TaskType,
		"source_ref": job.SourceRef,
		"status":     outcome.Status,
		"at":         time.Now().UTC(),
	}
	if outcome.Status == domain.StatusFailed {
		event = webhook.EventJobFailed
		if outcome.Err != nil {
			body["stage"] = Stage(outcome.Err)
			body["error"] = outcome.Err.Error()
		}
	} else if outcome.ResultRef != "" {
		body["result_ref"] = outcome.ResultRef
	}

	if err := l.webhook.Send(ctx, l.webhookURL, event, body); err != nil {
		l.logger.Warn("webhook delivery failed",
			slog.String("job_id", job.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
