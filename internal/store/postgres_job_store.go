package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresJobStore struct {
	db    *sql.DB
	graph string
}

func NewPostgresJobStore(ctx context.Context, dsn, graph string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db, graph: graph}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Migrate applies the embedded goose migrations.
func (s *PostgresJobStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	if job.Status == "" {
		job.Status = domain.StatusQueued
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, graph, task_type, source_ref, status, result_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		job.ID,
		s.graph,
		job.TaskType,
		job.SourceRef,
		string(job.Status),
		job.ResultRef,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert job %s: %w", job.ID, ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

const jobColumns = `id, graph, task_type, source_ref, status, COALESCE(result_ref, ''), created_at, updated_at`

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE graph = $1 AND id = $2`,
		s.graph,
		id,
	)
	return scanJob(row)
}

func (s *PostgresJobStore) FindQueued(ctx context.Context, taskType string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE graph = $1 AND task_type = $2 AND status = $3
		 ORDER BY created_at, id
		 LIMIT 1`,
		s.graph,
		taskType,
		string(domain.StatusQueued),
	)
	return scanJob(row)
}

func scanJob(row *sql.Row) (domain.Job, bool, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.Graph,
		&job.TaskType,
		&job.SourceRef,
		&status,
		&job.ResultRef,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("scan job %s: %w", job.ID, err)
	}
	job.Status = parsed
	return job, true, nil
}

func (s *PostgresJobStore) SetStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %q: unknown status", status)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, updated_at = $2
		 WHERE graph = $3 AND id = $4`,
		string(status),
		time.Now().UTC(),
		s.graph,
		id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRow(res, ErrJobNotFound)
}

func (s *PostgresJobStore) AttachResult(ctx context.Context, id, artifactRef string) error {
	if strings.TrimSpace(artifactRef) == "" {
		return fmt.Errorf("artifact reference is required")
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET result_ref = $1, updated_at = $2
		 WHERE graph = $3 AND id = $4 AND result_ref IS NULL`,
		artifactRef,
		time.Now().UTC(),
		s.graph,
		id,
	)
	if err != nil {
		return fmt.Errorf("attach job result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach job result: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	return ErrResultAlreadyAttached
}

func (s *PostgresJobStore) RegisterFile(ctx context.Context, file domain.File) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO files (id, graph, name, location, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		file.ID,
		s.graph,
		file.Name,
		file.Location,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) ResolveLocation(ctx context.Context, fileID string) (string, bool, error) {
	var location sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT location FROM files WHERE graph = $1 AND id = $2`,
		s.graph,
		fileID,
	).Scan(&location)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query file location: %w", err)
	}
	if !location.Valid || strings.TrimSpace(location.String) == "" {
		return "", false, fmt.Errorf("%w: file %s has no location", ErrMalformedFileRecord, fileID)
	}
	return location.String, true, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
