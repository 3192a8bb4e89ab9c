package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/jobloop/internal/domain"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrJobExists             = errors.New("job already exists")
	ErrFileNotFound          = errors.New("file not found")
	ErrMalformedFileRecord   = errors.New("malformed file record")
	ErrResultAlreadyAttached = errors.New("job result already attached")
)

// JobStore reads and mutates job records within a single graph.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// FindQueued returns at most one queued job of the given task type.
	FindQueued(ctx context.Context, taskType string) (domain.Job, bool, error)
	// SetStatus replaces whatever status the job currently has.
	SetStatus(ctx context.Context, id string, status domain.Status) error
	// AttachResult sets the job's result reference; it never overwrites one.
	AttachResult(ctx context.Context, id, artifactRef string) error
}

// FileStore maps logical file identifiers to physical locations.
type FileStore interface {
	RegisterFile(ctx context.Context, file domain.File) error
	ResolveLocation(ctx context.Context, fileID string) (string, bool, error)
}

type Store interface {
	JobStore
	FileStore
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Driver        string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// ProcessLocal reports whether driver keeps jobs inside the current process,
// where no other process can enqueue or observe them.
func ProcessLocal(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return true
	default:
		return false
	}
}

// Open builds the store selected by cfg.Driver, scoped to graph.
func Open(ctx context.Context, cfg Config, graph string) (Store, error) {
	if strings.TrimSpace(graph) == "" {
		return nil, errors.New("graph is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryJobStore(graph), nil
	case DriverPostgres:
		return NewPostgresJobStore(ctx, cfg.PostgresDSN, graph)
	case DriverRedis:
		return NewRedisJobStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, graph)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
