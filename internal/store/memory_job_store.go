package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
)

type MemoryJobStore struct {
	mu    sync.RWMutex
	graph string
	jobs  map[string]domain.Job
	files map[string]domain.File
	now   func() time.Time
}

func NewMemoryJobStore(graph string) *MemoryJobStore {
	return &MemoryJobStore{
		graph: graph,
		jobs:  make(map[string]domain.Job),
		files: make(map[string]domain.File),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Graph() string {
	return s.graph
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: %w", job.ID, ErrJobExists)
	}
	if job.Graph == "" {
		job.Graph = s.graph
	}
	if job.Status == "" {
		job.Status = domain.StatusQueued
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.Graph != s.graph {
		return domain.Job{}, false, nil
	}
	return job, true, nil
}

// FindQueued picks the oldest matching job, breaking ties by id.
func (s *MemoryJobStore) FindQueued(_ context.Context, taskType string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found domain.Job
		ok    bool
	)
	for _, job := range s.jobs {
		if job.Graph != s.graph || job.TaskType != taskType || job.Status != domain.StatusQueued {
			continue
		}
		if !ok || job.CreatedAt.Before(found.CreatedAt) ||
			(job.CreatedAt.Equal(found.CreatedAt) && job.ID < found.ID) {
			found = job
			ok = true
		}
	}
	return found, ok, nil
}

func (s *MemoryJobStore) SetStatus(_ context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %q: unknown status", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Graph != s.graph {
		return ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) AttachResult(_ context.Context, id, artifactRef string) error {
	if strings.TrimSpace(artifactRef) == "" {
		return fmt.Errorf("artifact reference is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Graph != s.graph {
		return ErrJobNotFound
	}
	if job.ResultRef != "" {
		return ErrResultAlreadyAttached
	}
	job.ResultRef = artifactRef
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) RegisterFile(_ context.Context, file domain.File) error {
	if strings.TrimSpace(file.ID) == "" {
		return fmt.Errorf("file id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if file.Graph == "" {
		file.Graph = s.graph
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = s.now()
	}
	s.files[file.ID] = file
	return nil
}

func (s *MemoryJobStore) ResolveLocation(_ context.Context, fileID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.files[fileID]
	if !ok || file.Graph != s.graph {
		return "", false, nil
	}
	if strings.TrimSpace(file.Location) == "" {
		return "", false, fmt.Errorf("%w: file %s has no location", ErrMalformedFileRecord, fileID)
	}
	return file.Location, true, nil
}
