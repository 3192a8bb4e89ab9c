package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "jobloop:"

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisJobStore keeps each job in a hash and indexes queued jobs per task type
// in a sorted set scored by creation time.
type RedisJobStore struct {
	client redis.UniversalClient
	graph  string
}

func NewRedisJobStore(ctx context.Context, opts RedisOptions, graph string) (*RedisJobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisJobStoreFromClient(client, graph), nil
}

func NewRedisJobStoreFromClient(client redis.UniversalClient, graph string) *RedisJobStore {
	return &RedisJobStore{client: client, graph: graph}
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// jobKey returns jobloop:{graph}:job:{id}
func (s *RedisJobStore) jobKey(id string) string {
	return redisKeyPrefix + s.graph + ":job:" + id
}

// queuedKey returns jobloop:{graph}:queued:{task_type}
func (s *RedisJobStore) queuedKey(taskType string) string {
	return redisKeyPrefix + s.graph + ":queued:" + taskType
}

// fileKey returns jobloop:{graph}:file:{id}
func (s *RedisJobStore) fileKey(id string) string {
	return redisKeyPrefix + s.graph + ":file:" + id
}

func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
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

	key := s.jobKey(job.ID)
	// The id field doubles as the existence marker.
	created, err := s.client.HSetNX(ctx, key, "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if !created {
		return fmt.Errorf("insert job %s: %w", job.ID, ErrJobExists)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"task_type":  job.TaskType,
		"source_ref": job.SourceRef,
		"status":     string(job.Status),
		"result_ref": job.ResultRef,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	if job.Status == domain.StatusQueued {
		pipe.ZAdd(ctx, s.queuedKey(job.TaskType), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, false, nil
	}
	job, err := s.jobFromHash(fields)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

const queuedScanBatch = 16

// FindQueued walks the task type's queued index oldest first without removing
// the job it returns; claiming happens through SetStatus. Entries whose hash
// is gone or no longer queued are dropped along the way.
func (s *RedisJobStore) FindQueued(ctx context.Context, taskType string) (domain.Job, bool, error) {
	index := s.queuedKey(taskType)
	for {
		ids, err := s.client.ZRange(ctx, index, 0, queuedScanBatch-1).Result()
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("query queued jobs: %w", err)
		}
		if len(ids) == 0 {
			return domain.Job{}, false, nil
		}

		var stale []any
		for _, jobID := range ids {
			job, ok, err := s.Get(ctx, jobID)
			if err != nil {
				return domain.Job{}, false, err
			}
			if ok && job.Status == domain.StatusQueued && job.TaskType == taskType {
				if err := s.dropStale(ctx, index, stale); err != nil {
					return domain.Job{}, false, err
				}
				return job, true, nil
			}
			stale = append(stale, jobID)
		}
		if err := s.dropStale(ctx, index, stale); err != nil {
			return domain.Job{}, false, err
		}
	}
}

func (s *RedisJobStore) dropStale(ctx context.Context, index string, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.ZRem(ctx, index, ids...).Err(); err != nil {
		return fmt.Errorf("drop stale queued entries: %w", err)
	}
	return nil
}

func (s *RedisJobStore) SetStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %q: unknown status", status)
	}

	key := s.jobKey(id)
	values, err := s.client.HMGet(ctx, key, "task_type", "created_at").Result()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	taskType, ok := values[0].(string)
	if !ok {
		return ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	if status == domain.StatusQueued {
		createdAt, _ := values[1].(string)
		score := float64(time.Now().UnixNano())
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			score = float64(t.UnixNano())
		}
		pipe.ZAdd(ctx, s.queuedKey(taskType), redis.Z{Score: score, Member: id})
	} else {
		pipe.ZRem(ctx, s.queuedKey(taskType), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (s *RedisJobStore) AttachResult(ctx context.Context, id, artifactRef string) error {
	if strings.TrimSpace(artifactRef) == "" {
		return fmt.Errorf("artifact reference is required")
	}

	key := s.jobKey(id)
	current, err := s.client.HGet(ctx, key, "result_ref").Result()
	if errors.Is(err, redis.Nil) {
		exists, existsErr := s.client.Exists(ctx, key).Result()
		if existsErr != nil {
			return fmt.Errorf("attach job result: %w", existsErr)
		}
		if exists == 0 {
			return ErrJobNotFound
		}
	} else if err != nil {
		return fmt.Errorf("attach job result: %w", err)
	}
	if current != "" {
		return ErrResultAlreadyAttached
	}

	if err := s.client.HSet(ctx, key,
		"result_ref", artifactRef,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("attach job result: %w", err)
	}
	return nil
}

func (s *RedisJobStore) RegisterFile(ctx context.Context, file domain.File) error {
	if strings.TrimSpace(file.ID) == "" {
		return fmt.Errorf("file id is required")
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	if err := s.client.HSet(ctx, s.fileKey(file.ID), map[string]any{
		"id":         file.ID,
		"name":       file.Name,
		"location":   file.Location,
		"created_at": file.CreatedAt.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *RedisJobStore) ResolveLocation(ctx context.Context, fileID string) (string, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.fileKey(fileID)).Result()
	if err != nil {
		return "", false, fmt.Errorf("query file location: %w", err)
	}
	if len(fields) == 0 {
		return "", false, nil
	}
	location := strings.TrimSpace(fields["location"])
	if location == "" {
		return "", false, fmt.Errorf("%w: file %s has no location", ErrMalformedFileRecord, fileID)
	}
	return location, true, nil
}

func (s *RedisJobStore) jobFromHash(fields map[string]string) (domain.Job, error) {
	status, err := domain.ParseStatus(fields["status"])
	if err != nil {
		return domain.Job{}, fmt.Errorf("scan job %s: %w", fields["id"], err)
	}

	job := domain.Job{
		ID:        fields["id"],
		Graph:     s.graph,
		TaskType:  fields["task_type"],
		SourceRef: fields["source_ref"],
		Status:    status,
		ResultRef: fields["result_ref"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
}
