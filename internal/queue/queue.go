// Package queue is the Job Queue: a Redis-list job runner with retries,
// progress callbacks and event broadcast. A job leaves its Redis list
// when it is dequeued, and a failed job is pushed back from an
// in-process timer after its backoff; a job that is running or waiting
// out its backoff when the process exits is not delivered again, and
// there is no visibility timeout.
//
// Grounded on evalgo-org-eve's queue/redis/queue.go (RPush/BLPop over
// github.com/redis/go-redis/v9); `sync_all_sources`'s cron interface is
// grounded on github.com/robfig/cron/v3, seen in the other_examples
// manifest for marcus-qen-legator.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

// JobType enumerates job kinds.
type JobType string

const (
	JobCrawlSource JobType = "crawl_source"
	JobSyncSource JobType = "sync_source"
	JobSyncAll JobType = "sync_all"
	JobCreateEntity JobType = "create_entity"
	JobUpdateEntity JobType = "update_entity"
	JobCreateLearningEpisode JobType = "create_learning_episode"
	JobLinkGraph JobType = "link_graph"
)

// Job is one unit of durable work.
type Job struct {
	ID string `json:"id"`
	Type JobType `json:"type"`
	TenantID string `json:"tenant_id"`
	Payload json.RawMessage `json:"payload"`
	Attempt int `json:"attempt"`
	MaxAttempt int `json:"max_attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ProgressFunc is called at least every N processed units by
// long-running jobs such as crawl_source.
type ProgressFunc func(stats map[string]int, delta map[string]int)

// Handler processes one job, invoking progress along the way.
type Handler func(ctx context.Context, job Job, onProgress ProgressFunc) error

const (
	keyPrefix = "sibyl:queue:"
	processingSuffix = ":processing"
	defaultMaxAttempt = 5
)

// Queue is the process-wide job queue singleton.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	handlers map[JobType]Handler
	cron *cron.Cron
	onEvent func(name string, payload map[string]any)
}

// New builds a Queue against an existing redis client.
func New(client *redis.Client, logger *zap.Logger, onEvent func(name string, payload map[string]any)) *Queue {
	return &Queue{
		client: client,
		logger: logger,
		handlers: make(map[JobType]Handler),
		cron: cron.New(),
		onEvent: onEvent,
	}
}

// Register binds a Handler to a JobType.
func (q *Queue) Register(jobType JobType, h Handler) {
	q.handlers[jobType] = h
}

func queueKeyFor(jobType JobType) string {
	return fmt.Sprintf("%s%s", keyPrefix, jobType)
}

// Enqueue pushes a new job with a globally unique id.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, jobType JobType, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}
	job := Job{
		ID: uuid.NewString(),
		Type: jobType,
		TenantID: tenantID,
		Payload: raw,
		MaxAttempt: defaultMaxAttempt,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}
	if err := q.client.RPush(ctx, queueKeyFor(jobType), data).Err(); err != nil {
		return "", sibylerr.UpstreamUnavailable("redis", err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout waiting for the next job of jobType.
func (q *Queue) Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKeyFor(jobType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, sibylerr.UpstreamUnavailable("redis", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

// RunWorker loops Dequeue+Handle for jobType until ctx is cancelled.
// Cancellation is checked between jobs: a job already dequeued is still
// handed to its handler, and a failure goes through the same in-process
// retry timer as any other, so it is lost if the process then exits.
func (q *Queue) RunWorker(ctx context.Context, jobType JobType, pollTimeout time.Duration) {
	handler, ok := q.handlers[jobType]
	if !ok {
		q.logger.Warn("no handler registered for job type", zap.String("job_type", string(jobType)))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := q.Dequeue(ctx, jobType, pollTimeout)
		if err != nil {
			q.logger.Error("dequeue failed", zap.Error(err), zap.String("job_type", string(jobType)))
			continue
		}
		if job == nil {
			continue
		}
		q.process(ctx, *job, handler)
	}
}

func (q *Queue) process(ctx context.Context, job Job, handler Handler) {
	progress := func(stats map[string]int, delta map[string]int) {
		if q.onEvent != nil {
			q.onEvent(string(job.Type)+"_progress", map[string]any{
				"job_id": job.ID, "tenant_id": job.TenantID, "stats": stats, "delta": delta,
			})
		}
	}

	err := handler(ctx, job, progress)
	if err == nil {
		if q.onEvent != nil {
			q.onEvent(string(job.Type)+"_complete", map[string]any{
				"job_id": job.ID, "tenant_id": job.TenantID, "error": nil,
			})
		}
		return
	}

	job.Attempt++
	if job.Attempt < job.MaxAttempt {
		backoff := time.Duration(job.Attempt) * 2 * time.Second
		q.logger.Warn("job failed, retrying", zap.Error(err), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		time.AfterFunc(backoff, func() {
			data, _ := json.Marshal(job)
			q.client.RPush(context.Background(), queueKeyFor(job.Type), data)
		})
		return
	}

	q.logger.Error("job permanently failed", zap.Error(err), zap.String("job_id", job.ID))
	if q.onEvent != nil {
		q.onEvent(string(job.Type)+"_complete", map[string]any{
			"job_id": job.ID, "tenant_id": job.TenantID, "error": sibylerr.Truncate(err.Error(), 500),
		})
	}
}

// ScheduleSyncAll registers the cron interface for sync_all_sources on
// the caller-supplied cron spec; there is no default schedule.
func (q *Queue) ScheduleSyncAll(spec string, enqueue func(ctx context.Context)) error {
	_, err := q.cron.AddFunc(spec, func() { enqueue(context.Background()) })
	return err
}

// StartCron starts the cron scheduler goroutine.
func (q *Queue) StartCron() { q.cron.Start() }

// StopCron stops the cron scheduler, waiting for in-flight jobs.
func (q *Queue) StopCron() { <-q.cron.Stop().Done() }
