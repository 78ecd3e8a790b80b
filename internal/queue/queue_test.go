package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, onEvent func(name string, payload map[string]any)) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, zap.NewNop(), onEvent)
}

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "tenant-a", JobCrawlSource, map[string]any{"source_id": "src-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := q.Dequeue(ctx, JobCrawlSource, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "tenant-a", job.TenantID)
	assert.Equal(t, JobCrawlSource, job.Type)
	assert.Equal(t, defaultMaxAttempt, job.MaxAttempt)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "src-1", payload["source_id"])
}

func TestEnqueue_JobIDsAreUnique(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id, err := q.Enqueue(ctx, "tenant-a", JobSyncSource, map[string]any{"n": i})
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestDequeue_TimesOutWithNoJob(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	job, err := q.Dequeue(ctx, JobCrawlSource, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeue_JobTypesAreIsolated(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "tenant-a", JobCrawlSource, map[string]any{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, JobSyncSource, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "a job enqueued under one type must not be visible to a different type's dequeue")
}

func TestRunWorker_ProcessesJobAndEmitsCompleteEvent(t *testing.T) {
	var mu sync.Mutex
	var events []string

	q := newTestQueue(t, func(name string, payload map[string]any) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	})
	ctx := context.Background()

	processed := make(chan Job, 1)
	q.Register(JobCrawlSource, func(ctx context.Context, job Job, onProgress ProgressFunc) error {
		onProgress(map[string]int{"total": 1}, map[string]int{"done": 1})
		processed <- job
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.RunWorker(runCtx, JobCrawlSource, 50*time.Millisecond)

	_, err := q.Enqueue(ctx, "tenant-a", JobCrawlSource, map[string]any{"source_id": "src-1"})
	require.NoError(t, err)

	select {
	case job := <-processed:
		assert.Equal(t, "tenant-a", job.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "crawl_source_complete" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunWorker_NoHandlerRegisteredReturnsWithoutPanicking(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// No handler registered for JobLinkGraph: RunWorker must log and
	// return rather than loop or panic.
	done := make(chan struct{})
	go func() {
		q.RunWorker(ctx, JobLinkGraph, 20*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWorker did not return for an unregistered job type")
	}
}
