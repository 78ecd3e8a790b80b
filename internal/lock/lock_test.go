package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

func newTestManager(t *testing.T, ttl, waitTimeout time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, ttl, waitTimeout, zap.NewNop()), mr
}

func TestAcquire_NonBlockingIsMutuallyExclusive(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	token, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result)
	assert.NotEmpty(t, token)

	_, result2, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, BusyNonBlocking, result2)
}

func TestAcquire_DifferentEntitiesDoNotContend(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	_, result1, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result1)

	_, result2, err := m.Acquire(ctx, "tenant-a", "doc-2", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result2)
}

func TestAcquire_DifferentTenantsDoNotContend(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	_, result1, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result1)

	_, result2, err := m.Acquire(ctx, "tenant-b", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result2)
}

// TestAcquire_ConcurrentOnlyOneWinner drives many goroutines at the same
// (tenant, entity) pair and asserts SETNX lets exactly one through.
func TestAcquire_ConcurrentOnlyOneWinner(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	const n = 20
	var winners int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, result, err := m.Acquire(ctx, "tenant-a", "contended", false)
			assert.NoError(t, err)
			if result == Acquired {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners)
}

func TestRelease_OnlyOwnerCanRelease(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	token, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	require.Equal(t, Acquired, result)

	released, err := m.Release(ctx, "tenant-a", "doc-1", Token("someone-elses-token"))
	require.NoError(t, err)
	assert.False(t, released)

	// The lock is still held: a second acquire must fail.
	_, result2, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, BusyNonBlocking, result2)

	released, err = m.Release(ctx, "tenant-a", "doc-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Now that the true owner released it, a fresh acquire must succeed.
	_, result3, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result3)
}

func TestRelease_IsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	token, _, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)

	released, err := m.Release(ctx, "tenant-a", "doc-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = m.Release(ctx, "tenant-a", "doc-1", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestExtend_OnlyOwnerCanExtend(t *testing.T) {
	m, mr := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	token, _, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)

	extended, err := m.Extend(ctx, "tenant-a", "doc-1", Token("wrong-token"))
	require.NoError(t, err)
	assert.False(t, extended)

	extended, err = m.Extend(ctx, "tenant-a", "doc-1", token)
	require.NoError(t, err)
	assert.True(t, extended)

	ttl := mr.TTL(key("tenant-a", "doc-1"))
	assert.InDelta(t, time.Minute, ttl, float64(5*time.Second))
}

func TestAcquire_BlockingWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t, 2*time.Second, time.Second)
	ctx := context.Background()

	token, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	require.Equal(t, Acquired, result)

	released := make(chan struct{})
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, err := m.Release(context.Background(), "tenant-a", "doc-1", token)
		assert.NoError(t, err)
		close(released)
	}()

	start := time.Now()
	_, result2, err := m.Acquire(ctx, "tenant-a", "doc-1", true)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result2)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	<-released
}

func TestAcquire_BlockingTimesOut(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 200*time.Millisecond)
	ctx := context.Background()

	_, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	require.Equal(t, Acquired, result)

	_, _, err = m.Acquire(ctx, "tenant-a", "doc-1", true)
	require.Error(t, err)
	assert.True(t, sibylerr.Is(err, sibylerr.KindLockTimeout))
}

func TestWithLock_ReleasesOnSuccess(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	var ran bool
	err := m.WithLock(ctx, "tenant-a", "doc-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The lock must be released, not leaked.
	_, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	boom := assert.AnError
	err := m.WithLock(ctx, "tenant-a", "doc-1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, result, err := m.Acquire(ctx, "tenant-a", "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, Acquired, result)
}

func TestWithLock_SerializesConcurrentCallers(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	const n = 8
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "tenant-a", "critical-section", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}
