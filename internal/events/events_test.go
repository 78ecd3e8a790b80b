package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, zap.NewNop())
}

func waitForEvent(t *testing.T, ch <-chan Event, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case evt := <-ch:
		return evt, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestPublishSubscribe_DeliversToSameTenant(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "tenant-a", "client-1", nil)
	defer sub.Close()

	// Subscribe is async under the hood (pubsub.Channel goroutine); give
	// it a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	b.Publish(ctx, "tenant-a", EntityCreated, map[string]any{"id": "doc-1"})

	evt, ok := waitForEvent(t, sub.C, time.Second)
	require.True(t, ok, "expected event delivery")
	assert.Equal(t, EntityCreated, evt.Name)
	assert.Equal(t, "tenant-a", evt.TenantID)
	assert.Equal(t, "doc-1", evt.Payload["id"])
}

func TestPublishSubscribe_TenantsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	subA := b.Subscribe(ctx, "tenant-a", "client-1", nil)
	defer subA.Close()
	subB := b.Subscribe(ctx, "tenant-b", "client-2", nil)
	defer subB.Close()

	time.Sleep(50 * time.Millisecond)

	b.Publish(ctx, "tenant-a", EntityCreated, map[string]any{"id": "doc-1"})

	_, ok := waitForEvent(t, subA.C, time.Second)
	assert.True(t, ok, "tenant-a must see its own event")

	_, ok = waitForEvent(t, subB.C, 200*time.Millisecond)
	assert.False(t, ok, "tenant-b must not see tenant-a's event")
}

func TestSubscribe_TopicFilterDropsUnwantedNames(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "tenant-a", "client-1", []Name{CrawlComplete})
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)

	b.Publish(ctx, "tenant-a", CrawlProgress, map[string]any{"pct": 50})
	b.Publish(ctx, "tenant-a", CrawlComplete, map[string]any{"pct": 100})

	evt, ok := waitForEvent(t, sub.C, time.Second)
	require.True(t, ok)
	assert.Equal(t, CrawlComplete, evt.Name, "filtered subscription must skip topics outside its set")
}

func TestPublish_NeverBlocksWithNoSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		b.Publish(ctx, "tenant-a", EntityUpdated, map[string]any{"id": "doc-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscriber present")
	}
}

func TestSubscribe_CloseStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, "tenant-a", "client-1", nil)
	time.Sleep(50 * time.Millisecond)
	sub.Close()
	time.Sleep(50 * time.Millisecond)

	b.Publish(ctx, "tenant-a", EntityCreated, map[string]any{"id": "doc-1"})

	_, ok := waitForEvent(t, sub.C, 200*time.Millisecond)
	assert.False(t, ok, "a closed subscription must not receive further events")
}
