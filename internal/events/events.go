// Package events is the Event Bus: a
// cross-process, tenant-scoped topic bus with best-effort delivery.
//
// Grounded on the same github.com/redis/go-redis/v9 client used for the
// lock manager and job queue (evalgo-org-eve's queue/redis/queue.go),
// using Redis Pub/Sub channels namespaced per tenant.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Name enumerates the canonical events on the bus.
type Name string

const (
	CrawlStarted Name = "crawl_started"
	CrawlProgress Name = "crawl_progress"
	CrawlComplete Name = "crawl_complete"
	CrawlSyncComplete Name = "crawl_sync_complete"
	EntityCreated Name = "entity_created"
	EntityUpdated Name = "entity_updated"
)

// Event is the envelope published on the bus.
type Event struct {
	Name Name `json:"name"`
	TenantID string `json:"tenant_id"`
	Payload map[string]any `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func channel(tenantID string) string {
	return fmt.Sprintf("sibyl:events:%s", tenantID)
}

// Bus is the process-wide event bus singleton.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
}

// New builds a Bus over an existing redis client.
func New(client *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Publish fires an event for tenantID. Publishers never block on
// subscribers: Redis PUBLISH is fire-and-forget, and marshal/publish
// errors are logged rather than returned, so a slow or absent
// subscriber can never stall a producer.
func (b *Bus) Publish(ctx context.Context, tenantID string, name Name, payload map[string]any) {
	evt := Event{Name: name, TenantID: tenantID, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err), zap.String("event", string(name)))
		return
	}
	if err := b.client.Publish(ctx, channel(tenantID), data).Err(); err != nil {
		b.logger.Warn("failed to publish event", zap.Error(err), zap.String("event", string(name)), zap.String("tenant_id", tenantID))
	}
}

// Subscription is a client's filtered view onto a tenant's event
// stream, identified by a client id and topic filter.
type Subscription struct {
	ClientID string
	Topics map[Name]struct{}
	C <-chan Event
	cancel func()
}

// Close unsubscribes and releases the underlying pub/sub connection.
func (s *Subscription) Close() { s.cancel() }

// Subscribe opens a filtered subscription for tenantID. Delivery is
// at-most-once-per-subscriber and best-effort: a full channel buffer
// drops the oldest rather than blocking the dispatch goroutine.
func (b *Bus) Subscribe(ctx context.Context, tenantID, clientID string, topics []Name) *Subscription {
	pubsub := b.client.Subscribe(ctx, channel(tenantID))
	out := make(chan Event, 64)
	subCtx, cancel := context.WithCancel(ctx)

	topicSet := make(map[Name]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				if len(topicSet) > 0 {
					if _, want := topicSet[evt.Name]; !want {
						continue
					}
				}
				select {
				case out <- evt:
				default:
					// Drop oldest, then push latest — a slow subscriber
					// never blocks the publishing side.
					select {
					case <-out:
					default:
					}
					select {
					case out <- evt:
					default:
					}
				}
			}
		}
	}()

	return &Subscription{ClientID: clientID, Topics: topicSet, C: out, cancel: cancel}
}
