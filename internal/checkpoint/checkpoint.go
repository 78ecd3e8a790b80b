// Package checkpoint is Checkpoint & Recovery: serializable snapshots of an agent's progress taken on
// pause, terminate, stale detection, and explicit milestones, so the
// orchestrator can resume an agent without replaying its full
// conversation.
//
// Grounded on the same graphstore.Adapter.Query/UpsertEntity idiom the
// rest of the core uses; checkpoints are just another entity kind.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
)

// Manager writes and retrieves Checkpoint snapshots.
type Manager struct {
	graph *graphstore.Adapter
}

func New(graph *graphstore.Adapter) *Manager {
	return &Manager{graph: graph}
}

// Save persists a new checkpoint for an agent. Checkpoints accumulate
// (one document per save) rather than overwrite, so GetLatest can
// reconstruct the most recent state while older snapshots remain for
// audit.
func (m *Manager) Save(ctx context.Context, tenantID string, cp *entity.Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	if cp.ID == "" {
		cp.ID = entity.DeterministicID(entity.KindCheckpoint, tenantID, cp.AgentID, cp.Timestamp.Format(time.RFC3339Nano))
	}
	cp.EntityType = entity.KindCheckpoint
	cp.OrganizationID = tenantID

	payload := bson.M{
		"agent_id": cp.AgentID,
		"task_id": cp.TaskID,
		"current_step": cp.CurrentStep,
		"conversation_history": historyToBSON(cp.ConversationHistory),
		"tokens_used": cp.TokensUsed,
		"cost_usd": cp.CostUSD,
		"session_id": cp.SessionID,
		"timestamp": cp.Timestamp,
	}
	return m.graph.UpsertEntity(ctx, tenantID, cp.Header, payload)
}

// GetLatest returns the most recently taken checkpoint for agentID, or
// nil if the agent has never been checkpointed.
func (m *Manager) GetLatest(ctx context.Context, tenantID, agentID string) (*entity.Checkpoint, error) {
	docs, err := m.graph.Query(ctx, tenantID, bson.M{
		"entity_type": entity.KindCheckpoint,
		"agent_id": agentID,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: querying latest for %s: %w", agentID, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var latest *entity.Checkpoint
	for _, doc := range docs {
		cp := docToCheckpoint(doc)
		if latest == nil || cp.Timestamp.After(latest.Timestamp) {
			latest = cp
		}
	}
	return latest, nil
}

func historyToBSON(entries []entity.HistoryEntry) []bson.M {
	out := make([]bson.M, 0, len(entries))
	for _, e := range entries {
		out = append(out, bson.M{
			"kind": e.Kind, "content": e.Content, "model": e.Model,
			"subtype": e.Subtype, "duration_ms": e.DurationMS, "total_cost_usd": e.TotalCostUSD,
		})
	}
	return out
}

func docToCheckpoint(doc bson.M) *entity.Checkpoint {
	cp := &entity.Checkpoint{
		Header: entity.Header{
			ID: asString(doc["_id"]),
			EntityType: entity.KindCheckpoint,
			OrganizationID: asString(doc["organization_id"]),
		},
		AgentID: asString(doc["agent_id"]),
		TaskID: asString(doc["task_id"]),
		CurrentStep: asString(doc["current_step"]),
		SessionID: asString(doc["session_id"]),
	}
	if ts, ok := doc["timestamp"].(time.Time); ok {
		cp.Timestamp = ts
	}
	if tu, ok := asInt64(doc["tokens_used"]); ok {
		cp.TokensUsed = tu
	}
	if cost, ok := doc["cost_usd"].(float64); ok {
		cp.CostUSD = cost
	}
	if raw, ok := doc["conversation_history"].(bson.A); ok {
		for _, item := range raw {
			entryMap, ok := item.(bson.M)
			if !ok {
				continue
			}
			entry := entity.HistoryEntry{
				Kind: asString(entryMap["kind"]),
				Content: asString(entryMap["content"]),
				Model: asString(entryMap["model"]),
				Subtype: asString(entryMap["subtype"]),
			}
			if dur, ok := asInt64(entryMap["duration_ms"]); ok {
				entry.DurationMS = dur
			}
			if cost, ok := entryMap["total_cost_usd"].(float64); ok {
				entry.TotalCostUSD = cost
			}
			cp.ConversationHistory = append(cp.ConversationHistory, entry)
		}
	}
	return cp
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
