package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

func TestDocToCheckpoint_RoundTripsHistory(t *testing.T) {
	now := time.Now()
	doc := bson.M{
		"_id":             "checkpoint_abc",
		"organization_id": "tenant-a",
		"agent_id":        "agent-1",
		"task_id":         "task-1",
		"current_step":    "implementing",
		"tokens_used":     int32(120),
		"cost_usd":        0.42,
		"session_id":      "sess-1",
		"timestamp":       now,
		"conversation_history": bson.A{
			bson.M{"kind": "user", "content": "please fix the bug"},
			bson.M{"kind": "result", "subtype": "success", "duration_ms": int64(3200), "total_cost_usd": 0.42},
		},
	}

	cp := docToCheckpoint(doc)

	assert.Equal(t, "checkpoint_abc", cp.ID)
	assert.Equal(t, "agent-1", cp.AgentID)
	assert.Equal(t, "task-1", cp.TaskID)
	assert.Equal(t, "implementing", cp.CurrentStep)
	assert.Equal(t, int64(120), cp.TokensUsed)
	assert.Equal(t, 0.42, cp.CostUSD)
	assert.True(t, cp.Timestamp.Equal(now))
	assert.Len(t, cp.ConversationHistory, 2)
	assert.Equal(t, "user", cp.ConversationHistory[0].Kind)
	assert.Equal(t, int64(3200), cp.ConversationHistory[1].DurationMS)
}

func TestDocToCheckpoint_HandlesMissingFields(t *testing.T) {
	cp := docToCheckpoint(bson.M{"_id": "checkpoint_empty"})
	assert.Equal(t, "checkpoint_empty", cp.ID)
	assert.Zero(t, cp.TokensUsed)
	assert.Empty(t, cp.ConversationHistory)
}

func TestHistoryToBSON_PreservesOrderAndFields(t *testing.T) {
	entries := []entity.HistoryEntry{
		{Kind: "assistant", Content: "working on it", Model: "gpt-4o"},
		{Kind: "event", Content: "tool call: search"},
	}
	out := historyToBSON(entries)
	assert.Len(t, out, 2)
	assert.Equal(t, "assistant", out[0]["kind"])
	assert.Equal(t, "gpt-4o", out[0]["model"])
	assert.Equal(t, "event", out[1]["kind"])
}
