package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

func TestSelectAgentType(t *testing.T) {
	tests := []struct {
		name         string
		technologies []string
		want         entity.AgentType
	}{
		{"defaults to implementer", nil, entity.AgentTypeImplementer},
		{"testing tag selects tester", []string{"testing"}, entity.AgentTypeTester},
		{"review tag selects reviewer", []string{"review"}, entity.AgentTypeReviewer},
		{"design tag selects planner", []string{"design"}, entity.AgentTypePlanner},
		{"unrecognized tag falls back", []string{"golang"}, entity.AgentTypeImplementer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &entity.Task{Technologies: tt.technologies}
			assert.Equal(t, tt.want, selectAgentType(task))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 120*time.Second, cfg.StaleHeartbeatThreshold)
}

func TestSendAndReceiveMessages_DrainsFIFO(t *testing.T) {
	o := New(nil, nil, nil, nil, DefaultConfig(), nil)
	o.registerInbox("agent-1")

	require := func(ok bool) {
		if !ok {
			t.Fatal("expected send to succeed")
		}
	}
	require(o.SendMessage("agent-2", "agent-1", "hello", "note", nil) == nil)
	require(o.SendMessage("agent-2", "agent-1", "world", "note", nil) == nil)

	msgs, err := o.ReceiveMessages("agent-1", 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "world", msgs[1].Content)
}

func TestSendMessage_UnknownRecipientErrors(t *testing.T) {
	o := New(nil, nil, nil, nil, DefaultConfig(), nil)
	err := o.SendMessage("agent-1", "ghost", "hi", "note", nil)
	assert.Error(t, err)
}

func TestReceiveMessages_TimesOutWithNoMessages(t *testing.T) {
	o := New(nil, nil, nil, nil, DefaultConfig(), nil)
	o.registerInbox("agent-1")

	start := time.Now()
	msgs, err := o.ReceiveMessages("agent-1", 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBroadcast_ExcludesSenderAndExcludedSet(t *testing.T) {
	o := New(nil, nil, nil, nil, DefaultConfig(), nil)
	o.registerInbox("sender")
	o.registerInbox("agent-a")
	o.registerInbox("agent-b")

	o.Broadcast("sender", "status update", "broadcast", map[string]bool{"agent-b": true})

	msgsA, _ := o.ReceiveMessages("agent-a", 50*time.Millisecond)
	msgsB, _ := o.ReceiveMessages("agent-b", 50*time.Millisecond)
	msgsSender, _ := o.ReceiveMessages("sender", 50*time.Millisecond)

	assert.Len(t, msgsA, 1)
	assert.Empty(t, msgsB, "excluded agent should not receive the broadcast")
	assert.Empty(t, msgsSender, "sender should not receive its own broadcast")
}

func TestHandle_UnknownAgentErrors(t *testing.T) {
	o := New(nil, nil, nil, nil, DefaultConfig(), nil)
	_, err := o.handle("does-not-exist")
	assert.Error(t, err)
}
