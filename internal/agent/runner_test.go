package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

// fakeProvider replays a scripted sequence of responses, one per call
// to StreamChatWithTools, mirroring how a real provider would emit a
// final answer only once it stops requesting tools.
type fakeProvider struct {
	responses []*ToolResponse
	calls     int
}

func (f *fakeProvider) SupportsTools() bool { return true }

func (f *fakeProvider) StreamChatWithTools(ctx context.Context, messages []Message, tools []llms.Tool) (*ToolResponse, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func textResponse(text string) *ToolResponse {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return &ToolResponse{TextChannel: ch}
}

func toolCallResponse(text string, calls ...ToolCall) *ToolResponse {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return &ToolResponse{TextChannel: ch, ToolCalls: calls}
}

type fakeExecutor struct {
	results []string
	calls   []ToolCall
}

func (f *fakeExecutor) Execute(ctx context.Context, call ToolCall) (string, error) {
	f.calls = append(f.calls, call)
	idx := len(f.calls) - 1
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return "ok", nil
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger
}

func TestRunner_NoToolCalls_ReturnsAfterOneTurn(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{textResponse("all done")}}
	executor := &fakeExecutor{}
	r := New(provider, executor, nil, testLogger(t))

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "you are an agent", nil, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
	assert.Empty(t, executor.calls)

	history := r.History()
	require.Len(t, history, 2) // system + assistant
	assert.Equal(t, "system", history[0].Role)
	assert.Equal(t, "all done", history[1].Content)
}

func TestRunner_ToolCall_ExecutesThenStopsOnFinalAnswer(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{
		toolCallResponse("searching...", ToolCall{ID: "1", Name: "search", Args: map[string]interface{}{"query": "auth"}}),
		textResponse("found it"),
	}}
	executor := &fakeExecutor{results: []string{"3 results found"}}
	r := New(provider, executor, nil, testLogger(t))

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, "search", executor.calls[0].Name)

	history := r.History()
	var sawToolResult bool
	for _, m := range history {
		if m.Role == "tool_result" && m.Content == "3 results found" {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult, "expected tool result to be appended to history")
}

func TestRunner_Stop_HaltsBeforeFirstTurn(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{textResponse("should not run")}}
	r := New(provider, &fakeExecutor{}, nil, testLogger(t))
	r.Stop()

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, provider.calls)
}

func TestRunner_Pause_HaltsBeforeFirstTurn(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{textResponse("should not run")}}
	r := New(provider, &fakeExecutor{}, nil, testLogger(t))
	r.Pause()

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, provider.calls)

	r.Resume()
	assert.False(t, r.isPaused())
}

func TestRunner_MaxTurnsExceeded_ReturnsTimeout(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{
		toolCallResponse("still working", ToolCall{Name: "noop"}),
		toolCallResponse("still working", ToolCall{Name: "noop"}),
	}}
	r := New(provider, &fakeExecutor{}, nil, testLogger(t))

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 2, nil)

	require.Error(t, err)
	var sErr *sibylerr.Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, sibylerr.KindTimeout, sErr.Kind)
}

func TestRunner_OnTokenCallback_ReceivesStreamedChunks(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{textResponse("streamed text")}}
	r := New(provider, &fakeExecutor{}, nil, testLogger(t))

	var received []string
	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 5, func(chunk string) {
		received = append(received, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"streamed text"}, received)
}

func TestRunner_RestoreSeedsHistoryWithoutReinjectingSystemPrompt(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{textResponse("continuing")}}
	r := New(provider, &fakeExecutor{}, nil, testLogger(t))
	r.Restore([]Message{{Role: "system", Content: "original system prompt"}, {Role: "user", Content: "earlier turn"}})

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "a different system prompt", nil, 5, nil)

	require.NoError(t, err)
	history := r.History()
	assert.Equal(t, "original system prompt", history[0].Content, "Restore should win over Run's systemPrompt argument")
}

type refusingHook struct{}

func (refusingHook) BeforeToolCall(ctx context.Context, call ToolCall) error {
	return assert.AnError
}
func (refusingHook) AfterTurn(ctx context.Context, turn Message) error { return nil }

func TestRunner_HookRejectsToolCall(t *testing.T) {
	provider := &fakeProvider{responses: []*ToolResponse{
		toolCallResponse("trying", ToolCall{Name: "dangerous"}),
		textResponse("gave up"),
	}}
	executor := &fakeExecutor{}
	r := New(provider, executor, nil, testLogger(t), refusingHook{})

	err := r.Run(context.Background(), "tenant-a", entity.Header{ID: "agent-1"}, "sys", nil, 5, nil)

	require.NoError(t, err)
	assert.Empty(t, executor.calls, "the hook should have prevented execution")
}

func TestSystemPrompt_IncludesTaskProjectAndLearnings(t *testing.T) {
	task := &entity.Task{Header: entity.Header{Name: "Fix login bug", Description: "Users cannot log in with SSO"}}
	project := &entity.Project{Header: entity.Header{Name: "Atlas"}, RepositoryURL: "git@example.com:atlas.git"}

	prompt := SystemPrompt(entity.AgentTypeImplementer, task, project, []string{"SSO tokens expire after 5 minutes"})

	assert.Contains(t, prompt, "implementer")
	assert.Contains(t, prompt, "Fix login bug")
	assert.Contains(t, prompt, "Atlas")
	assert.Contains(t, prompt, "SSO tokens expire after 5 minutes")
}

func TestSystemPrompt_HandlesNilProject(t *testing.T) {
	task := &entity.Task{Header: entity.Header{Name: "Solo task"}}
	prompt := SystemPrompt(entity.AgentTypeGeneral, task, nil, nil)
	assert.Contains(t, prompt, "Solo task")
	assert.NotContains(t, prompt, "## Project")
}
