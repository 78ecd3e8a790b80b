package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

func heartbeatPayload(at time.Time) bson.M {
	return bson.M{"last_heartbeat": at, "status": entity.AgentStatusWorking}
}

const heartbeatInterval = 30 * time.Second

// Hook lets the orchestrator observe or veto a step without the Runner
// knowing about orchestration concerns — a pre-tool-call hook can
// reject a dangerous invocation, a post-turn hook can persist a
// checkpoint.
type Hook interface {
	BeforeToolCall(ctx context.Context, call ToolCall) error
	AfterTurn(ctx context.Context, turn Message) error
}

// ToolExecutor dispatches a tool call to the Tool Dispatcher and
// returns its result as the text the model sees next turn.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
}

// Runner drives one agent's conversation loop against its ChatProvider,
// heartbeating its AgentRecord and honoring pause/stop signals from the
// orchestrator.
type Runner struct {
	provider ChatProvider
	executor ToolExecutor
	graph *graphstore.Adapter
	logger *zap.Logger
	hooks []Hook

	mu sync.Mutex
	history []Message
	paused bool
	stopped bool
}

// New builds a Runner with an empty conversation history; Run seeds the
// history with its systemPrompt argument (see SystemPrompt) unless
// Restore supplied one first.
func New(provider ChatProvider, executor ToolExecutor, graph *graphstore.Adapter, logger *zap.Logger, hooks...Hook) *Runner {
	return &Runner{provider: provider, executor: executor, graph: graph, logger: logger, hooks: hooks}
}

// SystemPrompt assembles the agent's instructions the way a human
// onboarding doc would: identity, the task at hand, its project
// context, and any directly relevant prior learnings, each clearly
// labeled so the model can ground its citations.
func SystemPrompt(agentType entity.AgentType, task *entity.Task, project *entity.Project, learnings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s agent working autonomously inside an isolated git worktree.\n\n", agentType)
	fmt.Fprintf(&b, "## Task\n%s\n%s\n\n", task.Name, task.Description)
	if project != nil {
		fmt.Fprintf(&b, "## Project\n%s (%s)\n\n", project.Name, project.RepositoryURL)
	}
	if len(learnings) > 0 {
		b.WriteString("## Relevant prior learnings\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
		b.WriteString("\n")
	}
	b.WriteString("Use the provided tools to search the knowledge graph, inspect and modify files, and record learnings as you go. Report blockers rather than guessing.")
	return b.String()
}

// Pause requests the runner suspend after its current turn completes.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume clears a prior Pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Stop requests the runner halt permanently after its current turn.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// History returns a copy of the conversation so far, for checkpointing.
func (r *Runner) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// Restore replaces the conversation history, used when resuming an
// agent from a checkpoint.
func (r *Runner) Restore(history []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append([]Message{}, history...)
}

func (r *Runner) appendHistory(m Message) {
	r.mu.Lock()
	r.history = append(r.history, m)
	r.mu.Unlock()
}

// Run drives the agent's conversation until it stops producing tool
// calls, is paused/stopped, or maxTurns is reached, heartbeating
// agentHeader every 30s throughout. onToken streams raw
// text to an observer (e.g. a websocket subscriber); may be nil.
func (r *Runner) Run(ctx context.Context, tenantID string, agentHeader entity.Header, systemPrompt string, tools []llms.Tool, maxTurns int, onToken func(string)) error {
	agentID := agentHeader.ID
	if len(r.History()) == 0 {
		r.appendHistory(Message{Role: "system", Content: systemPrompt})
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go r.heartbeatLoop(hbCtx, tenantID, agentHeader)

	for turn := 0; maxTurns <= 0 || turn < maxTurns; turn++ {
		if r.isStopped() {
			return nil
		}
		if r.isPaused() {
			return nil
		}

		resp, err := r.provider.StreamChatWithTools(ctx, r.History(), tools)
		if err != nil {
			return fmt.Errorf("agent turn %d: %w", turn, err)
		}

		var assembled strings.Builder
		for chunk := range resp.TextChannel {
			assembled.WriteString(chunk)
			if onToken != nil {
				onToken(chunk)
			}
		}

		reply := Message{Role: "assistant", Content: assembled.String()}
		r.appendHistory(reply)
		r.runAfterTurnHooks(ctx, reply)

		if len(resp.ToolCalls) == 0 {
			return nil // the model produced a final answer with no further tool calls
		}

		for _, call := range resp.ToolCalls {
			if err := r.runBeforeToolHooks(ctx, call); err != nil {
				r.appendHistory(Message{Role: "tool_result", Content: fmt.Sprintf("tool %s rejected: %v", call.Name, err)})
				continue
			}
			result, err := r.executor.Execute(ctx, call)
			if err != nil {
				result = fmt.Sprintf("error: %v", err)
			}
			r.appendHistory(Message{Role: "tool_result", Content: result})
		}
	}
	return sibylerr.Timeout(fmt.Sprintf("agent %s exceeded its turn budget", agentID))
}

func (r *Runner) runBeforeToolHooks(ctx context.Context, call ToolCall) error {
	for _, h := range r.hooks {
		if err := h.BeforeToolCall(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runAfterTurnHooks(ctx context.Context, turn Message) {
	for _, h := range r.hooks {
		if err := h.AfterTurn(ctx, turn); err != nil {
			r.logger.Warn("after-turn hook failed (non-fatal)", zap.Error(err))
		}
	}
}

// heartbeatLoop updates the agent's last_heartbeat field every 30s so
// the orchestrator's health-check can distinguish a working agent from
// a crashed one.
func (r *Runner) heartbeatLoop(ctx context.Context, tenantID string, agentHeader entity.Header) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if err := r.graph.UpsertEntity(ctx, tenantID, agentHeader, heartbeatPayload(now)); err != nil {
				r.logger.Warn("heartbeat write failed (non-fatal)", zap.Error(err), zap.String("agent_id", agentHeader.ID))
			}
		}
	}
}
