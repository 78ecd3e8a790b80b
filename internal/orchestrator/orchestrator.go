// Package orchestrator is the Agent Orchestrator: the central per-tenant/project coordinator for agent
// lifecycle, task assignment, messaging, and health monitoring.
//
// Grounded on the graphstore.Adapter query/upsert idiom used
// throughout the core and on the checkpoint package's snapshot shape
// for recovery; each agent's in-memory message queue is a bounded
// channel.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/checkpoint"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
	"github.com/sibyl-platform/sibyl/internal/worktree"
)

const (
	defaultHealthCheckInterval = 60 * time.Second
	defaultStaleHeartbeatThreshold = 120 * time.Second
	messageQueueCapacity = 256
)

// Message is one entry in an agent's inbox.
type Message struct {
	From string
	To string
	Content string
	Type string
	Metadata map[string]string
	CreatedAt time.Time
}

// AgentHandle is the orchestrator's live view of a spawned agent: its
// persistent record plus the control surface to stop it. Concrete
// Runner wiring (provider, executor, hooks) happens one layer up, in
// the caller-supplied Spawner.
type AgentHandle struct {
	Record *entity.AgentRecord
	Cancel context.CancelFunc
}

// Spawner builds and starts the concrete agent execution for a task,
// returning a cancel func the orchestrator can use to stop it. This
// keeps the orchestrator decoupled from agent.Runner's provider/tool
// wiring.
type Spawner func(ctx context.Context, rec *entity.AgentRecord, task *entity.Task) (context.CancelFunc, error)

// Config tunes the health-check loop.
type Config struct {
	HealthCheckInterval time.Duration
	StaleHeartbeatThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: defaultHealthCheckInterval,
		StaleHeartbeatThreshold: defaultStaleHeartbeatThreshold,
	}
}

// Orchestrator coordinates all agents within a tenant.
type Orchestrator struct {
	graph *graphstore.Adapter
	checkpoint *checkpoint.Manager
	worktrees *worktree.Manager
	spawn Spawner
	cfg Config
	logger *zap.Logger

	mu sync.Mutex
	agents map[string]*AgentHandle
	inboxes map[string]chan Message

	healthCancel context.CancelFunc
}

func New(graph *graphstore.Adapter, cm *checkpoint.Manager, wm *worktree.Manager, spawn Spawner, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		graph: graph, checkpoint: cm, worktrees: wm, spawn: spawn, cfg: cfg, logger: logger,
		agents: make(map[string]*AgentHandle),
		inboxes: make(map[string]chan Message),
	}
}

// resumableStatuses are the AgentStatus values Start looks for after a
// restart. An agent in one of them that has a checkpoint is
// re-registered (handle and inbox) with its persisted status; its
// execution is not restarted until Resume is called. One without a
// checkpoint, or whose checkpoint cannot be loaded, is marked failed.
var resumableStatuses = []entity.AgentStatus{
	entity.AgentStatusWorking, entity.AgentStatusPaused,
	entity.AgentStatusWaitingApproval, entity.AgentStatusWaitingDependency,
}

// Start recovers agents left in a resumable status from a prior
// process and launches the health-check loop.
func (o *Orchestrator) Start(ctx context.Context, tenantID string) error {
	statusValues := make([]entity.AgentStatus, len(resumableStatuses))
	copy(statusValues, resumableStatuses)

	docs, err := o.graph.Query(ctx, tenantID, bson.M{
		"entity_type": entity.KindAgent,
		"status": bson.M{"$in": statusValues},
	}, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: recovering agents: %w", err)
	}

	for _, doc := range docs {
		rec := docToAgentRecord(doc)
		if err := o.recoverAgent(ctx, tenantID, rec); err != nil {
			o.logger.Warn("agent recovery failed, marking failed", zap.Error(err), zap.String("agent_id", rec.ID))
			if mErr := o.markFailed(ctx, tenantID, rec, err.Error()); mErr != nil {
				o.logger.Warn("marking unrecovered agent failed", zap.Error(mErr), zap.String("agent_id", rec.ID))
			}
		}
	}

	healthCtx, cancel := context.WithCancel(ctx)
	o.healthCancel = cancel
	go o.healthCheckLoop(healthCtx, tenantID)
	return nil
}

func (o *Orchestrator) recoverAgent(ctx context.Context, tenantID string, rec *entity.AgentRecord) error {
	cp, err := o.checkpoint.GetLatest(ctx, tenantID, rec.ID)
	if err != nil {
		return err
	}
	if cp == nil {
		return o.markFailed(ctx, tenantID, rec, "no checkpoint available to resume from")
	}
	o.registerInbox(rec.ID)
	o.mu.Lock()
	o.agents[rec.ID] = &AgentHandle{Record: rec}
	o.mu.Unlock()
	o.logger.Info("agent recovered from checkpoint", zap.String("agent_id", rec.ID), zap.String("step", cp.CurrentStep))
	return nil
}

// Stop cancels the health-check loop, checkpoints and terminates every
// active agent, and sweeps orphaned worktrees.
func (o *Orchestrator) Stop(ctx context.Context, tenantID string) error {
	if o.healthCancel != nil {
		o.healthCancel()
	}

	o.mu.Lock()
	handles := make([]*AgentHandle, 0, len(o.agents))
	for _, h := range o.agents {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		if err := o.Terminate(ctx, tenantID, h.Record.ID, "orchestrator stopping"); err != nil {
			o.logger.Warn("failed to terminate agent during shutdown", zap.Error(err), zap.String("agent_id", h.Record.ID))
		}
	}

	if o.worktrees != nil {
		docs, err := o.graph.Query(ctx, tenantID, bson.M{
			"entity_type": entity.KindWorktree,
			"status": entity.WorktreeStatusActive,
		}, 0)
		if err != nil {
			o.logger.Warn("loading live worktrees failed, skipping orphan cleanup", zap.Error(err))
			return nil
		}
		live := make([]*entity.WorktreeRecord, 0, len(docs))
		for _, d := range docs {
			live = append(live, &entity.WorktreeRecord{Path: asString(d["path"])})
		}
		if _, err := o.worktrees.CleanupOrphaned(ctx, tenantID, live); err != nil {
			o.logger.Warn("orphaned worktree cleanup failed", zap.Error(err))
		}
	}
	return nil
}

// selectAgentType applies a simple task-heuristic: the task's declared
// technologies steer the assignment, implementer otherwise.
func selectAgentType(task *entity.Task) entity.AgentType {
	for _, tech := range task.Technologies {
		switch tech {
		case "test", "testing", "qa":
			return entity.AgentTypeTester
		case "review", "code-review":
			return entity.AgentTypeReviewer
		case "planning", "design":
			return entity.AgentTypePlanner
		}
	}
	return entity.AgentTypeImplementer
}

// AssignTask spawns a fresh agent for task, preferring agentType if
// given, and updates the task's coordination fields.
func (o *Orchestrator) AssignTask(ctx context.Context, tenantID string, task *entity.Task, agentType entity.AgentType) (*entity.AgentRecord, error) {
	if agentType == "" {
		agentType = selectAgentType(task)
	}

	now := time.Now()
	rec := &entity.AgentRecord{
		Header: entity.Header{
			ID: entity.DeterministicID(entity.KindAgent, tenantID, task.ID, now.Format(time.RFC3339Nano)),
			EntityType: entity.KindAgent,
			OrganizationID: tenantID,
			Name: fmt.Sprintf("%s-%s", agentType, task.ID),
		},
		AgentType: agentType,
		Status: entity.AgentStatusInitializing,
		TaskID: task.ID,
		StartedAt: &now,
	}
	if err := o.persistAgent(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	o.registerInbox(rec.ID)

	cancel, err := o.spawn(ctx, rec, task)
	if err != nil {
		rec.Status = entity.AgentStatusFailed
		rec.ErrorMessage = sibylerr.Truncate(err.Error(), 2000)
		_ = o.persistAgent(ctx, tenantID, rec)
		return nil, fmt.Errorf("orchestrator: spawning agent for task %s: %w", task.ID, err)
	}

	rec.Status = entity.AgentStatusWorking
	if err := o.persistAgent(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.agents[rec.ID] = &AgentHandle{Record: rec, Cancel: cancel}
	o.mu.Unlock()

	task.AssignedAgent = rec.ID
	task.ClaimedAt = &now
	task.Status = entity.TaskStatusDoing
	if err := o.persistTask(ctx, tenantID, task); err != nil {
		return rec, err
	}
	return rec, nil
}

// UnassignTask terminates task's current agent (if any) and resets the
// task to todo.
func (o *Orchestrator) UnassignTask(ctx context.Context, tenantID string, task *entity.Task) error {
	if task.AssignedAgent != "" {
		if err := o.Terminate(ctx, tenantID, task.AssignedAgent, "task unassigned"); err != nil {
			o.logger.Warn("terminating agent during unassign failed (non-fatal)", zap.Error(err))
		}
	}
	task.AssignedAgent = ""
	task.ClaimedAt = nil
	task.Status = entity.TaskStatusTodo
	return o.persistTask(ctx, tenantID, task)
}

// Pause suspends an active agent, preserving its message queue.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, agentID, reason string) error {
	h, err := o.handle(agentID)
	if err != nil {
		return err
	}
	if err := o.checkpointAgent(ctx, tenantID, h.Record, "paused: "+reason); err != nil {
		return err
	}
	h.Record.Status = entity.AgentStatusPaused
	return o.persistAgent(ctx, tenantID, h.Record)
}

// Resume re-spawns a paused agent from its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, agentID string, task *entity.Task) error {
	h, err := o.handle(agentID)
	if err != nil {
		return err
	}
	cancel, err := o.spawn(ctx, h.Record, task)
	if err != nil {
		return fmt.Errorf("orchestrator: resuming agent %s: %w", agentID, err)
	}
	h.Cancel = cancel
	h.Record.Status = entity.AgentStatusWorking
	return o.persistAgent(ctx, tenantID, h.Record)
}

// Terminate stops an agent permanently, checkpointing first, and tears
// down its message queue.
func (o *Orchestrator) Terminate(ctx context.Context, tenantID, agentID, reason string) error {
	h, err := o.handle(agentID)
	if err != nil {
		return err
	}
	if err := o.checkpointAgent(ctx, tenantID, h.Record, "terminated: "+reason); err != nil {
		o.logger.Warn("checkpoint before terminate failed (non-fatal)", zap.Error(err))
	}
	if h.Cancel != nil {
		h.Cancel()
	}
	now := time.Now()
	h.Record.Status = entity.AgentStatusTerminated
	h.Record.CompletedAt = &now
	if err := o.persistAgent(ctx, tenantID, h.Record); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.agents, agentID)
	if ch, ok := o.inboxes[agentID]; ok {
		close(ch)
		delete(o.inboxes, agentID)
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, tenantID string, rec *entity.AgentRecord, reason string) error {
	rec.Status = entity.AgentStatusFailed
	rec.ErrorMessage = sibylerr.Truncate(reason, 2000)
	return o.persistAgent(ctx, tenantID, rec)
}

func (o *Orchestrator) checkpointAgent(ctx context.Context, tenantID string, rec *entity.AgentRecord, step string) error {
	if o.checkpoint == nil {
		return nil
	}
	return o.checkpoint.Save(ctx, tenantID, &entity.Checkpoint{
		Header: entity.Header{OrganizationID: tenantID},
		AgentID: rec.ID,
		TaskID: rec.TaskID,
		CurrentStep: step,
		TokensUsed: rec.TokensUsed,
		CostUSD: rec.CostUSD,
		SessionID: rec.SessionID,
	})
}

func (o *Orchestrator) handle(agentID string) (*AgentHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.agents[agentID]
	if !ok {
		return nil, sibylerr.NotFound("agent", agentID)
	}
	return h, nil
}

func (o *Orchestrator) registerInbox(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inboxes[agentID]; !ok {
		o.inboxes[agentID] = make(chan Message, messageQueueCapacity)
	}
}

// SendMessage enqueues content on to's inbox (FIFO); a full inbox drops
// the oldest in favor of delivering the latest rather than blocking the
// sender indefinitely.
func (o *Orchestrator) SendMessage(from, to, content, msgType string, metadata map[string]string) error {
	o.mu.Lock()
	ch, ok := o.inboxes[to]
	o.mu.Unlock()
	if !ok {
		return sibylerr.NotFound("agent", to)
	}
	msg := Message{From: from, To: to, Content: content, Type: msgType, Metadata: metadata, CreatedAt: time.Now()}
	select {
	case ch <- msg:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- msg
	}
	return nil
}

// ReceiveMessages drains agentID's inbox, waiting up to waitTimeout for
// at least the queue to go quiet.
func (o *Orchestrator) ReceiveMessages(agentID string, waitTimeout time.Duration) ([]Message, error) {
	o.mu.Lock()
	ch, ok := o.inboxes[agentID]
	o.mu.Unlock()
	if !ok {
		return nil, sibylerr.NotFound("agent", agentID)
	}

	var out []Message
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return out, nil
			}
			out = append(out, msg)
		case <-deadline:
			return out, nil
		default:
			if len(out) > 0 {
				return out, nil
			}
			select {
			case msg, open := <-ch:
				if !open {
					return out, nil
				}
				out = append(out, msg)
			case <-deadline:
				return out, nil
			}
		}
	}
}

// Broadcast enqueues content on every active agent's inbox except
// those in exclude (typically the sender itself).
func (o *Orchestrator) Broadcast(from, content, msgType string, exclude map[string]bool) {
	o.mu.Lock()
	targets := make([]string, 0, len(o.inboxes))
	for id := range o.inboxes {
		if id != from && !exclude[id] {
			targets = append(targets, id)
		}
	}
	o.mu.Unlock()
	for _, id := range targets {
		_ = o.SendMessage(from, id, content, msgType, nil)
	}
}

// healthCheckLoop periodically checkpoints and fails agents whose
// heartbeat has gone stale.
func (o *Orchestrator) healthCheckLoop(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkStaleAgents(ctx, tenantID)
		}
	}
}

func (o *Orchestrator) checkStaleAgents(ctx context.Context, tenantID string) {
	o.mu.Lock()
	handles := make([]*AgentHandle, 0, len(o.agents))
	for _, h := range o.agents {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	now := time.Now()
	for _, h := range handles {
		if h.Record.Status != entity.AgentStatusWorking {
			continue
		}
		if h.Record.LastHeartbeat == nil || now.Sub(*h.Record.LastHeartbeat) <= o.cfg.StaleHeartbeatThreshold {
			continue
		}
		if err := o.checkpointAgent(ctx, tenantID, h.Record, "stale heartbeat detected"); err != nil {
			o.logger.Warn("stale-agent checkpoint failed", zap.Error(err), zap.String("agent_id", h.Record.ID))
		}
		if err := o.markFailed(ctx, tenantID, h.Record, "heartbeat stale beyond threshold"); err != nil {
			o.logger.Warn("marking stale agent failed (non-fatal)", zap.Error(err), zap.String("agent_id", h.Record.ID))
			continue
		}
		if h.Cancel != nil {
			h.Cancel()
		}
		o.mu.Lock()
		delete(o.agents, h.Record.ID)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) persistAgent(ctx context.Context, tenantID string, rec *entity.AgentRecord) error {
	payload := bson.M{
		"agent_type": rec.AgentType, "status": rec.Status, "spawn_source": rec.SpawnSource,
		"session_id": rec.SessionID, "task_id": rec.TaskID, "tokens_used": rec.TokensUsed,
		"cost_usd": rec.CostUSD, "started_at": rec.StartedAt, "completed_at": rec.CompletedAt,
		"last_heartbeat": rec.LastHeartbeat, "worktree_path": rec.WorktreePath,
		"worktree_branch": rec.WorktreeBranch, "error_message": rec.ErrorMessage,
	}
	return o.graph.UpsertEntity(ctx, tenantID, rec.Header, payload)
}

func (o *Orchestrator) persistTask(ctx context.Context, tenantID string, task *entity.Task) error {
	payload := bson.M{
		"epic_id": task.EpicID, "status": task.Status, "priority": task.Priority,
		"assigned_agent": task.AssignedAgent, "claimed_at": task.ClaimedAt,
		"heartbeat_at": task.HeartbeatAt, "last_checkpoint": task.LastCheckpoint,
		"worktree_path": task.WorktreePath, "worktree_branch": task.WorktreeBranch,
	}
	return o.graph.UpsertEntity(ctx, tenantID, task.Header, payload)
}

func docToAgentRecord(doc bson.M) *entity.AgentRecord {
	rec := &entity.AgentRecord{
		Header: entity.Header{
			ID: asString(doc["_id"]),
			EntityType: entity.KindAgent,
			Name: asString(doc["name"]),
			OrganizationID: asString(doc["organization_id"]),
		},
		AgentType: entity.AgentType(asString(doc["agent_type"])),
		Status: entity.AgentStatus(asString(doc["status"])),
		TaskID: asString(doc["task_id"]),
		SessionID: asString(doc["session_id"]),
	}
	if hb, ok := doc["last_heartbeat"].(time.Time); ok {
		rec.LastHeartbeat = &hb
	}
	return rec
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
