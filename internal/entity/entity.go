// Package entity defines Sibyl's tagged-union knowledge graph entities.
//
// The source system represents entity variants through inheritance and
// runtime type checks; here every variant shares one Header and carries
// its own payload behind a Kind tag.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind tags the variant a Header belongs to.
type Kind string

const (
	KindEpisode Kind = "episode"
	KindPattern Kind = "pattern"
	KindRule Kind = "rule"
	KindTemplate Kind = "template"
	KindTopic Kind = "topic"
	KindConvention Kind = "convention"
	KindProject Kind = "project"
	KindEpic Kind = "epic"
	KindTask Kind = "task"
	KindNote Kind = "note"
	KindAgent Kind = "agent"
	KindWorktree Kind = "worktree"
	KindCommunity Kind = "community"
	KindDocument Kind = "document"
	KindChunk Kind = "chunk"
	KindCrawlSource Kind = "crawl_source"
	KindCheckpoint Kind = "checkpoint"
)

// Header is the common envelope every entity carries regardless of
// variant. Retrieval paths operate on Header + opaque Metadata; only
// the add/manage tool paths need exhaustive variant handling.
type Header struct {
	ID string `bson:"_id" json:"id"`
	EntityType Kind `bson:"entity_type" json:"entity_type"`
	Name string `bson:"name" json:"name"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Content string `bson:"content,omitempty" json:"content,omitempty"`
	OrganizationID string `bson:"organization_id" json:"organization_id"`
	ProjectID string `bson:"project_id,omitempty" json:"project_id,omitempty"`
	Metadata map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	NameEmbedding []float32 `bson:"name_embedding,omitempty" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// DeterministicID builds the canonical `<type>_<hash>` id from the
// fields that define an entity's identity within its tenant. Used so
// that re-ingestion and re-creation of the same logical entity is a
// no-op: creating an entity with a given id twice upserts in place.
func DeterministicID(kind Kind, orgID string, canonicalFields...string) string {
	h := sha256.New()
	h.Write([]byte(orgID))
	for _, f := range canonicalFields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	sum := hex.EncodeToString(h.Sum(nil))[:24]
	return fmt.Sprintf("%s_%s", kind, sum)
}

// Episode is a timestamped narrative snapshot, e.g. a completed task's
// learnings or a summarized ingestion run.
type Episode struct {
	Header
	EpisodeType string `bson:"episode_type" json:"episode_type"`
	ValidFrom time.Time `bson:"valid_from" json:"valid_from"`
}

// KnowledgeRecord covers Pattern/Rule/Template/Topic/Convention, which
// share the same durable-knowledge shape and differ only by Header.EntityType.
type KnowledgeRecord struct {
	Header
	Category string `bson:"category,omitempty" json:"category,omitempty"`
	Languages []string `bson:"languages,omitempty" json:"languages,omitempty"`
	Severity string `bson:"severity,omitempty" json:"severity,omitempty"`
}

type ProjectStatus string

const (
	ProjectStatusPlanning ProjectStatus = "planning"
	ProjectStatusActive ProjectStatus = "active"
	ProjectStatusOnHold ProjectStatus = "on_hold"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusArchived ProjectStatus = "archived"
)

type Project struct {
	Header
	Status ProjectStatus `bson:"status" json:"status"`
	RepositoryURL string `bson:"repository_url,omitempty" json:"repository_url,omitempty"`
	TaskCount int `bson:"task_count" json:"task_count"`
	DoneTaskCount int `bson:"done_task_count" json:"done_task_count"`
}

type EpicStatus string

const (
	EpicStatusPlanning EpicStatus = "planning"
	EpicStatusInProgress EpicStatus = "in_progress"
	EpicStatusBlocked EpicStatus = "blocked"
	EpicStatusCompleted EpicStatus = "completed"
	EpicStatusArchived EpicStatus = "archived"
)

// Epic requires a ProjectID; enforced by validation in the store layer,
// not by the type system, since entities travel through the graph
// adapter as the common Header + payload shape.
type Epic struct {
	Header
	Status EpicStatus `bson:"status" json:"status"`
}

type TaskStatus string

const (
	TaskStatusBacklog TaskStatus = "backlog"
	TaskStatusTodo TaskStatus = "todo"
	TaskStatusDoing TaskStatus = "doing"
	TaskStatusBlocked TaskStatus = "blocked"
	TaskStatusReview TaskStatus = "review"
	TaskStatusDone TaskStatus = "done"
	TaskStatusArchived TaskStatus = "archived"
)

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow TaskPriority = "low"
	PrioritySomeday TaskPriority = "someday"
)

// Task is the unit of work driven through the task-status state
// machine, and carries the agent-coordination fields needed by the
// orchestrator and checkpoint subsystems.
type Task struct {
	Header
	EpicID string `bson:"epic_id,omitempty" json:"epic_id,omitempty"`
	Status TaskStatus `bson:"status" json:"status"`
	Priority TaskPriority `bson:"priority" json:"priority"`
	Complexity int `bson:"complexity,omitempty" json:"complexity,omitempty"`
	Assignees []string `bson:"assignees,omitempty" json:"assignees,omitempty"`
	Technologies []string `bson:"technologies,omitempty" json:"technologies,omitempty"`
	DependsOn []string `bson:"depends_on,omitempty" json:"depends_on,omitempty"`
	Learnings string `bson:"learnings,omitempty" json:"learnings,omitempty"`
	CommitSHAs []string `bson:"commit_shas,omitempty" json:"commit_shas,omitempty"`
	PRURL string `bson:"pr_url,omitempty" json:"pr_url,omitempty"`

	// Agent-coordination fields.
	AssignedAgent string `bson:"assigned_agent,omitempty" json:"assigned_agent,omitempty"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `bson:"heartbeat_at,omitempty" json:"heartbeat_at,omitempty"`
	LastCheckpoint *time.Time `bson:"last_checkpoint,omitempty" json:"last_checkpoint,omitempty"`
	WorktreePath string `bson:"worktree_path,omitempty" json:"worktree_path,omitempty"`
	WorktreeBranch string `bson:"worktree_branch,omitempty" json:"worktree_branch,omitempty"`
	Collaborators []string `bson:"collaborators,omitempty" json:"collaborators,omitempty"`
	HandoffHistory []string `bson:"handoff_history,omitempty" json:"handoff_history,omitempty"`

	StartedAt *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	ReviewedAt *time.Time `bson:"reviewed_at,omitempty" json:"reviewed_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Note is an agent/user observation attached to a task.
type Note struct {
	Header
	TaskID string `bson:"task_id" json:"task_id"`
	Author string `bson:"author,omitempty" json:"author,omitempty"`
}

type AgentType string

const (
	AgentTypeGeneral AgentType = "general"
	AgentTypePlanner AgentType = "planner"
	AgentTypeImplementer AgentType = "implementer"
	AgentTypeTester AgentType = "tester"
	AgentTypeReviewer AgentType = "reviewer"
	AgentTypeIntegrator AgentType = "integrator"
	AgentTypeOrchestrator AgentType = "orchestrator"
)

type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusWaitingApproval AgentStatus = "waiting_approval"
	AgentStatusWaitingDependency AgentStatus = "waiting_dependency"
	AgentStatusPaused AgentStatus = "paused"
	AgentStatusFailed AgentStatus = "failed"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusTerminated AgentStatus = "terminated"
)

// AgentRecord is the persistent handle to a running or historical agent.
type AgentRecord struct {
	Header
	AgentType AgentType `bson:"agent_type" json:"agent_type"`
	Status AgentStatus `bson:"status" json:"status"`
	SpawnSource string `bson:"spawn_source,omitempty" json:"spawn_source,omitempty"`
	SessionID string `bson:"session_id,omitempty" json:"session_id,omitempty"`
	TaskID string `bson:"task_id,omitempty" json:"task_id,omitempty"`
	TokensUsed int64 `bson:"tokens_used" json:"tokens_used"`
	CostUSD float64 `bson:"cost_usd" json:"cost_usd"`
	StartedAt *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `bson:"last_heartbeat,omitempty" json:"last_heartbeat,omitempty"`
	WorktreePath string `bson:"worktree_path,omitempty" json:"worktree_path,omitempty"`
	WorktreeBranch string `bson:"worktree_branch,omitempty" json:"worktree_branch,omitempty"`
	ErrorMessage string `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

type WorktreeStatus string

const (
	WorktreeStatusActive WorktreeStatus = "active"
	WorktreeStatusOrphaned WorktreeStatus = "orphaned"
	WorktreeStatusMerged WorktreeStatus = "merged"
	WorktreeStatusDeleted WorktreeStatus = "deleted"
)

type WorktreeRecord struct {
	Header
	Path string `bson:"path" json:"path"`
	Branch string `bson:"branch" json:"branch"`
	BaseCommit string `bson:"base_commit" json:"base_commit"`
	LastCommit string `bson:"last_commit,omitempty" json:"last_commit,omitempty"`
	Status WorktreeStatus `bson:"status" json:"status"`
	HasUncommitted bool `bson:"has_uncommitted" json:"has_uncommitted"`
	TaskID string `bson:"task_id,omitempty" json:"task_id,omitempty"`
	AgentID string `bson:"agent_id,omitempty" json:"agent_id,omitempty"`
	LastUsed time.Time `bson:"last_used" json:"last_used"`
}

// Community is a hierarchical, modularity-detected cluster of entities.
type Community struct {
	Header
	MemberIDs []string `bson:"member_ids" json:"member_ids"`
	Level int `bson:"level" json:"level"`
	Resolution float64 `bson:"resolution" json:"resolution"`
	Modularity float64 `bson:"modularity" json:"modularity"`
	ParentCommunityID string `bson:"parent_community_id,omitempty" json:"parent_community_id,omitempty"`
	ChildCommunityIDs []string `bson:"child_community_ids,omitempty" json:"child_community_ids,omitempty"`
	Summary string `bson:"summary,omitempty" json:"summary,omitempty"`
	KeyConcepts []string `bson:"key_concepts,omitempty" json:"key_concepts,omitempty"`
}

// HistoryEntry is one reduced turn of an agent's conversation, the
// typed summary a Checkpoint retains instead of the full message body.
type HistoryEntry struct {
	Kind string `bson:"kind" json:"kind"` // "user" | "assistant" | "result" | "event"
	Content string `bson:"content,omitempty" json:"content,omitempty"`
	Model string `bson:"model,omitempty" json:"model,omitempty"`
	Subtype string `bson:"subtype,omitempty" json:"subtype,omitempty"`
	DurationMS int64 `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	TotalCostUSD float64 `bson:"total_cost_usd,omitempty" json:"total_cost_usd,omitempty"`
}

// Checkpoint is a serializable snapshot of an agent's progress, taken
// on pause, terminate, stale detection, and explicit milestones, so the
// orchestrator can resume an agent without replaying its full history.
type Checkpoint struct {
	Header
	AgentID string `bson:"agent_id" json:"agent_id"`
	TaskID string `bson:"task_id,omitempty" json:"task_id,omitempty"`
	CurrentStep string `bson:"current_step,omitempty" json:"current_step,omitempty"`
	ConversationHistory []HistoryEntry `bson:"conversation_history,omitempty" json:"conversation_history,omitempty"`
	TokensUsed int64 `bson:"tokens_used" json:"tokens_used"`
	CostUSD float64 `bson:"cost_usd" json:"cost_usd"`
	SessionID string `bson:"session_id,omitempty" json:"session_id,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// RelationshipType enumerates the edge kinds of the relationship graph.
type RelationshipType string

const (
	RelBelongsTo RelationshipType = "BELONGS_TO"
	RelDependsOn RelationshipType = "DEPENDS_ON"
	RelDerivedFrom RelationshipType = "DERIVED_FROM"
	RelReferences RelationshipType = "REFERENCES"
	RelRequires RelationshipType = "REQUIRES"
	RelPartOf RelationshipType = "PART_OF"
	RelRelatedTo RelationshipType = "RELATED_TO"
	RelDocumentedIn RelationshipType = "DOCUMENTED_IN"
)

// Relationship is never owned by an entity in memory — it is a row
// retrieved per-query from the graph store.
type Relationship struct {
	SourceID string `bson:"source_id" json:"source_id"`
	TargetID string `bson:"target_id" json:"target_id"`
	RelationshipType RelationshipType `bson:"relationship_type" json:"relationship_type"`
	Weight float64 `bson:"weight" json:"weight"`
	Metadata map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	GroupID string `bson:"group_id" json:"group_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// SanitizeBreadcrumb joins non-empty heading segments with " > ",
// used by both the chunker's heading_path and the retrieval engine's
// breadcrumb prefixing.
func SanitizeBreadcrumb(parts []string) string {
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " > ")
}
