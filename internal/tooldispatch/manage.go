package tooldispatch

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/queue"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

// taskActions maps the manage tool's task-workflow verbs to the status
// they transition to. start_task/submit_review/complete_task etc. are
// the caller-facing vocabulary; TransitionTask only knows statuses.
var taskActions = map[string]entity.TaskStatus{
	"start_task": entity.TaskStatusDoing,
	"block_task": entity.TaskStatusBlocked,
	"unblock_task": entity.TaskStatusDoing,
	"submit_review": entity.TaskStatusReview,
	"request_changes": entity.TaskStatusDoing,
	"complete_task": entity.TaskStatusDone,
	"archive_task": entity.TaskStatusArchived,
	"move_to_backlog": entity.TaskStatusBacklog,
}

// taskTransitions is the state machine of legal task-status
// transitions: every from -> {to...} edge. archived is reachable from
// both backlog and todo directly, besides the normal done -> archived
// path.
var taskTransitions = map[entity.TaskStatus][]entity.TaskStatus{
	entity.TaskStatusBacklog: {entity.TaskStatusTodo, entity.TaskStatusArchived},
	entity.TaskStatusTodo: {entity.TaskStatusDoing, entity.TaskStatusArchived},
	entity.TaskStatusDoing: {entity.TaskStatusReview, entity.TaskStatusBlocked},
	entity.TaskStatusBlocked: {entity.TaskStatusDoing},
	entity.TaskStatusReview: {entity.TaskStatusDone, entity.TaskStatusDoing},
	entity.TaskStatusDone: {entity.TaskStatusArchived},
	entity.TaskStatusArchived: {},
}

func isLegalTransition(from, to entity.TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTask moves a task through the state machine under its
// per-entity lock, rejecting transitions the machine doesn't allow.
func (d *Dispatcher) TransitionTask(ctx context.Context, tenantID, taskID string, to entity.TaskStatus) error {
	return d.TransitionTaskWithData(ctx, tenantID, taskID, to, nil)
}

// TransitionTaskWithData is TransitionTask plus a data payload for the
// transitions that need one: block_task's reason, complete_task's
// learnings (which also spawns a derived Episode).
func (d *Dispatcher) TransitionTaskWithData(ctx context.Context, tenantID, taskID string, to entity.TaskStatus, data map[string]any) error {
	return d.locks.WithLock(ctx, tenantID, taskID, func(ctx context.Context) error {
		doc, err := d.graph.GetEntity(ctx, tenantID, taskID)
		if err != nil {
			return err
		}
		from := entity.TaskStatus(asString(doc["status"]))
		if !isLegalTransition(from, to) {
			return sibylerr.InvalidTransition(string(from), string(to))
		}

		now := time.Now()
		payload := bson.M{"status": to}
		switch to {
		case entity.TaskStatusDoing:
			if from != entity.TaskStatusBlocked && from != entity.TaskStatusReview {
				payload["started_at"] = now
			}
		case entity.TaskStatusReview:
			payload["reviewed_at"] = now
		case entity.TaskStatusBlocked:
			if reason := asString(data["reason"]); reason != "" {
				payload["block_reason"] = reason
			}
		case entity.TaskStatusDone:
			payload["completed_at"] = now
			if learnings := asString(data["learnings"]); learnings != "" {
				payload["learnings"] = learnings
			}
		}

		taskName := asString(doc["name"])
		header := entity.Header{
			ID: taskID, EntityType: entity.KindTask, OrganizationID: tenantID,
			Name: taskName, Description: asString(doc["description"]),
		}
		if err := d.graph.UpsertEntity(ctx, tenantID, header, payload); err != nil {
			return err
		}

		if to == entity.TaskStatusDone {
			return d.spawnCompletionEpisode(ctx, tenantID, taskID, taskName, asString(data["learnings"]))
		}
		return nil
	})
}

// spawnCompletionEpisode records a completed task's learnings as an
// Episode entity derived from the task, per the task lifecycle
// scenario: completing a task always leaves a narrative trace behind
// even when learnings are empty.
func (d *Dispatcher) spawnCompletionEpisode(ctx context.Context, tenantID, taskID, taskName, learnings string) error {
	now := time.Now()
	episodeID := entity.DeterministicID(entity.KindEpisode, tenantID, "task_completed", taskID)
	header := entity.Header{
		ID: episodeID, EntityType: entity.KindEpisode, OrganizationID: tenantID,
		Name: fmt.Sprintf("Completed: %s", taskName),
		Content: learnings,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := d.graph.UpsertEntity(ctx, tenantID, header, bson.M{
		"episode_type": "task_completed",
		"valid_from": now,
	}); err != nil {
		return fmt.Errorf("tool_dispatch: recording completion episode: %w", err)
	}
	return d.graph.UpsertRelationship(ctx, entity.Relationship{
		SourceID: episodeID, TargetID: taskID, RelationshipType: entity.RelDerivedFrom,
		GroupID: tenantID, CreatedAt: now,
	})
}

// AddDependency records a DEPENDS_ON edge from taskID to dependsOnID,
// refusing when the edge would create a cycle. Run under the
// dependent task's lock so concurrent dependency additions serialize.
func (d *Dispatcher) AddDependency(ctx context.Context, tenantID, taskID, dependsOnID string) error {
	return d.locks.WithLock(ctx, tenantID, taskID, func(ctx context.Context) error {
		if taskID == dependsOnID {
			return sibylerr.DependencyCycle(taskID)
		}
		if err := d.wouldCycle(ctx, tenantID, dependsOnID, taskID); err != nil {
			return err
		}
		return d.graph.UpsertRelationship(ctx, entity.Relationship{
			SourceID: taskID, TargetID: dependsOnID, RelationshipType: entity.RelDependsOn,
			GroupID: tenantID, CreatedAt: time.Now(),
		})
	})
}

// wouldCycle reports whether a DEPENDS_ON edge from->to already exists
// transitively, which is exactly the condition under which adding the
// reverse edge (taskID -> dependsOnID) would close a cycle: if
// dependsOnID can already reach taskID, taskID depending on it too
// creates a loop.
func (d *Dispatcher) wouldCycle(ctx context.Context, tenantID, from, to string) error {
	visited := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if id == to {
			return sibylerr.DependencyCycle(to)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		rels, err := d.graph.Neighbors(ctx, tenantID, id, []entity.RelationshipType{entity.RelDependsOn}, true)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			if err := visit(rel.TargetID); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(from)
}

// hasCycleFrom reports whether the DEPENDS_ON subgraph reachable from
// entityID contains a cycle anywhere, via DFS coloring (gray = on the
// current path, black = fully explored). Unlike wouldCycle, which
// checks a single proposed edge, this is a general diagnostic over
// whatever dependency edges already exist.
func (d *Dispatcher) hasCycleFrom(ctx context.Context, tenantID, entityID string) (bool, error) {
	const (
		white = 0
		gray = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) (bool, error)
	visit = func(id string) (bool, error) {
		color[id] = gray
		rels, err := d.graph.Neighbors(ctx, tenantID, id, []entity.RelationshipType{entity.RelDependsOn}, true)
		if err != nil {
			return false, err
		}
		for _, rel := range rels {
			switch color[rel.TargetID] {
			case gray:
				return true, nil
			case black:
				continue
			}
			cyclic, err := visit(rel.TargetID)
			if err != nil || cyclic {
				return cyclic, err
			}
		}
		color[id] = black
		return false, nil
	}
	return visit(entityID)
}

// sourceJobs maps the manage tool's source-operation verbs to the job
// type that performs them; all are enqueued rather than run inline
// since crawls and graph-linking are long-running.
var sourceJobs = map[string]queue.JobType{
	"crawl_source": queue.JobCrawlSource,
	"sync_source": queue.JobSyncSource,
	"refresh_source": queue.JobSyncSource,
	"link_graph": queue.JobLinkGraph,
}

// RunSourceOp enqueues a crawl/sync/refresh/link_graph job for a
// CrawlSource, returning the queued job id immediately; the job runner
// carries the effect through asynchronously and publishes the
// corresponding *_complete event on completion.
func (d *Dispatcher) RunSourceOp(ctx context.Context, tenantID, verb, sourceID string) (string, error) {
	jobType, ok := sourceJobs[verb]
	if !ok {
		return "", sibylerr.Validation("unknown source action: " + verb)
	}
	return d.jobs.Enqueue(ctx, tenantID, jobType, map[string]string{"source_id": sourceID})
}

// AnalysisAction is one of the analysis-bucket operations of the manage tool.
type AnalysisAction string

const (
	AnalysisEstimate AnalysisAction = "estimate"
	AnalysisPrioritize AnalysisAction = "prioritize"
	AnalysisDetectCycles AnalysisAction = "detect_cycles"
	AnalysisSuggest AnalysisAction = "suggest"
)

// RunAnalysis executes one of the analysis-bucket operations against a
// task or project. estimate/prioritize/suggest are heuristic
// read-paths over the existing entity/complexity/priority fields;
// detect_cycles runs hasCycleFrom's walk of the DEPENDS_ON edges
// reachable from the entity, as a read-only diagnostic.
func (d *Dispatcher) RunAnalysis(ctx context.Context, tenantID string, action AnalysisAction, entityID string) (map[string]any, error) {
	switch action {
	case AnalysisDetectCycles:
		has, err := d.hasCycleFrom(ctx, tenantID, entityID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"has_cycle": has}, nil
	case AnalysisEstimate, AnalysisPrioritize, AnalysisSuggest:
		doc, err := d.graph.GetEntity(ctx, tenantID, entityID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"complexity": doc["complexity"],
			"priority": doc["priority"],
			"status": doc["status"],
		}, nil
	default:
		return nil, sibylerr.Validation("unknown analysis action: " + string(action))
	}
}

// AdminAction is one of the admin-bucket operations of the manage tool.
type AdminAction string

const (
	AdminHealth AdminAction = "health"
	AdminStats AdminAction = "stats"
	AdminRebuildIndex AdminAction = "rebuild_index"
	AdminAuditWorktrees AdminAction = "audit_worktrees"
)

// RunAdmin executes one of the admin-bucket operations. health/stats
// are informational; rebuild_index and audit_worktrees touch the
// keyword index and worktree filesystem respectively.
func (d *Dispatcher) RunAdmin(ctx context.Context, tenantID string, action AdminAction) (map[string]any, error) {
	switch action {
	case AdminHealth:
		return map[string]any{"status": "ok"}, nil
	case AdminStats:
		docs, err := d.graph.Query(ctx, tenantID, bson.M{}, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entity_count": len(docs)}, nil
	case AdminRebuildIndex:
		docs, err := d.graph.Query(ctx, tenantID, bson.M{}, 0)
		if err != nil {
			return nil, err
		}
		headers := make([]entity.Header, 0, len(docs))
		for _, doc := range docs {
			headers = append(headers, entity.Header{
				ID: asString(doc["_id"]), EntityType: entity.Kind(asString(doc["entity_type"])),
				Name: asString(doc["name"]), Description: asString(doc["description"]), Content: asString(doc["content"]),
			})
		}
		if err := d.keywordIndex.RebuildFromEntities(tenantID, headers); err != nil {
			return nil, err
		}
		return map[string]any{"reindexed": len(headers)}, nil
	case AdminAuditWorktrees:
		docs, err := d.graph.Query(ctx, tenantID, bson.M{"entity_type": entity.KindWorktree}, 0)
		if err != nil {
			return nil, err
		}
		records := make([]*entity.WorktreeRecord, 0, len(docs))
		for _, doc := range docs {
			records = append(records, &entity.WorktreeRecord{
				Header: entity.Header{ID: asString(doc["_id"])},
				Path: asString(doc["path"]),
				Status: entity.WorktreeStatus(asString(doc["status"])),
			})
		}
		missing, err := d.worktrees.AuditWorktrees(ctx, records)
		if err != nil {
			return nil, err
		}
		return map[string]any{"missing_count": len(missing)}, nil
	default:
		return nil, sibylerr.Validation("unknown admin action: " + string(action))
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
