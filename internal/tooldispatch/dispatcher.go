// Package tooldispatch is the Tool Dispatcher: the four externally visible operations (search,
// explore, add, manage) that resolve a tenant scope from the
// authenticated caller before invoking the core.
//
// Tool registration follows the mcp.Tool + jsonschema.Schema +
// server.AddTool idiom, generalized from file/bash/code tools to the
// knowledge-and-agent operations this system exposes, and uses
// lock.Manager.WithLock for the task state machine's per-entity
// serialization.
package tooldispatch

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/community"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/lock"
	"github.com/sibyl-platform/sibyl/internal/queue"
	"github.com/sibyl-platform/sibyl/internal/retrieval"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
	"github.com/sibyl-platform/sibyl/internal/tenant"
	"github.com/sibyl-platform/sibyl/internal/worktree"
)

const (
	maxTitleLength = 200
	maxContentLength = 50_000

	autoLinkThreshold = 0.75
	autoLinkLimit = 5
)

// Dispatcher wires the four MCP-facing tool operations to the core.
type Dispatcher struct {
	graph *graphstore.Adapter
	retrieval *retrieval.Engine
	locks *lock.Manager
	jobs *queue.Queue
	community *community.Detector
	worktrees *worktree.Manager
	keywordIndex *retrieval.KeywordIndex
	logger *zap.Logger
	autoLink bool
	asyncAdd bool
}

type Config struct {
	AutoLink bool // run similarity-based auto-linking after add
	AsyncAdd bool // enqueue create_entity instead of creating synchronously
}

func New(graph *graphstore.Adapter, retrievalEngine *retrieval.Engine, locks *lock.Manager, jobs *queue.Queue, detector *community.Detector, worktrees *worktree.Manager, keywordIndex *retrieval.KeywordIndex, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		graph: graph, retrieval: retrievalEngine, locks: locks, jobs: jobs,
		community: detector, worktrees: worktrees, keywordIndex: keywordIndex, logger: logger,
		autoLink: cfg.AutoLink, asyncAdd: cfg.AsyncAdd,
	}
}

// Search resolves the caller's tenant scope and runs the hybrid
// retrieval engine.
func (d *Dispatcher) Search(ctx context.Context, query string, filters retrieval.Filters, limit, offset int) ([]retrieval.Result, error) {
	scope, err := tenant.FromContext(ctx, "tool_dispatch.search")
	if err != nil {
		return nil, err
	}
	return d.retrieval.Search(ctx, scope, query, filters, limit, offset)
}

// Explore resolves the caller's tenant scope and runs a graph
// exploration.
func (d *Dispatcher) Explore(ctx context.Context, mode retrieval.ExploreMode, startID string, entityTypes []entity.Kind, depth int) ([]retrieval.ExploreNode, error) {
	scope, err := tenant.FromContext(ctx, "tool_dispatch.explore")
	if err != nil {
		return nil, err
	}
	return d.retrieval.Explore(ctx, scope, mode, startID, entityTypes, depth)
}

// AddRequest is the add tool's input.
type AddRequest struct {
	Title string
	Content string
	EntityType entity.Kind
	ProjectID string
	Metadata map[string]string
	Sync bool // explicit opt-in to synchronous creation
}

// AddResult reports the id assigned to the new entity, materialized
// synchronously or not depending on the request/dispatcher config.
type AddResult struct {
	ID string
	Async bool
}

// Add validates and creates (or enqueues) a new entity, then runs
// auto-linking if enabled.
func (d *Dispatcher) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	scope, err := tenant.FromContext(ctx, "tool_dispatch.add")
	if err != nil {
		return nil, err
	}
	if len(req.Title) > maxTitleLength {
		return nil, sibylerr.Validation(fmt.Sprintf("title exceeds %d characters", maxTitleLength))
	}
	if len(req.Content) > maxContentLength {
		return nil, sibylerr.Validation(fmt.Sprintf("content exceeds %d characters", maxContentLength))
	}
	if req.EntityType == "" {
		return nil, sibylerr.Validation("entity_type is required")
	}
	if (req.EntityType == entity.KindEpic || req.EntityType == entity.KindTask) && req.ProjectID == "" {
		return nil, sibylerr.Validation("project_id is required for epics and tasks")
	}

	header := entity.Header{
		ID: entity.DeterministicID(req.EntityType, scope.OrganizationID, req.Title, req.ProjectID),
		EntityType: req.EntityType,
		Name: req.Title,
		Content: req.Content,
		OrganizationID: scope.OrganizationID,
		ProjectID: req.ProjectID,
		Metadata: req.Metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	sync := req.Sync && !d.asyncAdd
	if !sync {
		if _, err := d.jobs.Enqueue(ctx, scope.OrganizationID, queue.JobCreateEntity, header); err != nil {
			return nil, fmt.Errorf("tool_dispatch: enqueueing create_entity: %w", err)
		}
		return &AddResult{ID: header.ID, Async: true}, nil
	}

	if err := d.graph.UpsertEntity(ctx, scope.OrganizationID, header, bson.M{}); err != nil {
		return nil, fmt.Errorf("tool_dispatch: creating entity: %w", err)
	}
	if d.autoLink {
		d.runAutoLink(ctx, scope, header)
	}
	return &AddResult{ID: header.ID, Async: false}, nil
}

// runAutoLink searches for entities similar to the newly created one
// and writes RELATED_TO edges annotated auto_linked=true. Failures are
// logged, not propagated — auto-linking is a convenience, not a
// correctness requirement of add.
func (d *Dispatcher) runAutoLink(ctx context.Context, scope tenant.Scope, h entity.Header) {
	results, err := d.retrieval.Search(ctx, scope, h.Name+" "+h.Content, retrieval.Filters{}, autoLinkLimit, 0)
	if err != nil {
		d.logger.Warn("auto-link search failed (non-fatal)", zap.Error(err), zap.String("entity_id", h.ID))
		return
	}
	for _, r := range results {
		if r.ID == h.ID || r.Score < autoLinkThreshold {
			continue
		}
		rel := entity.Relationship{
			SourceID: h.ID, TargetID: r.ID, RelationshipType: entity.RelRelatedTo,
			Weight: r.Score, Metadata: map[string]string{"auto_linked": "true"},
			GroupID: scope.OrganizationID, CreatedAt: time.Now(),
		}
		if err := d.graph.UpsertRelationship(ctx, rel); err != nil {
			d.logger.Warn("auto-link edge write failed (non-fatal)", zap.Error(err), zap.String("target_id", r.ID))
		}
	}
}
