package retrieval

import (
	"context"
	"fmt"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
	"github.com/sibyl-platform/sibyl/internal/tenant"
	"go.mongodb.org/mongo-driver/bson"
)

// ExploreMode selects one of four navigation modes.
type ExploreMode string

const (
	ExploreList ExploreMode = "list"
	ExploreRelated ExploreMode = "related"
	ExploreTraverse ExploreMode = "traverse"
	ExploreDependencies ExploreMode = "dependencies"
)

// ExploreNode is one entry of an explore result, annotated with the
// hop depth it was discovered at (0 for the seed itself).
type ExploreNode struct {
	ID string
	EntityType string
	Name string
	Depth int
	Metadata map[string]any
}

// Explore implements the list|related|traverse|dependencies navigation
// operation.
func (e *Engine) Explore(ctx context.Context, scope tenant.Scope, mode ExploreMode, entityID string, entityTypes []entity.Kind, depth int) ([]ExploreNode, error) {
	switch mode {
	case ExploreList:
		return e.exploreList(ctx, scope, entityTypes)
	case ExploreRelated:
		return e.exploreRelated(ctx, scope, entityID, depth)
	case ExploreTraverse:
		return e.exploreTraverse(ctx, scope, entityID, depth)
	case ExploreDependencies:
		return e.exploreDependencies(ctx, scope, entityID)
	default:
		return nil, sibylerr.Validation(fmt.Sprintf("unknown explore mode: %s", mode))
	}
}

func (e *Engine) exploreList(ctx context.Context, scope tenant.Scope, types []entity.Kind) ([]ExploreNode, error) {
	filter := bson.M{}
	if len(types) > 0 {
		filter["entity_type"] = bson.M{"$in": types}
	}
	docs, err := e.graph.Query(ctx, scope.OrganizationID, filter, 500)
	if err != nil {
		return nil, err
	}
	var out []ExploreNode
	for _, d := range docs {
		projectID := asString(d["project_id"])
		if !scope.ProjectAccessible(projectID) {
			continue
		}
		out = append(out, ExploreNode{ID: asString(d["_id"]), EntityType: asString(d["entity_type"]), Name: asString(d["name"])})
	}
	return out, nil
}

// exploreRelated returns the immediate neighbors of entityID in either
// direction, one hop, unweighted.
func (e *Engine) exploreRelated(ctx context.Context, scope tenant.Scope, entityID string, _ int) ([]ExploreNode, error) {
	out, err := e.neighborNodes(ctx, scope.OrganizationID, entityID, true)
	if err != nil {
		return nil, err
	}
	in, err := e.neighborNodes(ctx, scope.OrganizationID, entityID, false)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

func (e *Engine) neighborNodes(ctx context.Context, tenantID, entityID string, outgoing bool) ([]ExploreNode, error) {
	rels, err := e.graph.Neighbors(ctx, tenantID, entityID, nil, outgoing)
	if err != nil {
		return nil, err
	}
	var out []ExploreNode
	for _, rel := range rels {
		targetID := rel.TargetID
		if !outgoing {
			targetID = rel.SourceID
		}
		ent, err := e.graph.GetEntity(ctx, tenantID, targetID)
		if err != nil {
			continue
		}
		out = append(out, ExploreNode{ID: targetID, EntityType: asString(ent["entity_type"]), Name: asString(ent["name"]), Depth: 1})
	}
	return out, nil
}

// exploreTraverse runs a breadth-first walk outward from entityID up to
// depth hops, visiting each node once.
func (e *Engine) exploreTraverse(ctx context.Context, scope tenant.Scope, entityID string, depth int) ([]ExploreNode, error) {
	if depth <= 0 {
		depth = 2
	}
	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	var out []ExploreNode

	for d := 1; d <= depth; d++ {
		var next []string
		for _, id := range frontier {
			rels, err := e.graph.Neighbors(ctx, scope.OrganizationID, id, nil, true)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if visited[rel.TargetID] {
					continue
				}
				visited[rel.TargetID] = true
				ent, err := e.graph.GetEntity(ctx, scope.OrganizationID, rel.TargetID)
				if err != nil {
					continue
				}
				out = append(out, ExploreNode{ID: rel.TargetID, EntityType: asString(ent["entity_type"]), Name: asString(ent["name"]), Depth: d})
				next = append(next, rel.TargetID)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return out, nil
}

// exploreDependencies walks DEPENDS_ON edges from entityID and returns
// them in reverse-topological order (dependencies before dependents),
// detecting cycles via a DFS coloring so a bad DEPENDS_ON loop surfaces
// as an error instead of an infinite walk.
func (e *Engine) exploreDependencies(ctx context.Context, scope tenant.Scope, entityID string) ([]ExploreNode, error) {
	const (
		white = 0
		gray = 1
		black = 2
	)
	color := map[string]int{}
	var order []string
	nodes := map[string]ExploreNode{}

	var visit func(id string, depth int) error
	visit = func(id string, depth int) error {
		color[id] = gray
		rels, err := e.graph.Neighbors(ctx, scope.OrganizationID, id, []entity.RelationshipType{entity.RelDependsOn}, true)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			switch color[rel.TargetID] {
			case gray:
				return sibylerr.DependencyCycle(rel.TargetID)
			case black:
				continue
			}
			ent, err := e.graph.GetEntity(ctx, scope.OrganizationID, rel.TargetID)
			if err != nil {
				continue
			}
			nodes[rel.TargetID] = ExploreNode{ID: rel.TargetID, EntityType: asString(ent["entity_type"]), Name: asString(ent["name"]), Depth: depth + 1}
			if err := visit(rel.TargetID, depth+1); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	if err := visit(entityID, 0); err != nil {
		return nil, err
	}

	// order is post-order (dependencies emitted before their dependents
	// finish), which is already reverse-topological; drop the seed
	// itself and preserve discovery order for determinism.
	out := make([]ExploreNode, 0, len(order))
	for _, id := range order {
		if id == entityID {
			continue
		}
		out = append(out, nodes[id])
	}
	return out, nil
}
