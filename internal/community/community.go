// Package community is Community Detection (component
// I): a modularity-maximizing clustering pass over the tenant's
// relationship graph, producing a hierarchy of Community entities.
//
// No Louvain/Leiden implementation turned up anywhere in the retrieved
// pack (grep across every _examples go.mod found no
// gonum/community-style dependency), so this is hand-rolled over plain
// maps — the one part of Sibyl built on the standard library by
// necessity rather than choice, recorded in DESIGN.md.
package community

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/cache"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
)

func toPayload(c entity.Community) bson.M {
	return bson.M{
		"member_ids": c.MemberIDs,
		"level": c.Level,
		"resolution": c.Resolution,
		"modularity": c.Modularity,
		"parent_community_id": c.ParentCommunityID,
		"child_community_ids": c.ChildCommunityIDs,
		"summary": c.Summary,
		"key_concepts": c.KeyConcepts,
	}
}

// Graph is an in-memory undirected, weighted export of a tenant's
// relationship edges, keyed by entity id.
type Graph struct {
	Nodes map[string]bool
	Edges map[string]map[string]float64 // adjacency, symmetric
}

func newGraph() *Graph {
	return &Graph{Nodes: map[string]bool{}, Edges: map[string]map[string]float64{}}
}

func (g *Graph) addEdge(a, b string, weight float64) {
	if a == b {
		return
	}
	g.Nodes[a] = true
	g.Nodes[b] = true
	if g.Edges[a] == nil {
		g.Edges[a] = map[string]float64{}
	}
	if g.Edges[b] == nil {
		g.Edges[b] = map[string]float64{}
	}
	g.Edges[a][b] += weight
	g.Edges[b][a] += weight
}

func (g *Graph) degree(n string) float64 {
	var d float64
	for _, w := range g.Edges[n] {
		d += w
	}
	return d
}

func (g *Graph) totalWeight() float64 {
	var m float64
	for n := range g.Nodes {
		m += g.degree(n)
	}
	return m / 2
}

// Detector runs community detection over a tenant's graph and persists
// the result.
type Detector struct {
	graph *graphstore.Adapter
	caches *cache.Set
	logger *zap.Logger
}

func New(graph *graphstore.Adapter, caches *cache.Set, logger *zap.Logger) *Detector {
	return &Detector{graph: graph, caches: caches, logger: logger}
}

// Config tunes the detection run.
type Config struct {
	Resolution float64 // default 1.0
	MinSize int // communities smaller than this are dropped; default 3
	MaxLevels int // hierarchy depth cap; default 3
}

func DefaultConfig() Config {
	return Config{Resolution: 1.0, MinSize: 3, MaxLevels: 3}
}

// exportGraph builds the in-memory Graph from every relationship in
// the tenant.
func (d *Detector) exportGraph(ctx context.Context, tenantID string) (*Graph, error) {
	rels, err := d.graph.AllRelationships(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	g := newGraph()
	for _, r := range rels {
		w := r.Weight
		if w <= 0 {
			w = 1.0
		}
		g.addEdge(r.SourceID, r.TargetID, w)
	}
	return g, nil
}

// Level is one resolution's partition of the graph: node id -> its
// community label within this level.
type Level struct {
	Assignment map[string]string
	Modularity float64
}

// Run executes the hierarchical community detection pipeline and
// returns the persisted Community entities, each linked to its parent
// via ParentCommunityID and to its children via ChildCommunityIDs.
func (d *Detector) Run(ctx context.Context, tenantID string, cfg Config) ([]entity.Community, error) {
	if cfg.Resolution <= 0 {
		cfg.Resolution = 1.0
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 3
	}
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = 3
	}

	g, err := d.exportGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(g.Nodes) == 0 {
		return nil, nil
	}

	var levels []Level
	current := g
	membership := identityMembership(g)

	for level := 0; level < cfg.MaxLevels; level++ {
		partition, modularity := louvainPass(current, cfg.Resolution)
		if len(distinctValues(partition)) == len(current.Nodes) {
			// No merge happened; further aggregation is a no-op.
			break
		}
		membership = composeMembership(membership, partition)
		levels = append(levels, Level{Assignment: cloneAssignment(membership), Modularity: modularity})
		current = aggregate(current, partition)
		if len(current.Nodes) <= 1 {
			break
		}
	}

	if len(levels) == 0 {
		return nil, nil
	}

	communities := d.buildCommunityEntities(tenantID, levels, cfg.MinSize)
	if err := d.persist(ctx, tenantID, communities); err != nil {
		return nil, err
	}
	// Every run replaces the tenant's whole Community-typed population
	// (new ids, new membership, new hierarchy), so cached reads of any
	// previously computed community — both the generic entity cache and
	// the dedicated community-summary cache — must be dropped wholesale
	// rather than one id at a time.
	if d.caches != nil {
		d.caches.InvalidateByType(string(entity.KindCommunity))
		d.caches.Community.Clear()
	}
	return communities, nil
}

func identityMembership(g *Graph) map[string]string {
	m := make(map[string]string, len(g.Nodes))
	for n := range g.Nodes {
		m[n] = n
	}
	return m
}

func distinctValues(m map[string]string) map[string]bool {
	out := map[string]bool{}
	for _, v := range m {
		out[v] = true
	}
	return out
}

func cloneAssignment(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// composeMembership maps each original node through the new partition,
// since aggregate relabels nodes to their prior-level community id.
func composeMembership(prior, partition map[string]string) map[string]string {
	out := make(map[string]string, len(prior))
	for node, community := range prior {
		if next, ok := partition[community]; ok {
			out[node] = next
		} else {
			out[node] = community
		}
	}
	return out
}

// louvainPass runs one phase of the Louvain method: greedily move each
// node into the neighboring community that most increases modularity,
// repeating until no move improves it, starting from singleton
// communities.
func louvainPass(g *Graph, resolution float64) (map[string]string, float64) {
	assignment := make(map[string]string, len(g.Nodes))
	for n := range g.Nodes {
		assignment[n] = n
	}

	m2 := 2 * g.totalWeight()
	if m2 == 0 {
		return assignment, 0
	}

	improved := true
	for improved {
		improved = false
		for _, n := range sortedNodes(g) {
			best := assignment[n]
			currentCommunity := assignment[n]

			neighborCommunities := map[string]float64{}
			for neighbor, w := range g.Edges[n] {
				neighborCommunities[assignment[neighbor]] += w
			}

			// Baseline: the gain of staying in the current community, with
			// n's own degree taken out of it, so a move must beat staying put.
			bestGain := neighborCommunities[currentCommunity] - resolution*g.degree(n)*(communityDegree(g, assignment, currentCommunity)-g.degree(n))/m2

			for candidate, weightToCandidate := range neighborCommunities {
				if candidate == currentCommunity {
					continue
				}
				gain := weightToCandidate - resolution*g.degree(n)*communityDegree(g, assignment, candidate)/m2
				if gain > bestGain {
					bestGain = gain
					best = candidate
				}
			}

			if best != assignment[n] {
				assignment[n] = best
				improved = true
			}
		}
	}

	return assignment, modularity(g, assignment, resolution)
}

func sortedNodes(g *Graph) []string {
	out := make([]string, 0, len(g.Nodes))
	for n := range g.Nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func communityDegree(g *Graph, assignment map[string]string, community string) float64 {
	var total float64
	for n, c := range assignment {
		if c == community {
			total += g.degree(n)
		}
	}
	return total
}

// modularity computes Newman's Q at the given resolution.
func modularity(g *Graph, assignment map[string]string, resolution float64) float64 {
	m2 := 2 * g.totalWeight()
	if m2 == 0 {
		return 0
	}
	var q float64
	communityDegrees := map[string]float64{}
	for n, nCommunity := range assignment {
		communityDegrees[nCommunity] += g.degree(n)
		for neighbor, w := range g.Edges[n] {
			if assignment[neighbor] == nCommunity {
				q += w
			}
		}
	}
	for _, d := range communityDegrees {
		q -= resolution * d * d / m2
	}
	return q / m2
}

// aggregate collapses each community into a single super-node for the
// next hierarchy level, with inter-community edge weights summed.
func aggregate(g *Graph, partition map[string]string) *Graph {
	out := newGraph()
	for n := range g.Nodes {
		out.Nodes[partition[n]] = true
	}
	for a, neighbors := range g.Edges {
		for b, w := range neighbors {
			if a > b {
				continue // the adjacency is symmetric; count each undirected edge once
			}
			ca, cb := partition[a], partition[b]
			if ca == cb {
				continue // self-loops within a community don't affect inter-level structure
			}
			out.addEdge(ca, cb, w)
		}
	}
	return out
}

// buildCommunityEntities turns the level hierarchy into persisted
// Community records, filtering any community under minSize and wiring
// parent/child ids across levels.
func (d *Detector) buildCommunityEntities(tenantID string, levels []Level, minSize int) []entity.Community {
	var out []entity.Community
	idByLevelCommunity := map[int]map[string]string{}

	for levelIdx, lvl := range levels {
		members := map[string][]string{}
		for node, community := range lvl.Assignment {
			members[community] = append(members[community], node)
		}

		idByLevelCommunity[levelIdx] = map[string]string{}
		for community, nodes := range members {
			if len(nodes) < minSize {
				continue
			}
			sort.Strings(nodes)
			id := entity.DeterministicID(entity.KindCommunity, tenantID, fmt.Sprintf("level-%d", levelIdx), community)
			idByLevelCommunity[levelIdx][community] = id

			var parentID string
			if levelIdx+1 < len(levels) {
				if parentCommunity, ok := levels[levelIdx+1].Assignment[nodes[0]]; ok {
					parentID = entity.DeterministicID(entity.KindCommunity, tenantID, fmt.Sprintf("level-%d", levelIdx+1), parentCommunity)
				}
			}

			out = append(out, entity.Community{
				Header: entity.Header{
					ID: id,
					EntityType: entity.KindCommunity,
					Name: fmt.Sprintf("community-%s-l%d", community, levelIdx),
					OrganizationID: tenantID,
				},
				MemberIDs: nodes,
				Level: levelIdx,
				Modularity: lvl.Modularity,
				ParentCommunityID: parentID,
			})
		}
	}

	childrenByParent := map[string][]string{}
	for _, c := range out {
		if c.ParentCommunityID != "" {
			childrenByParent[c.ParentCommunityID] = append(childrenByParent[c.ParentCommunityID], c.ID)
		}
	}
	for i := range out {
		out[i].ChildCommunityIDs = childrenByParent[out[i].ID]
	}

	return out
}

// persist writes each Community entity and its BELONGS_TO edges from
// member to community.
func (d *Detector) persist(ctx context.Context, tenantID string, communities []entity.Community) error {
	for _, c := range communities {
		payload := toPayload(c)
		if err := d.graph.UpsertEntity(ctx, tenantID, c.Header, payload); err != nil {
			return err
		}
		for _, memberID := range c.MemberIDs {
			rel := entity.Relationship{
				SourceID: memberID, TargetID: c.ID,
				RelationshipType: entity.RelBelongsTo,
				Weight: 1.0,
				GroupID: tenantID,
			}
			if err := d.graph.UpsertRelationship(ctx, rel); err != nil {
				d.logger.Warn("community membership edge failed (non-fatal)", zap.Error(err), zap.String("community_id", c.ID))
			}
		}
	}
	return nil
}
