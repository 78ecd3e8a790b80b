// Package retrieval is the Hybrid Retrieval Engine: vector search, BM25, graph traversal, RRF fusion,
// temporal boost, and document-level dedup, fused into one ranked
// result list plus an `explore` traversal surface.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/cache"
	"github.com/sibyl-platform/sibyl/internal/docstore"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/ingest"
	"github.com/sibyl-platform/sibyl/internal/tenant"
)

// Config tunes the engine's defaults.
type Config struct {
	RRFK int
	DecayDays float64
	TraversalDepth int
	DocMinSimilarity float64
	GraphListWeights map[string]float64 // "vector" | "traversal" | "bm25"
}

func DefaultConfig() Config {
	return Config{
		RRFK: 60,
		DecayDays: 365,
		TraversalDepth: 2,
		DocMinSimilarity: 0.5,
		GraphListWeights: map[string]float64{"vector": 1.0, "traversal": 0.6, "bm25": 0.8},
	}
}

var defaultSearchTypes = []entity.Kind{
	entity.KindPattern, entity.KindRule, entity.KindTemplate, entity.KindTopic,
	entity.KindEpisode, entity.KindTask, entity.KindProject,
}

// Filters narrows a search beyond what the vector index alone can
// express.
type Filters struct {
	EntityTypes []entity.Kind
	Languages []string
	CategorySub string
	Statuses map[string]struct{}
	Assignee string
	Since *time.Time
	BoostRecent bool
	// ExcludeContent trims document-stream snippets to a short preview
	// instead of the full truncated chunk.
	ExcludeContent bool
}

// Origin tags whether a fused result came from the graph or the
// document stream.
type Origin string

const (
	OriginGraph Origin = "graph"
	OriginDocument Origin = "document"
)

// Result is one ranked, fused item returned by Search.
type Result struct {
	ID string
	EntityType string
	Name string
	Content string
	Score float64
	Origin Origin
	DocumentID string
	Trace map[string]int // list name -> rank within that list (1-based)
	Metadata map[string]any
}

// Engine is the hybrid retrieval engine.
type Engine struct {
	graph *graphstore.Adapter
	docs *docstore.Store
	caches *cache.Set
	embedder ingest.Embedder
	keyword *KeywordIndex
	cfg Config
	logger *zap.Logger
}

// New builds an Engine.
func New(graph *graphstore.Adapter, docs *docstore.Store, caches *cache.Set, embedder ingest.Embedder, keyword *KeywordIndex, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{graph: graph, docs: docs, caches: caches, embedder: embedder, keyword: keyword, cfg: cfg, logger: logger}
}

// Search runs the fused graph+document hybrid search and returns a
// paginated, ranked result list.
func (e *Engine) Search(ctx context.Context, scope tenant.Scope, query string, filters Filters, limit, offset int) ([]Result, error) {
	cacheKey := cache.SearchKey(scope.OrganizationID+"|"+query, filtersCacheTuple(filters))
	if cached, ok := e.caches.Search.Get(cacheKey); ok {
		if results, ok := cached.([]Result); ok {
			return paginate(results, offset, limit), nil
		}
	}

	graphResults, err := e.graphStream(ctx, scope, query, filters)
	if err != nil {
		return nil, err
	}

	var docResults []Result
	if query != "" {
		docResults, err = e.documentStream(ctx, scope, query, limit, !filters.ExcludeContent)
		if err != nil {
			return nil, err
		}
	}

	merged := mergeByMaxScore(append(graphResults, docResults...))
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	e.caches.Search.Set(cacheKey, merged)
	return paginate(merged, offset, limit), nil
}

func filtersCacheTuple(f Filters) map[string]string {
	m := map[string]string{
		"category": f.CategorySub,
		"assignee": f.Assignee,
		"languages": strings.Join(f.Languages, ","),
	}
	if f.Since != nil {
		m["since"] = f.Since.Format(time.RFC3339)
	}
	return m
}

func paginate(results []Result, offset, limit int) []Result {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return nil
	}
	end := len(results)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return results[offset:end]
}

// graphStream implements graph stream: vector seed ->
// optional traversal -> optional BM25 -> RRF fuse -> temporal boost ->
// in-process filters -> dedup by max score.
func (e *Engine) graphStream(ctx context.Context, scope tenant.Scope, query string, filters Filters) ([]Result, error) {
	types := filters.EntityTypes
	if len(types) == 0 {
		types = defaultSearchTypes
	}

	var lists = map[string][]Result{}

	if query != "" && e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, []string{query})
		if err != nil {
			e.logger.Warn("query embedding failed, degrading to filtered list", zap.Error(err))
		} else if len(vec) > 0 {
			hits, err := e.graph.VectorSearch(ctx, scope.OrganizationID, types, vec[0], 50)
			if err != nil {
				return nil, err
			}
			lists["vector"] = hitsToResults(hits)

			if len(hits) > 0 {
				traversal, err := e.traverse(ctx, scope.OrganizationID, hits, e.cfg.TraversalDepth)
				if err != nil {
					e.logger.Warn("graph traversal failed (non-fatal)", zap.Error(err))
				} else {
					lists["traversal"] = traversal
				}
			}
		}

		if e.keyword != nil {
			bm25, err := e.keyword.Search(scope.OrganizationID, query, 50)
			if err != nil {
				e.logger.Warn("bm25 search failed (non-fatal)", zap.Error(err))
			} else {
				lists["bm25"] = bm25
			}
		}
	}

	var fused []Result
	if len(lists) == 0 {
		// Empty query with task filters degenerates to a filtered list
		// from the graph stream only.
		docs, err := e.graph.Query(ctx, scope.OrganizationID, bson.M{"entity_type": bson.M{"$in": types}}, 200)
		if err != nil {
			return nil, err
		}
		fused = docsToResults(docs)
	} else {
		fused = FuseRRF(lists, e.cfg.RRFK, e.cfg.GraphListWeights)
	}

	if filters.BoostRecent {
		applyTemporalBoost(fused, e.cfg.DecayDays)
	}

	fused = applyInProcessFilters(fused, scope, filters)
	return mergeByMaxScore(fused), nil
}

func hitsToResults(hits []graphstore.VectorHit) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, docToResult(h.Entity, h.Score))
	}
	return out
}

func docsToResults(docs []bson.M) []Result {
	out := make([]Result, 0, len(docs))
	for _, d := range docs {
		out = append(out, docToResult(d, 0))
	}
	return out
}

func docToResult(d bson.M, score float64) Result {
	r := Result{
		ID: asString(d["_id"]),
		EntityType: asString(d["entity_type"]),
		Name: asString(d["name"]),
		Content: asString(d["content"]),
		Score: score,
		Origin: OriginGraph,
		Metadata: map[string]any{
			"created_at": d["created_at"], "updated_at": d["updated_at"],
			"project_id": d["project_id"], "status": d["status"],
			"languages": d["languages"], "assignees": d["assignees"],
		},
	}
	return r
}

// stringSliceOf reads a []string out of a bson-decoded field, which
// arrives as either bson.A (driver default) or []string (already
// typed, e.g. in tests).
func stringSliceOf(v any) []string {
	switch vv := v.(type) {
	case bson.A:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	default:
		return nil
	}
}

func sliceOverlaps(a, b []string) bool {
	if len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func sliceContains(a []string, v string) bool {
	for _, s := range a {
		if s == v {
			return true
		}
	}
	return false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// traverse walks outgoing edges up to depth hops from each vector seed,
// collecting unique neighbor entities.
func (e *Engine) traverse(ctx context.Context, tenantID string, seeds []graphstore.VectorHit, depth int) ([]Result, error) {
	visited := map[string]bool{}
	var frontier []string
	for _, s := range seeds {
		frontier = append(frontier, asString(s.Entity["_id"]))
		visited[asString(s.Entity["_id"])] = true
	}

	var results []Result
	for d := 0; d < depth; d++ {
		var next []string
		for _, id := range frontier {
			rels, err := e.graph.Neighbors(ctx, tenantID, id, nil, true)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if visited[rel.TargetID] {
					continue
				}
				visited[rel.TargetID] = true
				next = append(next, rel.TargetID)
				ent, err := e.graph.GetEntity(ctx, tenantID, rel.TargetID)
				if err != nil {
					continue
				}
				results = append(results, docToResult(ent, rel.Weight))
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return results, nil
}

// documentStream implements document stream.
func (e *Engine) documentStream(ctx context.Context, scope tenant.Scope, query string, limit int, includeContent bool) ([]Result, error) {
	if e.embedder == nil {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vec) == 0 {
		return nil, nil
	}

	topN := limit * 5
	if topN <= 0 {
		topN = 25
	}
	chunks, sims, err := e.docs.SimilarChunks(ctx, scope.OrganizationID, vec[0], topN, e.cfg.DocMinSimilarity)
	if err != nil {
		return nil, err
	}

	bestPerDoc := map[string]Result{}
	for i, c := range chunks {
		if strings.HasPrefix(c.DocumentID, "file://") {
			continue // defensive; SimilarChunks already leaves out file:// documents by URL
		}
		content := c.Content
		maxLen := 500
		if !includeContent {
			maxLen = 200
		}
		if len(content) > maxLen {
			content = content[:maxLen]
		}
		if c.HeadingPath != "" {
			content = c.HeadingPath + " — " + content
		}
		r := Result{
			ID: c.DocumentID + "#" + c.ID,
			DocumentID: c.DocumentID,
			Content: content,
			Score: sims[i],
			Origin: OriginDocument,
		}
		if existing, ok := bestPerDoc[c.DocumentID]; !ok || r.Score > existing.Score {
			bestPerDoc[c.DocumentID] = r
		}
	}

	out := make([]Result, 0, len(bestPerDoc))
	for _, r := range bestPerDoc {
		out = append(out, r)
	}
	return out, nil
}

func applyTemporalBoost(results []Result, decayDays float64) {
	for i := range results {
		createdAt, ok := results[i].Metadata["created_at"].(time.Time)
		if !ok {
			continue
		}
		ageDays := time.Since(createdAt).Hours() / 24
		boost := math.Exp(-ageDays / decayDays)
		results[i].Score *= boost
	}
}

func applyInProcessFilters(results []Result, scope tenant.Scope, filters Filters) []Result {
	out := results[:0]
	for _, r := range results {
		projectID := ""
		if r.Metadata != nil {
			projectID, _ = r.Metadata["project_id"].(string)
		}
		if !scope.ProjectAccessible(projectID) {
			continue
		}
		if len(filters.Statuses) > 0 {
			status, _ := r.Metadata["status"].(string)
			if _, ok := filters.Statuses[status]; !ok {
				continue
			}
		}
		if filters.CategorySub != "" {
			if !strings.Contains(strings.ToLower(r.Name), strings.ToLower(filters.CategorySub)) {
				continue
			}
		}
		if len(filters.Languages) > 0 {
			languages := stringSliceOf(r.Metadata["languages"])
			if !sliceOverlaps(languages, filters.Languages) {
				continue
			}
		}
		if filters.Assignee != "" {
			assignees := stringSliceOf(r.Metadata["assignees"])
			if !sliceContains(assignees, filters.Assignee) {
				continue
			}
		}
		if filters.Since != nil {
			updatedAt, ok := r.Metadata["updated_at"].(time.Time)
			if !ok {
				updatedAt, ok = r.Metadata["created_at"].(time.Time)
			}
			if !ok || updatedAt.Before(*filters.Since) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// mergeByMaxScore deduplicates results by id, keeping the max score
// across duplicates.
func mergeByMaxScore(results []Result) []Result {
	best := map[string]Result{}
	for _, r := range results {
		key := r.ID
		if existing, ok := best[key]; !ok || r.Score > existing.Score {
			best[key] = r
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}
