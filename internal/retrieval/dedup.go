package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/tenant"
)

// DuplicatePair is a candidate pair surfaced by entity dedup: two entities of the same type whose name embeddings are
// cosine-close and whose name tokens overlap enough to be the same
// real-world thing, not just topically related.
type DuplicatePair struct {
	EntityTypeA string
	IDA string
	NameA string
	IDB string
	NameB string
	CosineSim float64
	NameOverlap float64
}

// DedupConfig tunes the thresholds FindDuplicates requires a pair to
// clear before it's reported.
type DedupConfig struct {
	CosineThreshold float64 // default 0.95
	JaccardMin float64 // default 0.3
}

func DefaultDedupConfig() DedupConfig {
	return DedupConfig{CosineThreshold: 0.95, JaccardMin: 0.3}
}

// FindDuplicates scans every entity of the given types within the
// tenant's scope and returns pairwise candidates above both the cosine
// and Jaccard thresholds. O(n^2) over the candidate set, acceptable
// since it runs as a periodic maintenance job rather than inline with
// a request.
func (e *Engine) FindDuplicates(ctx context.Context, scope tenant.Scope, types []entity.Kind, cfg DedupConfig) ([]DuplicatePair, error) {
	docs, err := e.graph.Query(ctx, scope.OrganizationID, bson.M{"entity_type": bson.M{"$in": types}}, 0)
	if err != nil {
		return nil, err
	}

	var pairs []DuplicatePair
	for i := 0; i < len(docs); i++ {
		vi, oki := embeddingOf(docs[i])
		if !oki {
			continue
		}
		for j := i + 1; j < len(docs); j++ {
			if asString(docs[i]["entity_type"]) != asString(docs[j]["entity_type"]) {
				continue
			}
			vj, okj := embeddingOf(docs[j])
			if !okj {
				continue
			}
			sim := cosineSimilarity(vi, vj)
			if sim < cfg.CosineThreshold {
				continue
			}
			overlap := jaccardTokens(asString(docs[i]["name"]), asString(docs[j]["name"]))
			if overlap < cfg.JaccardMin {
				continue
			}
			pairs = append(pairs, DuplicatePair{
				EntityTypeA: asString(docs[i]["entity_type"]),
				IDA: asString(docs[i]["_id"]), NameA: asString(docs[i]["name"]),
				IDB: asString(docs[j]["_id"]), NameB: asString(docs[j]["name"]),
				CosineSim: sim, NameOverlap: overlap,
			})
		}
	}
	return pairs, nil
}

func embeddingOf(d bson.M) ([]float32, bool) {
	raw, ok := d["name_embedding"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case bson.A:
		out := make([]float32, 0, len(v))
		for _, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, float32(f))
		}
		return out, len(out) > 0
	case []float32:
		return v, len(v) > 0
	default:
		return nil, false
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func jaccardTokens(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

// Merge folds mergeID into keepID: relationships
// touching mergeID are redirected onto keepID, keepID's metadata is
// union-merged with mergeID's, and mergeID is deleted. The caller is
// responsible for holding both entities' locks for the duration.
func (e *Engine) Merge(ctx context.Context, scope tenant.Scope, keepID, mergeID string) error {
	if keepID == mergeID {
		return fmt.Errorf("retrieval: cannot merge an entity into itself (%s)", keepID)
	}

	keep, err := e.graph.GetEntity(ctx, scope.OrganizationID, keepID)
	if err != nil {
		return err
	}
	drop, err := e.graph.GetEntity(ctx, scope.OrganizationID, mergeID)
	if err != nil {
		return err
	}

	merged := mergeMetadata(keep, drop)
	h := entity.Header{
		ID: keepID, EntityType: entity.Kind(asString(keep["entity_type"])),
		Name: asString(keep["name"]), Description: asString(keep["description"]),
		Content: asString(keep["content"]), OrganizationID: scope.OrganizationID,
		ProjectID: asString(keep["project_id"]),
	}
	if err := e.graph.UpsertEntity(ctx, scope.OrganizationID, h, bson.M{"metadata": merged}); err != nil {
		return err
	}

	if err := e.graph.RedirectRelationships(ctx, scope.OrganizationID, mergeID, keepID); err != nil {
		return err
	}

	if e.keyword != nil {
		_ = e.keyword.DeleteEntity(scope.OrganizationID, mergeID)
	}
	e.caches.InvalidateEntity(keepID)
	e.caches.InvalidateEntity(mergeID)

	return e.graph.DeleteEntity(ctx, scope.OrganizationID, mergeID)
}

func mergeMetadata(a, b bson.M) map[string]string {
	out := map[string]string{}
	if am, ok := a["metadata"].(bson.M); ok {
		for k, v := range am {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	if bm, ok := b["metadata"].(bson.M); ok {
		for k, v := range bm {
			if _, exists := out[k]; !exists {
				out[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	return out
}
