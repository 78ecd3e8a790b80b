package retrieval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

// KeywordIndex is the BM25 lane of the graph stream, an in-memory Bleve index kept alongside the
// graph store rather than persisted, since it is rebuildable from
// entity headers at any time via RebuildFromEntities.
type KeywordIndex struct {
	mu sync.RWMutex
	idx bleve.Index
}

type indexedEntity struct {
	OrganizationID string `json:"organization_id"`
	EntityType string `json:"entity_type"`
	Name string `json:"name"`
	Description string `json:"description"`
	Content string `json:"content"`
}

// NewKeywordIndex() builds an empty in-memory index with a default text
// mapping for the name/description/content fields Sibyl indexes.
// organization_id uses the keyword analyzer, so a tenant id is kept as
// one exact term for the tenant filter.
func NewKeywordIndex() (*KeywordIndex, error) {
	m := mapping.NewIndexMapping()
	orgField := mapping.NewTextFieldMapping()
	orgField.Analyzer = keyword.Name
	m.DefaultMapping.AddFieldMappingsAt("organization_id", orgField)
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("building keyword index: %w", err)
	}
	return &KeywordIndex{idx: idx}, nil
}

func docID(tenantID, entityID string) string { return tenantID + ":" + entityID }

// IndexEntity inserts or replaces an entity's searchable text. Called
// on every upsert so the BM25 lane stays current with the graph store.
func (k *KeywordIndex) IndexEntity(tenantID string, h entity.Header) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	doc := indexedEntity{
		OrganizationID: tenantID,
		EntityType: string(h.EntityType),
		Name: h.Name,
		Description: h.Description,
		Content: h.Content,
	}
	return k.idx.Index(docID(tenantID, h.ID), doc)
}

// DeleteEntity removes an entity from the index, mirroring a graph
// store delete.
func (k *KeywordIndex) DeleteEntity(tenantID, entityID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idx.Delete(docID(tenantID, entityID))
}

// RebuildFromEntities re-derives tenantID's slice of the index from
// the given headers, the admin `rebuild_index` operation's recovery
// path when the in-memory index has drifted from the graph store. The
// index is shared across tenants, so this only touches tenantID's own
// documents rather than discarding the whole store.
func (k *KeywordIndex) RebuildFromEntities(tenantID string, headers []entity.Header) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	tenantQuery := bleve.NewTermQuery(tenantID)
	tenantQuery.SetField("organization_id")
	req := bleve.NewSearchRequestOptions(tenantQuery, 10_000, 0, false)
	existing, err := k.idx.Search(req)
	if err != nil {
		return fmt.Errorf("rebuilding keyword index: listing existing docs: %w", err)
	}
	for _, hit := range existing.Hits {
		if err := k.idx.Delete(hit.ID); err != nil {
			return fmt.Errorf("rebuilding keyword index: clearing %s: %w", hit.ID, err)
		}
	}

	batch := k.idx.NewBatch()
	for _, h := range headers {
		doc := indexedEntity{
			OrganizationID: tenantID,
			EntityType: string(h.EntityType),
			Name: h.Name,
			Description: h.Description,
			Content: h.Content,
		}
		if err := batch.Index(docID(tenantID, h.ID), doc); err != nil {
			return fmt.Errorf("rebuilding keyword index: staging %s: %w", h.ID, err)
		}
	}
	return k.idx.Batch(batch)
}

// Search runs a BM25 query scoped to tenantID, returning up to limit
// graph-origin results ranked by Bleve's score.
func (k *KeywordIndex) Search(tenantID, query string, limit int) ([]Result, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	textQuery := bleve.NewQueryStringQuery(query)
	tenantQuery := bleve.NewTermQuery(tenantID)
	tenantQuery.SetField("organization_id")
	conjunct := bleve.NewConjunctionQuery(textQuery, tenantQuery)

	req := bleve.NewSearchRequestOptions(conjunct, limit, 0, false)
	req.Fields = []string{"entity_type", "name"}

	res, err := k.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		entityID := strings.TrimPrefix(hit.ID, tenantID+":")
		name, _ := hit.Fields["name"].(string)
		entityType, _ := hit.Fields["entity_type"].(string)
		out = append(out, Result{
			ID: entityID,
			EntityType: entityType,
			Name: name,
			Score: hit.Score,
			Origin: OriginGraph,
		})
	}
	return out, nil
}
