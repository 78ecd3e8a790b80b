package retrieval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

func TestKeywordIndex_SearchScopedToTenant(t *testing.T) {
	idx, err := NewKeywordIndex()
	require.NoError(t, err)

	require.NoError(t, idx.IndexEntity("tenant-a", entity.Header{
		ID: "p1", EntityType: entity.KindPattern, Name: "retry budget policy",
		Description: "bounded retry with exponential backoff",
	}))
	require.NoError(t, idx.IndexEntity("tenant-b", entity.Header{
		ID: "p2", EntityType: entity.KindPattern, Name: "retry budget policy",
	}))

	results, err := idx.Search("tenant-a", "retry budget", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "p1", results[0].ID)
}

func TestKeywordIndex_DeleteEntityRemovesFromResults(t *testing.T) {
	idx, err := NewKeywordIndex()
	require.NoError(t, err)

	require.NoError(t, idx.IndexEntity("tenant-a", entity.Header{ID: "p1", Name: "circuit breaker pattern"}))
	require.NoError(t, idx.DeleteEntity("tenant-a", "p1"))

	results, err := idx.Search("tenant-a", "circuit breaker", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestKeywordIndex_RebuildFromEntities_ReplacesOnlyOwnTenant(t *testing.T) {
	idx, err := NewKeywordIndex()
	require.NoError(t, err)

	require.NoError(t, idx.IndexEntity("tenant-a", entity.Header{ID: "stale", Name: "stale pattern document"}))
	require.NoError(t, idx.IndexEntity("tenant-b", entity.Header{ID: "p2", Name: "stale pattern document"}))

	require.NoError(t, idx.RebuildFromEntities("tenant-a", []entity.Header{
		{ID: "fresh", Name: "fresh pattern document"},
	}))

	results, err := idx.Search("tenant-a", "stale", 10)
	require.NoError(t, err)
	require.Empty(t, results, "rebuild should have dropped tenant-a's stale document")

	results, err = idx.Search("tenant-a", "fresh", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "fresh", results[0].ID)

	results, err = idx.Search("tenant-b", "stale", 10)
	require.NoError(t, err)
	require.Len(t, results, 1, "rebuilding tenant-a must not touch tenant-b's documents")
}
