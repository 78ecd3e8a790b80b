package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuseRRF_CombinesRanksAcrossLists(t *testing.T) {
	lists := map[string][]Result{
		"vector": {{ID: "a"}, {ID: "b"}, {ID: "c"}},
		"bm25":   {{ID: "b"}, {ID: "a"}},
	}

	fused := FuseRRF(lists, 60, map[string]float64{"vector": 1.0, "bm25": 0.8})

	assert.Len(t, fused, 3)
	// "a" and "b" appear in both lists; "c" only in vector, so the
	// top two results must be a/b in some order, not c.
	top := map[string]bool{fused[0].ID: true, fused[1].ID: true}
	assert.True(t, top["a"])
	assert.True(t, top["b"])
	assert.Equal(t, "c", fused[2].ID)
}

func TestFuseRRF_DefaultsKWhenNonPositive(t *testing.T) {
	lists := map[string][]Result{"vector": {{ID: "x"}}}
	fused := FuseRRF(lists, 0, nil)
	assert.Len(t, fused, 1)
	assert.InDelta(t, 1.0/61.0, fused[0].Score, 1e-9)
}

func TestFuseRRF_TraceRecordsRankPerList(t *testing.T) {
	lists := map[string][]Result{
		"vector": {{ID: "a"}, {ID: "b"}},
		"bm25":   {{ID: "b"}},
	}
	fused := FuseRRF(lists, 60, nil)

	var b Result
	for _, r := range fused {
		if r.ID == "b" {
			b = r
		}
	}
	assert.Equal(t, 2, b.Trace["vector"])
	assert.Equal(t, 1, b.Trace["bm25"])
}

func TestMergeByMaxScore_KeepsHighestPerID(t *testing.T) {
	results := []Result{
		{ID: "a", Score: 0.3},
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.5},
	}
	merged := mergeByMaxScore(results)
	byID := map[string]Result{}
	for _, r := range merged {
		byID[r.ID] = r
	}
	assert.Len(t, merged, 2)
	assert.InDelta(t, 0.9, byID["a"].Score, 1e-9)
	assert.InDelta(t, 0.5, byID["b"].Score, 1e-9)
}

func TestPaginate(t *testing.T) {
	results := []Result{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}

	assert.Equal(t, []Result{{ID: "2"}, {ID: "3"}}, paginate(results, 1, 2))
	assert.Nil(t, paginate(results, 10, 2))
	assert.Equal(t, results, paginate(results, 0, 0))
}
