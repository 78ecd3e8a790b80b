package community

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// twoCliques builds two tightly-connected triangles joined by a single
// bridge edge, the canonical small modularity-detection fixture.
func twoCliques() *Graph {
	g := newGraph()
	g.addEdge("a1", "a2", 1)
	g.addEdge("a2", "a3", 1)
	g.addEdge("a1", "a3", 1)
	g.addEdge("b1", "b2", 1)
	g.addEdge("b2", "b3", 1)
	g.addEdge("b1", "b3", 1)
	g.addEdge("a1", "b1", 1) // bridge
	return g
}

func TestLouvainPass_SeparatesTwoCliques(t *testing.T) {
	g := twoCliques()
	assignment, mod := louvainPass(g, 1.0)

	assert.Equal(t, assignment["a1"], assignment["a2"])
	assert.Equal(t, assignment["a2"], assignment["a3"])
	assert.Equal(t, assignment["b1"], assignment["b2"])
	assert.Equal(t, assignment["b2"], assignment["b3"])
	assert.NotEqual(t, assignment["a1"], assignment["b1"])
	assert.Greater(t, mod, 0.0)
}

func TestAggregate_CollapsesCommunityToSuperNode(t *testing.T) {
	g := twoCliques()
	partition := map[string]string{
		"a1": "A", "a2": "A", "a3": "A",
		"b1": "B", "b2": "B", "b3": "B",
	}
	agg := aggregate(g, partition)

	assert.Len(t, agg.Nodes, 2)
	assert.Contains(t, agg.Edges["A"], "B")
	assert.InDelta(t, 1.0, agg.Edges["A"]["B"], 1e-9)
}

func TestGraphDegreeAndTotalWeight(t *testing.T) {
	g := newGraph()
	g.addEdge("x", "y", 2)
	g.addEdge("y", "z", 3)

	assert.InDelta(t, 2.0, g.degree("x"), 1e-9)
	assert.InDelta(t, 5.0, g.degree("y"), 1e-9)
	assert.InDelta(t, 5.0, g.totalWeight(), 1e-9)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.0, cfg.Resolution)
	assert.Equal(t, 3, cfg.MinSize)
	assert.Equal(t, 3, cfg.MaxLevels)
}
