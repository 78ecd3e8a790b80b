package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestJaccardTokens(t *testing.T) {
	assert.InDelta(t, 1.0, jaccardTokens("retry budget policy", "Retry Budget Policy"), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccardTokens("retry budget", "retry policy"), 1e-9)
	assert.Equal(t, 0.0, jaccardTokens("", ""))
}

func TestDefaultDedupConfig(t *testing.T) {
	cfg := DefaultDedupConfig()
	assert.Equal(t, 0.95, cfg.CosineThreshold)
	assert.Equal(t, 0.3, cfg.JaccardMin)
}

func TestMergeMetadata_KeepWinsOnConflict(t *testing.T) {
	keep := bson.M{"metadata": bson.M{"owner": "team-a"}}
	drop := bson.M{"metadata": bson.M{"owner": "team-b", "language": "go"}}

	merged := mergeMetadata(keep, drop)
	assert.Equal(t, "team-a", merged["owner"])
	assert.Equal(t, "go", merged["language"])
}
