package retrieval

import "sort"

// FuseRRF combines several ranked lists with weighted Reciprocal Rank
// Fusion: score(doc) = sum over lists containing doc of
// weight[list] * 1/(k+rank). Default k is 60. Lists not
// named in weights get weight 1.0.
func FuseRRF(lists map[string][]Result, k int, weights map[string]float64) []Result {
	if k <= 0 {
		k = 60
	}

	type accum struct {
		result Result
		score float64
		trace map[string]int
	}
	byID := map[string]*accum{}

	for listName, results := range lists {
		w := weights[listName]
		if w == 0 {
			w = 1.0
		}
		for rank, r := range results {
			a, ok := byID[r.ID]
			if !ok {
				a = &accum{result: r, trace: map[string]int{}}
				byID[r.ID] = a
			}
			a.score += w / float64(k+rank+1)
			a.trace[listName] = rank + 1
		}
	}

	out := make([]Result, 0, len(byID))
	for _, a := range byID {
		r := a.result
		r.Score = a.score
		r.Trace = a.trace
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
