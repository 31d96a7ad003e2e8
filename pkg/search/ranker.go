package search

import (
	"sort"

	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

// Candidate is a fact with the vector of its embedding.
type Candidate struct {
	Fact   types.FactWithContext
	Vector []float32
}

// Rank scores candidates against query and applies the threshold, cursor,
// ordering and limit described by req. A non-positive req.Limit returns every
// qualifying row.
func Rank(query []float32, candidates []Candidate, req Request) []types.ScoredFact {
	threshold := req.Threshold()
	scored := make([]types.ScoredFact, 0, len(candidates))
	for _, c := range candidates {
		sim := utils.Similarity(query, c.Vector)
		if sim < threshold {
			continue
		}
		if !req.Cursor.After(sim, c.Fact.ID) {
			continue
		}
		scored = append(scored, types.ScoredFact{FactWithContext: c.Fact, Similarity: sim})
	}

	SortScored(scored)

	if req.Limit > 0 && len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}
	return scored
}

// SortScored orders facts by similarity descending, then id descending.
func SortScored(facts []types.ScoredFact) {
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Similarity != facts[j].Similarity {
			return facts[i].Similarity > facts[j].Similarity
		}
		return facts[i].ID > facts[j].ID
	})
}
