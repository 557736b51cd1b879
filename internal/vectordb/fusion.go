package vectordb

import (
	"sort"

	"github.com/airweave/airweave/pkg/models"
)

// rrfK is the standard Reciprocal Rank Fusion damping constant.
const rrfK = 60

// FuseRRF merges ranked lists with Reciprocal Rank Fusion: each hit scores
// the sum of 1/(k+rank) over the lists it appears in. Payloads come from the
// first list that saw the point.
func FuseRRF(lists ...[]models.SearchResult) []models.SearchResult {
	scores := make(map[string]float64)
	byID := make(map[string]models.SearchResult)
	for _, list := range lists {
		for rank, hit := range list {
			scores[hit.ID] += 1.0 / float64(rrfK+rank+1)
			if _, seen := byID[hit.ID]; !seen {
				byID[hit.ID] = hit
			}
		}
	}
	out := make([]models.SearchResult, 0, len(byID))
	for id, score := range scores {
		hit := byID[id]
		hit.Score = score
		out = append(out, hit)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
