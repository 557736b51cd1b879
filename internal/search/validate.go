package search

import (
	"strings"

	"github.com/airweave/airweave/pkg/models"
)

// ValidateRequest rejects malformed search input before any provider work.
func ValidateRequest(req models.SearchRequest) error {
	problems := map[string]string{}

	if strings.TrimSpace(req.Query) == "" {
		problems["query"] = "must not be empty"
	}
	if req.Limit != nil && (*req.Limit < 1 || *req.Limit > MaxLimit) {
		problems["limit"] = "must be between 1 and 1000"
	}
	if req.Offset != nil && *req.Offset < 0 {
		problems["offset"] = "must not be negative"
	}
	if req.TemporalRelevance != nil && (*req.TemporalRelevance < 0 || *req.TemporalRelevance > 1) {
		problems["temporal_relevance"] = "must be between 0 and 1"
	}
	if req.RetrievalStrategy != nil {
		switch *req.RetrievalStrategy {
		case models.RetrievalNeural, models.RetrievalKeyword, models.RetrievalHybrid:
		default:
			problems["retrieval_strategy"] = "must be neural, keyword or hybrid"
		}
	}
	if req.Filter != nil {
		for _, c := range append(append([]models.FilterClause{}, req.Filter.Must...), req.Filter.Should...) {
			if c.Field == "" {
				problems["filter"] = "clause field must not be empty"
				break
			}
			switch c.Operator {
			case models.FilterEq, models.FilterIn, models.FilterGte, models.FilterLte:
			default:
				problems["filter"] = "unknown operator " + string(c.Operator)
			}
		}
	}

	if len(problems) > 0 {
		return models.ValidationFields("invalid search request", problems)
	}
	return nil
}
