package search

import (
	"context"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// buildPipeline assembles the operation list for one request. Optional
// operations follow a single rule: left unset they run when their provider
// is configured (with an operation_skipped event when it is not), requested
// explicitly they fail fast when the provider is missing, so the caller
// learns which API key to set instead of silently getting fewer features.
func (s *Service) buildPipeline(ctx context.Context, state *State, emit contracts.EventEmitter) (pre []Operation, retrieve Operation, federated Operation, post []Operation, err error) {
	req := state.Request

	// A collection with no source connections has nothing behind it; searching
	// it is a caller mistake, not an empty result.
	conns, err := s.store.ListSourceConnectionsByCollection(ctx, state.Org.ID, state.Collection.ReadableID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(conns) == 0 {
		return nil, nil, nil, nil, models.Validationf("collection %s has no source connections", state.Collection.ReadableID)
	}

	llm, llmErr := s.providers.LLM()
	reranker, rerankErr := s.providers.Reranker()

	// Query expansion: on by default when a completion provider exists.
	switch {
	case req.ExpandQuery != nil && *req.ExpandQuery:
		if llmErr != nil {
			return nil, nil, nil, nil, llmErr
		}
		pre = append(pre, &queryExpansion{llm: llm, log: s.log})
	case req.ExpandQuery == nil:
		if llmErr != nil {
			emit.Emit(models.EventOperationSkipped, "query_expansion", map[string]any{"reason": llmErr.Error()})
		} else {
			pre = append(pre, &queryExpansion{llm: llm, log: s.log})
		}
	}

	// Filter interpretation: off by default.
	if req.InterpretFilters != nil && *req.InterpretFilters {
		if llmErr != nil {
			return nil, nil, nil, nil, llmErr
		}
		pre = append(pre, &queryInterpretation{llm: llm, log: s.log})
	}

	pre = append(pre, &userFilter{acl: s.acl})

	if req.TemporalRelevance != nil && *req.TemporalRelevance > 0 {
		pre = append(pre, &temporalRelevance{weight: *req.TemporalRelevance, sources: s.temporalSources(conns)})
	}

	embedder, eerr := s.providers.Embedding(state.Collection.VectorSize)
	if eerr != nil {
		return nil, nil, nil, nil, eerr
	}
	pre = append(pre, &embedQuery{
		embedder: embedder,
		sparse:   s.providers.Sparse(),
		strategy: state.Strategy,
	})

	retrieve = &retrieval{vectors: s.vectors}

	if s.hasFederatedSources(conns) {
		var fedLLM contracts.LLMProvider
		if llmErr == nil {
			fedLLM = llm
		}
		federated = &federatedSearch{svc: s, llm: fedLLM}
	}

	// Reranking: on by default when a rerank provider exists.
	switch {
	case req.Rerank != nil && *req.Rerank:
		if rerankErr != nil {
			return nil, nil, nil, nil, rerankErr
		}
		post = append(post, &reranking{reranker: reranker, log: s.log})
	case req.Rerank == nil:
		if rerankErr != nil {
			emit.Emit(models.EventOperationSkipped, "reranking", map[string]any{"reason": rerankErr.Error()})
		} else {
			post = append(post, &reranking{reranker: reranker, log: s.log})
		}
	}

	// Answer generation: off by default.
	if req.GenerateAnswer != nil && *req.GenerateAnswer {
		if llmErr != nil {
			return nil, nil, nil, nil, llmErr
		}
		post = append(post, &generateAnswer{llm: llm})
	}

	return pre, retrieve, federated, post, nil
}

// temporalSources lists the short names of the collection's sources that
// declare temporal relevance support. Decay applies only to their points.
func (s *Service) temporalSources(conns []models.SourceConnection) []string {
	seen := make(map[string]bool)
	var sources []string
	for _, conn := range conns {
		reg, err := s.registry.Get(conn.ShortName)
		if err != nil || !reg.Metadata.SupportsTemporalRelevance || seen[conn.ShortName] {
			continue
		}
		seen[conn.ShortName] = true
		sources = append(sources, conn.ShortName)
	}
	return sources
}

func (s *Service) hasFederatedSources(conns []models.SourceConnection) bool {
	for _, conn := range conns {
		if !conn.IsAuthenticated {
			continue
		}
		reg, err := s.registry.Get(conn.ShortName)
		if err == nil && reg.Metadata.FederatedSearch {
			return true
		}
	}
	return false
}
