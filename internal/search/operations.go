package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// ── query expansion ─────────────────────────────────────────

const expansionPrompt = `You rewrite search queries. Produce up to 3 alternative phrasings of the query that would match the same documents with different wording. Return one phrasing per line, nothing else.`

const maxExpansions = 3

type queryExpansion struct {
	llm contracts.LLMProvider
	log zerolog.Logger
}

func (o *queryExpansion) Name() string { return "query_expansion" }

func (o *queryExpansion) Run(ctx context.Context, s *State) error {
	out, err := o.llm.Complete(ctx, expansionPrompt, s.Request.Query)
	if err != nil {
		// Expansion is an optimization; a provider hiccup must not fail the
		// whole search.
		o.log.Warn().Err(err).Msg("query expansion failed, continuing with original query")
		return nil
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.) "))
		if line == "" || strings.EqualFold(line, s.Request.Query) {
			continue
		}
		s.Queries = append(s.Queries, line)
		if len(s.Queries) > maxExpansions {
			break
		}
	}
	return nil
}

// ── filter interpretation ───────────────────────────────────

const interpretationPrompt = `Extract structured filters from the search query. Respond with JSON only:
{"filters":[{"field":"source_name","operator":"eq|in|gte|lte","value":...}]}
Only emit a filter when the query clearly asks for one (a named source, a date bound). Respond {"filters":[]} otherwise.`

type queryInterpretation struct {
	llm contracts.LLMProvider
	log zerolog.Logger
}

func (o *queryInterpretation) Name() string { return "query_interpretation" }

func (o *queryInterpretation) Run(ctx context.Context, s *State) error {
	out, err := o.llm.Complete(ctx, interpretationPrompt, s.Request.Query)
	if err != nil {
		o.log.Warn().Err(err).Msg("query interpretation failed, continuing without inferred filters")
		return nil
	}
	var parsed struct {
		Filters []models.FilterClause `json:"filters"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &parsed); err != nil {
		o.log.Warn().Str("output", out).Msg("query interpretation returned non-JSON, ignoring")
		return nil
	}
	if len(parsed.Filters) > 0 {
		s.Filter = s.Filter.And(&models.Filter{Must: parsed.Filters})
	}
	return nil
}

// extractJSON pulls the first {...} block out of an LLM response that may be
// wrapped in prose or code fences.
func extractJSON(out string) string {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return out
	}
	return out[start : end+1]
}

// ── caller filter and access control ────────────────────────

type userFilter struct {
	acl ACLExpander
}

func (o *userFilter) Name() string { return "user_filter" }

func (o *userFilter) Run(ctx context.Context, s *State) error {
	s.Filter = s.Filter.And(s.Request.Filter)
	if o.acl != nil && s.UserPrincipal != "" {
		viewer, err := o.acl.ViewerFilter(ctx, s.UserPrincipal)
		if err != nil {
			return err
		}
		s.Filter = s.Filter.And(viewer)
	}
	return nil
}

// ── temporal relevance ──────────────────────────────────────

// defaultDecayScale is the half-relevance horizon when decay is requested.
const defaultDecayScale = 30 * 24 * time.Hour

type temporalRelevance struct {
	weight  float64
	sources []string
}

func (o *temporalRelevance) Name() string { return "temporal_relevance" }

func (o *temporalRelevance) Run(ctx context.Context, s *State) error {
	s.Decay = &models.DecayConfig{
		DecayType:      models.DecayExponential,
		DatetimeField:  "airweave_system_metadata.airweave_updated_at",
		TargetDatetime: time.Now().UTC(),
		ScaleSeconds:   defaultDecayScale.Seconds(),
		Midpoint:       0.5,
		Weight:         o.weight,
		SourceNames:    o.sources,
	}
	return nil
}

// ── query embedding ─────────────────────────────────────────

type embedQuery struct {
	embedder contracts.EmbeddingProvider
	sparse   contracts.SparseEmbedder
	strategy models.RetrievalStrategy
}

func (o *embedQuery) Name() string { return "embed_query" }

func (o *embedQuery) Run(ctx context.Context, s *State) error {
	if o.strategy != models.RetrievalKeyword {
		dense, err := o.embedder.Embed(ctx, s.Queries)
		if err != nil {
			return err
		}
		s.Dense = dense
	} else {
		// Keyword-only still needs one slot per query for BulkSearch.
		s.Dense = make([][]float32, len(s.Queries))
	}
	if o.strategy != models.RetrievalNeural && o.sparse != nil {
		vecs, err := o.sparse.EmbedSparse(ctx, []string{s.Request.Query})
		if err != nil {
			return err
		}
		s.Sparse = vecs[0]
	}
	return nil
}

// ── retrieval ───────────────────────────────────────────────

type retrieval struct {
	vectors contracts.VectorStore
}

func (o *retrieval) Name() string { return "retrieval" }

func (o *retrieval) Run(ctx context.Context, s *State) error {
	vq := contracts.VectorQuery{
		DenseVectors: s.Dense,
		SparseVector: s.Sparse,
		Method:       s.Strategy,
		Limit:        s.Limit + s.Offset,
		Offset:       0,
		Filter:       s.Filter,
		Decay:        s.Decay,
	}
	lists, err := o.vectors.BulkSearch(ctx, s.Collection.ReadableID, vq)
	if err != nil {
		return err
	}

	// Multi-query dedup: a point hit by several query variants keeps its
	// best score.
	best := make(map[string]models.SearchResult)
	for _, list := range lists {
		for _, hit := range list {
			if prev, ok := best[hit.ID]; !ok || hit.Score > prev.Score {
				best[hit.ID] = hit
			}
		}
	}
	merged := make([]models.SearchResult, 0, len(best))
	for _, hit := range best {
		merged = append(merged, hit)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	s.Results = merged
	return nil
}

// ── reranking ───────────────────────────────────────────────

// maxRerankCandidates bounds the documents sent to the rerank provider.
const maxRerankCandidates = 100

type reranking struct {
	reranker contracts.Reranker
	log      zerolog.Logger
}

func (o *reranking) Name() string { return "reranking" }

func (o *reranking) Run(ctx context.Context, s *State) error {
	if len(s.Results) < 2 {
		return nil
	}
	candidates := s.Results
	if len(candidates) > maxRerankCandidates {
		candidates = candidates[:maxRerankCandidates]
	}
	docs := make([]string, len(candidates))
	for i, hit := range candidates {
		docs[i] = documentText(hit)
	}
	ranked, err := o.reranker.Rerank(ctx, s.Request.Query, docs, len(docs))
	if err != nil {
		o.log.Warn().Err(err).Msg("rerank failed, keeping retrieval order")
		return nil
	}
	reordered := make([]models.SearchResult, 0, len(s.Results))
	seen := make(map[int]bool, len(ranked))
	for _, item := range ranked {
		if item.Index < 0 || item.Index >= len(candidates) || seen[item.Index] {
			continue
		}
		seen[item.Index] = true
		hit := candidates[item.Index]
		hit.Score = item.Score
		reordered = append(reordered, hit)
	}
	// Anything past the candidate window keeps its original tail position.
	reordered = append(reordered, s.Results[len(candidates):]...)
	s.Results = reordered
	return nil
}

// documentText extracts the text a reranker or answer prompt should see.
func documentText(hit models.SearchResult) string {
	name, _ := hit.Payload["name"].(string)
	text, _ := hit.Payload["textual_representation"].(string)
	if text == "" {
		text = name
	} else if name != "" && !strings.Contains(text, name) {
		text = name + "\n" + text
	}
	return text
}

// ── answer generation ───────────────────────────────────────

const answerPrompt = `Answer the question using only the numbered excerpts. Cite excerpts inline as [1], [2]. If the excerpts do not contain the answer, say so.`

// maxAnswerContext is how many top hits feed the answer prompt.
const maxAnswerContext = 5

type generateAnswer struct {
	llm contracts.LLMProvider
}

func (o *generateAnswer) Name() string { return "generate_answer" }

func (o *generateAnswer) Run(ctx context.Context, s *State) error {
	if len(s.Results) == 0 {
		s.Answer = "No results matched the query."
		return nil
	}
	n := len(s.Results)
	if n > maxAnswerContext {
		n = maxAnswerContext
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nExcerpts:\n", s.Request.Query)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, documentText(s.Results[i]))
	}
	answer, err := o.llm.Complete(ctx, answerPrompt, b.String())
	if err != nil {
		return err
	}
	s.Answer = answer
	s.Citations = extractCitations(answer, s.Results[:n])
	return nil
}

// extractCitations resolves [n] markers in the answer back to entity ids.
func extractCitations(answer string, context []models.SearchResult) []string {
	var out []string
	seen := make(map[int]bool)
	for i := 0; i < len(answer); i++ {
		if answer[i] != '[' {
			continue
		}
		end := strings.IndexByte(answer[i:], ']')
		if end < 0 {
			break
		}
		n, err := strconv.Atoi(answer[i+1 : i+end])
		if err != nil || n < 1 || n > len(context) || seen[n] {
			continue
		}
		seen[n] = true
		if id, ok := context[n-1].Payload["entity_id"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}
