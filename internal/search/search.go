// Package search implements the provider-routed retrieval pipeline: query
// expansion, filter interpretation, hybrid retrieval with temporal decay,
// federated source search, reranking and answer generation. Operations are
// included per request and per provider availability; every inclusion
// decision is visible on the event stream.
package search

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Default request parameters applied when the caller leaves them unset.
const (
	DefaultLimit  = 20
	MaxLimit      = 1000
	defaultStrategy = models.RetrievalHybrid
)

// ProviderCatalog resolves the model providers the pipeline routes to.
type ProviderCatalog interface {
	Embedding(vectorSize int) (contracts.EmbeddingProvider, error)
	Sparse() contracts.SparseEmbedder
	Reranker() (contracts.Reranker, error)
	LLM() (contracts.LLMProvider, error)
}

// ACLExpander builds the viewer filter for the querying user.
type ACLExpander interface {
	ViewerFilter(ctx context.Context, userPrincipal string) (*models.Filter, error)
}

// State is the shared blackboard the operations read and write.
type State struct {
	Org           *models.Organization
	Collection    *models.Collection
	UserPrincipal string
	Request       models.SearchRequest

	Strategy models.RetrievalStrategy
	Limit    int
	Offset   int

	// Queries holds the original query first, expansions after.
	Queries []string
	Filter  *models.Filter
	Decay   *models.DecayConfig

	Dense  [][]float32
	Sparse *models.SparseVector

	Results   []models.SearchResult
	Federated []models.SearchResult

	Answer    string
	Citations []string
}

// Operation is one pipeline step.
type Operation interface {
	Name() string
	Run(ctx context.Context, s *State) error
}

// Service is the search entrypoint.
type Service struct {
	log       zerolog.Logger
	store     store.Store
	registry  *source.Registry
	creds     *credstore.Service
	vectors   contracts.VectorStore
	providers ProviderCatalog
	acl       ACLExpander
}

// NewService wires the search service. acl may be nil when access control
// ingest is not enabled.
func NewService(log zerolog.Logger, st store.Store, registry *source.Registry, creds *credstore.Service, vectors contracts.VectorStore, providers ProviderCatalog, acl ACLExpander) *Service {
	return &Service{
		log:       log,
		store:     st,
		registry:  registry,
		creds:     creds,
		vectors:   vectors,
		providers: providers,
		acl:       acl,
	}
}

// Search runs the pipeline against one collection. emit receives operation
// lifecycle events; pass a no-op emitter for non-streaming calls.
func (s *Service) Search(ctx context.Context, org *models.Organization, readableCollectionID, userPrincipal string, req models.SearchRequest, emit contracts.EventEmitter) (*models.SearchResponse, error) {
	start := time.Now()

	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	collection, err := s.store.GetCollectionByReadableID(ctx, org.ID, readableCollectionID)
	if err != nil {
		return nil, models.NotFound("collection", readableCollectionID)
	}

	state := &State{
		Org:           org,
		Collection:    collection,
		UserPrincipal: userPrincipal,
		Request:       req,
		Strategy:      defaultStrategy,
		Limit:         DefaultLimit,
		Queries:       []string{req.Query},
	}
	if req.RetrievalStrategy != nil {
		state.Strategy = *req.RetrievalStrategy
	}
	if req.Limit != nil {
		state.Limit = *req.Limit
	}
	if req.Offset != nil {
		state.Offset = *req.Offset
	}

	pre, retrieval, federated, post, err := s.buildPipeline(ctx, state, emit)
	if err != nil {
		return nil, err
	}

	runOp := func(ctx context.Context, op Operation) error {
		emit.Emit(models.EventOperationStarted, op.Name(), nil)
		if err := op.Run(ctx, state); err != nil {
			emit.Emit(models.EventOperationFailed, op.Name(), map[string]any{"error": err.Error()})
			return err
		}
		emit.Emit(models.EventOperationCompleted, op.Name(), nil)
		return nil
	}

	for _, op := range pre {
		if err := runOp(ctx, op); err != nil {
			return nil, err
		}
	}

	// Vector retrieval and federated search are independent; run them
	// concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runOp(gctx, retrieval) })
	if federated != nil {
		g.Go(func() error { return runOp(gctx, federated) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(state.Federated) > 0 {
		state.Results = mergeFederated(state.Results, state.Federated)
	}

	// Pagination happens after merging so offset/limit address the final
	// global order.
	paginate(state)

	for _, op := range post {
		if err := runOp(ctx, op); err != nil {
			return nil, err
		}
	}

	CleanResults(state.Results)

	resp := &models.SearchResponse{
		Results:    state.Results,
		Answer:     state.Answer,
		Citations:  state.Citations,
		DurationMS: time.Since(start).Milliseconds(),
	}
	s.log.Info().
		Str("collection", readableCollectionID).
		Str("strategy", string(state.Strategy)).
		Int("results", len(resp.Results)).
		Int64("duration_ms", resp.DurationMS).
		Msg("search complete")
	return resp, nil
}

func paginate(s *State) {
	if s.Offset >= len(s.Results) {
		s.Results = nil
		return
	}
	s.Results = s.Results[s.Offset:]
	if len(s.Results) > s.Limit {
		s.Results = s.Results[:s.Limit]
	}
}

// mergeFederated interleaves vector hits and federated hits after min-max
// normalizing each list, so neither side's score scale dominates.
func mergeFederated(vector, federated []models.SearchResult) []models.SearchResult {
	normalize(vector)
	normalize(federated)
	merged := make([]models.SearchResult, 0, len(vector)+len(federated))
	merged = append(merged, vector...)
	merged = append(merged, federated...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return merged
}

func normalize(hits []models.SearchResult) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	if hi == lo {
		for i := range hits {
			hits[i].Score = 1
		}
		return
	}
	for i := range hits {
		hits[i].Score = (hits[i].Score - lo) / (hi - lo)
	}
}
