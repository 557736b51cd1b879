package search_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// ── fakes ───────────────────────────────────────────────────

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Kind() string      { return "fake" }
func (f *fakeEmbedder) Model() string     { return "fake-model" }
func (f *fakeEmbedder) Dimensions() int   { return f.dims }
func (f *fakeEmbedder) MaxBatchSize() int { return 100 }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
		out[i][0] = 1
	}
	return out, nil
}

type fakeSparse struct{}

func (fakeSparse) Kind() string { return "fake-sparse" }
func (fakeSparse) EmbedSparse(ctx context.Context, texts []string) ([]*models.SparseVector, error) {
	out := make([]*models.SparseVector, len(texts))
	for i := range texts {
		out[i] = &models.SparseVector{Indices: []uint32{1}, Values: []float32{1}}
	}
	return out, nil
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Kind() string  { return "fake-llm" }
func (f *fakeLLM) Model() string { return "fake-llm-model" }
func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return f.reply, nil
}

type fakeReranker struct {
	reverse bool
}

func (f *fakeReranker) Kind() string { return "fake-rerank" }
func (f *fakeReranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]contracts.RankedItem, error) {
	out := make([]contracts.RankedItem, len(docs))
	for i := range docs {
		idx := i
		if f.reverse {
			idx = len(docs) - 1 - i
		}
		out[i] = contracts.RankedItem{Index: idx, Score: 1 - float64(i)*0.01}
	}
	return out, nil
}

// fakeCatalog controls which providers exist, so inclusion decisions can be
// exercised both ways.
type fakeCatalog struct {
	llm      *fakeLLM
	reranker *fakeReranker
}

func (f *fakeCatalog) Embedding(vectorSize int) (contracts.EmbeddingProvider, error) {
	return &fakeEmbedder{dims: vectorSize}, nil
}
func (f *fakeCatalog) Sparse() contracts.SparseEmbedder { return fakeSparse{} }
func (f *fakeCatalog) Reranker() (contracts.Reranker, error) {
	if f.reranker == nil {
		return nil, models.Validationf("no rerank provider configured, set COHERE_API_KEY")
	}
	return f.reranker, nil
}
func (f *fakeCatalog) LLM() (contracts.LLMProvider, error) {
	if f.llm == nil {
		return nil, models.Validationf("no completion provider configured, set GROQ_API_KEY")
	}
	return f.llm, nil
}

// fakeVectorStore serves a fixed result list for every dense query vector.
type fakeVectorStore struct {
	mu      sync.Mutex
	hits    []models.SearchResult
	queries []contracts.VectorQuery
}

func (f *fakeVectorStore) SetupCollection(ctx context.Context, c string, size int) error { return nil }
func (f *fakeVectorStore) DropCollection(ctx context.Context, c string) error            { return nil }
func (f *fakeVectorStore) BulkInsert(ctx context.Context, c string, e []*models.Entity) error {
	return nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, c, id string) error             { return nil }
func (f *fakeVectorStore) DeleteBySyncID(ctx context.Context, c, syncID string) error { return nil }
func (f *fakeVectorStore) BulkDelete(ctx context.Context, c string, ids []string, s string) error {
	return nil
}
func (f *fakeVectorStore) BulkDeleteByParentIDs(ctx context.Context, c string, ids []string, s string) error {
	return nil
}
func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeVectorStore) BulkSearch(ctx context.Context, c string, q contracts.VectorQuery) ([][]models.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	n := len(q.DenseVectors)
	if n == 0 {
		n = 1
	}
	lists := make([][]models.SearchResult, n)
	for i := range lists {
		lists[i] = append([]models.SearchResult(nil), f.hits...)
	}
	return lists, nil
}

func (f *fakeVectorStore) lastQuery() contracts.VectorQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEmitter) Emit(kind models.EventKind, op string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Event{Kind: kind, Operation: op, Payload: payload})
}

func (r *recordingEmitter) has(kind models.EventKind, op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && e.Operation == op {
			return true
		}
	}
	return false
}

// ── harness ─────────────────────────────────────────────────

func hitList(n int) []models.SearchResult {
	hits := make([]models.SearchResult, n)
	for i := range hits {
		hits[i] = models.SearchResult{
			ID:    fmt.Sprintf("pt-%03d", i),
			Score: 1 - float64(i)/float64(n),
			Payload: map[string]any{
				"entity_id":              fmt.Sprintf("ent-%03d", i),
				"name":                   fmt.Sprintf("Doc %d", i),
				"textual_representation": fmt.Sprintf("body of doc %d", i),
			},
		}
	}
	return hits
}

func newService(t *testing.T, catalog *fakeCatalog, vec *fakeVectorStore) (*search.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	creds, err := credstore.New(st, "test-key")
	if err != nil {
		t.Fatalf("credstore.New() error = %v", err)
	}
	registry := source.NewRegistry()

	ctx := context.Background()
	st.CreateCollection(ctx, &models.Collection{
		ID: "col-1", ReadableID: "docs", Name: "Docs", VectorSize: 4, OrganizationID: "org-1",
	})
	st.CreateSourceConnection(ctx, &models.SourceConnection{
		ID: "sc-1", OrganizationID: "org-1", ShortName: "docsrc",
		ReadableCollectionID: "docs", IsAuthenticated: true,
	})

	return search.NewService(zerolog.Nop(), st, registry, creds, vec, catalog, nil), st
}

var testOrg = &models.Organization{ID: "org-1", Name: "Test"}

// ── tests ───────────────────────────────────────────────────

func TestSearchDefaults(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(30)}
	svc, _ := newService(t, &fakeCatalog{}, vec)

	resp, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "hello"}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != search.DefaultLimit {
		t.Fatalf("len(Results) = %d, want default %d", len(resp.Results), search.DefaultLimit)
	}
	if resp.Results[0].ID != "pt-000" {
		t.Errorf("Results[0].ID = %q, want pt-000", resp.Results[0].ID)
	}
}

func TestLimitOffsetWindow(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(30)}
	svc, _ := newService(t, &fakeCatalog{}, vec)
	ctx := context.Background()

	limit, offset := 5, 10
	resp, err := svc.Search(ctx, testOrg, "docs", "", models.SearchRequest{
		Query: "hello", Limit: &limit, Offset: &offset,
	}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != 5 {
		t.Fatalf("len(Results) = %d, want 5", len(resp.Results))
	}

	// The window must equal the same slice of a full, unoffset search.
	bigLimit := 30
	full, err := svc.Search(ctx, testOrg, "docs", "", models.SearchRequest{Query: "hello", Limit: &bigLimit}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for i, hit := range resp.Results {
		if hit.ID != full.Results[offset+i].ID {
			t.Errorf("window[%d] = %q, want %q", i, hit.ID, full.Results[offset+i].ID)
		}
	}

	// The underlying vector query must fetch limit+offset with no offset of
	// its own, so pagination addresses the merged order.
	q := vec.lastQuery()
	if q.Limit != 30 || q.Offset != 0 {
		t.Errorf("vector query limit/offset = %d/%d, want 30/0", q.Limit, q.Offset)
	}
}

func TestValidationErrors(t *testing.T) {
	svc, _ := newService(t, &fakeCatalog{}, &fakeVectorStore{})
	ctx := context.Background()

	bad := []models.SearchRequest{
		{Query: "   "},
		{Query: "ok", Limit: intp(0)},
		{Query: "ok", Limit: intp(1001)},
		{Query: "ok", Offset: intp(-1)},
		{Query: "ok", TemporalRelevance: floatp(1.5)},
		{Query: "ok", Filter: &models.Filter{Must: []models.FilterClause{{Field: "x", Operator: "between"}}}},
	}
	for i, req := range bad {
		_, err := svc.Search(ctx, testOrg, "docs", "", req, events.Nop{})
		if err == nil {
			t.Errorf("request %d: expected validation error, got nil", i)
			continue
		}
		if models.KindOf(err) != models.KindValidation {
			t.Errorf("request %d: error = %v, want validation kind", i, err)
		}
	}
}

func TestEmptyCollectionRejected(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(3)}
	svc, st := newService(t, &fakeCatalog{}, vec)
	ctx := context.Background()

	st.CreateCollection(ctx, &models.Collection{
		ID: "col-2", ReadableID: "empty", Name: "Empty", VectorSize: 4, OrganizationID: "org-1",
	})

	_, err := svc.Search(ctx, testOrg, "empty", "", models.SearchRequest{Query: "q"}, events.Nop{})
	if err == nil {
		t.Fatalf("expected error searching a collection with no source connections")
	}
	if models.KindOf(err) != models.KindValidation {
		t.Errorf("error = %v, want validation kind", err)
	}
	if len(vec.queries) != 0 {
		t.Errorf("vector store was queried %d times, want 0", len(vec.queries))
	}
}

func TestUnknownCollection(t *testing.T) {
	svc, _ := newService(t, &fakeCatalog{}, &fakeVectorStore{})
	_, err := svc.Search(context.Background(), testOrg, "nope", "", models.SearchRequest{Query: "q"}, events.Nop{})
	if err == nil || models.KindOf(err) != models.KindNotFound {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestOptionalOpsSkippedWithoutProviders(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(3)}
	svc, _ := newService(t, &fakeCatalog{}, vec)
	emitter := &recordingEmitter{}

	if _, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "q"}, emitter); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !emitter.has(models.EventOperationSkipped, "query_expansion") {
		t.Errorf("missing operation_skipped for query_expansion")
	}
	if !emitter.has(models.EventOperationSkipped, "reranking") {
		t.Errorf("missing operation_skipped for reranking")
	}
}

func TestExplicitOpWithoutProviderFails(t *testing.T) {
	svc, _ := newService(t, &fakeCatalog{}, &fakeVectorStore{hits: hitList(3)})
	on := true

	_, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "q", ExpandQuery: &on}, events.Nop{})
	if err == nil {
		t.Fatalf("expected error when expansion is requested without a completion provider")
	}
	if !strings.Contains(err.Error(), "GROQ_API_KEY") {
		t.Errorf("error = %q, want mention of the missing env var", err)
	}

	_, err = svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "q", Rerank: &on}, events.Nop{})
	if err == nil || !strings.Contains(err.Error(), "COHERE_API_KEY") {
		t.Errorf("rerank error = %v, want mention of COHERE_API_KEY", err)
	}
}

func TestRerankReordersResults(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(4)}
	catalog := &fakeCatalog{reranker: &fakeReranker{reverse: true}}
	svc, _ := newService(t, catalog, vec)

	resp, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "q"}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Results[0].ID != "pt-003" {
		t.Errorf("Results[0].ID = %q, want pt-003 after reversed rerank", resp.Results[0].ID)
	}
}

func TestQueryExpansionAddsVariants(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(3)}
	catalog := &fakeCatalog{llm: &fakeLLM{reply: "variant one\nvariant two"}}
	svc, _ := newService(t, catalog, vec)

	if _, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "original"}, events.Nop{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	// Original plus two expansions, each with a dense vector.
	if q := vec.lastQuery(); len(q.DenseVectors) != 3 {
		t.Errorf("len(DenseVectors) = %d, want 3", len(q.DenseVectors))
	}
}

func TestGenerateAnswerWithCitations(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(3)}
	catalog := &fakeCatalog{llm: &fakeLLM{reply: "Doc zero covers it [1]."}}
	svc, _ := newService(t, catalog, vec)
	on := true
	off := false

	resp, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{
		Query: "q", GenerateAnswer: &on, ExpandQuery: &off,
	}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Answer == "" {
		t.Fatalf("Answer empty, want generated text")
	}
	if len(resp.Citations) != 1 || resp.Citations[0] != "ent-000" {
		t.Errorf("Citations = %v, want [ent-000]", resp.Citations)
	}
}

func TestTemporalRelevanceSetsDecay(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(3)}
	svc, _ := newService(t, &fakeCatalog{}, vec)
	w := 0.7

	if _, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{
		Query: "q", TemporalRelevance: &w,
	}, events.Nop{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	q := vec.lastQuery()
	if q.Decay == nil {
		t.Fatalf("Decay = nil, want configured decay")
	}
	if q.Decay.Weight != 0.7 {
		t.Errorf("Decay.Weight = %v, want 0.7", q.Decay.Weight)
	}
}

func TestResultsAreCleaned(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(2)}
	svc, _ := newService(t, &fakeCatalog{}, vec)

	resp, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{Query: "q"}, events.Nop{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, hit := range resp.Results {
		if _, ok := hit.Payload["textual_representation"]; ok {
			t.Errorf("payload still carries textual_representation")
		}
	}
}

func TestKeywordStrategySkipsDenseEmbedding(t *testing.T) {
	vec := &fakeVectorStore{hits: hitList(2)}
	svc, _ := newService(t, &fakeCatalog{}, vec)
	strategy := models.RetrievalKeyword

	if _, err := svc.Search(context.Background(), testOrg, "docs", "", models.SearchRequest{
		Query: "q", RetrievalStrategy: &strategy,
	}, events.Nop{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	q := vec.lastQuery()
	if q.SparseVector == nil {
		t.Errorf("SparseVector = nil, want sparse query for keyword strategy")
	}
	for i, v := range q.DenseVectors {
		if v != nil {
			t.Errorf("DenseVectors[%d] = %v, want nil placeholder", i, v)
		}
	}
}

func intp(v int) *int            { return &v }
func floatp(v float64) *float64 { return &v }
