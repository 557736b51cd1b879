package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// ── sparse encoder ──────────────────────────────────────────

func TestSparseDeterministic(t *testing.T) {
	s := NewLocalSparse()
	a, err := s.EmbedSparse(context.Background(), []string{"the quick brown fox"})
	if err != nil {
		t.Fatalf("EmbedSparse() error = %v", err)
	}
	b, _ := s.EmbedSparse(context.Background(), []string{"the quick brown fox"})

	if len(a[0].Indices) != len(b[0].Indices) {
		t.Fatalf("lengths differ: %d vs %d", len(a[0].Indices), len(b[0].Indices))
	}
	for i := range a[0].Indices {
		if a[0].Indices[i] != b[0].Indices[i] || a[0].Values[i] != b[0].Values[i] {
			t.Fatal("identical text produced different sparse vectors")
		}
	}
}

func TestSparseTermFrequencySaturates(t *testing.T) {
	s := NewLocalSparse()
	vecs, err := s.EmbedSparse(context.Background(), []string{
		"fox",
		"fox fox fox fox fox fox fox fox",
	})
	if err != nil {
		t.Fatalf("EmbedSparse() error = %v", err)
	}
	once, many := vecs[0].Values[0], vecs[1].Values[0]
	if many <= once {
		t.Errorf("repeated term weight %v should exceed single %v", many, once)
	}
	// Saturation: weight is bounded by k1+1.
	if many >= bm25K1+1 {
		t.Errorf("weight %v should saturate below %v", many, bm25K1+1)
	}
}

func TestSparseCaseAndPunctuationNormalized(t *testing.T) {
	s := NewLocalSparse()
	vecs, _ := s.EmbedSparse(context.Background(), []string{"Hello, World!", "hello world"})
	if len(vecs[0].Indices) != len(vecs[1].Indices) {
		t.Fatal("normalization differs between variants")
	}
	for i := range vecs[0].Indices {
		if vecs[0].Indices[i] != vecs[1].Indices[i] {
			t.Fatal("normalization differs between variants")
		}
	}
}

func TestSparseIndicesSorted(t *testing.T) {
	s := NewLocalSparse()
	vecs, _ := s.EmbedSparse(context.Background(), []string{"zebra apple mango kiwi banana"})
	sv := vecs[0]
	for i := 1; i < len(sv.Indices); i++ {
		if sv.Indices[i] < sv.Indices[i-1] {
			t.Fatalf("indices not sorted: %v", sv.Indices)
		}
	}
}

// ── dense embedder ──────────────────────────────────────────

func TestOpenAIEmbedderModelResolution(t *testing.T) {
	small, err := NewOpenAIEmbedder("k", 1536)
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder(1536) error = %v", err)
	}
	if small.Model() != "text-embedding-3-small" {
		t.Errorf("Model() = %q", small.Model())
	}
	large, _ := NewOpenAIEmbedder("k", 3072)
	if large.Model() != "text-embedding-3-large" {
		t.Errorf("Model() = %q", large.Model())
	}
	if _, err := NewOpenAIEmbedder("k", 999); err == nil {
		t.Error("unsupported vector size should error")
	}
}

func TestOpenAIEmbedderReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Return data out of order; the client must restore input order.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{2}},
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	d, _ := NewOpenAIEmbedder("k", 1536, WithOpenAIEndpoint(srv.URL))
	vecs, err := d.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors not reordered: %v", vecs)
	}
}

// ── rerank / chat wire ──────────────────────────────────────

func TestCohereRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cohereRerankRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TopN != 2 {
			t.Errorf("top_n = %d, want 2", req.TopN)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.98},
				{"index": 0, "relevance_score": 0.41},
			},
		})
	}))
	defer srv.Close()

	r := NewCohereReranker("k", WithCohereEndpoint(srv.URL))
	ranked, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(ranked) != 2 || ranked[0].Index != 2 || ranked[0].Score != 0.98 {
		t.Errorf("ranked = %+v", ranked)
	}
}

func TestChatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	p := NewGroqChat("k", WithChatEndpoint(srv.URL))
	out, err := p.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "hello" {
		t.Errorf("Complete() = %q", out)
	}
}

// ── catalog selection ───────────────────────────────────────

func TestCatalogPreferenceOrder(t *testing.T) {
	cfg := config.ProviderConfig{GroqAPIKey: "g", OpenAIAPIKey: "o"}
	cat := NewCatalog(cfg, config.Preferences{LLM: []string{"groq", "openai"}})
	llm, err := cat.LLM()
	if err != nil {
		t.Fatalf("LLM() error = %v", err)
	}
	if llm.Kind() != "groq" {
		t.Errorf("Kind() = %q, want groq (first preference)", llm.Kind())
	}

	cat = NewCatalog(cfg, config.Preferences{LLM: []string{"cerebras", "openai"}})
	llm, err = cat.LLM()
	if err != nil {
		t.Fatalf("LLM() error = %v", err)
	}
	if llm.Kind() != "openai" {
		t.Errorf("Kind() = %q, want openai (cerebras key missing)", llm.Kind())
	}
}

type scriptedLLM struct {
	kind  string
	err   error
	reply string
	calls int
}

func (s *scriptedLLM) Kind() string  { return s.kind }
func (s *scriptedLLM) Model() string { return s.kind + "-model" }
func (s *scriptedLLM) Complete(ctx context.Context, system, user string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type scriptedReranker struct {
	kind  string
	err   error
	calls int
}

func (s *scriptedReranker) Kind() string { return s.kind }
func (s *scriptedReranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]contracts.RankedItem, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []contracts.RankedItem{{Index: 0, Score: 1}}, nil
}

func TestLLMFallbackTriesNextProvider(t *testing.T) {
	down := &scriptedLLM{kind: "down", err: errors.New("rate limited")}
	up := &scriptedLLM{kind: "up", reply: "answer"}
	chain := &fallbackLLM{providers: []contracts.LLMProvider{down, up}}

	out, err := chain.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "answer" {
		t.Errorf("Complete() = %q, want the second provider's answer", out)
	}
	if down.calls != 1 || up.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", down.calls, up.calls)
	}
}

func TestLLMFallbackReturnsLastError(t *testing.T) {
	a := &scriptedLLM{kind: "a", err: errors.New("first failure")}
	b := &scriptedLLM{kind: "b", err: errors.New("second failure")}
	chain := &fallbackLLM{providers: []contracts.LLMProvider{a, b}}

	_, err := chain.Complete(context.Background(), "sys", "user")
	if err == nil || !strings.Contains(err.Error(), "second failure") {
		t.Errorf("error = %v, want the last provider's error", err)
	}
}

func TestLLMFallbackStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &scriptedLLM{kind: "a", err: errors.New("boom")}
	b := &scriptedLLM{kind: "b", reply: "never"}
	chain := &fallbackLLM{providers: []contracts.LLMProvider{a, b}}

	if _, err := chain.Complete(ctx, "sys", "user"); err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if b.calls != 0 {
		t.Errorf("second provider called %d times after cancellation", b.calls)
	}
}

func TestRerankerFallbackTriesNextProvider(t *testing.T) {
	down := &scriptedReranker{kind: "down", err: errors.New("unavailable")}
	up := &scriptedReranker{kind: "up"}
	chain := &fallbackReranker{providers: []contracts.Reranker{down, up}}

	ranked, err := chain.Rerank(context.Background(), "q", []string{"a"}, 1)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(ranked) != 1 || down.calls != 1 || up.calls != 1 {
		t.Errorf("ranked = %v, calls = %d/%d", ranked, down.calls, up.calls)
	}
}

func TestCatalogChainsAllConfiguredLLMs(t *testing.T) {
	cfg := config.ProviderConfig{GroqAPIKey: "g", OpenAIAPIKey: "o"}
	cat := NewCatalog(cfg, config.Preferences{LLM: []string{"groq", "openai"}})
	llm, err := cat.LLM()
	if err != nil {
		t.Fatalf("LLM() error = %v", err)
	}
	chain, ok := llm.(*fallbackLLM)
	if !ok {
		t.Fatalf("LLM() = %T, want a fallback chain when several providers are configured", llm)
	}
	if len(chain.providers) != 2 || chain.providers[0].Kind() != "groq" {
		t.Errorf("chain = %v, want groq first then openai", chain.providers)
	}
}

func TestCatalogMissingProviderNamesEnvVars(t *testing.T) {
	cat := NewCatalog(config.ProviderConfig{}, config.DefaultPreferences())
	if _, err := cat.Reranker(); err == nil {
		t.Fatal("Reranker() should fail with no keys")
	} else if !strings.Contains(err.Error(), "COHERE_API_KEY") {
		t.Errorf("error %q should name COHERE_API_KEY", err)
	}
	if _, err := cat.Embedding(1536); err == nil {
		t.Fatal("Embedding() should fail with no keys")
	} else if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("error %q should name OPENAI_API_KEY", err)
	}
	if _, err := cat.Embedding(1536); models.KindOf(err) != models.KindValidation {
		t.Errorf("kind = %v, want validation", models.KindOf(err))
	}
}
