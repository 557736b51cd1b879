package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airweave/airweave/pkg/contracts"
)

// CohereReranker implements contracts.Reranker against Cohere's rerank API.
type CohereReranker struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// CohereOption configures the reranker.
type CohereOption func(*CohereReranker)

// WithCohereEndpoint overrides the rerank endpoint.
func WithCohereEndpoint(endpoint string) CohereOption {
	return func(r *CohereReranker) { r.endpoint = endpoint }
}

// NewCohereReranker creates a reranker on Cohere.
func NewCohereReranker(apiKey string, opts ...CohereOption) *CohereReranker {
	r := &CohereReranker{
		apiKey:   apiKey,
		model:    "rerank-v3.5",
		endpoint: "https://api.cohere.com/v2/rerank",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ contracts.Reranker = (*CohereReranker)(nil)

func (r *CohereReranker) Kind() string { return "cohere" }

type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank scores the documents against the query and returns the top n in
// relevance order.
func (r *CohereReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]contracts.RankedItem, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	body, err := json.Marshal(cohereRerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cohere rerank API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result cohereRerankResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := make([]contracts.RankedItem, 0, len(result.Results))
	for _, item := range result.Results {
		out = append(out, contracts.RankedItem{Index: item.Index, Score: item.RelevanceScore})
	}
	return out, nil
}
