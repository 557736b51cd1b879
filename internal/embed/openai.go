// Package embed holds the model provider drivers: dense and sparse
// embeddings, reranking and single-turn completions. Providers are selected
// by ordered preference lists; a collection binds to exactly one embedding
// provider for its lifetime.
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

// OpenAIEmbedder implements contracts.EmbeddingProvider against OpenAI's
// embeddings API. The model is resolved from the collection's vector size:
// 1536 maps to text-embedding-3-small, 3072 to text-embedding-3-large.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	endpoint   string
	dimensions int
	batchSize  int
	client     *http.Client
}

// OpenAIOption configures the OpenAI embedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithOpenAIEndpoint sets a custom API endpoint (proxies, test servers).
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIEmbedder) { d.endpoint = endpoint }
}

// WithOpenAIBatchSize sets the max texts per Embed call.
func WithOpenAIBatchSize(size int) OpenAIOption {
	return func(d *OpenAIEmbedder) { d.batchSize = size }
}

// NewOpenAIEmbedder creates an embedder for the given vector size.
func NewOpenAIEmbedder(apiKey string, vectorSize int, opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	var model string
	switch vectorSize {
	case 1536:
		model = "text-embedding-3-small"
	case 3072:
		model = "text-embedding-3-large"
	default:
		return nil, fmt.Errorf("embed: no openai model for vector size %d", vectorSize)
	}

	d := &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		endpoint:   "https://api.openai.com/v1/embeddings",
		dimensions: vectorSize,
		batchSize:  2048,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var _ contracts.EmbeddingProvider = (*OpenAIEmbedder)(nil)

func (d *OpenAIEmbedder) Kind() string      { return "openai" }
func (d *OpenAIEmbedder) Model() string     { return d.model }
func (d *OpenAIEmbedder) Dimensions() int   { return d.dimensions }
func (d *OpenAIEmbedder) MaxBatchSize() int { return d.batchSize }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed generates dense vectors for a batch of texts.
func (d *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > d.batchSize {
		return nil, fmt.Errorf("embed: batch size %d exceeds max %d", len(texts), d.batchSize)
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: d.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai embeddings API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}

	// Reorder by index
	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < len(vectors) {
			vectors[item.Index] = item.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("openai: missing embedding for input %d", i)
		}
	}
	return vectors, nil
}
