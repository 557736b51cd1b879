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

// ChatProvider implements contracts.LLMProvider against any OpenAI-compatible
// chat completions API. OpenAI, Groq and Cerebras all speak this wire.
type ChatProvider struct {
	kind     string
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// ChatOption configures the chat provider.
type ChatOption func(*ChatProvider)

// WithChatEndpoint overrides the completions endpoint.
func WithChatEndpoint(endpoint string) ChatOption {
	return func(p *ChatProvider) { p.endpoint = endpoint }
}

// NewOpenAIChat creates a completion provider on OpenAI.
func NewOpenAIChat(apiKey string, opts ...ChatOption) *ChatProvider {
	return newChat("openai", apiKey, "gpt-4o-mini", "https://api.openai.com/v1/chat/completions", opts...)
}

// NewGroqChat creates a completion provider on Groq.
func NewGroqChat(apiKey string, opts ...ChatOption) *ChatProvider {
	return newChat("groq", apiKey, "llama-3.3-70b-versatile", "https://api.groq.com/openai/v1/chat/completions", opts...)
}

// NewCerebrasChat creates a completion provider on Cerebras.
func NewCerebrasChat(apiKey string, opts ...ChatOption) *ChatProvider {
	return newChat("cerebras", apiKey, "llama-3.3-70b", "https://api.cerebras.ai/v1/chat/completions", opts...)
}

func newChat(kind, apiKey, model, endpoint string, opts ...ChatOption) *ChatProvider {
	p := &ChatProvider{
		kind:     kind,
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ contracts.LLMProvider = (*ChatProvider)(nil)

func (p *ChatProvider) Kind() string  { return p.kind }
func (p *ChatProvider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

// Complete runs a single-turn completion and returns the assistant text.
func (p *ChatProvider) Complete(ctx context.Context, system, user string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{Model: p.model, Messages: msgs, Temperature: 0})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s chat API returned %d: %s", p.kind, resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("%s error: %s (%s)", p.kind, result.Error.Message, result.Error.Type)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%s: empty completion", p.kind)
	}
	return result.Choices[0].Message.Content, nil
}
