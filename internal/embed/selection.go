package embed

import (
	"strings"

	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// envVarFor maps a provider short name to the API key variable that enables
// it. Error messages name the variable so operators know what to set.
var envVarFor = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"cohere":   "COHERE_API_KEY",
	"groq":     "GROQ_API_KEY",
	"cerebras": "CEREBRAS_API_KEY",
}

// Catalog resolves pipeline roles to concrete providers using the ordered
// preference lists. A role resolves to the first preferred provider whose
// API key is configured; a role with no available provider returns an error
// naming the missing variables.
type Catalog struct {
	cfg   config.ProviderConfig
	prefs config.Preferences
}

// NewCatalog builds the provider catalog.
func NewCatalog(cfg config.ProviderConfig, prefs config.Preferences) *Catalog {
	return &Catalog{cfg: cfg, prefs: prefs}
}

func (c *Catalog) keyFor(name string) string {
	switch name {
	case "openai":
		return c.cfg.OpenAIAPIKey
	case "cohere":
		return c.cfg.CohereAPIKey
	case "groq":
		return c.cfg.GroqAPIKey
	case "cerebras":
		return c.cfg.CerebrasAPIKey
	}
	return ""
}

func (c *Catalog) missing(role string, names []string) error {
	vars := make([]string, 0, len(names))
	for _, n := range names {
		if v, ok := envVarFor[n]; ok {
			vars = append(vars, v)
		}
	}
	return models.Validationf("no %s provider available: set one of %s", role, strings.Join(vars, ", "))
}

// Embedding returns the embedding provider for a collection's vector size.
// Exactly one provider serves a collection; there is no mid-collection
// fallback, so an unavailable provider is an error, not a downgrade.
func (c *Catalog) Embedding(vectorSize int) (contracts.EmbeddingProvider, error) {
	for _, name := range c.prefs.Embedding {
		if c.keyFor(name) == "" {
			continue
		}
		switch name {
		case "openai":
			return NewOpenAIEmbedder(c.cfg.OpenAIAPIKey, vectorSize)
		}
	}
	return nil, c.missing("embedding", c.prefs.Embedding)
}

// Sparse returns the sparse embedder. The local encoder needs no API key and
// is always available.
func (c *Catalog) Sparse() contracts.SparseEmbedder {
	return NewLocalSparse()
}

// Reranker returns the rerank chain: every configured provider from the
// preference list, tried in order on call-time failure. Errors when none is
// configured, naming the missing API key variables.
func (c *Catalog) Reranker() (contracts.Reranker, error) {
	var chain []contracts.Reranker
	for _, name := range c.prefs.Rerank {
		if c.keyFor(name) == "" {
			continue
		}
		switch name {
		case "cohere":
			chain = append(chain, NewCohereReranker(c.cfg.CohereAPIKey))
		}
	}
	switch len(chain) {
	case 0:
		return nil, c.missing("rerank", c.prefs.Rerank)
	case 1:
		return chain[0], nil
	}
	return &fallbackReranker{providers: chain}, nil
}

// LLM returns the completion chain: every configured provider from the
// preference list, tried in order on call-time failure. Errors when none is
// configured, naming the missing API key variables.
func (c *Catalog) LLM() (contracts.LLMProvider, error) {
	var chain []contracts.LLMProvider
	for _, name := range c.prefs.LLM {
		if c.keyFor(name) == "" {
			continue
		}
		switch name {
		case "groq":
			chain = append(chain, NewGroqChat(c.cfg.GroqAPIKey))
		case "openai":
			chain = append(chain, NewOpenAIChat(c.cfg.OpenAIAPIKey))
		case "cerebras":
			chain = append(chain, NewCerebrasChat(c.cfg.CerebrasAPIKey))
		}
	}
	switch len(chain) {
	case 0:
		return nil, c.missing("completion", c.prefs.LLM)
	case 1:
		return chain[0], nil
	}
	return &fallbackLLM{providers: chain}, nil
}
