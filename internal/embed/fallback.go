package embed

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/pkg/contracts"
)

// fallbackLLM tries each completion provider in preference order and returns
// the first successful answer. Context cancellation stops the chain; provider
// errors move it to the next candidate.
type fallbackLLM struct {
	providers []contracts.LLMProvider
}

func (f *fallbackLLM) Kind() string  { return f.providers[0].Kind() }
func (f *fallbackLLM) Model() string { return f.providers[0].Model() }

func (f *fallbackLLM) Complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for _, p := range f.providers {
		out, err := p.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("provider", p.Kind()).Msg("completion failed, trying next provider")
	}
	return "", lastErr
}

// fallbackReranker tries each rerank provider in preference order.
type fallbackReranker struct {
	providers []contracts.Reranker
}

func (f *fallbackReranker) Kind() string { return f.providers[0].Kind() }

func (f *fallbackReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]contracts.RankedItem, error) {
	var lastErr error
	for _, p := range f.providers {
		items, err := p.Rerank(ctx, query, documents, topN)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("provider", p.Kind()).Msg("rerank failed, trying next provider")
	}
	return nil, lastErr
}
