package search

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

const keywordPrompt = `Extract the search keywords from this question as a short query string a keyword search API would accept. Return only the keywords, no quotes, no explanation.`

// federatedSearch queries the collection's federated sources live at search
// time. Federated sources are never synced; their hits enter the final
// ranking tagged with the source short name.
type federatedSearch struct {
	svc *Service
	llm contracts.LLMProvider // nil when no completion provider is available
}

func (o *federatedSearch) Name() string { return "federated_search" }

func (o *federatedSearch) Run(ctx context.Context, s *State) error {
	conns, err := o.svc.store.ListSourceConnectionsByCollection(ctx, s.Org.ID, s.Collection.ReadableID)
	if err != nil {
		return err
	}

	// Natural-language questions make poor keyword queries; distill one when
	// a completion provider is on hand.
	query := s.Request.Query
	if o.llm != nil {
		if kw, err := o.llm.Complete(ctx, keywordPrompt, query); err == nil {
			if kw = strings.TrimSpace(kw); kw != "" {
				query = kw
			}
		}
	}

	limit := s.Limit + s.Offset
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]models.SearchResult, len(conns))
	for i, conn := range conns {
		if !conn.IsAuthenticated {
			continue
		}
		reg, err := o.svc.registry.Get(conn.ShortName)
		if err != nil || !reg.Metadata.FederatedSearch {
			continue
		}
		i, conn := i, conn
		g.Go(func() error {
			hits, err := o.svc.searchOne(gctx, reg, &conn, query, limit)
			if err != nil {
				// One slow or broken federated source must not sink the
				// whole search.
				o.svc.log.Warn().Err(err).Str("source", conn.ShortName).Msg("federated source failed, skipping")
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, hits := range results {
		s.Federated = append(s.Federated, hits...)
	}
	return nil
}

// searchOne instantiates the driver for one federated connection and runs
// its live search.
func (s *Service) searchOne(ctx context.Context, reg source.Registration, conn *models.SourceConnection, query string, limit int) ([]models.SearchResult, error) {
	var credentials map[string]any
	var tokens source.TokenProvider
	if conn.CredentialID != "" {
		var err error
		credentials, err = s.creds.Get(ctx, conn.CredentialID)
		if err != nil {
			return nil, err
		}
		cred, err := s.store.GetCredential(ctx, conn.CredentialID)
		if err != nil {
			return nil, err
		}
		if reg.Metadata.OAuth2 != nil && cred.OAuthType != models.OAuthTypeNone {
			tokens = auth.NewTokenManager(s.log, conn.ID, conn.CredentialID, cred.OAuthType, reg.Metadata.OAuth2, s.creds, credentials, nil)
		}
	}
	collab := &source.Collaborators{
		Logger:             s.log.With().Str("source", conn.ShortName).Logger(),
		Tokens:             tokens,
		HTTP:               source.NewClient(s.log, source.DefaultHTTPFactory, tokens),
		OrganizationID:     conn.OrganizationID,
		SourceConnectionID: conn.ID,
	}
	driver, err := reg.Factory(ctx, credentials, conn.Config, collab)
	if err != nil {
		return nil, err
	}
	searcher, ok := driver.(source.Searcher)
	if !ok {
		return nil, models.Validationf("source %s declares federated search but implements none", conn.ShortName)
	}
	entities, err := searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]models.SearchResult, 0, len(entities))
	for rank, e := range entities {
		hits = append(hits, models.SearchResult{
			ID:      e.EntityID,
			Score:   1 - float64(rank)/float64(len(entities)+1),
			Payload: e.Payload(),
			Source:  conn.ShortName,
		})
	}
	return hits, nil
}
