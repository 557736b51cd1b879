package drivers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func calendlyRegistration() source.Registration {
	id, secret := platformClient("CALENDLY")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "calendly",
			Name:        "Calendly",
			Labels:      []string{"scheduling"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeWithRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://auth.calendly.com/oauth/authorize",
				TokenURL:     "https://auth.calendly.com/oauth/token",
				ClientID:     id,
				ClientSecret: secret,
			},
			FederatedSearch:           true,
			SupportsTemporalRelevance: true,
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &calendlySource{c: c, base: "https://api.calendly.com"}, nil
		},
	}
}

// calendlySource is federated-only: events are queried live at search time
// and never synced into the vector store.
type calendlySource struct {
	c    *source.Collaborators
	base string
}

func (s *calendlySource) ShortName() string { return "calendly" }

func (s *calendlySource) Validate(ctx context.Context) (bool, error) {
	uri, err := s.currentUserURI(ctx)
	if err != nil {
		return false, err
	}
	return uri != "", nil
}

// GenerateEntities yields nothing; the source only answers live searches.
func (s *calendlySource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result)
	close(out)
	return out
}

type calendlyEvent struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Location  struct {
		Type string `json:"type"`
	} `json:"location"`
}

// Search lists upcoming scheduled events and matches the query terms against
// the event names. Calendly has no server-side text search.
func (s *calendlySource) Search(ctx context.Context, query string, limit int) ([]*models.Entity, error) {
	userURI, err := s.currentUserURI(ctx)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	var matched []*models.Entity
	pageToken := ""
	for {
		u := fmt.Sprintf("%s/scheduled_events?user=%s&count=100&sort=start_time:desc", s.base, url.QueryEscape(userURI))
		if pageToken != "" {
			u += "&page_token=" + url.QueryEscape(pageToken)
		}
		var page struct {
			Collection []calendlyEvent `json:"collection"`
			Pagination struct {
				NextPageToken string `json:"next_page_token"`
			} `json:"pagination"`
		}
		if err := s.c.HTTP.GetJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		for _, ev := range page.Collection {
			if !matchesTerms(strings.ToLower(ev.Name), terms) {
				continue
			}
			id := ev.URI
			if i := strings.LastIndexByte(id, '/'); i >= 0 {
				id = id[i+1:]
			}
			start := ev.StartTime
			matched = append(matched, &models.Entity{
				EntityID:  id,
				Name:      ev.Name,
				Kind:      models.EntityKindGeneric,
				Textual:   fmt.Sprintf("%s (%s, %s)", ev.Name, ev.Status, ev.StartTime.Format(time.RFC1123)),
				UpdatedAt: &start,
				Fields: map[string]any{
					"status":     ev.Status,
					"start_time": ev.StartTime.Format(time.RFC3339),
					"end_time":   ev.EndTime.Format(time.RFC3339),
					"location":   ev.Location.Type,
				},
			})
			if len(matched) >= limit {
				return matched, nil
			}
		}
		if page.Pagination.NextPageToken == "" {
			return matched, nil
		}
		pageToken = page.Pagination.NextPageToken
	}
}

func (s *calendlySource) currentUserURI(ctx context.Context) (string, error) {
	var out struct {
		Resource struct {
			URI string `json:"uri"`
		} `json:"resource"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/users/me", &out); err != nil {
		return "", err
	}
	return out.Resource.URI, nil
}

// matchesTerms reports whether every query term occurs in the candidate.
// An empty term list matches everything.
func matchesTerms(candidate string, terms []string) bool {
	for _, t := range terms {
		if !strings.Contains(candidate, t) {
			return false
		}
	}
	return true
}
