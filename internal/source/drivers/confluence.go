package drivers

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func confluenceRegistration() source.Registration {
	id, secret := platformClient("CONFLUENCE")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "confluence",
			Name:        "Confluence",
			Labels:      []string{"wiki", "docs"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeWithRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://auth.atlassian.com/authorize",
				TokenURL:     "https://auth.atlassian.com/oauth/token",
				Scopes:       []string{"read:confluence-content.all", "read:confluence-space.summary", "offline_access"},
				ClientID:     id,
				ClientSecret: secret,
			},
			ConfigFields: source.Fields(
				source.Str("site_url", true),
			),
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			site := strings.TrimRight(strField(config, "site_url"), "/")
			if site == "" {
				return nil, models.Validationf("confluence requires site_url")
			}
			return &confluenceSource{c: c, base: site}, nil
		},
	}
}

// confluenceSource pages through content with the REST API's _links.next
// relative pagination.
type confluenceSource struct {
	c    *source.Collaborators
	base string
}

func (s *confluenceSource) ShortName() string { return "confluence" }

func (s *confluenceSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		Results []any `json:"results"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/wiki/rest/api/space?limit=1", &out); err != nil {
		return false, err
	}
	return true, nil
}

type confluencePage struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	Space struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"space"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When time.Time `json:"when"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

func (s *confluenceSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		next := "/wiki/rest/api/content?limit=50&expand=body.storage,version,space"
		for next != "" {
			var page struct {
				Results []confluencePage `json:"results"`
				Links   struct {
					Next string `json:"next"`
				} `json:"_links"`
			}
			if err := s.c.HTTP.GetJSON(ctx, s.base+next, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, p := range page.Results {
				e := &models.Entity{
					EntityID: p.ID,
					Name:     p.Title,
					Kind:     models.EntityKindGeneric,
					Textual:  p.Title + "\n" + stripTags(p.Body.Storage.Value),
					Breadcrumbs: []models.Breadcrumb{
						{EntityID: p.Space.Key, Name: p.Space.Name, Type: "space"},
					},
					Fields: map[string]any{
						"space": p.Space.Key,
						"type":  p.Type,
						"url":   s.base + "/wiki" + p.Links.WebUI,
					},
					UpdatedAt: timePtr(p.Version.When),
				}
				select {
				case out <- source.Result{Entity: e}:
				case <-ctx.Done():
					return
				}
			}
			next = page.Links.Next
		}
	}()
	return out
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags flattens storage-format HTML into whitespace-normalized text.
func stripTags(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")
	return strings.Join(strings.Fields(text), " ")
}
