package drivers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func evernoteRegistration() source.Registration {
	consumerKey := os.Getenv("EVERNOTE_CONSUMER_KEY")
	consumerSecret := os.Getenv("EVERNOTE_CONSUMER_SECRET")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "evernote",
			Name:        "Evernote",
			Labels:      []string{"notes"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser},
			OAuth1: &auth.OAuth1Spec{
				RequestTokenURL: "https://www.evernote.com/oauth",
				AuthorizeURL:    "https://www.evernote.com/OAuth.action",
				AccessTokenURL:  "https://www.evernote.com/oauth",
				ConsumerKey:     consumerKey,
				ConsumerSecret:  consumerSecret,
			},
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			token := strField(credentials, "oauth_token")
			secret := strField(credentials, "oauth_token_secret")
			if token == "" {
				return nil, models.Validationf("evernote requires an oauth_token credential")
			}
			ck := strField(credentials, "consumer_key")
			cs := strField(credentials, "consumer_secret")
			if ck == "" {
				ck, cs = consumerKey, consumerSecret
			}
			cfg := oauth1.NewConfig(ck, cs)
			httpc := cfg.Client(ctx, oauth1.NewToken(token, secret))
			httpc.Timeout = 30 * time.Second
			return &evernoteSource{c: c, httpc: httpc, base: "https://www.evernote.com/api/v1"}, nil
		},
	}
}

// evernoteSource streams notes per notebook. Every request is OAuth1-signed,
// so the driver carries its own signing client instead of the shared
// bearer-token one.
type evernoteSource struct {
	c     *source.Collaborators
	httpc *http.Client
	base  string
}

func (s *evernoteSource) ShortName() string { return "evernote" }

func (s *evernoteSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		Username string `json:"username"`
	}
	if err := s.getJSON(ctx, s.base+"/user", &out); err != nil {
		return false, err
	}
	return out.Username != "", nil
}

type evernoteNotebook struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

type evernoteNote struct {
	GUID    string `json:"guid"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
}

func (s *evernoteSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		var notebooks []evernoteNotebook
		if err := s.getJSON(ctx, s.base+"/notebooks", &notebooks); err != nil {
			out <- source.Result{Err: err}
			return
		}
		for _, nb := range notebooks {
			var notes []evernoteNote
			if err := s.getJSON(ctx, s.base+"/notebooks/"+nb.GUID+"/notes", &notes); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, n := range notes {
				e := &models.Entity{
					EntityID: n.GUID,
					Name:     n.Title,
					Kind:     models.EntityKindGeneric,
					Textual:  n.Title + "\n" + stripTags(n.Content),
					Breadcrumbs: []models.Breadcrumb{
						{EntityID: nb.GUID, Name: nb.Name, Type: "notebook"},
					},
					CreatedAt: millisPtr(n.Created),
					UpdatedAt: millisPtr(n.Updated),
				}
				select {
				case out <- source.Result{Entity: e}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *evernoteSource) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return models.ProviderErrorf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "GET %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func millisPtr(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
