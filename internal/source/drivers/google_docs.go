package drivers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func googleDocsRegistration() source.Registration {
	id, secret := platformClient("GOOGLE")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "google_docs",
			Name:        "Google Docs",
			Labels:      []string{"docs", "files"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeWithRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL:     "https://oauth2.googleapis.com/token",
				Scopes:       []string{"https://www.googleapis.com/auth/drive.readonly"},
				UsesPKCE:     true,
				ClientID:     id,
				ClientSecret: secret,
			},
			SupportsContinuous:        true,
			SupportsTemporalRelevance: true,
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &googleDocsSource{c: c, base: "https://www.googleapis.com"}, nil
		},
	}
}

// googleDocsSource streams Google Docs as file entities, exporting each as
// plain text. Incremental sync keys on Drive's modifiedTime.
type googleDocsSource struct {
	c    *source.Collaborators
	base string
}

func (s *googleDocsSource) ShortName() string { return "google_docs" }

func (s *googleDocsSource) DefaultCursorField() string { return "modified_time" }

func (s *googleDocsSource) ValidateCursorField(field string) error {
	if field != "" && field != "modified_time" {
		return models.Validationf("google_docs supports only the modified_time cursor field, got %q", field)
	}
	return nil
}

func (s *googleDocsSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		User struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"user"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/drive/v3/about?fields=user", &out); err != nil {
		return false, err
	}
	return out.User.EmailAddress != "", nil
}

type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
	CreatedTime  time.Time `json:"createdTime"`
	WebViewLink  string    `json:"webViewLink"`
	Owners       []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"owners"`
}

func (s *googleDocsSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)

		q := "mimeType='application/vnd.google-apps.document' and trashed=false"
		if watermark, _ := cursor.Data["modified_time"].(string); watermark != "" {
			q += fmt.Sprintf(" and modifiedTime > '%s'", watermark)
		}
		maxModified := ""

		pageToken := ""
		for {
			u := s.base + "/drive/v3/files?pageSize=100&orderBy=modifiedTime" +
				"&fields=" + url.QueryEscape("nextPageToken,files(id,name,modifiedTime,createdTime,webViewLink,owners)") +
				"&q=" + url.QueryEscape(q)
			if pageToken != "" {
				u += "&pageToken=" + url.QueryEscape(pageToken)
			}
			var page struct {
				Files         []driveFile `json:"files"`
				NextPageToken string      `json:"nextPageToken"`
			}
			if err := s.c.HTTP.GetJSON(ctx, u, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, f := range page.Files {
				modified := f.ModifiedTime.UTC().Format(time.RFC3339)
				if modified > maxModified {
					maxModified = modified
				}
				e := &models.Entity{
					EntityID:  f.ID,
					Name:      f.Name,
					Kind:      models.EntityKindFile,
					CreatedAt: timePtr(f.CreatedTime),
					UpdatedAt: timePtr(f.ModifiedTime),
					Fields:    map[string]any{"web_view_link": f.WebViewLink},
					File: &models.FileAttrs{
						URL:      s.base + "/drive/v3/files/" + f.ID + "/export?mimeType=text%2Fplain",
						FileType: "txt",
						MimeType: "text/plain",
					},
				}
				if len(f.Owners) > 0 {
					e.Fields["owner"] = f.Owners[0].EmailAddress
				}
				select {
				case out <- source.Result{Entity: e}:
				case <-ctx.Done():
					return
				}
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
		if maxModified != "" {
			cursor.Update(map[string]any{"modified_time": maxModified})
		}
	}()
	return out
}
