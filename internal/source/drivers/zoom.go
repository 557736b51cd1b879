package drivers

import (
	"context"
	"net/url"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func zoomRegistration() source.Registration {
	id, secret := platformClient("ZOOM")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "zoom",
			Name:        "Zoom",
			Labels:      []string{"meetings", "video"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeWithRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://zoom.us/oauth/authorize",
				TokenURL:     "https://zoom.us/oauth/token",
				ClientID:     id,
				ClientSecret: secret,
			},
			SupportsTemporalRelevance: true,
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &zoomSource{c: c, base: "https://api.zoom.us/v2"}, nil
		},
	}
}

// zoomSource streams the user's meetings with page-token pagination.
type zoomSource struct {
	c    *source.Collaborators
	base string
}

func (s *zoomSource) ShortName() string { return "zoom" }

func (s *zoomSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/users/me", &out); err != nil {
		return false, err
	}
	return out.ID != "", nil
}

type zoomMeeting struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	Topic     string    `json:"topic"`
	Agenda    string    `json:"agenda"`
	StartTime time.Time `json:"start_time"`
	Duration  int       `json:"duration"`
	JoinURL   string    `json:"join_url"`
}

func (s *zoomSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		pageToken := ""
		for {
			u := s.base + "/users/me/meetings?page_size=100&type=previous_meetings"
			if pageToken != "" {
				u += "&next_page_token=" + url.QueryEscape(pageToken)
			}
			var page struct {
				Meetings      []zoomMeeting `json:"meetings"`
				NextPageToken string        `json:"next_page_token"`
			}
			if err := s.c.HTTP.GetJSON(ctx, u, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, m := range page.Meetings {
				e := &models.Entity{
					EntityID: m.UUID,
					Name:     m.Topic,
					Kind:     models.EntityKindGeneric,
					Textual:  m.Topic + "\n" + m.Agenda,
					Fields: map[string]any{
						"meeting_id": m.ID,
						"duration":   m.Duration,
						"join_url":   m.JoinURL,
					},
					CreatedAt: timePtr(m.StartTime),
					UpdatedAt: timePtr(m.StartTime),
				}
				select {
				case out <- source.Result{Entity: e}:
				case <-ctx.Done():
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			pageToken = page.NextPageToken
		}
	}()
	return out
}
