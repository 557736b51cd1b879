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

func slackRegistration() source.Registration {
	id, secret := platformClient("SLACK")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "slack",
			Name:        "Slack",
			Labels:      []string{"chat", "messaging"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeAccessOnly,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://slack.com/oauth/v2/authorize",
				TokenURL:     "https://slack.com/api/oauth.v2.access",
				Scopes:       []string{"channels:read", "channels:history", "users:read"},
				ClientID:     id,
				ClientSecret: secret,
			},
			SupportsContinuous:        true,
			SupportsTemporalRelevance: true,
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &slackSource{c: c, base: "https://slack.com/api"}, nil
		},
	}
}

// slackSource streams channel messages. Incremental sync keeps a per-channel
// oldest-timestamp watermark in the cursor, so a rerun only pulls messages
// newer than the last one seen.
type slackSource struct {
	c    *source.Collaborators
	base string
}

func (s *slackSource) ShortName() string { return "slack" }

func (s *slackSource) DefaultCursorField() string { return "latest_ts" }

func (s *slackSource) ValidateCursorField(field string) error {
	if field != "" && field != "latest_ts" {
		return models.Validationf("slack supports only the latest_ts cursor field, got %q", field)
	}
	return nil
}

type slackEnvelope struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Channels []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channels"`
	Messages []struct {
		TS   string `json:"ts"`
		User string `json:"user"`
		Text string `json:"text"`
	} `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (s *slackSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/auth.test", &out); err != nil {
		return false, err
	}
	if !out.OK {
		return false, models.ProviderErrorf(nil, "slack auth.test: %s", out.Error)
	}
	return true, nil
}

func (s *slackSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		pageCursor := ""
		for {
			u := s.base + "/conversations.list?limit=200&types=public_channel"
			if pageCursor != "" {
				u += "&cursor=" + url.QueryEscape(pageCursor)
			}
			var page slackEnvelope
			if err := s.call(ctx, u, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, ch := range page.Channels {
				if err := s.streamChannel(ctx, ch.ID, ch.Name, cursor, out); err != nil {
					out <- source.Result{Err: err}
					return
				}
			}
			if page.ResponseMetadata.NextCursor == "" {
				return
			}
			pageCursor = page.ResponseMetadata.NextCursor
		}
	}()
	return out
}

func (s *slackSource) streamChannel(ctx context.Context, channelID, channelName string, cursor *models.SyncCursor, out chan<- source.Result) error {
	oldest, _ := cursor.Data[channelID].(string)
	latest := oldest
	pageCursor := ""
	for {
		u := fmt.Sprintf("%s/conversations.history?channel=%s&limit=200", s.base, url.QueryEscape(channelID))
		if oldest != "" {
			u += "&oldest=" + url.QueryEscape(oldest)
		}
		if pageCursor != "" {
			u += "&cursor=" + url.QueryEscape(pageCursor)
		}
		var page slackEnvelope
		if err := s.call(ctx, u, &page); err != nil {
			return err
		}
		for _, msg := range page.Messages {
			if msg.Text == "" {
				continue
			}
			if msg.TS > latest {
				latest = msg.TS
			}
			e := &models.Entity{
				EntityID: channelID + ":" + msg.TS,
				Name:     truncate(msg.Text, 80),
				Kind:     models.EntityKindGeneric,
				Textual:  msg.Text,
				Breadcrumbs: []models.Breadcrumb{
					{EntityID: channelID, Name: "#" + channelName, Type: "channel"},
				},
				Fields: map[string]any{
					"channel": channelName,
					"user":    msg.User,
					"ts":      msg.TS,
				},
				UpdatedAt: slackTime(msg.TS),
			}
			select {
			case out <- source.Result{Entity: e}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if page.ResponseMetadata.NextCursor == "" {
			break
		}
		pageCursor = page.ResponseMetadata.NextCursor
	}
	if latest != "" {
		cursor.Update(map[string]any{channelID: latest})
	}
	return nil
}

// call decodes a Slack envelope and turns ok=false into a provider error.
func (s *slackSource) call(ctx context.Context, url string, out *slackEnvelope) error {
	if err := s.c.HTTP.GetJSON(ctx, url, out); err != nil {
		return err
	}
	if !out.OK {
		return models.ProviderErrorf(nil, "slack api: %s", out.Error)
	}
	return nil
}

func slackTime(ts string) *time.Time {
	var sec float64
	if _, err := fmt.Sscanf(ts, "%f", &sec); err != nil {
		return nil
	}
	t := time.Unix(int64(sec), 0).UTC()
	return &t
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
