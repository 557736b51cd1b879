package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

const notionVersion = "2022-06-28"

func notionRegistration() source.Registration {
	id, secret := platformClient("NOTION")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "notion",
			Name:        "Notion",
			Labels:      []string{"knowledge base", "docs"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeRotatingRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://api.notion.com/v1/oauth/authorize",
				TokenURL:     "https://api.notion.com/v1/oauth/token",
				ClientID:     id,
				ClientSecret: secret,
			},
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &notionSource{c: c, base: "https://api.notion.com"}, nil
		},
	}
}

// notionSource streams pages and databases via the workspace search API,
// pulling block children for page text.
type notionSource struct {
	c    *source.Collaborators
	base string
}

func (s *notionSource) ShortName() string { return "notion" }

func (s *notionSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		Object string `json:"object"`
	}
	if err := s.getJSON(ctx, s.base+"/v1/users/me", &out); err != nil {
		return false, err
	}
	return out.Object == "user", nil
}

type notionObject struct {
	Object         string    `json:"object"`
	ID             string    `json:"id"`
	CreatedTime    time.Time `json:"created_time"`
	LastEditedTime time.Time `json:"last_edited_time"`
	URL            string    `json:"url"`
	Properties     map[string]struct {
		Type  string `json:"type"`
		Title []struct {
			PlainText string `json:"plain_text"`
		} `json:"title"`
	} `json:"properties"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
}

func (s *notionSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		start := ""
		for {
			body := map[string]any{"page_size": 100}
			if start != "" {
				body["start_cursor"] = start
			}
			var page struct {
				Results    []notionObject `json:"results"`
				HasMore    bool           `json:"has_more"`
				NextCursor string         `json:"next_cursor"`
			}
			if err := s.postJSON(ctx, s.base+"/v1/search", body, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, obj := range page.Results {
				e, err := s.toEntity(ctx, obj)
				if err != nil {
					out <- source.Result{Err: err}
					return
				}
				select {
				case out <- source.Result{Entity: e}:
				case <-ctx.Done():
					return
				}
			}
			if !page.HasMore || page.NextCursor == "" {
				return
			}
			start = page.NextCursor
		}
	}()
	return out
}

func (s *notionSource) toEntity(ctx context.Context, obj notionObject) (*models.Entity, error) {
	name := notionTitle(obj)
	e := &models.Entity{
		EntityID:  obj.ID,
		Name:      name,
		Kind:      models.EntityKindGeneric,
		CreatedAt: timePtr(obj.CreatedTime),
		UpdatedAt: timePtr(obj.LastEditedTime),
		Fields: map[string]any{
			"object": obj.Object,
			"url":    obj.URL,
		},
	}
	if obj.Object == "page" {
		text, err := s.pageText(ctx, obj.ID)
		if err != nil {
			return nil, err
		}
		if text != "" {
			e.Textual = name + "\n" + text
		}
	}
	return e, nil
}

// pageText flattens the page's top-level block children into plain text.
func (s *notionSource) pageText(ctx context.Context, pageID string) (string, error) {
	var blocks struct {
		Results []map[string]json.RawMessage `json:"results"`
	}
	if err := s.getJSON(ctx, s.base+"/v1/blocks/"+pageID+"/children?page_size=100", &blocks); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range blocks.Results {
		var kind string
		if raw, ok := block["type"]; ok {
			json.Unmarshal(raw, &kind)
		}
		raw, ok := block[kind]
		if !ok {
			continue
		}
		var content struct {
			RichText []struct {
				PlainText string `json:"plain_text"`
			} `json:"rich_text"`
		}
		if err := json.Unmarshal(raw, &content); err != nil {
			continue
		}
		for _, rt := range content.RichText {
			b.WriteString(rt.PlainText)
		}
		if len(content.RichText) > 0 {
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func notionTitle(obj notionObject) string {
	for _, t := range obj.Title {
		if t.PlainText != "" {
			return t.PlainText
		}
	}
	for _, prop := range obj.Properties {
		if prop.Type != "title" {
			continue
		}
		for _, t := range prop.Title {
			if t.PlainText != "" {
				return t.PlainText
			}
		}
	}
	return "Untitled"
}

func (s *notionSource) getJSON(ctx context.Context, url string, out any) error {
	return s.roundTrip(ctx, http.MethodGet, url, nil, out)
}

func (s *notionSource) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("notion: marshal: %w", err)
	}
	return s.roundTrip(ctx, http.MethodPost, url, body, out)
}

// roundTrip adds the mandatory Notion-Version header on every call.
func (s *notionSource) roundTrip(ctx context.Context, method, url string, body []byte, out any) error {
	header := http.Header{}
	header.Set("Notion-Version", notionVersion)
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	resp, err := s.c.HTTP.Do(ctx, method, url, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "%s %s: status %d: %s", method, url, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
