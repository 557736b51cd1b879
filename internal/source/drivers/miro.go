package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func miroRegistration() source.Registration {
	id, secret := platformClient("MIRO")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "miro",
			Name:        "Miro",
			Labels:      []string{"whiteboard", "collaboration"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeAccessOnly,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://miro.com/oauth/authorize",
				TokenURL:     "https://api.miro.com/v1/oauth/token",
				ClientID:     id,
				ClientSecret: secret,
			},
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &miroSource{c: c, base: "https://api.miro.com/v2"}, nil
		},
	}
}

// miroSource streams board items, paging boards with offset/limit.
type miroSource struct {
	c    *source.Collaborators
	base string
}

func (s *miroSource) ShortName() string { return "miro" }

func (s *miroSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		Data []any `json:"data"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/boards?limit=1", &out); err != nil {
		return false, err
	}
	return true, nil
}

type miroBoard struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

type miroItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Content string `json:"content"`
		Title   string `json:"title"`
	} `json:"data"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

func (s *miroSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		const pageSize = 50
		for offset := 0; ; offset += pageSize {
			var page struct {
				Data  []miroBoard `json:"data"`
				Total int         `json:"total"`
			}
			u := fmt.Sprintf("%s/boards?limit=%d&offset=%d", s.base, pageSize, offset)
			if err := s.c.HTTP.GetJSON(ctx, u, &page); err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, board := range page.Data {
				if err := s.streamBoard(ctx, board, out); err != nil {
					out <- source.Result{Err: err}
					return
				}
			}
			if offset+len(page.Data) >= page.Total || len(page.Data) == 0 {
				return
			}
		}
	}()
	return out
}

func (s *miroSource) streamBoard(ctx context.Context, board miroBoard, out chan<- source.Result) error {
	next := fmt.Sprintf("%s/boards/%s/items?limit=50", s.base, board.ID)
	for next != "" {
		var page struct {
			Data  []miroItem `json:"data"`
			Links struct {
				Next string `json:"next"`
			} `json:"links"`
		}
		if err := s.c.HTTP.GetJSON(ctx, next, &page); err != nil {
			return err
		}
		for _, item := range page.Data {
			text := item.Data.Content
			if text == "" {
				text = item.Data.Title
			}
			if text == "" {
				continue
			}
			text = stripTags(text)
			e := &models.Entity{
				EntityID: board.ID + ":" + item.ID,
				Name:     truncate(text, 80),
				Kind:     models.EntityKindGeneric,
				Textual:  text,
				Breadcrumbs: []models.Breadcrumb{
					{EntityID: board.ID, Name: board.Name, Type: "board"},
				},
				Fields:    map[string]any{"item_type": item.Type},
				UpdatedAt: timePtr(item.ModifiedAt),
			}
			select {
			case out <- source.Result{Entity: e}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		next = page.Links.Next
	}
	return nil
}
