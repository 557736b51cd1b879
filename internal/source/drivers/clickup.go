package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func clickupRegistration() source.Registration {
	id, secret := platformClient("CLICKUP")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "clickup",
			Name:        "ClickUp",
			Labels:      []string{"tasks", "project management"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeAccessOnly,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://app.clickup.com/api",
				TokenURL:     "https://api.clickup.com/api/v2/oauth/token",
				ClientID:     id,
				ClientSecret: secret,
			},
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &clickupSource{c: c, base: "https://api.clickup.com/api/v2"}, nil
		},
	}
}

// clickupSource walks team → space → list and fans out the per-list task
// fetches with bounded concurrency.
type clickupSource struct {
	c    *source.Collaborators
	base string
}

func (s *clickupSource) ShortName() string { return "clickup" }

func (s *clickupSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/user", &out); err != nil {
		return false, err
	}
	return out.User.ID != 0, nil
}

type clickupList struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	spaceName string
}

type clickupTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      struct {
		Status string `json:"status"`
	} `json:"status"`
	DateUpdated string `json:"date_updated"`
	URL         string `json:"url"`
}

func (s *clickupSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		lists, err := s.allLists(ctx)
		if err != nil {
			out <- source.Result{Err: err}
			return
		}
		for r := range source.FanOut(ctx, lists, s.streamList, source.FanOutOptions{Concurrency: 4}) {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *clickupSource) allLists(ctx context.Context) ([]clickupList, error) {
	var teams struct {
		Teams []struct {
			ID string `json:"id"`
		} `json:"teams"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/team", &teams); err != nil {
		return nil, err
	}

	var all []clickupList
	for _, team := range teams.Teams {
		var spaces struct {
			Spaces []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"spaces"`
		}
		if err := s.c.HTTP.GetJSON(ctx, s.base+"/team/"+team.ID+"/space", &spaces); err != nil {
			return nil, err
		}
		for _, space := range spaces.Spaces {
			var lists struct {
				Lists []clickupList `json:"lists"`
			}
			if err := s.c.HTTP.GetJSON(ctx, s.base+"/space/"+space.ID+"/list", &lists); err != nil {
				return nil, err
			}
			for _, l := range lists.Lists {
				l.spaceName = space.Name
				all = append(all, l)
			}
		}
	}
	return all, nil
}

func (s *clickupSource) streamList(ctx context.Context, list clickupList, emit func(source.Result) error) error {
	for page := 0; ; page++ {
		var tasks struct {
			Tasks    []clickupTask `json:"tasks"`
			LastPage bool          `json:"last_page"`
		}
		u := fmt.Sprintf("%s/list/%s/task?page=%d", s.base, list.ID, page)
		if err := s.c.HTTP.GetJSON(ctx, u, &tasks); err != nil {
			return err
		}
		for _, t := range tasks.Tasks {
			e := &models.Entity{
				EntityID: t.ID,
				Name:     t.Name,
				Kind:     models.EntityKindGeneric,
				Textual:  t.Name + "\n" + t.Description,
				Breadcrumbs: []models.Breadcrumb{
					{EntityID: list.ID, Name: list.spaceName + " / " + list.Name, Type: "list"},
				},
				Fields: map[string]any{
					"status": t.Status.Status,
					"url":    t.URL,
				},
				UpdatedAt: clickupTime(t.DateUpdated),
			}
			if err := emit(source.Result{Entity: e}); err != nil {
				return err
			}
		}
		if tasks.LastPage || len(tasks.Tasks) == 0 {
			return nil
		}
	}
}

func clickupTime(millis string) *time.Time {
	var ms int64
	if _, err := fmt.Sscanf(millis, "%d", &ms); err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
