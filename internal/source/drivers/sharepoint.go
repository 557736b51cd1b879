package drivers

import (
	"context"
	"time"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func sharepointRegistration() source.Registration {
	id, secret := platformClient("SHAREPOINT")
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "sharepoint",
			Name:        "SharePoint",
			Labels:      []string{"files", "enterprise"},
			AuthMethods: []models.AuthMethod{models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider},
			OAuthType:   models.OAuthTypeWithRefresh,
			OAuth2: &auth.OAuth2Spec{
				AuthURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
				TokenURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
				Scopes:       []string{"Sites.Read.All", "Files.Read.All", "GroupMember.Read.All", "offline_access"},
				ClientID:     id,
				ClientSecret: secret,
			},
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return &sharepointSource{c: c, base: "https://graph.microsoft.com/v1.0"}, nil
		},
	}
}

// sharepointSource streams drive items across all sites with their per-item
// viewer sets, and emits the tenant's group membership graph so access
// control can be expanded at query time.
type sharepointSource struct {
	c    *source.Collaborators
	base string
}

func (s *sharepointSource) ShortName() string { return "sharepoint" }

func (s *sharepointSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.c.HTTP.GetJSON(ctx, s.base+"/sites/root", &out); err != nil {
		return false, err
	}
	return out.ID != "", nil
}

type graphPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphSite struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphDrive struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphItem struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	WebURL               string     `json:"webUrl"`
	Size                 int64      `json:"size"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime"`
	DownloadURL          string     `json:"@microsoft.graph.downloadUrl"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

type graphPermission struct {
	Link *struct {
		Scope string `json:"scope"`
	} `json:"link"`
	GrantedToV2 *struct {
		User *struct {
			UserPrincipalName string `json:"userPrincipalName"`
			Email             string `json:"email"`
		} `json:"user"`
		Group *struct {
			ID string `json:"id"`
		} `json:"group"`
	} `json:"grantedToV2"`
}

func (s *sharepointSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		sites, err := collectPages[graphSite](ctx, s.c, s.base+"/sites?search=*")
		if err != nil {
			out <- source.Result{Err: err}
			return
		}
		for _, site := range sites {
			drives, err := collectPages[graphDrive](ctx, s.c, s.base+"/sites/"+site.ID+"/drives")
			if err != nil {
				out <- source.Result{Err: err}
				return
			}
			for _, drive := range drives {
				if err := s.streamDrive(ctx, site, drive, out); err != nil {
					out <- source.Result{Err: err}
					return
				}
			}
		}
	}()
	return out
}

func (s *sharepointSource) streamDrive(ctx context.Context, site graphSite, drive graphDrive, out chan<- source.Result) error {
	items, err := collectPages[graphItem](ctx, s.c, s.base+"/drives/"+drive.ID+"/root/children")
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.File == nil {
			continue
		}
		access, err := s.itemAccess(ctx, drive.ID, item.ID)
		if err != nil {
			return err
		}
		e := &models.Entity{
			EntityID: item.ID,
			Name:     item.Name,
			Kind:     models.EntityKindFile,
			Breadcrumbs: []models.Breadcrumb{
				{EntityID: site.ID, Name: site.DisplayName, Type: "site"},
				{EntityID: drive.ID, Name: drive.Name, Type: "drive"},
			},
			Access:    access,
			UpdatedAt: item.LastModifiedDateTime,
			Fields:    map[string]any{"web_url": item.WebURL},
			File: &models.FileAttrs{
				URL:      item.DownloadURL,
				Size:     item.Size,
				MimeType: item.File.MimeType,
			},
		}
		select {
		case out <- source.Result{Entity: e}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// itemAccess translates Graph permissions into the opaque principal set.
func (s *sharepointSource) itemAccess(ctx context.Context, driveID, itemID string) (*models.AccessControl, error) {
	perms, err := collectPages[graphPermission](ctx, s.c, s.base+"/drives/"+driveID+"/items/"+itemID+"/permissions")
	if err != nil {
		return nil, err
	}
	access := &models.AccessControl{}
	for _, p := range perms {
		if p.Link != nil && p.Link.Scope == "anonymous" {
			access.IsPublic = true
		}
		if p.GrantedToV2 == nil {
			continue
		}
		if u := p.GrantedToV2.User; u != nil {
			login := u.UserPrincipalName
			if login == "" {
				login = u.Email
			}
			if login != "" {
				access.Viewers = append(access.Viewers, "user:"+login)
			}
		}
		if g := p.GrantedToV2.Group; g != nil && g.ID != "" {
			access.Viewers = append(access.Viewers, "group:sp:"+g.ID)
		}
	}
	return access, nil
}

// GenerateMemberships walks the tenant's groups and their members.
func (s *sharepointSource) GenerateMemberships(ctx context.Context) ([]models.Membership, error) {
	type graphGroup struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	type graphMember struct {
		ODataType         string `json:"@odata.type"`
		ID                string `json:"id"`
		UserPrincipalName string `json:"userPrincipalName"`
	}

	groups, err := collectPages[graphGroup](ctx, s.c, s.base+"/groups")
	if err != nil {
		return nil, err
	}
	var edges []models.Membership
	for _, g := range groups {
		members, err := collectPages[graphMember](ctx, s.c, s.base+"/groups/"+g.ID+"/members")
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			edge := models.Membership{GroupID: "group:sp:" + g.ID, GroupName: g.DisplayName}
			if m.ODataType == "#microsoft.graph.group" {
				edge.MemberID = "group:sp:" + m.ID
				edge.MemberType = models.MemberKindGroup
			} else {
				if m.UserPrincipalName == "" {
					continue
				}
				edge.MemberID = "user:" + m.UserPrincipalName
				edge.MemberType = models.MemberKindUser
			}
			edges = append(edges, edge)
		}
	}
	return edges, nil
}

// collectPages follows @odata.nextLink pagination to completion.
func collectPages[T any](ctx context.Context, c *source.Collaborators, url string) ([]T, error) {
	var all []T
	for url != "" {
		var page graphPage[T]
		if err := c.HTTP.GetJSON(ctx, url, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		url = page.NextLink
	}
	return all, nil
}
