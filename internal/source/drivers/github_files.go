package drivers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

// Contents API refuses blobs above 1 MiB; larger files are skipped.
const githubMaxBlobSize = 1 << 20

var codeExtensions = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".java": "java",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".sh":   "shell",
	".sql":  "sql",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".toml": "toml",
}

func githubFilesRegistration() source.Registration {
	return source.Registration{
		Metadata: source.Metadata{
			ShortName:   "github_files",
			Name:        "GitHub Files",
			Labels:      []string{"code"},
			AuthMethods: []models.AuthMethod{models.AuthMethodDirect},
			AuthFields: source.Fields(
				source.Secret("personal_access_token"),
			),
			ConfigFields: source.Fields(
				source.Str("repo_name", true),
				source.Str("branch", false),
			),
		},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			repo := strField(config, "repo_name")
			if !strings.Contains(repo, "/") {
				return nil, models.Validationf("repo_name must be owner/name, got %q", repo)
			}
			branch := strField(config, "branch")
			if branch == "" {
				branch = "main"
			}
			return &githubFilesSource{
				c:      c,
				base:   "https://api.github.com",
				token:  strField(credentials, "personal_access_token"),
				repo:   repo,
				branch: branch,
			}, nil
		},
	}
}

// githubFilesSource streams a repository's code files from one branch's
// recursive tree listing.
type githubFilesSource struct {
	c      *source.Collaborators
	base   string
	token  string
	repo   string
	branch string
}

func (s *githubFilesSource) ShortName() string { return "github_files" }

func (s *githubFilesSource) Validate(ctx context.Context) (bool, error) {
	var out struct {
		FullName string `json:"full_name"`
	}
	if err := s.getJSON(ctx, s.base+"/repos/"+s.repo, &out); err != nil {
		return false, err
	}
	return out.FullName != "", nil
}

type githubTreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

func (s *githubFilesSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result, 50)
	go func() {
		defer close(out)
		var tree struct {
			Tree      []githubTreeEntry `json:"tree"`
			Truncated bool              `json:"truncated"`
		}
		u := s.base + "/repos/" + s.repo + "/git/trees/" + s.branch + "?recursive=1"
		if err := s.getJSON(ctx, u, &tree); err != nil {
			out <- source.Result{Err: err}
			return
		}
		if tree.Truncated {
			s.c.Logger.Warn().Str("repo", s.repo).Msg("tree listing truncated, large repository partially synced")
		}
		for _, entry := range tree.Tree {
			if entry.Type != "blob" || entry.Size > githubMaxBlobSize {
				continue
			}
			lang, ok := codeExtensions[strings.ToLower(path.Ext(entry.Path))]
			if !ok {
				continue
			}
			content, err := s.fileContent(ctx, entry.Path)
			if err != nil {
				out <- source.Result{Err: err}
				return
			}
			e := &models.Entity{
				EntityID: entry.Path,
				Name:     path.Base(entry.Path),
				Kind:     models.EntityKindCodeFile,
				Textual:  content,
				Breadcrumbs: []models.Breadcrumb{
					{EntityID: s.repo, Name: s.repo, Type: "repository"},
				},
				Fields: map[string]any{
					"path":     entry.Path,
					"language": lang,
					"sha":      entry.SHA,
					"branch":   s.branch,
				},
			}
			select {
			case out <- source.Result{Entity: e}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *githubFilesSource) fileContent(ctx context.Context, filePath string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	u := s.base + "/repos/" + s.repo + "/contents/" + filePath + "?ref=" + s.branch
	if err := s.getJSON(ctx, u, &out); err != nil {
		return "", err
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return "", models.ProviderErrorf(err, "github: decode %s", filePath)
	}
	return string(decoded), nil
}

// getJSON authenticates with the personal access token per request.
func (s *githubFilesSource) getJSON(ctx context.Context, url string, out any) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	header.Set("Accept", "application/vnd.github+json")
	resp, err := s.c.HTTP.Do(ctx, http.MethodGet, url, nil, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "GET %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
