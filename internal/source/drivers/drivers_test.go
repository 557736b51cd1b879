package drivers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/pkg/models"
)

func testCollaborators() *source.Collaborators {
	return &source.Collaborators{
		Logger: zerolog.Nop(),
		HTTP:   source.NewClient(zerolog.Nop(), nil, nil),
	}
}

func drain(t *testing.T, ch <-chan source.Result) []*models.Entity {
	t.Helper()
	var entities []*models.Entity
	for r := range ch {
		if r.Err != nil {
			t.Fatalf("stream error = %v", r.Err)
		}
		entities = append(entities, r.Entity)
	}
	return entities
}

// ── slack ───────────────────────────────────────────────────

func newSlackServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"channels": []map[string]any{
				{"id": "C1", "name": "general"},
			},
		})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		oldest := r.URL.Query().Get("oldest")
		msgs := []map[string]any{
			{"ts": "1700000002.000100", "user": "U1", "text": "second message"},
			{"ts": "1700000001.000100", "user": "U2", "text": "first message"},
		}
		if oldest != "" {
			var filtered []map[string]any
			for _, m := range msgs {
				if m["ts"].(string) > oldest {
					filtered = append(filtered, m)
				}
			}
			msgs = filtered
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": msgs})
	})
	return httptest.NewServer(mux)
}

func TestSlackStreamAndWatermark(t *testing.T) {
	srv := newSlackServer(t)
	defer srv.Close()
	s := &slackSource{c: testCollaborators(), base: srv.URL}

	cursor := &models.SyncCursor{}
	entities := drain(t, s.GenerateEntities(context.Background(), cursor))
	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2", len(entities))
	}
	if entities[0].EntityID != "C1:1700000002.000100" {
		t.Errorf("EntityID = %q", entities[0].EntityID)
	}
	if got := cursor.Data["C1"]; got != "1700000002.000100" {
		t.Errorf("cursor watermark = %v, want latest ts", got)
	}

	// A rerun from the watermark yields nothing new.
	entities = drain(t, s.GenerateEntities(context.Background(), cursor))
	if len(entities) != 0 {
		t.Errorf("rerun len(entities) = %d, want 0", len(entities))
	}
}

func TestSlackAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv.Close()
	s := &slackSource{c: testCollaborators(), base: srv.URL}

	var streamErr error
	for r := range s.GenerateEntities(context.Background(), &models.SyncCursor{}) {
		if r.Err != nil {
			streamErr = r.Err
		}
	}
	if streamErr == nil {
		t.Fatalf("expected terminal error for ok=false envelope")
	}
	if models.KindOf(streamErr) != models.KindProviderError {
		t.Errorf("error kind = %v, want provider error", models.KindOf(streamErr))
	}
}

func TestSlackCursorField(t *testing.T) {
	s := &slackSource{}
	if s.DefaultCursorField() != "latest_ts" {
		t.Errorf("DefaultCursorField() = %q", s.DefaultCursorField())
	}
	if err := s.ValidateCursorField("latest_ts"); err != nil {
		t.Errorf("ValidateCursorField(latest_ts) error = %v", err)
	}
	if err := s.ValidateCursorField("created_at"); err == nil {
		t.Errorf("ValidateCursorField(created_at) = nil, want error")
	}
}

// ── notion ──────────────────────────────────────────────────

func newNotionServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Notion-Version") == "" {
			t.Errorf("missing Notion-Version header")
		}
		var req struct {
			StartCursor string `json:"start_cursor"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.StartCursor == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{
					"object": "page", "id": "p1",
					"properties": map[string]any{
						"Name": map[string]any{"type": "title", "title": []map[string]any{{"plain_text": "Roadmap"}}},
					},
				}},
				"has_more":    true,
				"next_cursor": "cur-2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"object": "database", "id": "d1",
				"title": []map[string]any{{"plain_text": "Tasks DB"}},
			}},
			"has_more": false,
		})
	})
	mux.HandleFunc("/v1/blocks/p1/children", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"type":      "paragraph",
				"paragraph": map[string]any{"rich_text": []map[string]any{{"plain_text": "Q3 goals."}}},
			}},
		})
	})
	return httptest.NewServer(mux)
}

func TestNotionPagesAndDatabases(t *testing.T) {
	srv := newNotionServer(t)
	defer srv.Close()
	s := &notionSource{c: testCollaborators(), base: srv.URL}

	entities := drain(t, s.GenerateEntities(context.Background(), &models.SyncCursor{}))
	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2", len(entities))
	}
	if entities[0].Name != "Roadmap" {
		t.Errorf("page name = %q, want Roadmap", entities[0].Name)
	}
	if entities[0].Textual != "Roadmap\nQ3 goals." {
		t.Errorf("page textual = %q", entities[0].Textual)
	}
	if entities[1].Name != "Tasks DB" {
		t.Errorf("database name = %q, want Tasks DB", entities[1].Name)
	}
}

// ── github_files ────────────────────────────────────────────

func newGithubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pat-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tree": []map[string]any{
				{"path": "main.go", "type": "blob", "sha": "abc", "size": 120},
				{"path": "logo.png", "type": "blob", "sha": "def", "size": 900},
				{"path": "cmd", "type": "tree", "sha": "ghi"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/widget/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content":  base64.StdEncoding.EncodeToString([]byte("package main\n")),
			"encoding": "base64",
		})
	})
	return httptest.NewServer(mux)
}

func TestGithubFilesFiltersToCode(t *testing.T) {
	srv := newGithubServer(t)
	defer srv.Close()
	s := &githubFilesSource{
		c: testCollaborators(), base: srv.URL,
		token: "pat-1", repo: "acme/widget", branch: "main",
	}

	entities := drain(t, s.GenerateEntities(context.Background(), &models.SyncCursor{}))
	if len(entities) != 1 {
		t.Fatalf("len(entities) = %d, want 1 (png and tree filtered)", len(entities))
	}
	e := entities[0]
	if e.Kind != models.EntityKindCodeFile {
		t.Errorf("Kind = %q, want code_file", e.Kind)
	}
	if e.Textual != "package main\n" {
		t.Errorf("Textual = %q", e.Textual)
	}
	if e.Fields["language"] != "go" {
		t.Errorf("language = %v, want go", e.Fields["language"])
	}
}

func TestGithubFilesRejectsBadRepoName(t *testing.T) {
	reg := githubFilesRegistration()
	_, err := reg.Factory(context.Background(),
		map[string]any{"personal_access_token": "pat"},
		map[string]any{"repo_name": "no-slash"},
		testCollaborators())
	if err == nil {
		t.Fatalf("expected error for repo name without owner")
	}
}

// ── calendly ────────────────────────────────────────────────

func newCalendlyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"resource": map[string]any{"uri": "https://api.calendly.com/users/u1"},
		})
	})
	mux.HandleFunc("/scheduled_events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"collection": []map[string]any{
				{"uri": "https://api.calendly.com/scheduled_events/ev1", "name": "Design review", "status": "active", "start_time": "2026-08-25T10:00:00Z", "end_time": "2026-08-25T11:00:00Z"},
				{"uri": "https://api.calendly.com/scheduled_events/ev2", "name": "Standup", "status": "active", "start_time": "2026-08-25T09:00:00Z", "end_time": "2026-08-25T09:15:00Z"},
			},
			"pagination": map[string]any{"next_page_token": ""},
		})
	})
	return httptest.NewServer(mux)
}

func TestCalendlyFederatedSearch(t *testing.T) {
	srv := newCalendlyServer(t)
	defer srv.Close()
	s := &calendlySource{c: testCollaborators(), base: srv.URL}

	hits, err := s.Search(context.Background(), "design REVIEW", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
	if hits[0].EntityID != "ev1" {
		t.Errorf("EntityID = %q, want ev1", hits[0].EntityID)
	}
}

func TestCalendlyGeneratesNothing(t *testing.T) {
	s := &calendlySource{c: testCollaborators()}
	entities := drain(t, s.GenerateEntities(context.Background(), &models.SyncCursor{}))
	if len(entities) != 0 {
		t.Errorf("federated source emitted %d entities, want 0", len(entities))
	}
}

// ── sharepoint ──────────────────────────────────────────────

func newSharepointServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sites", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"id": "site1", "displayName": "Intranet"}},
		})
	})
	mux.HandleFunc("/sites/site1/drives", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"id": "drive1", "name": "Documents"}},
		})
	})
	mux.HandleFunc("/drives/drive1/root/children", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"id": "item1", "name": "handbook.pdf", "size": 1000, "file": map[string]any{"mimeType": "application/pdf"}, "@microsoft.graph.downloadUrl": "https://dl.example.com/item1"},
				{"id": "folder1", "name": "archive", "folder": map[string]any{}},
			},
		})
	})
	mux.HandleFunc("/drives/drive1/items/item1/permissions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"grantedToV2": map[string]any{"user": map[string]any{"userPrincipalName": "ada@example.com"}}},
				{"grantedToV2": map[string]any{"group": map[string]any{"id": "g1"}}},
			},
		})
	})
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"id": "g1", "displayName": "Engineering"}},
		})
	})
	mux.HandleFunc("/groups/g1/members", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"@odata.type": "#microsoft.graph.user", "id": "u1", "userPrincipalName": "ada@example.com"},
				{"@odata.type": "#microsoft.graph.group", "id": "g2"},
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestSharepointACLsAndMemberships(t *testing.T) {
	srv := newSharepointServer(t)
	defer srv.Close()
	s := &sharepointSource{c: testCollaborators(), base: srv.URL}
	ctx := context.Background()

	entities := drain(t, s.GenerateEntities(ctx, &models.SyncCursor{}))
	if len(entities) != 1 {
		t.Fatalf("len(entities) = %d, want 1 (folder filtered)", len(entities))
	}
	e := entities[0]
	if e.Kind != models.EntityKindFile {
		t.Errorf("Kind = %q, want file", e.Kind)
	}
	if e.Access == nil || len(e.Access.Viewers) != 2 {
		t.Fatalf("Access = %+v, want two viewers", e.Access)
	}
	want := map[string]bool{"user:ada@example.com": true, "group:sp:g1": true}
	for _, v := range e.Access.Viewers {
		if !want[v] {
			t.Errorf("unexpected viewer %q", v)
		}
	}

	edges, err := s.GenerateMemberships(ctx)
	if err != nil {
		t.Fatalf("GenerateMemberships() error = %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("len(edges) = %d, want 2", len(edges))
	}
	if edges[0].MemberID != "user:ada@example.com" || edges[0].GroupID != "group:sp:g1" {
		t.Errorf("edge[0] = %+v", edges[0])
	}
	if edges[1].MemberType != models.MemberKindGroup || edges[1].MemberID != "group:sp:g2" {
		t.Errorf("edge[1] = %+v", edges[1])
	}
}

// ── registry ────────────────────────────────────────────────

func TestRegisterAll(t *testing.T) {
	r := source.NewRegistry()
	RegisterAll(r)

	for _, name := range []string{
		"notion", "slack", "confluence", "sharepoint", "google_docs",
		"clickup", "zoom", "miro", "evernote", "calendly", "postgres", "github_files",
	} {
		reg, err := r.Get(name)
		if err != nil {
			t.Errorf("Get(%s) error = %v", name, err)
			continue
		}
		if reg.Factory == nil {
			t.Errorf("%s has no factory", name)
		}
	}

	cal, _ := r.Get("calendly")
	if !cal.Metadata.FederatedSearch {
		t.Errorf("calendly should declare federated search")
	}
	pg, _ := r.Get("postgres")
	if !pg.Metadata.SupportsContinuous {
		t.Errorf("postgres should declare continuous sync")
	}
	if !pg.Metadata.SupportsAuthMethod(models.AuthMethodDirect) {
		t.Errorf("postgres should accept direct auth")
	}
	notion, _ := r.Get("notion")
	if notion.Metadata.OAuthType != models.OAuthTypeRotatingRefresh {
		t.Errorf("notion oauth type = %q", notion.Metadata.OAuthType)
	}
	if !notion.Metadata.SupportsAuthMethod(models.AuthMethodOAuthBYOC) {
		t.Errorf("browser-capable source should accept BYOC")
	}
}
