package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// newTokenServer returns a fake OAuth token endpoint that counts exchanges
// and rotates the refresh token on every call.
func newTokenServer(t *testing.T, exchanges *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		// Slow response so concurrent callers overlap one in-flight refresh.
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-` + string(rune('0'+n)) + `","refresh_token":"rt-` + string(rune('0'+n)) + `","token_type":"Bearer","expires_in":3600}`))
	}))
}

func newManager(t *testing.T, tokenURL string, material map[string]any) (*auth.TokenManager, *credstore.Service, string) {
	t.Helper()
	auth.ResetRefreshGroupForTest()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	cs, err := credstore.New(s, "k")
	if err != nil {
		t.Fatalf("credstore.New() error = %v", err)
	}
	cred, err := cs.Create(context.Background(), "org-1", "notion", models.AuthMethodOAuthToken, models.OAuthTypeRotatingRefresh, material)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	spec := &auth.OAuth2Spec{TokenURL: tokenURL, ClientID: "cid", ClientSecret: "sec"}
	tm := auth.NewTokenManager(zerolog.Nop(), "conn-1", cred.ID, models.OAuthTypeRotatingRefresh, spec, cs, material, nil)
	return tm, cs, cred.ID
}

func TestGetValidTokenReturnsStoredToken(t *testing.T) {
	material := map[string]any{
		"access_token":  "stored",
		"refresh_token": "rt",
		"expires_at":    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}
	tm, _, _ := newManager(t, "http://unused.invalid/token", material)

	tok, err := tm.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if tok != "stored" {
		t.Errorf("GetValidToken() = %q, want stored", tok)
	}
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	var exchanges atomic.Int64
	srv := newTokenServer(t, &exchanges)
	defer srv.Close()

	material := map[string]any{
		"access_token":  "stale",
		"refresh_token": "rt",
		"expires_at":    time.Now().UTC().Add(10 * time.Second).Format(time.RFC3339),
	}
	tm, _, _ := newManager(t, srv.URL, material)

	tok, err := tm.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if tok == "stale" {
		t.Error("GetValidToken() returned stale token, want refreshed")
	}
	if got := exchanges.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var exchanges atomic.Int64
	srv := newTokenServer(t, &exchanges)
	defer srv.Close()

	material := map[string]any{"access_token": "old", "refresh_token": "rt-0"}
	tm, cs, credID := newManager(t, srv.URL, material)

	const callers = 8
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := tm.RefreshOnUnauthorized(context.Background())
			if err != nil {
				t.Errorf("RefreshOnUnauthorized() error = %v", err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if got := exchanges.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1 (coalesced)", got)
	}
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got token %q, caller 0 got %q", i, tokens[i], tokens[0])
		}
	}

	// The rotated refresh token must be persisted with the new access token.
	persisted, err := cs.Get(context.Background(), credID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if persisted["refresh_token"] == "rt-0" {
		t.Error("rotated refresh token was not persisted")
	}
	if persisted["access_token"] != tokens[0] {
		t.Errorf("persisted access_token = %v, want %v", persisted["access_token"], tokens[0])
	}
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	tm, _, _ := newManager(t, "http://unused.invalid/token", map[string]any{"access_token": "a"})
	_, err := tm.RefreshOnUnauthorized(context.Background())
	if err == nil {
		t.Fatal("RefreshOnUnauthorized() succeeded without refresh token, want error")
	}
	if models.KindOf(err) != models.KindTokenRefresh {
		t.Errorf("error kind = %q, want token_refresh", models.KindOf(err))
	}
}

func TestDelegateIsUsedWhenConfigured(t *testing.T) {
	auth.ResetRefreshGroupForTest()
	delegate := &stubDelegate{token: "from-provider"}
	tm := auth.NewTokenManager(zerolog.Nop(), "conn-2", "", models.OAuthTypeNone, nil, nil, nil, delegate)

	tok, err := tm.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if tok != "from-provider" {
		t.Errorf("GetValidToken() = %q, want from-provider", tok)
	}
}

type stubDelegate struct{ token string }

func (s *stubDelegate) GetValidToken(ctx context.Context) (string, error)         { return s.token, nil }
func (s *stubDelegate) RefreshOnUnauthorized(ctx context.Context) (string, error) { return s.token, nil }
