package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/pkg/models"
)

// refreshMargin is how far before expiry a token is refreshed proactively.
const refreshMargin = 60 * time.Second

// refreshGroup coalesces concurrent refreshes per connection id, even across
// multiple TokenManager instances for the same connection.
var refreshGroup singleflight.Group

// Delegate is a token source to recurse into when the connection uses a
// configured auth provider instead of local refresh.
type Delegate interface {
	GetValidToken(ctx context.Context) (string, error)
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}

// TokenManager provides valid access tokens for one source connection.
// It holds the decrypted credential map, refreshes proactively near expiry
// and on demand after a 401, and persists rotated refresh tokens atomically.
type TokenManager struct {
	log          zerolog.Logger
	connectionID string
	credentialID string
	oauthType    models.OAuthType
	spec         *OAuth2Spec
	creds        *credstore.Service
	delegate     Delegate

	mu       sync.Mutex
	material map[string]any
}

// NewTokenManager builds a token manager over an already-decrypted
// credential map. spec may be nil for non-OAuth sources; delegate is non-nil
// when an auth provider is configured.
func NewTokenManager(log zerolog.Logger, connectionID, credentialID string, oauthType models.OAuthType, spec *OAuth2Spec, creds *credstore.Service, material map[string]any, delegate Delegate) *TokenManager {
	return &TokenManager{
		log:          log.With().Str("connection_id", connectionID).Logger(),
		connectionID: connectionID,
		credentialID: credentialID,
		oauthType:    oauthType,
		spec:         spec,
		creds:        creds,
		delegate:     delegate,
		material:     material,
	}
}

// Credentials returns a copy of the current credential map. Used by direct
// auth sources that need raw fields (host, password, api key).
func (m *TokenManager) Credentials() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(m.material))
	for k, v := range m.material {
		cp[k] = v
	}
	return cp
}

func (m *TokenManager) accessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, _ := m.material["access_token"].(string)
	return tok
}

func (m *TokenManager) expiresAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := m.material["expires_at"].(string)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m *TokenManager) canRefresh() bool {
	return m.oauthType == models.OAuthTypeWithRefresh || m.oauthType == models.OAuthTypeRotatingRefresh
}

// GetValidToken returns a currently valid access token, refreshing
// proactively when the stored expiry is within the safe margin.
func (m *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	if m.delegate != nil {
		return m.delegate.GetValidToken(ctx)
	}
	if m.canRefresh() {
		if exp, ok := m.expiresAt(); ok && time.Until(exp) < refreshMargin {
			return m.refresh(ctx)
		}
	}
	tok := m.accessToken()
	if tok == "" {
		return "", models.TokenRefreshf(nil, "no access token available for connection %s", m.connectionID)
	}
	return tok, nil
}

// RefreshOnUnauthorized performs one refresh attempt after a driver saw a
// 401. Concurrent attempts for the same connection coalesce into a single
// provider exchange; all callers receive the same new token.
func (m *TokenManager) RefreshOnUnauthorized(ctx context.Context) (string, error) {
	if m.delegate != nil {
		return m.delegate.RefreshOnUnauthorized(ctx)
	}
	if !m.canRefresh() {
		return "", models.TokenRefreshf(nil, "source token type %q cannot be refreshed", m.oauthType)
	}
	return m.refresh(ctx)
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	tok, err, _ := refreshGroup.Do(m.connectionID, func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

func (m *TokenManager) doRefresh(ctx context.Context) (string, error) {
	if m.spec == nil {
		return "", models.TokenRefreshf(nil, "no oauth spec for connection %s", m.connectionID)
	}
	m.mu.Lock()
	refreshToken, _ := m.material["refresh_token"].(string)
	clientID, _ := m.material["client_id"].(string)
	clientSecret, _ := m.material["client_secret"].(string)
	m.mu.Unlock()
	if refreshToken == "" {
		return "", models.TokenRefreshf(nil, "no refresh token stored for connection %s", m.connectionID)
	}

	newTok, err := m.spec.Refresh(ctx, refreshToken, clientID, clientSecret)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.material["access_token"] = newTok.AccessToken
	if !newTok.Expiry.IsZero() {
		m.material["expires_at"] = newTok.Expiry.UTC().Format(time.RFC3339)
	}
	// Rotating refresh: the new refresh token replaces the stored one in
	// the same write as the new access token.
	if m.oauthType == models.OAuthTypeRotatingRefresh && newTok.RefreshToken != "" {
		m.material["refresh_token"] = newTok.RefreshToken
	}
	snapshot := make(map[string]any, len(m.material))
	for k, v := range m.material {
		snapshot[k] = v
	}
	m.mu.Unlock()

	if m.creds != nil && m.credentialID != "" {
		if err := m.creds.Update(ctx, m.credentialID, snapshot); err != nil {
			return "", models.TokenRefreshf(err, "persist refreshed credentials")
		}
	}
	m.log.Debug().Msg("access token refreshed")
	return newTok.AccessToken, nil
}

// ResetRefreshGroupForTest clears the package refresh coalescing state.
func ResetRefreshGroupForTest() {
	refreshGroup = singleflight.Group{}
}
