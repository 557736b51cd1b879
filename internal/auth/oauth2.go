// Package auth implements OAuth orchestration for source connections:
// OAuth2 authorization-code flows with PKCE, OAuth1a three-leg flows, and
// the token manager that keeps access tokens valid during syncs.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/airweave/airweave/pkg/models"
)

// OAuth2Spec declares a source's OAuth2 wire parameters. Platform-default
// client credentials may be overridden per connection (BYOC).
type OAuth2Spec struct {
	AuthURL      string
	TokenURL     string
	Scopes       []string
	UsesPKCE     bool
	ClientID     string // platform default
	ClientSecret string // platform default
}

// OAuth1Spec declares a source's OAuth1a endpoints.
type OAuth1Spec struct {
	RequestTokenURL string
	AuthorizeURL    string
	AccessTokenURL  string
	ConsumerKey     string // platform default
	ConsumerSecret  string // platform default
}

// GenerateState returns a cryptographically random URL-safe state token with
// at least 24 bytes of entropy.
func GenerateState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: state entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// config builds the x/oauth2 config for a spec with optional BYOC overrides.
func (s OAuth2Spec) config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" {
		clientID = s.ClientID
		clientSecret = s.ClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       s.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.AuthURL,
			TokenURL: s.TokenURL,
		},
	}
}

// AuthorizeURL builds the provider authorize URL. When the spec supports
// PKCE a fresh code verifier is generated and returned for persistence in
// the init session overrides.
func (s OAuth2Spec) AuthorizeURL(state, clientID, clientSecret, redirectURL string) (authURL, codeVerifier string) {
	cfg := s.config(clientID, clientSecret, redirectURL)
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if s.UsesPKCE {
		codeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return cfg.AuthCodeURL(state, opts...), codeVerifier
}

// Exchange swaps an authorization code for tokens, using the overrides that
// were stored when the flow started.
func (s OAuth2Spec) Exchange(ctx context.Context, code string, ov models.InitSessionOverrides) (*oauth2.Token, error) {
	cfg := s.config(ov.ClientID, ov.ClientSecret, ov.RedirectURL)
	var opts []oauth2.AuthCodeOption
	if ov.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(ov.CodeVerifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, models.ProviderErrorf(err, "oauth2 code exchange failed")
	}
	return tok, nil
}

// Refresh performs a refresh_token grant and returns the new token. For
// rotating-refresh providers the returned token carries the replacement
// refresh token.
func (s OAuth2Spec) Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*oauth2.Token, error) {
	cfg := s.config(clientID, clientSecret, "")
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, models.TokenRefreshf(err, "oauth2 refresh failed")
	}
	return tok, nil
}

// TokenToCredentials converts an oauth2 token to the credential map shape
// persisted by the credential store.
func TokenToCredentials(tok *oauth2.Token) map[string]any {
	creds := map[string]any{"access_token": tok.AccessToken}
	if tok.RefreshToken != "" {
		creds["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		creds["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	return creds
}
