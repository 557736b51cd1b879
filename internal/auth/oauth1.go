package auth

import (
	"github.com/dghubble/oauth1"

	"github.com/airweave/airweave/pkg/models"
)

// oauth1Config builds the dghubble config with optional BYOC consumer creds.
func (s OAuth1Spec) oauth1Config(consumerKey, consumerSecret, callbackURL string) *oauth1.Config {
	if consumerKey == "" {
		consumerKey = s.ConsumerKey
		consumerSecret = s.ConsumerSecret
	}
	return &oauth1.Config{
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		CallbackURL:    callbackURL,
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: s.RequestTokenURL,
			AuthorizeURL:    s.AuthorizeURL,
			AccessTokenURL:  s.AccessTokenURL,
		},
	}
}

// RequestToken performs the OAuth1a request-token leg and returns the
// temporary token pair plus the authorize URL the user's browser is sent to.
// The temporary secret must be stored in the init session overrides for the
// access-token leg.
func (s OAuth1Spec) RequestToken(consumerKey, consumerSecret, callbackURL string) (token, secret, authorizeURL string, err error) {
	cfg := s.oauth1Config(consumerKey, consumerSecret, callbackURL)
	token, secret, err = cfg.RequestToken()
	if err != nil {
		return "", "", "", models.ProviderErrorf(err, "oauth1 request token failed")
	}
	u, err := cfg.AuthorizationURL(token)
	if err != nil {
		return "", "", "", models.ProviderErrorf(err, "oauth1 authorize url failed")
	}
	return token, secret, u.String(), nil
}

// AccessToken performs the OAuth1a access-token leg using the stored
// request-token pair and the verifier returned on callback.
func (s OAuth1Spec) AccessToken(verifier string, ov models.InitSessionOverrides) (map[string]any, error) {
	cfg := s.oauth1Config(ov.ConsumerKey, ov.ConsumerSecret, ov.RedirectURL)
	accessToken, accessSecret, err := cfg.AccessToken(ov.RequestToken, ov.RequestTokenSecret, verifier)
	if err != nil {
		return nil, models.ProviderErrorf(err, "oauth1 access token failed")
	}
	return map[string]any{
		"oauth_token":        accessToken,
		"oauth_token_secret": accessSecret,
	}, nil
}
