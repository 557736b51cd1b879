// Package source defines the contract every source driver implements, the
// declarative per-source registry, and the shared helpers drivers build on:
// authenticated HTTP with retry/refresh discipline, bounded-concurrency
// fan-out, and OAuth2 validation.
package source

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/files"
	"github.com/airweave/airweave/pkg/models"
)

// TokenProvider yields valid access tokens for the driver's connection.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}

// Result is one item of a driver's entity stream: an entity or a terminal
// error. A driver closes the stream after sending an error result.
type Result struct {
	Entity *models.Entity
	Err    error
}

// Source is the capability set every driver implements. GenerateEntities
// returns a finite, non-restartable stream; each yielded item may follow an
// arbitrary number of network round trips.
type Source interface {
	ShortName() string

	// Validate performs a low-cost authenticated ping against the provider.
	Validate(ctx context.Context) (bool, error)

	// GenerateEntities streams entities, honoring ctx cancellation between
	// items. The cursor is the driver's own prior state; the driver advances
	// it in place as it consumes provider pages.
	GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan Result
}

// Searcher is implemented by federated sources queried at search time
// instead of being synced into the vector store.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*models.Entity, error)
}

// CursorAware is implemented by sources declaring continuous sync support.
type CursorAware interface {
	DefaultCursorField() string
	ValidateCursorField(field string) error
}

// MembershipGenerator is implemented by ACL-aware sources that can emit the
// principal-membership graph. Group expansion is the retrieval engine's
// concern, not the driver's.
type MembershipGenerator interface {
	GenerateMemberships(ctx context.Context) ([]models.Membership, error)
}

// Collaborators are host-supplied dependencies wired onto a driver before
// GenerateEntities is called.
type Collaborators struct {
	Logger             zerolog.Logger
	Tokens             TokenProvider
	HTTP               *Client
	Files              *files.Downloader
	OrganizationID     string
	SourceConnectionID string
}

// Factory instantiates a driver from decrypted credentials and validated
// config.
type Factory func(ctx context.Context, credentials, config map[string]any, c *Collaborators) (Source, error)

// Metadata is the declarative registry entry for one source integration.
type Metadata struct {
	ShortName   string
	Name        string
	Labels      []string
	AuthMethods []models.AuthMethod
	OAuthType   models.OAuthType

	// RequiresBYOC rejects plain browser flows that rely on the platform
	// OAuth client.
	RequiresBYOC bool

	// AuthFields validates direct credentials; ConfigFields validates
	// user-supplied config.
	AuthFields   *Schema
	ConfigFields *Schema

	SupportsContinuous        bool
	SupportsTemporalRelevance bool
	FederatedSearch           bool

	OAuth2 *auth.OAuth2Spec
	OAuth1 *auth.OAuth1Spec
}

// SupportsAuthMethod reports whether the source accepts the given method.
// The effective set is the declared set plus BYOC whenever the browser flow
// is declared.
func (m Metadata) SupportsAuthMethod(method models.AuthMethod) bool {
	for _, am := range m.AuthMethods {
		if am == method {
			return true
		}
		if am == models.AuthMethodOAuthBrowser && method == models.AuthMethodOAuthBYOC {
			return true
		}
	}
	return false
}
