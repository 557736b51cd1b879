// Package store provides the storage interface and implementations for the
// Airweave control plane. The in-memory implementation backs local dev and
// tests; all handler and service code depends only on the Store interface.
package store

import (
	"context"
	"fmt"

	"github.com/airweave/airweave/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	OrganizationStore
	CollectionStore
	SourceConnectionStore
	CredentialStore
	InitSessionStore
	RedirectStore
	SyncStore
	SyncJobStore
	EntityStore
	MembershipStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Organization Store ──────────────────────────────────────

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
}

// ── Collection Store ────────────────────────────────────────

type CollectionStore interface {
	ListCollections(ctx context.Context, orgID string) ([]models.Collection, error)
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	GetCollectionByReadableID(ctx context.Context, orgID, readableID string) (*models.Collection, error)
	CreateCollection(ctx context.Context, c *models.Collection) error
	DeleteCollection(ctx context.Context, id string) error
}

// ── Source Connection Store ─────────────────────────────────

type SourceConnectionStore interface {
	ListSourceConnections(ctx context.Context, orgID string) ([]models.SourceConnection, error)
	ListSourceConnectionsByCollection(ctx context.Context, orgID, readableCollectionID string) ([]models.SourceConnection, error)
	GetSourceConnection(ctx context.Context, id string) (*models.SourceConnection, error)
	GetSourceConnectionBySyncID(ctx context.Context, syncID string) (*models.SourceConnection, error)
	CreateSourceConnection(ctx context.Context, sc *models.SourceConnection) error
	UpdateSourceConnection(ctx context.Context, sc *models.SourceConnection) error
	DeleteSourceConnection(ctx context.Context, id string) error

	// UpdateSourceConnectionCursor persists the driver's incremental-sync
	// cursor. Single writer: the active sync job.
	UpdateSourceConnectionCursor(ctx context.Context, id string, cursor *models.SyncCursor) error
}

// ── Integration Credential Store ────────────────────────────

type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*models.IntegrationCredential, error)
	CreateCredential(ctx context.Context, cred *models.IntegrationCredential) error
	UpdateCredential(ctx context.Context, cred *models.IntegrationCredential) error
	DeleteCredential(ctx context.Context, id string) error
}

// ── Connection Init Session Store ───────────────────────────

type InitSessionStore interface {
	CreateInitSession(ctx context.Context, s *models.ConnectionInitSession) error
	GetInitSession(ctx context.Context, id string) (*models.ConnectionInitSession, error)

	// GetInitSessionByState looks up a session by its OAuth state token.
	// Used by the anonymous callback path; no org scoping.
	GetInitSessionByState(ctx context.Context, state string) (*models.ConnectionInitSession, error)
	UpdateInitSession(ctx context.Context, s *models.ConnectionInitSession) error

	// ExpireStaleInitSessions marks pending sessions past their expiry as
	// expired and returns how many were transitioned.
	ExpireStaleInitSessions(ctx context.Context) (int, error)
}

// ── Redirect Session Store ──────────────────────────────────

type RedirectStore interface {
	CreateRedirectSession(ctx context.Context, r *models.RedirectSession) error
	GetRedirectSession(ctx context.Context, code string) (*models.RedirectSession, error)
	DeleteRedirectSession(ctx context.Context, code string) error
	DeleteExpiredRedirectSessions(ctx context.Context) (int, error)
}

// ── Sync Store ──────────────────────────────────────────────

type SyncStore interface {
	GetSync(ctx context.Context, id string) (*models.Sync, error)
	CreateSync(ctx context.Context, s *models.Sync) error
	UpdateSync(ctx context.Context, s *models.Sync) error
	DeleteSync(ctx context.Context, id string) error
}

// ── Sync Job Store ──────────────────────────────────────────

type SyncJobStore interface {
	ListSyncJobs(ctx context.Context, syncID string, limit int) ([]models.SyncJob, error)
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
}

// ── Entity Record Store ─────────────────────────────────────

// EntityStore persists the per-sync entity identity and hash records the
// runner reconciles the entity stream against.
type EntityStore interface {
	ListEntityRecords(ctx context.Context, syncID string) ([]models.EntityRecord, error)
	UpsertEntityRecord(ctx context.Context, rec *models.EntityRecord) error
	DeleteEntityRecords(ctx context.Context, syncID string, entityIDs []string) error
	DeleteAllEntityRecords(ctx context.Context, syncID string) error
}

// ── Principal Membership Store ──────────────────────────────

// MembershipStore persists the principal-membership graph emitted by
// ACL-aware sources, keyed by source connection.
type MembershipStore interface {
	ReplaceMemberships(ctx context.Context, sourceConnectionID string, edges []models.Membership) error
	ListMembershipsByMember(ctx context.Context, memberID string) ([]models.Membership, error)
	DeleteMemberships(ctx context.Context, sourceConnectionID string) error
}

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
