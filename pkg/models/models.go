// Package models defines the data model for the Airweave control plane:
// organizations, collections, source connections, credentials, OAuth init
// sessions, syncs, sync jobs, entities and search types.
package models

import (
	"time"
)

// ── Organization ────────────────────────────────────────────

// Organization is the tenant boundary. Created out-of-band.
type Organization struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HasFlag reports whether the organization has the given feature flag enabled.
func (o *Organization) HasFlag(flag string) bool {
	return o != nil && o.FeatureFlags[flag]
}

// ── Collection ──────────────────────────────────────────────

// Collection is a logical namespace for search. VectorSize is immutable after
// creation; every entity stored in the collection must be embedded at exactly
// that dimensionality.
type Collection struct {
	ID             string    `json:"id"`
	ReadableID     string    `json:"readable_id"`
	Name           string    `json:"name"`
	VectorSize     int       `json:"vector_size"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ── Source Connection ───────────────────────────────────────

// AuthMethod tags how a source connection authenticates to its provider.
type AuthMethod string

const (
	AuthMethodDirect       AuthMethod = "direct"
	AuthMethodOAuthBrowser AuthMethod = "oauth_browser"
	AuthMethodOAuthToken   AuthMethod = "oauth_token"
	AuthMethodOAuthBYOC    AuthMethod = "oauth_byoc"
	AuthMethodAuthProvider AuthMethod = "auth_provider"
)

// OAuthType describes a source's token refresh capability.
type OAuthType string

const (
	OAuthTypeNone            OAuthType = ""
	OAuthTypeAccessOnly      OAuthType = "access_only"
	OAuthTypeWithRefresh     OAuthType = "with_refresh"
	OAuthTypeRotatingRefresh OAuthType = "with_rotating_refresh"
)

// SourceConnectionStatus is the lifecycle state of a source connection.
type SourceConnectionStatus string

const (
	ConnectionStatusPendingAuth   SourceConnectionStatus = "pending_auth"
	ConnectionStatusAuthenticated SourceConnectionStatus = "authenticated"
	ConnectionStatusScheduled     SourceConnectionStatus = "scheduled"
	ConnectionStatusRunning       SourceConnectionStatus = "running"
	ConnectionStatusExpired       SourceConnectionStatus = "expired"
)

// SourceConnection binds a collection to one external system.
type SourceConnection struct {
	ID                    string                 `json:"id"`
	OrganizationID        string                 `json:"organization_id"`
	Name                  string                 `json:"name"`
	Description           string                 `json:"description,omitempty"`
	ShortName             string                 `json:"short_name"`
	ReadableCollectionID  string                 `json:"readable_collection_id"`
	AuthMethod            AuthMethod             `json:"auth_method"`
	IsAuthenticated       bool                   `json:"is_authenticated"`
	Status                SourceConnectionStatus `json:"status"`
	Config                map[string]any         `json:"config,omitempty"`
	CredentialID          string                 `json:"credential_id,omitempty"`
	SyncID                string                 `json:"sync_id,omitempty"`
	CronSchedule          string                 `json:"cron_schedule,omitempty"`
	Cursor                *SyncCursor            `json:"cursor,omitempty"`
	ReadableAuthProvider  string                 `json:"readable_auth_provider_id,omitempty"`
	AuthProviderConfig    map[string]any         `json:"auth_provider_config,omitempty"`
	ConnectionInitSession string                 `json:"connection_init_session_id,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// SyncCursor is the opaque incremental-sync state. The owning driver is its
// sole writer and reader; the rest of the system only persists it.
type SyncCursor struct {
	Field string         `json:"field,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Update merges key/value pairs into the cursor data.
func (c *SyncCursor) Update(kv map[string]any) {
	if c.Data == nil {
		c.Data = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		c.Data[k] = v
	}
}

// ── Integration Credential ──────────────────────────────────

// IntegrationCredential is an encrypted credential blob plus metadata.
// Owned by exactly one source connection and deleted with it.
type IntegrationCredential struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organization_id"`
	IntegrationShortName string     `json:"integration_short_name"`
	AuthMethod           AuthMethod `json:"authentication_method"`
	OAuthType            OAuthType  `json:"oauth_type,omitempty"`
	EncryptedCredentials []byte     `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ── Connection Init Session ─────────────────────────────────

// InitSessionStatus is the state of an in-progress OAuth browser flow.
type InitSessionStatus string

const (
	InitSessionPending   InitSessionStatus = "pending"
	InitSessionCompleted InitSessionStatus = "completed"
	InitSessionExpired   InitSessionStatus = "expired"
)

// InitSessionOverrides holds per-session OAuth parameters: BYOC client
// credentials, the PKCE verifier, the redirect URL and the OAuth1
// request-token pair obtained before user authorization.
type InitSessionOverrides struct {
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	ConsumerKey        string `json:"consumer_key,omitempty"`
	ConsumerSecret     string `json:"consumer_secret,omitempty"`
	RedirectURL        string `json:"redirect_url,omitempty"`
	CodeVerifier       string `json:"code_verifier,omitempty"`
	RequestToken       string `json:"request_token,omitempty"`
	RequestTokenSecret string `json:"request_token_secret,omitempty"`
}

// ConnectionInitSession is the short-lived (30 min) record backing an OAuth
// browser flow. Exactly one source connection references it.
type ConnectionInitSession struct {
	ID                 string               `json:"id"`
	OrganizationID     string               `json:"organization_id"`
	ShortName          string               `json:"short_name"`
	State              string               `json:"state"`
	Payload            map[string]any       `json:"payload,omitempty"`
	Overrides          InitSessionOverrides `json:"overrides"`
	Status             InitSessionStatus    `json:"status"`
	RedirectSessionID  string               `json:"redirect_session_id,omitempty"`
	SourceConnectionID string               `json:"source_connection_id,omitempty"`
	ExpiresAt          time.Time            `json:"expires_at"`
	CreatedAt          time.Time            `json:"created_at"`
}

// RedirectSession proxies a provider authorize URL through a stable short
// code on the API host. Expires after 24 hours.
type RedirectSession struct {
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ── Sync & Sync Job ─────────────────────────────────────────

// Sync binds a source connection to its destination collection and holds the
// cron schedule.
type Sync struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	SourceConnectionID string     `json:"source_connection_id"`
	CollectionID       string     `json:"collection_id"`
	CronSchedule       string     `json:"cron_schedule,omitempty"`
	NextScheduledRun   *time.Time `json:"next_scheduled_run,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SyncJobStatus is the state of one sync execution.
type SyncJobStatus string

const (
	JobPending   SyncJobStatus = "pending"
	JobRunning   SyncJobStatus = "running"
	JobCompleted SyncJobStatus = "completed"
	JobFailed    SyncJobStatus = "failed"
	JobCancelled SyncJobStatus = "cancelled"
)

// SyncStats holds per-job entity action counters.
type SyncStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Kept     int `json:"kept"`
	Skipped  int `json:"skipped"`
}

// SyncJob is one execution of a sync. ForceFullSync makes the runner ignore
// the persisted cursor: the driver streams everything and the orphan pass
// runs as on a first sync.
type SyncJob struct {
	ID            string        `json:"id"`
	SyncID        string        `json:"sync_id"`
	Status        SyncJobStatus `json:"status"`
	ForceFullSync bool          `json:"force_full_sync,omitempty"`
	Stats         SyncStats     `json:"stats"`
	Error         string        `json:"error,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ── Authentication inputs (creation request) ────────────────

// DirectAuth carries raw credentials validated against the source's
// auth-config schema.
type DirectAuth struct {
	Credentials map[string]any `json:"credentials"`
}

// OAuthTokenAuth injects an externally obtained OAuth token.
type OAuthTokenAuth struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// OAuthBrowserAuth starts a browser consent flow. With both client
// credentials present it becomes BYOC.
type OAuthBrowserAuth struct {
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
}

// AuthProviderAuth delegates token acquisition to a configured auth provider
// connection.
type AuthProviderAuth struct {
	ProviderReadableID string         `json:"provider_readable_id"`
	ProviderConfig     map[string]any `json:"provider_config,omitempty"`
}

// Authentication is the tagged union of creation-time auth variants.
// Exactly one field is set.
type Authentication struct {
	Direct       *DirectAuth       `json:"direct,omitempty"`
	OAuthToken   *OAuthTokenAuth   `json:"oauth_token,omitempty"`
	OAuthBrowser *OAuthBrowserAuth `json:"oauth_browser,omitempty"`
	AuthProvider *AuthProviderAuth `json:"auth_provider,omitempty"`
}

// SourceConnectionCreate is the creation request for a source connection.
type SourceConnectionCreate struct {
	Name                 string          `json:"name,omitempty"`
	Description          string          `json:"description,omitempty"`
	ShortName            string          `json:"short_name"`
	ReadableCollectionID string          `json:"readable_collection_id"`
	Config               map[string]any  `json:"config,omitempty"`
	Schedule             *ScheduleConfig `json:"schedule,omitempty"`
	SyncImmediately      *bool           `json:"sync_immediately,omitempty"`
	Authentication       *Authentication `json:"authentication,omitempty"`
}

// ScheduleConfig carries the cron schedule of a source connection.
type ScheduleConfig struct {
	Cron string `json:"cron,omitempty"`
}

// SourceConnectionUpdate is a partial update. Credentials may only be
// updated for direct-auth connections.
type SourceConnectionUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	Schedule    *ScheduleConfig `json:"schedule,omitempty"`
	Credentials map[string]any  `json:"credentials,omitempty"`
}

// OAuthFlowResponse is returned by a browser-flow creation: the proxied
// authorize URL and its expiry.
type OAuthFlowResponse struct {
	SourceConnection *SourceConnection `json:"source_connection"`
	AuthURL          string            `json:"auth_url"`
	AuthURLExpiresAt time.Time         `json:"auth_url_expires_at"`
}
