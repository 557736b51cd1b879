// Package lifecycle implements the source connection lifecycle: creation
// across the five authentication paths, the OAuth browser flow with its
// proxied authorize URL and anonymous callback, updates, manual runs and the
// best-effort delete cascade.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/acl"
	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

const (
	initSessionTTL = 30 * time.Minute
	redirectTTL    = 24 * time.Hour
)

// Service orchestrates source connection lifecycle operations.
type Service struct {
	log       zerolog.Logger
	store     store.Store
	creds     *credstore.Service
	registry  *source.Registry
	scheduler contracts.Scheduler
	vectors   contracts.VectorStore
	acl       *acl.Service

	apiURL string
	appURL string
}

// NewService wires the lifecycle service.
func NewService(log zerolog.Logger, st store.Store, creds *credstore.Service, registry *source.Registry, scheduler contracts.Scheduler, vectors contracts.VectorStore, aclSvc *acl.Service, apiURL, appURL string) *Service {
	return &Service{
		log:       log,
		store:     st,
		creds:     creds,
		registry:  registry,
		scheduler: scheduler,
		vectors:   vectors,
		acl:       aclSvc,
		apiURL:    apiURL,
		appURL:    appURL,
	}
}

// ── creation ────────────────────────────────────────────────

// inferAuthMethod maps the tagged authentication union to a method. A nil
// union defaults to the browser flow. Browser auth with client credentials
// is promoted to BYOC.
func inferAuthMethod(a *models.Authentication) (models.AuthMethod, error) {
	if a == nil {
		return models.AuthMethodOAuthBrowser, nil
	}
	set := 0
	var method models.AuthMethod
	if a.Direct != nil {
		set++
		method = models.AuthMethodDirect
	}
	if a.OAuthToken != nil {
		set++
		method = models.AuthMethodOAuthToken
	}
	if a.OAuthBrowser != nil {
		set++
		method = models.AuthMethodOAuthBrowser
		if (a.OAuthBrowser.ClientID != "" && a.OAuthBrowser.ClientSecret != "") ||
			(a.OAuthBrowser.ConsumerKey != "" && a.OAuthBrowser.ConsumerSecret != "") {
			method = models.AuthMethodOAuthBYOC
		}
	}
	if a.AuthProvider != nil {
		set++
		method = models.AuthMethodAuthProvider
	}
	if set == 0 {
		return models.AuthMethodOAuthBrowser, nil
	}
	if set > 1 {
		return "", models.Validationf("exactly one authentication variant must be set")
	}
	return method, nil
}

// defaultDailyCron pins unscheduled connections to the UTC minute and hour
// they were created at, so daily runs spread across the day instead of all
// firing at midnight.
func defaultDailyCron() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%d %d * * *", now.Minute(), now.Hour())
}

// Create creates a source connection. Non-browser paths return a fully
// authenticated connection; browser paths return a shell connection plus the
// OAuth flow response with the proxied authorize URL.
func (s *Service) Create(ctx context.Context, org *models.Organization, req models.SourceConnectionCreate) (*models.SourceConnection, *models.OAuthFlowResponse, error) {
	reg, err := s.registry.Get(req.ShortName)
	if err != nil {
		return nil, nil, err
	}
	collection, err := s.store.GetCollectionByReadableID(ctx, org.ID, req.ReadableCollectionID)
	if err != nil {
		return nil, nil, models.NotFound("collection", req.ReadableCollectionID)
	}
	if err := reg.Metadata.ConfigFields.Validate(req.Config, org.HasFlag); err != nil {
		return nil, nil, err
	}

	method, err := inferAuthMethod(req.Authentication)
	if err != nil {
		return nil, nil, err
	}
	if !reg.Metadata.SupportsAuthMethod(method) {
		return nil, nil, models.Validationf("source %s does not support %s authentication", req.ShortName, method)
	}
	if method == models.AuthMethodOAuthBrowser && reg.Metadata.RequiresBYOC {
		return nil, nil, models.Validationf("source %s requires your own OAuth client; supply client_id and client_secret", req.ShortName)
	}

	cronExpr := ""
	if req.Schedule == nil {
		cronExpr = defaultDailyCron()
	} else if req.Schedule.Cron != "" {
		if err := validateCron(req.Schedule.Cron); err != nil {
			return nil, nil, err
		}
		cronExpr = req.Schedule.Cron
	}

	name := req.Name
	if name == "" {
		name = reg.Metadata.Name + " Connection"
	}
	// Browser flows cannot run a sync before the user authorizes: the first
	// run only ever starts from the callback, so an explicit request to sync
	// immediately is rejected rather than silently deferred.
	browser := method == models.AuthMethodOAuthBrowser || method == models.AuthMethodOAuthBYOC
	syncNow := req.SyncImmediately == nil || *req.SyncImmediately
	if browser {
		if req.SyncImmediately != nil && *req.SyncImmediately {
			return nil, nil, models.Validationf("sync_immediately is not supported on browser OAuth flows")
		}
		syncNow = false
	}

	conn := &models.SourceConnection{
		ID:                   uuid.NewString(),
		OrganizationID:       org.ID,
		Name:                 name,
		Description:          req.Description,
		ShortName:            req.ShortName,
		ReadableCollectionID: req.ReadableCollectionID,
		AuthMethod:           method,
		Config:               req.Config,
		CronSchedule:         cronExpr,
		CreatedAt:            time.Now().UTC(),
		UpdatedAt:            time.Now().UTC(),
	}

	switch method {
	case models.AuthMethodOAuthBrowser, models.AuthMethodOAuthBYOC:
		flow, err := s.startBrowserFlow(ctx, org, reg, req, conn, cronExpr, syncNow)
		if err != nil {
			return nil, nil, err
		}
		return conn, flow, nil
	case models.AuthMethodDirect:
		if err := reg.Metadata.AuthFields.Validate(req.Authentication.Direct.Credentials, org.HasFlag); err != nil {
			return nil, nil, err
		}
		cred, err := s.creds.Create(ctx, org.ID, req.ShortName, method, models.OAuthTypeNone, req.Authentication.Direct.Credentials)
		if err != nil {
			return nil, nil, err
		}
		conn.CredentialID = cred.ID
	case models.AuthMethodOAuthToken:
		tok := req.Authentication.OAuthToken
		if tok.AccessToken == "" {
			return nil, nil, models.Validationf("access_token is required")
		}
		material := map[string]any{"access_token": tok.AccessToken}
		if tok.RefreshToken != "" {
			material["refresh_token"] = tok.RefreshToken
		}
		if tok.ExpiresAt != nil {
			material["expires_at"] = tok.ExpiresAt.UTC().Format(time.RFC3339)
		}
		cred, err := s.creds.Create(ctx, org.ID, req.ShortName, method, reg.Metadata.OAuthType, material)
		if err != nil {
			return nil, nil, err
		}
		conn.CredentialID = cred.ID
	case models.AuthMethodAuthProvider:
		ap := req.Authentication.AuthProvider
		if ap.ProviderReadableID == "" {
			return nil, nil, models.Validationf("provider_readable_id is required")
		}
		provider, err := s.store.GetSourceConnection(ctx, ap.ProviderReadableID)
		if err != nil || provider.OrganizationID != org.ID {
			return nil, nil, models.NotFound("auth provider connection", ap.ProviderReadableID)
		}
		if !provider.IsAuthenticated || provider.CredentialID == "" {
			return nil, nil, models.Validationf("auth provider connection %s is not authenticated", ap.ProviderReadableID)
		}
		conn.ReadableAuthProvider = ap.ProviderReadableID
		conn.AuthProviderConfig = ap.ProviderConfig
	}

	conn.IsAuthenticated = true
	conn.Status = models.ConnectionStatusAuthenticated
	if cronExpr != "" {
		conn.Status = models.ConnectionStatusScheduled
	}
	if err := s.store.CreateSourceConnection(ctx, conn); err != nil {
		return nil, nil, err
	}
	if err := s.provision(ctx, conn, collection.ID, cronExpr, syncNow); err != nil {
		return nil, nil, err
	}
	return conn, nil, nil
}

// provision creates the sync record, registers the schedule and optionally
// triggers the first run.
func (s *Service) provision(ctx context.Context, conn *models.SourceConnection, collectionID, cronExpr string, syncNow bool) error {
	syn := &models.Sync{
		ID:                 uuid.NewString(),
		OrganizationID:     conn.OrganizationID,
		SourceConnectionID: conn.ID,
		CollectionID:       collectionID,
		CronSchedule:       cronExpr,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.CreateSync(ctx, syn); err != nil {
		return err
	}
	conn.SyncID = syn.ID
	if err := s.store.UpdateSourceConnection(ctx, conn); err != nil {
		return err
	}
	if cronExpr != "" {
		if err := s.scheduler.CreateOrUpdateSchedule(syn.ID, cronExpr); err != nil {
			return err
		}
	}
	if syncNow {
		if _, err := s.scheduler.Trigger(ctx, syn.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// ── browser flow ────────────────────────────────────────────

// startBrowserFlow builds the provider authorize URL, persists the init and
// redirect sessions, and stores the shell connection in pending_auth.
func (s *Service) startBrowserFlow(ctx context.Context, org *models.Organization, reg source.Registration, req models.SourceConnectionCreate, conn *models.SourceConnection, cronExpr string, syncNow bool) (*models.OAuthFlowResponse, error) {
	state, err := auth.GenerateState()
	if err != nil {
		return nil, err
	}
	callbackURL := s.apiURL + "/source-connections/callback"

	ov := models.InitSessionOverrides{RedirectURL: callbackURL}
	if a := req.Authentication; a != nil && a.OAuthBrowser != nil {
		ov.ClientID = a.OAuthBrowser.ClientID
		ov.ClientSecret = a.OAuthBrowser.ClientSecret
		ov.ConsumerKey = a.OAuthBrowser.ConsumerKey
		ov.ConsumerSecret = a.OAuthBrowser.ConsumerSecret
		if a.OAuthBrowser.RedirectURL != "" {
			ov.RedirectURL = a.OAuthBrowser.RedirectURL
		}
	}

	var providerURL string
	switch {
	case reg.Metadata.OAuth2 != nil:
		var verifier string
		providerURL, verifier = reg.Metadata.OAuth2.AuthorizeURL(state, ov.ClientID, ov.ClientSecret, ov.RedirectURL)
		ov.CodeVerifier = verifier
	case reg.Metadata.OAuth1 != nil:
		token, secret, authorizeURL, err := reg.Metadata.OAuth1.RequestToken(ov.ConsumerKey, ov.ConsumerSecret, ov.RedirectURL+"?state="+state)
		if err != nil {
			return nil, err
		}
		ov.RequestToken = token
		ov.RequestTokenSecret = secret
		providerURL = authorizeURL
	default:
		return nil, models.Validationf("source %s declares no OAuth endpoints", req.ShortName)
	}

	code, err := auth.GenerateState()
	if err != nil {
		return nil, err
	}
	code = code[:12]
	redirectExpiry := time.Now().UTC().Add(redirectTTL)
	if err := s.store.CreateRedirectSession(ctx, &models.RedirectSession{
		Code:      code,
		URL:       providerURL,
		ExpiresAt: redirectExpiry,
	}); err != nil {
		return nil, err
	}

	session := &models.ConnectionInitSession{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		ShortName:      req.ShortName,
		State:          state,
		Payload: map[string]any{
			"cron":             cronExpr,
			"sync_immediately": syncNow,
			"collection_id":    conn.ReadableCollectionID,
		},
		Overrides:         ov,
		Status:            models.InitSessionPending,
		RedirectSessionID: code,
		ExpiresAt:         time.Now().UTC().Add(initSessionTTL),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateInitSession(ctx, session); err != nil {
		return nil, err
	}

	conn.Status = models.ConnectionStatusPendingAuth
	conn.IsAuthenticated = false
	conn.ConnectionInitSession = session.ID
	if err := s.store.CreateSourceConnection(ctx, conn); err != nil {
		return nil, err
	}
	session.SourceConnectionID = conn.ID
	if err := s.store.UpdateInitSession(ctx, session); err != nil {
		return nil, err
	}

	return &models.OAuthFlowResponse{
		SourceConnection: conn,
		AuthURL:          s.apiURL + "/source-connections/authorize/" + code,
		AuthURLExpiresAt: redirectExpiry,
	}, nil
}

// AuthorizeURL resolves a proxied authorize code to the provider URL for the
// 302 redirect.
func (s *Service) AuthorizeURL(ctx context.Context, code string) (string, error) {
	r, err := s.store.GetRedirectSession(ctx, code)
	if err != nil {
		return "", models.NotFound("authorization session", code)
	}
	return r.URL, nil
}

// CompleteCallback finishes a browser flow: it resolves the state to its
// single-use init session, exchanges the code, persists the credential and
// provisions the sync. Returns the frontend URL the browser is sent back to.
// The route is anonymous; the state token is the only proof of identity.
func (s *Service) CompleteCallback(ctx context.Context, state, code, oauth1Verifier string) (string, error) {
	if _, err := s.store.ExpireStaleInitSessions(ctx); err != nil {
		return "", err
	}
	session, err := s.store.GetInitSessionByState(ctx, state)
	if err != nil {
		return "", models.NotFound("authorization session", "state")
	}
	if session.Status != models.InitSessionPending || time.Now().UTC().After(session.ExpiresAt) {
		return "", models.Validationf("authorization session is expired or already used")
	}

	// Single use: burn the session before any provider round trip.
	session.Status = models.InitSessionCompleted
	if err := s.store.UpdateInitSession(ctx, session); err != nil {
		return "", err
	}

	reg, err := s.registry.Get(session.ShortName)
	if err != nil {
		return "", err
	}

	var material map[string]any
	switch {
	case reg.Metadata.OAuth2 != nil:
		tok, err := reg.Metadata.OAuth2.Exchange(ctx, code, session.Overrides)
		if err != nil {
			return "", err
		}
		material = auth.TokenToCredentials(tok)
	case reg.Metadata.OAuth1 != nil:
		material, err = reg.Metadata.OAuth1.AccessToken(oauth1Verifier, session.Overrides)
		if err != nil {
			return "", err
		}
	default:
		return "", models.Validationf("source %s declares no OAuth endpoints", session.ShortName)
	}

	method := models.AuthMethodOAuthBrowser
	if session.Overrides.ClientID != "" || session.Overrides.ConsumerKey != "" {
		method = models.AuthMethodOAuthBYOC
	}
	cred, err := s.creds.Create(ctx, session.OrganizationID, session.ShortName, method, reg.Metadata.OAuthType, material)
	if err != nil {
		return "", err
	}

	conn, err := s.store.GetSourceConnection(ctx, session.SourceConnectionID)
	if err != nil {
		return "", err
	}
	collection, err := s.store.GetCollectionByReadableID(ctx, conn.OrganizationID, conn.ReadableCollectionID)
	if err != nil {
		return "", err
	}

	conn.CredentialID = cred.ID
	conn.IsAuthenticated = true
	conn.Status = models.ConnectionStatusAuthenticated
	cronExpr, _ := session.Payload["cron"].(string)
	if cronExpr != "" {
		conn.Status = models.ConnectionStatusScheduled
	}
	if err := s.store.UpdateSourceConnection(ctx, conn); err != nil {
		return "", err
	}

	syncNow, _ := session.Payload["sync_immediately"].(bool)
	if err := s.provision(ctx, conn, collection.ID, cronExpr, syncNow); err != nil {
		return "", err
	}

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("source", conn.ShortName).
		Str("auth_method", string(method)).
		Msg("oauth browser flow completed")
	return fmt.Sprintf("%s/collections/%s?connected=%s", s.appURL, conn.ReadableCollectionID, conn.ID), nil
}

// CallbackErrorURL builds the frontend URL a failed callback redirects to.
// Returns "" when the state cannot be resolved to a session at all, in which
// case there is no known destination and the caller falls back to a plain
// error response.
func (s *Service) CallbackErrorURL(ctx context.Context, state string, cause error) string {
	session, err := s.store.GetInitSessionByState(ctx, state)
	if err != nil {
		return ""
	}
	collectionID, _ := session.Payload["collection_id"].(string)
	if collectionID == "" {
		return ""
	}
	return fmt.Sprintf("%s/collections/%s?status=error&reason=%s",
		s.appURL, collectionID, url.QueryEscape(cause.Error()))
}

// ── update / run / delete ───────────────────────────────────

// Update applies a partial update. Credentials may only be replaced on
// direct-auth connections.
func (s *Service) Update(ctx context.Context, org *models.Organization, id string, upd models.SourceConnectionUpdate) (*models.SourceConnection, error) {
	conn, err := s.getOwned(ctx, org.ID, id)
	if err != nil {
		return nil, err
	}
	reg, err := s.registry.Get(conn.ShortName)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		conn.Name = *upd.Name
	}
	if upd.Description != nil {
		conn.Description = *upd.Description
	}
	if upd.Config != nil {
		if err := reg.Metadata.ConfigFields.Validate(upd.Config, org.HasFlag); err != nil {
			return nil, err
		}
		conn.Config = upd.Config
	}
	if upd.Credentials != nil {
		if conn.AuthMethod != models.AuthMethodDirect {
			return nil, models.Validationf("credentials can only be updated on direct-auth connections")
		}
		if err := reg.Metadata.AuthFields.Validate(upd.Credentials, org.HasFlag); err != nil {
			return nil, err
		}
		if err := s.creds.Update(ctx, conn.CredentialID, upd.Credentials); err != nil {
			return nil, err
		}
	}
	if upd.Schedule != nil {
		if upd.Schedule.Cron == "" {
			if conn.SyncID != "" {
				s.scheduler.DeleteSchedulesForSync(conn.SyncID)
			}
			conn.CronSchedule = ""
			if conn.Status == models.ConnectionStatusScheduled {
				conn.Status = models.ConnectionStatusAuthenticated
			}
		} else {
			if err := validateCron(upd.Schedule.Cron); err != nil {
				return nil, err
			}
			conn.CronSchedule = upd.Schedule.Cron
			if conn.SyncID != "" {
				if err := s.scheduler.CreateOrUpdateSchedule(conn.SyncID, upd.Schedule.Cron); err != nil {
					return nil, err
				}
				if syn, err := s.store.GetSync(ctx, conn.SyncID); err == nil {
					syn.CronSchedule = upd.Schedule.Cron
					s.store.UpdateSync(ctx, syn)
				}
			}
			if conn.IsAuthenticated {
				conn.Status = models.ConnectionStatusScheduled
			}
		}
	}

	if err := s.store.UpdateSourceConnection(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Run triggers a manual sync for an authenticated connection. forceFull makes
// the job ignore the persisted incremental cursor and stream everything.
func (s *Service) Run(ctx context.Context, org *models.Organization, id string, forceFull bool) (string, error) {
	conn, err := s.getOwned(ctx, org.ID, id)
	if err != nil {
		return "", err
	}
	if !conn.IsAuthenticated || conn.SyncID == "" {
		return "", models.Validationf("connection %s is not authenticated yet", id)
	}
	return s.scheduler.Trigger(ctx, conn.SyncID, forceFull)
}

// Delete removes the connection and everything derived from it. The cascade
// is best effort: downstream failures are logged, not surfaced, so a half
// broken connection can always be removed.
func (s *Service) Delete(ctx context.Context, org *models.Organization, id string) error {
	conn, err := s.getOwned(ctx, org.ID, id)
	if err != nil {
		return err
	}

	// A pending_auth connection may still have a live init session and a
	// resolvable authorize code; both must die with the connection so the
	// flow cannot complete against a deleted record.
	if conn.ConnectionInitSession != "" {
		if sess, err := s.store.GetInitSession(ctx, conn.ConnectionInitSession); err == nil {
			if sess.Status == models.InitSessionPending {
				sess.Status = models.InitSessionExpired
				if err := s.store.UpdateInitSession(ctx, sess); err != nil {
					s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("expiring init session failed")
				}
			}
			if sess.RedirectSessionID != "" {
				if err := s.store.DeleteRedirectSession(ctx, sess.RedirectSessionID); err != nil {
					s.log.Warn().Err(err).Str("code", sess.RedirectSessionID).Msg("redirect session cleanup failed")
				}
			}
		}
	}

	if conn.SyncID != "" {
		s.scheduler.DeleteSchedulesForSync(conn.SyncID)
		if err := s.vectors.DeleteBySyncID(ctx, conn.ReadableCollectionID, conn.SyncID); err != nil {
			s.log.Warn().Err(err).Str("sync_id", conn.SyncID).Msg("vector cleanup failed")
		}
		if err := s.store.DeleteAllEntityRecords(ctx, conn.SyncID); err != nil {
			s.log.Warn().Err(err).Str("sync_id", conn.SyncID).Msg("entity record cleanup failed")
		}
		if err := s.store.DeleteSync(ctx, conn.SyncID); err != nil {
			s.log.Warn().Err(err).Str("sync_id", conn.SyncID).Msg("sync cleanup failed")
		}
	}
	if conn.CredentialID != "" {
		if err := s.creds.Delete(ctx, conn.CredentialID); err != nil {
			s.log.Warn().Err(err).Str("credential_id", conn.CredentialID).Msg("credential cleanup failed")
		}
	}
	if s.acl != nil {
		if err := s.acl.Remove(ctx, conn.ID); err != nil {
			s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("membership cleanup failed")
		}
	}
	return s.store.DeleteSourceConnection(ctx, conn.ID)
}

func validateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return models.Validationf("invalid cron expression %q: %v", expr, err)
	}
	return nil
}

func (s *Service) getOwned(ctx context.Context, orgID, id string) (*models.SourceConnection, error) {
	conn, err := s.store.GetSourceConnection(ctx, id)
	if err != nil {
		return nil, models.NotFound("source connection", id)
	}
	if conn.OrganizationID != orgID {
		return nil, models.NotFound("source connection", id)
	}
	return conn, nil
}
