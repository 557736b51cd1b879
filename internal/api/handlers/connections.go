package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/api/middleware"
	"github.com/airweave/airweave/pkg/models"
)

// ── Source connection lifecycle ─────────────────────────────

// CreateSourceConnection creates a connection. Browser-flow requests return
// the OAuth flow response with the proxied authorize URL instead of a fully
// authenticated connection.
func (h *Handlers) CreateSourceConnection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var req models.SourceConnectionCreate
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ShortName == "" {
		respondError(w, models.Validationf("short_name is required"))
		return
	}
	if req.ReadableCollectionID == "" {
		respondError(w, models.Validationf("readable_collection_id is required"))
		return
	}

	conn, flow, err := h.lifecycle.Create(r.Context(), org, req)
	if err != nil {
		respondError(w, err)
		return
	}
	if flow != nil {
		flow.SourceConnection = h.sanitize(flow.SourceConnection)
		respondJSON(w, http.StatusOK, flow)
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("source", conn.ShortName).
		Str("collection", conn.ReadableCollectionID).
		Msg("source connection created")
	respondJSON(w, http.StatusCreated, h.sanitize(conn))
}

// ListSourceConnections lists the organization's connections, optionally
// filtered to one collection.
func (h *Handlers) ListSourceConnections(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var (
		conns []models.SourceConnection
		err   error
	)
	if collection := r.URL.Query().Get("collection"); collection != "" {
		conns, err = h.store.ListSourceConnectionsByCollection(r.Context(), org.ID, collection)
	} else {
		conns, err = h.store.ListSourceConnections(r.Context(), org.ID)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]*models.SourceConnection, 0, len(conns))
	for i := range conns {
		out = append(out, h.sanitize(&conns[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetSourceConnection fetches one connection.
func (h *Handlers) GetSourceConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.ownedConnection(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.sanitize(conn))
}

// UpdateSourceConnection applies a partial update.
func (h *Handlers) UpdateSourceConnection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var upd models.SourceConnectionUpdate
	if err := decode(r, &upd); err != nil {
		respondError(w, err)
		return
	}
	conn, err := h.lifecycle.Update(r.Context(), org, chi.URLParam(r, "id"), upd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.sanitize(conn))
}

// DeleteSourceConnection removes a connection and everything derived from it.
func (h *Handlers) DeleteSourceConnection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())
	if err := h.lifecycle.Delete(r.Context(), org, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSourceConnection triggers a manual sync. force_full_sync=true makes the
// run ignore the persisted incremental cursor.
func (h *Handlers) RunSourceConnection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())
	forceFull := false
	if v := r.URL.Query().Get("force_full_sync"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, models.Validationf("invalid force_full_sync value %q", v))
			return
		}
		forceFull = b
	}
	jobID, err := h.lifecycle.Run(r.Context(), org, chi.URLParam(r, "id"), forceFull)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ── Sync jobs ───────────────────────────────────────────────

const jobListLimit = 50

// ListSyncJobs lists a connection's recent sync jobs, newest first.
func (h *Handlers) ListSyncJobs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.ownedConnection(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if conn.SyncID == "" {
		respondJSON(w, http.StatusOK, []models.SyncJob{})
		return
	}
	jobs, err := h.store.ListSyncJobs(r.Context(), conn.SyncID, jobListLimit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// GetSyncJob fetches one sync job belonging to the connection.
func (h *Handlers) GetSyncJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// CancelSyncJob aborts a running sync job.
func (h *Handlers) CancelSyncJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if !h.runner.Cancel(job.ID) {
		respondError(w, models.Conflictf("job %s is not running", job.ID))
		return
	}
	log.Info().Str("job_id", job.ID).Msg("sync job cancellation requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// StreamSyncEvents streams the connection's sync progress events over SSE.
func (h *Handlers) StreamSyncEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.ownedConnection(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if conn.SyncID == "" {
		respondError(w, models.Validationf("connection %s has no sync yet", conn.ID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	ch, cancel := h.bus.Subscribe("sync:" + conn.SyncID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.Encode())
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ── OAuth browser flow ──────────────────────────────────────

// Authorize resolves a proxied authorize code and redirects the browser to
// the provider's consent page.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	url, err := h.lifecycle.AuthorizeURL(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// OAuthCallback completes a browser flow and sends the user back to the app.
// The route is anonymous; the state token is the proof of identity.
func (h *Handlers) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		respondError(w, models.Validationf("state is required"))
		return
	}
	code := q.Get("code")
	verifier := q.Get("oauth_verifier")

	redirect, err := h.lifecycle.CompleteCallback(r.Context(), state, code, verifier)
	if err != nil {
		// The browser is mid-flow; send it back to the app with the failure
		// reason whenever the state still resolves to a session. A JSON error
		// would strand the user on the API origin.
		if errURL := h.lifecycle.CallbackErrorURL(r.Context(), state, err); errURL != "" {
			log.Warn().Err(err).Msg("oauth callback failed, redirecting to app")
			http.Redirect(w, r, errURL, http.StatusFound)
			return
		}
		respondError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ── helpers ─────────────────────────────────────────────────

func (h *Handlers) ownedConnection(r *http.Request) (*models.SourceConnection, error) {
	org := middleware.GetOrg(r.Context())
	id := chi.URLParam(r, "id")
	conn, err := h.store.GetSourceConnection(r.Context(), id)
	if err != nil || conn.OrganizationID != org.ID {
		return nil, models.NotFound("source connection", id)
	}
	return conn, nil
}

func (h *Handlers) ownedJob(r *http.Request) (*models.SyncJob, error) {
	conn, err := h.ownedConnection(r)
	if err != nil {
		return nil, err
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.GetSyncJob(r.Context(), jobID)
	if err != nil || job.SyncID != conn.SyncID {
		return nil, models.NotFound("sync job", jobID)
	}
	return job, nil
}

// sanitize masks secret config values before a connection leaves the API.
// Credential material itself is never on the struct.
func (h *Handlers) sanitize(conn *models.SourceConnection) *models.SourceConnection {
	if conn == nil || len(conn.Config) == 0 {
		return conn
	}
	reg, err := h.registry.Get(conn.ShortName)
	if err != nil || reg.Metadata.ConfigFields == nil {
		return conn
	}
	secret := make(map[string]bool)
	for _, f := range reg.Metadata.ConfigFields.Fields {
		if f.Secret {
			secret[f.Name] = true
		}
	}
	if len(secret) == 0 {
		return conn
	}
	cp := *conn
	cp.Config = make(map[string]any, len(conn.Config))
	for k, v := range conn.Config {
		if secret[k] {
			cp.Config[k] = "********"
		} else {
			cp.Config[k] = v
		}
	}
	return &cp
}
