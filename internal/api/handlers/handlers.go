// Package handlers implements the HTTP handlers of the Airweave API:
// collections, the source catalog, source connection lifecycle, sync jobs and
// search. Handlers translate between HTTP and the service layer; all business
// rules live in the services.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/api/middleware"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/lifecycle"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/internal/syncer"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Handlers carries the service dependencies shared by all HTTP handlers.
type Handlers struct {
	store     store.Store
	registry  *source.Registry
	lifecycle *lifecycle.Service
	search    *search.Service
	runner    *syncer.Runner
	vectors   contracts.VectorStore
	bus       *events.Bus
}

// New wires the handler set.
func New(st store.Store, registry *source.Registry, lc *lifecycle.Service, sv *search.Service, runner *syncer.Runner, vectors contracts.VectorStore, bus *events.Bus) *Handlers {
	return &Handlers{
		store:     st,
		registry:  registry,
		lifecycle: lc,
		search:    sv,
		runner:    runner,
		vectors:   vectors,
		bus:       bus,
	}
}

// ── Collections ─────────────────────────────────────────────

const defaultVectorSize = 1536

var readableIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type collectionCreate struct {
	Name       string `json:"name"`
	ReadableID string `json:"readable_id,omitempty"`
	VectorSize int    `json:"vector_size,omitempty"`
}

// CreateCollection creates a collection and provisions its vector store
// namespace. The vector size is immutable afterwards.
func (h *Handlers) CreateCollection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var req collectionCreate
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, models.Validationf("name is required"))
		return
	}
	if req.ReadableID == "" {
		req.ReadableID = slugify(req.Name) + "-" + uuid.NewString()[:6]
	}
	if !readableIDPattern.MatchString(req.ReadableID) {
		respondError(w, models.Validationf("readable_id %q must be lowercase letters, digits and hyphens", req.ReadableID))
		return
	}
	if req.VectorSize == 0 {
		req.VectorSize = defaultVectorSize
	}
	if req.VectorSize < 1 {
		respondError(w, models.Validationf("vector_size must be positive"))
		return
	}
	if _, err := h.store.GetCollectionByReadableID(r.Context(), org.ID, req.ReadableID); err == nil {
		respondError(w, models.Conflictf("collection %s already exists", req.ReadableID))
		return
	}

	col := &models.Collection{
		ID:             uuid.NewString(),
		ReadableID:     req.ReadableID,
		Name:           req.Name,
		VectorSize:     req.VectorSize,
		OrganizationID: org.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateCollection(r.Context(), col); err != nil {
		respondError(w, err)
		return
	}
	if err := h.vectors.SetupCollection(r.Context(), col.ReadableID, col.VectorSize); err != nil {
		h.store.DeleteCollection(r.Context(), col.ID)
		respondError(w, err)
		return
	}

	log.Info().
		Str("collection", col.ReadableID).
		Int("vector_size", col.VectorSize).
		Str("organization", org.ID).
		Msg("collection created")
	respondJSON(w, http.StatusCreated, col)
}

// ListCollections lists the organization's collections.
func (h *Handlers) ListCollections(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())
	cols, err := h.store.ListCollections(r.Context(), org.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cols)
}

// GetCollection fetches one collection by readable id.
func (h *Handlers) GetCollection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())
	readableID := chi.URLParam(r, "readableID")
	col, err := h.store.GetCollectionByReadableID(r.Context(), org.ID, readableID)
	if err != nil {
		respondError(w, models.NotFound("collection", readableID))
		return
	}
	respondJSON(w, http.StatusOK, col)
}

// DeleteCollection removes a collection, its source connections and the
// backing vector namespace. The cascade is best effort.
func (h *Handlers) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())
	readableID := chi.URLParam(r, "readableID")
	col, err := h.store.GetCollectionByReadableID(r.Context(), org.ID, readableID)
	if err != nil {
		respondError(w, models.NotFound("collection", readableID))
		return
	}

	conns, err := h.store.ListSourceConnectionsByCollection(r.Context(), org.ID, readableID)
	if err != nil {
		respondError(w, err)
		return
	}
	for _, conn := range conns {
		if err := h.lifecycle.Delete(r.Context(), org, conn.ID); err != nil {
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("connection cleanup failed during collection delete")
		}
	}
	if err := h.vectors.DropCollection(r.Context(), readableID); err != nil {
		log.Warn().Err(err).Str("collection", readableID).Msg("vector collection drop failed")
	}
	if err := h.store.DeleteCollection(r.Context(), col.ID); err != nil {
		respondError(w, err)
		return
	}

	log.Info().Str("collection", readableID).Msg("collection deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ── Source catalog ──────────────────────────────────────────

type fieldInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret,omitempty"`
}

type sourceInfo struct {
	ShortName                 string              `json:"short_name"`
	Name                      string              `json:"name"`
	Labels                    []string            `json:"labels,omitempty"`
	AuthMethods               []models.AuthMethod `json:"auth_methods"`
	OAuthType                 models.OAuthType    `json:"oauth_type,omitempty"`
	RequiresBYOC              bool                `json:"requires_byoc,omitempty"`
	FederatedSearch           bool                `json:"federated_search,omitempty"`
	SupportsContinuous        bool                `json:"supports_continuous,omitempty"`
	SupportsTemporalRelevance bool                `json:"supports_temporal_relevance,omitempty"`
	AuthFields                []fieldInfo         `json:"auth_fields,omitempty"`
	ConfigFields              []fieldInfo         `json:"config_fields,omitempty"`
}

func sourceInfoOf(m source.Metadata) sourceInfo {
	return sourceInfo{
		ShortName:                 m.ShortName,
		Name:                      m.Name,
		Labels:                    m.Labels,
		AuthMethods:               m.AuthMethods,
		OAuthType:                 m.OAuthType,
		RequiresBYOC:              m.RequiresBYOC,
		FederatedSearch:           m.FederatedSearch,
		SupportsContinuous:        m.SupportsContinuous,
		SupportsTemporalRelevance: m.SupportsTemporalRelevance,
		AuthFields:                fieldInfos(m.AuthFields),
		ConfigFields:              fieldInfos(m.ConfigFields),
	}
}

func fieldInfos(s *source.Schema) []fieldInfo {
	if s == nil {
		return nil
	}
	out := make([]fieldInfo, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, fieldInfo{
			Name:     f.Name,
			Type:     string(f.Type),
			Required: f.Required,
			Secret:   f.Secret,
		})
	}
	return out
}

// ListSources returns the catalog of registered source integrations.
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	names := h.registry.List()
	out := make([]sourceInfo, 0, len(names))
	for _, name := range names {
		reg, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, sourceInfoOf(reg.Metadata))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetSource returns one source's metadata, field schemas included.
func (h *Handlers) GetSource(w http.ResponseWriter, r *http.Request) {
	reg, err := h.registry.Get(chi.URLParam(r, "shortName"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sourceInfoOf(reg.Metadata))
}

// ── helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps classified errors to their HTTP status; everything else
// is a 500.
func respondError(w http.ResponseWriter, err error) {
	var apiErr *models.Error
	if errors.As(err, &apiErr) {
		respondJSON(w, apiErr.HTTPStatus(), map[string]any{"error": apiErr})
		return
	}
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": nf.Error()})
		return
	}
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.Validationf("invalid request body: %v", err)
	}
	return nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "collection"
	}
	return s
}
