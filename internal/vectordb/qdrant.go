// Package vectordb is the sole abstraction over the destination vector DB.
// The Qdrant adapter speaks the REST wire directly; hybrid retrieval fuses
// dense and sparse prefetches with Reciprocal Rank Fusion and emulates the
// temporal decay formula client-side over the fused prefetch.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

const (
	denseVectorName  = "default"
	sparseVectorName = "bm25"

	// hybridPrefetch is the per-leg prefetch depth for RRF fusion. Expanded
	// linearly with the decay weight so decayed re-ranking has headroom.
	hybridPrefetch = 10000
)

// Qdrant implements contracts.VectorStore over the Qdrant HTTP API.
type Qdrant struct {
	log     zerolog.Logger
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewQdrant creates an adapter for the Qdrant instance at baseURL
// (e.g. http://localhost:6333). apiKey may be empty for unsecured instances.
func NewQdrant(log zerolog.Logger, baseURL, apiKey string) *Qdrant {
	return &Qdrant{
		log:     log,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}
}

var _ contracts.VectorStore = (*Qdrant)(nil)

// PointID derives the deterministic uuidv5 point id for a logical entity.
// The same (db_entity_id, entity_id) pair always maps to the same point, so
// re-embedding overwrites in place.
func PointID(dbEntityID, entityID string) string {
	ns, err := uuid.Parse(dbEntityID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(dbEntityID))
	}
	return uuid.NewSHA1(ns, []byte(entityID)).String()
}

// ── wire helpers ────────────────────────────────────────────

func (q *Qdrant) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("qdrant: marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("qdrant: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.httpc.Do(req)
	if err != nil {
		return models.ProviderErrorf(err, "qdrant: %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "qdrant: %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ── collection lifecycle ────────────────────────────────────

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				SparseVectors map[string]any `json:"sparse_vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// SetupCollection idempotently creates the collection with one dense vector
// ("default", cosine) and one sparse vector ("bm25", IDF modifier), plus
// payload indexes on the system timestamps used for decay.
func (q *Qdrant) SetupCollection(ctx context.Context, collection string, vectorSize int) error {
	var info collectionInfo
	if err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, &info); err == nil {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{"size": vectorSize, "distance": "Cosine"},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{"modifier": "idf"},
		},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+collection, body, nil); err != nil {
		return err
	}

	for _, field := range []string{
		"airweave_system_metadata.airweave_created_at",
		"airweave_system_metadata.airweave_updated_at",
	} {
		idx := map[string]any{"field_name": field, "field_schema": "datetime"}
		if err := q.do(ctx, http.MethodPut, "/collections/"+collection+"/index?wait=true", idx, nil); err != nil {
			q.log.Warn().Err(err).Str("field", field).Msg("payload index creation failed")
		}
	}
	q.log.Info().Str("collection", collection).Int("vector_size", vectorSize).Msg("collection ready")
	return nil
}

// DropCollection removes the collection entirely.
func (q *Qdrant) DropCollection(ctx context.Context, collection string) error {
	return q.do(ctx, http.MethodDelete, "/collections/"+collection, nil, nil)
}

// HealthCheck verifies the instance is reachable.
func (q *Qdrant) HealthCheck(ctx context.Context) error {
	return q.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

// ── write path ──────────────────────────────────────────────

// BulkInsert upserts entities as points with wait=true. Every entity must
// carry a dense vector and a db_entity_id; vectors are stripped from the
// payload.
func (q *Qdrant) BulkInsert(ctx context.Context, collection string, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if e.System == nil || len(e.System.DenseVector) == 0 {
			return models.Validationf("entity %s has no dense vector", e.EntityID)
		}
		if e.System.DBEntityID == "" {
			return models.Validationf("entity %s has no db_entity_id", e.EntityID)
		}
		vectors := map[string]any{denseVectorName: e.System.DenseVector}
		if sv := e.System.SparseVector; sv != nil && len(sv.Indices) > 0 {
			vectors[sparseVectorName] = map[string]any{"indices": sv.Indices, "values": sv.Values}
		}
		points = append(points, map[string]any{
			"id":      PointID(e.System.DBEntityID, e.EntityID),
			"vector":  vectors,
			"payload": e.Payload(),
		})
	}
	return q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", map[string]any{"points": points}, nil)
}

func (q *Qdrant) deleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	body := map[string]any{"filter": filter}
	return q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func match(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func matchAny(key string, values []string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"any": values}}
}

// Delete removes all points of one logical entity.
func (q *Qdrant) Delete(ctx context.Context, collection, dbEntityID string) error {
	return q.deleteByFilter(ctx, collection, map[string]any{
		"must": []any{match("airweave_system_metadata.db_entity_id", dbEntityID)},
	})
}

// DeleteBySyncID removes every point written by the given sync. Used on
// source connection deletion and full resync.
func (q *Qdrant) DeleteBySyncID(ctx context.Context, collection, syncID string) error {
	return q.deleteByFilter(ctx, collection, map[string]any{
		"must": []any{match("airweave_system_metadata.sync_id", syncID)},
	})
}

// BulkDelete removes the given entity ids scoped to one sync.
func (q *Qdrant) BulkDelete(ctx context.Context, collection string, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return q.deleteByFilter(ctx, collection, map[string]any{
		"must": []any{
			matchAny("entity_id", entityIDs),
			match("airweave_system_metadata.sync_id", syncID),
		},
	})
}

// BulkDeleteByParentIDs removes all children of the given parents scoped to
// one sync.
func (q *Qdrant) BulkDeleteByParentIDs(ctx context.Context, collection string, parentIDs []string, syncID string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	return q.deleteByFilter(ctx, collection, map[string]any{
		"must": []any{
			matchAny("airweave_system_metadata.original_entity_id", parentIDs),
			match("airweave_system_metadata.sync_id", syncID),
		},
	})
}

// ── read path ───────────────────────────────────────────────

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

func (q *Qdrant) queryOnce(ctx context.Context, collection string, query any, using string, limit int, filter map[string]any, threshold *float64) ([]models.SearchResult, error) {
	body := map[string]any{
		"query":        query,
		"using":        using,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if threshold != nil {
		body["score_threshold"] = *threshold
	}
	var resp queryResponse
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/query", body, &resp); err != nil {
		return nil, err
	}
	out := make([]models.SearchResult, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, models.SearchResult{ID: p.ID, Score: p.Score, Payload: p.Payload})
	}
	return out, nil
}

func (q *Qdrant) hasSparseIndex(ctx context.Context, collection string) bool {
	var info collectionInfo
	if err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, &info); err != nil {
		return false
	}
	_, ok := info.Result.Config.Params.SparseVectors[sparseVectorName]
	return ok
}

// BulkSearch runs every dense query vector and returns one result list per
// vector. Hybrid queries prefetch dense and sparse legs and fuse with RRF;
// decay (when configured) is applied over the fused prefetch before
// offset/limit.
func (q *Qdrant) BulkSearch(ctx context.Context, collection string, vq contracts.VectorQuery) ([][]models.SearchResult, error) {
	method := vq.Method
	if method == "" {
		method = models.RetrievalHybrid
	}
	if method != models.RetrievalNeural && vq.SparseVector == nil {
		q.log.Warn().Str("method", string(method)).Msg("no sparse vector supplied, falling back to neural")
		method = models.RetrievalNeural
	}
	if method != models.RetrievalNeural && !q.hasSparseIndex(ctx, collection) {
		q.log.Warn().Str("collection", collection).Msg("collection has no sparse index, falling back to neural")
		method = models.RetrievalNeural
	}

	filter := buildFilter(vq.Filter)
	fetch := vq.Limit + vq.Offset
	if fetch <= 0 {
		fetch = 10
	}

	prefetch := hybridPrefetch
	if vq.Decay != nil && vq.Decay.Weight > 0 {
		prefetch = int(float64(hybridPrefetch) * (1 + vq.Decay.Weight))
	}

	results := make([][]models.SearchResult, len(vq.DenseVectors))
	for i, dense := range vq.DenseVectors {
		var hits []models.SearchResult
		var err error
		switch method {
		case models.RetrievalNeural:
			depth := fetch
			if vq.Decay != nil && vq.Decay.Weight > 0 {
				depth = prefetch
			}
			hits, err = q.queryOnce(ctx, collection, dense, denseVectorName, depth, filter, vq.ScoreThreshold)
		case models.RetrievalKeyword:
			sparse := map[string]any{"indices": vq.SparseVector.Indices, "values": vq.SparseVector.Values}
			hits, err = q.queryOnce(ctx, collection, sparse, sparseVectorName, fetch, filter, vq.ScoreThreshold)
		default: // hybrid
			hits, err = q.hybridSearch(ctx, collection, dense, vq.SparseVector, prefetch, filter, vq.ScoreThreshold)
		}
		if err != nil {
			return nil, err
		}
		if vq.Decay != nil {
			hits = ApplyDecay(hits, vq.Decay)
		}
		sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
		if vq.Offset < len(hits) {
			hits = hits[vq.Offset:]
		} else {
			hits = nil
		}
		if vq.Limit > 0 && len(hits) > vq.Limit {
			hits = hits[:vq.Limit]
		}
		results[i] = hits
	}
	return results, nil
}

func (q *Qdrant) hybridSearch(ctx context.Context, collection string, dense []float32, sparse *models.SparseVector, prefetch int, filter map[string]any, threshold *float64) ([]models.SearchResult, error) {
	denseHits, err := q.queryOnce(ctx, collection, dense, denseVectorName, prefetch, filter, nil)
	if err != nil {
		return nil, err
	}
	sparseQuery := map[string]any{"indices": sparse.Indices, "values": sparse.Values}
	sparseHits, err := q.queryOnce(ctx, collection, sparseQuery, sparseVectorName, prefetch, filter, nil)
	if err != nil {
		return nil, err
	}
	fused := FuseRRF(denseHits, sparseHits)
	if threshold != nil {
		kept := fused[:0]
		for _, h := range fused {
			if h.Score >= *threshold {
				kept = append(kept, h)
			}
		}
		fused = kept
	}
	return fused, nil
}

// buildFilter translates the engine filter into Qdrant's filter JSON. The
// Should group nests inside must so it is a hard disjunction, not a boost.
func buildFilter(f *models.Filter) map[string]any {
	if f == nil || (len(f.Must) == 0 && len(f.Should) == 0) {
		return nil
	}
	must := make([]any, 0, len(f.Must)+1)
	for _, c := range f.Must {
		must = append(must, buildClause(c))
	}
	if len(f.Should) > 0 {
		should := make([]any, 0, len(f.Should))
		for _, c := range f.Should {
			should = append(should, buildClause(c))
		}
		must = append(must, map[string]any{"should": should})
	}
	return map[string]any{"must": must}
}

func buildClause(c models.FilterClause) map[string]any {
	switch c.Operator {
	case models.FilterIn:
		return matchAny(c.Field, toStrings(c.Value))
	case models.FilterGte:
		return map[string]any{"key": c.Field, "range": map[string]any{"gte": c.Value}}
	case models.FilterLte:
		return map[string]any{"key": c.Field, "range": map[string]any{"lte": c.Value}}
	default:
		return match(c.Field, c.Value)
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
