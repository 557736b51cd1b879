// Package contracts defines the service interfaces of the Airweave core.
//
// Handlers, the sync runner and the search pipeline depend on these
// interfaces rather than concrete implementations, so storage backends and
// model providers can be swapped in the wiring code without touching the
// call sites.
package contracts

import (
	"context"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in pkg/
// so external composition code can reference it without importing internal/.
type Store = store.Store

// ── Token Provider ──────────────────────────────────────────

// TokenProvider yields valid access tokens for a source connection.
// RefreshOnUnauthorized is invoked by drivers after a 401; concurrent calls
// for the same connection coalesce into one provider exchange.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}

// ── Embedding / Rerank / LLM Providers ──────────────────────

// EmbeddingProvider produces dense vectors. A collection binds to exactly
// one embedding provider; no fallback is permitted mid-collection.
type EmbeddingProvider interface {
	Kind() string
	Model() string
	Dimensions() int
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEmbedder produces BM25-shape lexical vectors for keyword retrieval.
type SparseEmbedder interface {
	Kind() string
	EmbedSparse(ctx context.Context, texts []string) ([]*models.SparseVector, error)
}

// RankedItem is one reranker output: the candidate index and its score.
type RankedItem struct {
	Index int
	Score float64
}

// Reranker scores candidate documents against a query.
type Reranker interface {
	Kind() string
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RankedItem, error)
}

// LLMProvider runs a single-turn completion. Used for query expansion,
// filter interpretation, federated query extraction and answer generation.
type LLMProvider interface {
	Kind() string
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// ── Vector Store ────────────────────────────────────────────

// VectorQuery is one bulk_search call against a collection.
type VectorQuery struct {
	DenseVectors   [][]float32
	SparseVector   *models.SparseVector
	Method         models.RetrievalStrategy
	Limit          int
	Offset         int
	ScoreThreshold *float64
	Filter         *models.Filter
	Decay          *models.DecayConfig
}

// VectorStore is the sole abstraction over the destination vector DB.
// Points are keyed by uuidv5(db_entity_id, entity_id), so re-embedding the
// same logical entity overwrites in place.
type VectorStore interface {
	SetupCollection(ctx context.Context, collection string, vectorSize int) error
	DropCollection(ctx context.Context, collection string) error

	BulkInsert(ctx context.Context, collection string, entities []*models.Entity) error
	Delete(ctx context.Context, collection, dbEntityID string) error
	DeleteBySyncID(ctx context.Context, collection, syncID string) error
	BulkDelete(ctx context.Context, collection string, entityIDs []string, syncID string) error
	BulkDeleteByParentIDs(ctx context.Context, collection string, parentIDs []string, syncID string) error

	// BulkSearch runs all dense query vectors (one result list per vector).
	BulkSearch(ctx context.Context, collection string, q VectorQuery) ([][]models.SearchResult, error)

	HealthCheck(ctx context.Context) error
}

// ── Scheduler ───────────────────────────────────────────────

// Scheduler fires sync jobs on cron schedules. A running job blocks a
// concurrent overlapping fire for the same sync id.
type Scheduler interface {
	CreateOrUpdateSchedule(syncID, cronExpr string) error
	DeleteSchedulesForSync(syncID string)

	// Trigger creates and starts a job. forceFull makes the job ignore the
	// persisted cursor and run a full stream with the orphan pass.
	Trigger(ctx context.Context, syncID string, forceFull bool) (string, error)
}

// ── Event Emitter ───────────────────────────────────────────

// EventEmitter streams structured progress events. Emission is
// fire-and-forget; implementations must never block the operation path and
// may drop events when the channel is saturated.
type EventEmitter interface {
	Emit(kind models.EventKind, operation string, payload map[string]any)
}
