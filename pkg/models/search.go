package models

import (
	"encoding/json"
	"time"
)

// RetrievalStrategy selects how the vector store is queried.
type RetrievalStrategy string

const (
	RetrievalNeural  RetrievalStrategy = "neural"
	RetrievalKeyword RetrievalStrategy = "keyword"
	RetrievalHybrid  RetrievalStrategy = "hybrid"
)

// DecayType selects the temporal decay curve.
type DecayType string

const (
	DecayLinear      DecayType = "linear"
	DecayExponential DecayType = "exponential"
	DecayGaussian    DecayType = "gaussian"
)

// DecayConfig parameterizes temporal relevance scoring.
// With Weight 0 the score is unchanged; with Weight 1 the score is the decay
// expression alone; in between the fused score is blended multiplicatively.
type DecayConfig struct {
	DecayType      DecayType `json:"decay_type"`
	DatetimeField  string    `json:"datetime_field"`
	TargetDatetime time.Time `json:"target_datetime"`
	ScaleSeconds   float64   `json:"scale_seconds"`
	Midpoint       float64   `json:"midpoint"`
	Weight         float64   `json:"weight"`

	// SourceNames scopes decay to sources declaring temporal relevance
	// support; points from other sources score without decay.
	SourceNames []string `json:"source_names,omitempty"`
}

// FilterOperator is the comparison applied by one filter clause.
type FilterOperator string

const (
	FilterEq  FilterOperator = "eq"
	FilterIn  FilterOperator = "in"
	FilterGte FilterOperator = "gte"
	FilterLte FilterOperator = "lte"
)

// FilterClause is one condition over a payload field.
type FilterClause struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// Filter is a conjunction of clauses over point payload fields. Should
// clauses form one disjunctive group ANDed with the Must clauses; access
// control uses it for "viewer matches OR entity is public".
type Filter struct {
	Must   []FilterClause `json:"must,omitempty"`
	Should []FilterClause `json:"should,omitempty"`
}

// And returns the conjunction of two filters. Either may be nil. At most one
// side may carry Should clauses.
func (f *Filter) And(other *Filter) *Filter {
	if f == nil {
		return other
	}
	if other == nil {
		return f
	}
	merged := &Filter{Must: make([]FilterClause, 0, len(f.Must)+len(other.Must))}
	merged.Must = append(merged.Must, f.Must...)
	merged.Must = append(merged.Must, other.Must...)
	merged.Should = append(merged.Should, f.Should...)
	merged.Should = append(merged.Should, other.Should...)
	return merged
}

// SearchRequest is the caller-facing search input. Nil optionals inherit the
// system defaults loaded at startup.
type SearchRequest struct {
	Query             string             `json:"query"`
	RetrievalStrategy *RetrievalStrategy `json:"retrieval_strategy,omitempty"`
	Offset            *int               `json:"offset,omitempty"`
	Limit             *int               `json:"limit,omitempty"`
	Filter            *Filter            `json:"filter,omitempty"`
	ExpandQuery       *bool              `json:"expand_query,omitempty"`
	InterpretFilters  *bool              `json:"interpret_filters,omitempty"`
	Rerank            *bool              `json:"rerank,omitempty"`
	GenerateAnswer    *bool              `json:"generate_answer,omitempty"`
	TemporalRelevance *float64           `json:"temporal_relevance,omitempty"`
}

// SearchResult is one ranked hit returned to the caller.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`

	// Source tags federated hits with the short name that produced them.
	Source string `json:"source,omitempty"`
}

// SearchResponse is the final output of the search pipeline.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Answer     string         `json:"answer,omitempty"`
	Citations  []string       `json:"citations,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ── Events ──────────────────────────────────────────────────

// EventKind is the stable set of emitted event kinds.
type EventKind string

const (
	EventOperationStarted   EventKind = "operation_started"
	EventOperationProgress  EventKind = "operation_progress"
	EventOperationCompleted EventKind = "operation_completed"
	EventOperationSkipped   EventKind = "operation_skipped"
	EventOperationFailed    EventKind = "operation_failed"
	EventSyncPending        EventKind = "sync.pending"
	EventSyncStarted        EventKind = "sync.started"
	EventSyncCompleted      EventKind = "sync.completed"
	EventSyncFailed         EventKind = "sync.failed"
)

// Event is a structured progress event streamed to clients.
type Event struct {
	RequestID string         `json:"request_id"`
	TS        time.Time      `json:"ts"`
	Kind      EventKind      `json:"kind"`
	Operation string         `json:"op,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Encode serializes the event for the SSE channel.
func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}
