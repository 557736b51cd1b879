package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// EntityKind discriminates the entity variants a source driver can yield.
type EntityKind string

const (
	// EntityKindGeneric is a plain content entity (page, message, task, ...).
	EntityKindGeneric EntityKind = "generic"
	// EntityKindFile is an entity backed by a downloadable file.
	EntityKindFile EntityKind = "file"
	// EntityKindCodeFile is a source-code file entity.
	EntityKindCodeFile EntityKind = "code_file"
	// EntityKindRow is a table row with a runtime schema (e.g. postgres).
	EntityKindRow EntityKind = "row"
)

// Breadcrumb is one step in an entity's ancestor path within its source
// hierarchy (e.g. Workspace → Database → Page).
type Breadcrumb struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
}

// AccessControl carries the per-entity viewer set. Principal IDs are opaque
// strings namespaced by kind: "user:<login>", "group:sp:<id>", "group:ad:<name>".
// A nil AccessControl means the entity has no ACL and is visible to anyone in
// the organization.
type AccessControl struct {
	Viewers  []string `json:"viewers,omitempty"`
	IsPublic bool     `json:"is_public,omitempty"`
}

// FileAttrs holds the file-specific fields of a file entity.
// LocalPath is set by the file downloader, never by the driver itself.
type FileAttrs struct {
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
	FileType  string `json:"file_type,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// RowAttrs holds the runtime schema and values of a table-row entity.
type RowAttrs struct {
	Schema string         `json:"schema,omitempty"`
	Table  string         `json:"table,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// SparseVector is a BM25-shape lexical vector: parallel index/value arrays.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SystemMetadata is attached to every entity by the sync pipeline, not by the
// driver. Fields fill in progressively as the entity moves through the sync.
type SystemMetadata struct {
	SourceName       string     `json:"source_name"`
	EntityType       string     `json:"entity_type"`
	SyncID           string     `json:"sync_id"`
	SyncJobID        string     `json:"sync_job_id"`
	Hash             string     `json:"hash,omitempty"`
	ChunkIndex       int        `json:"chunk_index"`
	OriginalEntityID string     `json:"original_entity_id,omitempty"`
	DBEntityID       string     `json:"db_entity_id,omitempty"`
	DBCreatedAt      *time.Time `json:"airweave_created_at,omitempty"`
	DBUpdatedAt      *time.Time `json:"airweave_updated_at,omitempty"`

	// Vectors are stripped from point payloads and from results returned
	// to clients.
	DenseVector  []float32     `json:"-"`
	SparseVector *SparseVector `json:"-"`
}

// Entity is the polymorphic unit produced by a source driver.
// Drivers must not mutate an entity after yielding it.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	Breadcrumbs []Breadcrumb   `json:"breadcrumbs,omitempty"`
	Name        string         `json:"name"`
	Kind        EntityKind     `json:"kind"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	Textual     string         `json:"textual_representation,omitempty"`
	Access      *AccessControl `json:"access,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	File        *FileAttrs     `json:"file,omitempty"`
	Row         *RowAttrs      `json:"row,omitempty"`

	System *SystemMetadata `json:"airweave_system_metadata,omitempty"`
}

// contentFields is the canonical content-only projection used for hashing.
// System metadata, timestamps and downloader-populated paths are excluded so
// the hash is a pure function of source content, stable across runs.
type contentFields struct {
	EntityID    string         `json:"entity_id"`
	Breadcrumbs []Breadcrumb   `json:"breadcrumbs,omitempty"`
	Name        string         `json:"name"`
	Kind        EntityKind     `json:"kind"`
	Textual     string         `json:"textual_representation,omitempty"`
	Viewers     []string       `json:"viewers,omitempty"`
	IsPublic    bool           `json:"is_public,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	FileURL     string         `json:"file_url,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Row         *RowAttrs      `json:"row,omitempty"`
}

// ContentHash computes the stable content hash of the entity.
func (e *Entity) ContentHash() string {
	cf := contentFields{
		EntityID:    e.EntityID,
		Breadcrumbs: e.Breadcrumbs,
		Name:        e.Name,
		Kind:        e.Kind,
		Textual:     e.Textual,
		Fields:      e.Fields,
		Row:         e.Row,
	}
	if e.Access != nil {
		viewers := append([]string(nil), e.Access.Viewers...)
		sort.Strings(viewers)
		cf.Viewers = viewers
		cf.IsPublic = e.Access.IsPublic
	}
	if e.File != nil {
		cf.FileURL = e.File.URL
		cf.Checksum = e.File.Checksum
	}
	// json.Marshal sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(cf)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Payload returns the entity's serialized form used as the vector store point
// payload: everything except vectors.
func (e *Entity) Payload() map[string]any {
	b, _ := json.Marshal(e)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// EntityRecord is the persisted identity and content hash of one synced
// entity. The sync runner compares stream hashes against these records to
// decide whether an entity is new, changed, unchanged or orphaned.
type EntityRecord struct {
	DBEntityID string    `json:"db_entity_id"`
	SyncID     string    `json:"sync_id"`
	EntityID   string    `json:"entity_id"`
	Hash       string    `json:"hash"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MembershipKind tags a principal-membership edge.
type MembershipKind string

const (
	MemberKindUser  MembershipKind = "user"
	MemberKindGroup MembershipKind = "group"
)

// Membership is one edge of the optional principal-membership graph emitted
// by ACL-aware sources. Expansion is the retrieval engine's concern.
type Membership struct {
	MemberID   string         `json:"member_id"`
	MemberType MembershipKind `json:"member_type"`
	GroupID    string         `json:"group_id"`
	GroupName  string         `json:"group_name,omitempty"`
}
