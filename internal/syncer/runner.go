// Package syncer executes sync jobs: it streams entities out of a source
// driver, reconciles them against the previous run by content hash, embeds
// what changed and writes it to the vector store. The cron scheduler lives
// here too.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/acl"
	"github.com/airweave/airweave/internal/auth"
	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/files"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

const (
	embedBatchSize   = 64
	progressInterval = 100
)

func newID() string { return uuid.NewString() }

// Providers resolves the model providers a sync needs. Satisfied by the
// embed catalog; tests substitute fakes.
type Providers interface {
	Embedding(vectorSize int) (contracts.EmbeddingProvider, error)
	Sparse() contracts.SparseEmbedder
}

// Runner executes sync jobs end to end.
type Runner struct {
	log       zerolog.Logger
	store     store.Store
	creds     *credstore.Service
	registry  *source.Registry
	vectors   contracts.VectorStore
	providers Providers
	acl       *acl.Service
	bus       *events.Bus

	maxFileSize int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // job id → cancel
}

// NewRunner wires a runner. bus may be nil when nothing streams progress.
func NewRunner(log zerolog.Logger, st store.Store, creds *credstore.Service, registry *source.Registry, vectors contracts.VectorStore, providers Providers, aclSvc *acl.Service, bus *events.Bus, maxFileSize int64) *Runner {
	return &Runner{
		log:         log,
		store:       st,
		creds:       creds,
		registry:    registry,
		vectors:     vectors,
		providers:   providers,
		acl:         aclSvc,
		bus:         bus,
		maxFileSize: maxFileSize,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start runs the job in the background with its own cancellable context,
// detached from the caller's request lifetime.
func (r *Runner) Start(syncID, jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, jobID)
			r.mu.Unlock()
			cancel()
		}()
		if err := r.Run(ctx, syncID, jobID); err != nil {
			r.log.Error().Err(err).Str("sync_id", syncID).Str("job_id", jobID).Msg("sync job failed")
		}
	}()
}

// Cancel aborts a running job. Returns false when the job is not running.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// emitter returns the event emitter for a sync's progress topic.
func (r *Runner) emitter(syncID, jobID string) contracts.EventEmitter {
	if r.bus == nil {
		return events.Nop{}
	}
	return events.NewEmitter(r.bus, "sync:"+syncID, jobID)
}

// Run executes one sync job synchronously. The job must already exist in
// pending state.
func (r *Runner) Run(ctx context.Context, syncID, jobID string) error {
	job, err := r.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return err
	}
	emit := r.emitter(syncID, jobID)

	now := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &now
	if err := r.store.UpdateSyncJob(ctx, job); err != nil {
		return err
	}
	emit.Emit(models.EventSyncStarted, "sync", map[string]any{"sync_id": syncID, "job_id": jobID})

	stats, runErr := r.execute(ctx, syncID, jobID, job.ForceFullSync, emit)

	done := time.Now().UTC()
	job.Stats = stats
	job.CompletedAt = &done
	switch {
	case runErr == nil:
		job.Status = models.JobCompleted
		emit.Emit(models.EventSyncCompleted, "sync", map[string]any{
			"inserted": stats.Inserted, "updated": stats.Updated,
			"deleted": stats.Deleted, "kept": stats.Kept, "skipped": stats.Skipped,
		})
	case errors.Is(runErr, context.Canceled):
		job.Status = models.JobCancelled
		job.Error = "cancelled"
		emit.Emit(models.EventSyncFailed, "sync", map[string]any{"error": "cancelled"})
	default:
		job.Status = models.JobFailed
		job.Error = runErr.Error()
		emit.Emit(models.EventSyncFailed, "sync", map[string]any{"error": runErr.Error()})
	}
	if err := r.store.UpdateSyncJob(context.WithoutCancel(ctx), job); err != nil {
		r.log.Error().Err(err).Str("job_id", jobID).Msg("persisting job outcome failed")
	}
	return runErr
}

// pending pairs an entity with the action the reconciler decided for it.
type pending struct {
	entity   *models.Entity
	inserted bool
}

func (r *Runner) execute(ctx context.Context, syncID, jobID string, forceFull bool, emit contracts.EventEmitter) (models.SyncStats, error) {
	var stats models.SyncStats

	syn, err := r.store.GetSync(ctx, syncID)
	if err != nil {
		return stats, err
	}
	conn, err := r.store.GetSourceConnectionBySyncID(ctx, syncID)
	if err != nil {
		return stats, err
	}
	collection, err := r.store.GetCollection(ctx, syn.CollectionID)
	if err != nil {
		return stats, err
	}
	reg, err := r.registry.Get(conn.ShortName)
	if err != nil {
		return stats, err
	}

	prevStatus := conn.Status
	conn.Status = models.ConnectionStatusRunning
	if err := r.store.UpdateSourceConnection(ctx, conn); err != nil {
		return stats, err
	}
	defer func() {
		c, err := r.store.GetSourceConnection(context.WithoutCancel(ctx), conn.ID)
		if err != nil {
			return
		}
		if c.CronSchedule != "" {
			c.Status = models.ConnectionStatusScheduled
		} else if prevStatus == models.ConnectionStatusRunning {
			c.Status = models.ConnectionStatusAuthenticated
		} else {
			c.Status = prevStatus
		}
		if err := r.store.UpdateSourceConnection(context.WithoutCancel(ctx), c); err != nil {
			r.log.Warn().Err(err).Str("connection_id", c.ID).Msg("restoring connection status failed")
		}
	}()

	// Credentials and token plumbing. Delegated-auth connections fetch
	// tokens through the provider connection's own token manager.
	var credentials map[string]any
	var tokens source.TokenProvider
	switch {
	case conn.ReadableAuthProvider != "":
		tokens, credentials, err = r.delegatedTokens(ctx, conn)
		if err != nil {
			return stats, err
		}
	case conn.CredentialID != "":
		credentials, err = r.creds.Get(ctx, conn.CredentialID)
		if err != nil {
			return stats, err
		}
		cred, err := r.store.GetCredential(ctx, conn.CredentialID)
		if err != nil {
			return stats, err
		}
		if reg.Metadata.OAuth2 != nil && cred.OAuthType != models.OAuthTypeNone {
			tokens = auth.NewTokenManager(r.log, conn.ID, conn.CredentialID, cred.OAuthType, reg.Metadata.OAuth2, r.creds, credentials, nil)
		}
	}

	embedder, err := r.providers.Embedding(collection.VectorSize)
	if err != nil {
		return stats, err
	}
	if embedder.Dimensions() != collection.VectorSize {
		return stats, models.Validationf("embedding provider produces %d dimensions, collection requires %d", embedder.Dimensions(), collection.VectorSize)
	}
	sparse := r.providers.Sparse()

	if err := r.vectors.SetupCollection(ctx, collection.ReadableID, collection.VectorSize); err != nil {
		return stats, err
	}

	httpc := source.NewClient(r.log, source.DefaultHTTPFactory, tokens)
	downloader, err := files.NewDownloader(r.log, nil, tokens, jobID, r.maxFileSize)
	if err != nil {
		return stats, err
	}
	defer downloader.Cleanup()

	collab := &source.Collaborators{
		Logger:             r.log.With().Str("source", conn.ShortName).Str("job_id", jobID).Logger(),
		Tokens:             tokens,
		HTTP:               httpc,
		Files:              downloader,
		OrganizationID:     conn.OrganizationID,
		SourceConnectionID: conn.ID,
	}
	driver, err := reg.Factory(ctx, credentials, conn.Config, collab)
	if err != nil {
		return stats, err
	}

	// Prior state for reconciliation.
	priorList, err := r.store.ListEntityRecords(ctx, syncID)
	if err != nil {
		return stats, err
	}
	prior := make(map[string]models.EntityRecord, len(priorList))
	for _, rec := range priorList {
		prior[rec.EntityID] = rec
	}
	seen := make(map[string]bool, len(prior))

	cursor := conn.Cursor
	if cursor == nil {
		cursor = &models.SyncCursor{}
	} else if forceFull {
		cursor = &models.SyncCursor{Field: cursor.Field}
	}

	// A cursor-aware driver resuming prior state yields only what changed
	// since the watermark; absence from such a stream proves nothing. Only a
	// full stream may drive the orphan pass.
	_, cursorAware := driver.(source.CursorAware)
	fullRun := forceFull || !cursorAware || len(cursor.Data) == 0

	// Parents whose previous children are superseded by entities in the
	// current batch. Flushed before the replacement points land.
	var purge []string
	flushPurge := func(ctx context.Context) error {
		if len(purge) == 0 {
			return nil
		}
		if err := r.vectors.BulkDeleteByParentIDs(ctx, collection.ReadableID, purge, syncID); err != nil {
			return err
		}
		purge = purge[:0]
		return nil
	}

	flush := func(batch []pending) error {
		if len(batch) == 0 {
			return nil
		}
		if err := flushPurge(ctx); err != nil {
			return err
		}
		texts := make([]string, len(batch))
		entities := make([]*models.Entity, len(batch))
		for i, p := range batch {
			texts[i] = embeddableText(p.entity)
			entities[i] = p.entity
		}
		dense, err := embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		sparseVecs, err := sparse.EmbedSparse(ctx, texts)
		if err != nil {
			return err
		}
		for i, e := range entities {
			e.System.DenseVector = dense[i]
			e.System.SparseVector = sparseVecs[i]
		}
		if err := r.vectors.BulkInsert(ctx, collection.ReadableID, entities); err != nil {
			return err
		}
		for _, p := range batch {
			rec := models.EntityRecord{
				DBEntityID: p.entity.System.DBEntityID,
				SyncID:     syncID,
				EntityID:   p.entity.EntityID,
				Hash:       p.entity.System.Hash,
			}
			if err := r.store.UpsertEntityRecord(ctx, &rec); err != nil {
				return err
			}
			if p.inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		return nil
	}

	var batch []pending
	processed := 0
	for res := range driver.GenerateEntities(ctx, cursor) {
		if res.Err != nil {
			return stats, res.Err
		}
		if err := ctx.Err(); err != nil {
			// Deletes already owed to the store are flushed even on cancel,
			// so replaced children never outlive their parent's update.
			if perr := flushPurge(context.WithoutCancel(ctx)); perr != nil {
				r.log.Warn().Err(perr).Str("job_id", jobID).Msg("flushing pending deletes on cancel failed")
			}
			return stats, err
		}
		e := res.Entity

		if e.Kind == models.EntityKindFile && e.File != nil && e.File.URL != "" && e.File.LocalPath == "" {
			if err := downloader.Download(ctx, e); err != nil {
				if errors.Is(err, models.ErrFileSkipped) {
					stats.Skipped++
					continue
				}
				return stats, err
			}
		}

		now := time.Now().UTC()
		if e.System == nil {
			e.System = &models.SystemMetadata{}
		}
		e.System.SourceName = conn.ShortName
		e.System.EntityType = string(e.Kind)
		e.System.SyncID = syncID
		e.System.SyncJobID = jobID
		e.System.Hash = e.ContentHash()
		e.System.DBUpdatedAt = &now

		rec, existed := prior[e.EntityID]
		seen[e.EntityID] = true
		switch {
		case existed && rec.Hash == e.System.Hash:
			stats.Kept++
			continue
		case existed:
			e.System.DBEntityID = rec.DBEntityID
			if e.Kind == models.EntityKindFile || e.Kind == models.EntityKindCodeFile {
				purge = append(purge, e.EntityID)
			}
			batch = append(batch, pending{entity: e, inserted: false})
		default:
			e.System.DBEntityID = uuid.NewString()
			e.System.DBCreatedAt = &now
			batch = append(batch, pending{entity: e, inserted: true})
		}

		if len(batch) >= embedBatchSize {
			if err := flush(batch); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}

		processed++
		if processed%progressInterval == 0 {
			emit.Emit(models.EventOperationProgress, "sync", map[string]any{
				"processed": processed, "inserted": stats.Inserted,
				"updated": stats.Updated, "kept": stats.Kept,
			})
		}
	}
	if err := flush(batch); err != nil {
		return stats, err
	}
	if err := flushPurge(ctx); err != nil {
		return stats, err
	}

	if fullRun {
		// Orphan cleanup: anything present last run but absent from this
		// stream.
		var orphans []string
		for entityID := range prior {
			if !seen[entityID] {
				orphans = append(orphans, entityID)
			}
		}
		if len(orphans) > 0 {
			if err := r.vectors.BulkDelete(ctx, collection.ReadableID, orphans, syncID); err != nil {
				return stats, err
			}
			if err := r.vectors.BulkDeleteByParentIDs(ctx, collection.ReadableID, orphans, syncID); err != nil {
				return stats, err
			}
			if err := r.store.DeleteEntityRecords(ctx, syncID, orphans); err != nil {
				return stats, err
			}
			stats.Deleted = len(orphans)
		}
	} else {
		// An incremental stream carries only changed items; records it did
		// not mention are unchanged.
		for entityID := range prior {
			if !seen[entityID] {
				stats.Kept++
			}
		}
	}

	// ACL-aware sources refresh their membership graph after the entity pass.
	if mg, ok := driver.(source.MembershipGenerator); ok && r.acl != nil {
		edges, err := mg.GenerateMemberships(ctx)
		if err != nil {
			return stats, err
		}
		if err := r.acl.Ingest(ctx, conn.ID, edges); err != nil {
			return stats, err
		}
	}

	if err := r.store.UpdateSourceConnectionCursor(ctx, conn.ID, cursor); err != nil {
		return stats, err
	}
	return stats, nil
}

// delegatedTokens wires the token source for a connection whose auth is
// delegated to a configured provider connection: the provider's own token
// manager becomes the refresh authority, and its decrypted material doubles
// as the driver credentials.
func (r *Runner) delegatedTokens(ctx context.Context, conn *models.SourceConnection) (source.TokenProvider, map[string]any, error) {
	provider, err := r.store.GetSourceConnection(ctx, conn.ReadableAuthProvider)
	if err != nil || provider.OrganizationID != conn.OrganizationID {
		return nil, nil, models.NotFound("auth provider connection", conn.ReadableAuthProvider)
	}
	if provider.CredentialID == "" {
		return nil, nil, models.TokenRefreshf(nil, "auth provider connection %s holds no credential", provider.ID)
	}
	material, err := r.creds.Get(ctx, provider.CredentialID)
	if err != nil {
		return nil, nil, err
	}
	pcred, err := r.store.GetCredential(ctx, provider.CredentialID)
	if err != nil {
		return nil, nil, err
	}
	var spec *auth.OAuth2Spec
	if preg, err := r.registry.Get(provider.ShortName); err == nil {
		spec = preg.Metadata.OAuth2
	}
	delegate := auth.NewTokenManager(r.log, provider.ID, provider.CredentialID, pcred.OAuthType, spec, r.creds, material, nil)
	tokens := auth.NewTokenManager(r.log, conn.ID, "", models.OAuthTypeNone, nil, r.creds, nil, delegate)
	return tokens, material, nil
}

// embeddableText builds the text fed to the embedders: the declared textual
// representation when the driver set one, otherwise a composition of name,
// breadcrumbs and fields.
func embeddableText(e *models.Entity) string {
	if e.Textual != "" {
		return e.Textual
	}
	var b strings.Builder
	for _, bc := range e.Breadcrumbs {
		if bc.Name != "" {
			b.WriteString(bc.Name)
			b.WriteString(" / ")
		}
	}
	b.WriteString(e.Name)
	writeSorted(&b, e.Fields)
	if e.Row != nil {
		writeSorted(&b, e.Row.Values)
	}
	return b.String()
}

func writeSorted(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "\n%s: %v", k, m[k])
	}
}
