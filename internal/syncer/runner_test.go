package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/acl"
	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/internal/syncer"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// ── fakes ───────────────────────────────────────────────────

type fakeSource struct {
	entities []*models.Entity
}

func (f *fakeSource) ShortName() string                        { return "fake" }
func (f *fakeSource) Validate(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result)
	go func() {
		defer close(out)
		for _, e := range f.entities {
			cp := *e
			select {
			case out <- source.Result{Entity: &cp}:
			case <-ctx.Done():
				return
			}
		}
		cursor.Update(map[string]any{"watermark": time.Now().UTC().Format(time.RFC3339)})
	}()
	return out
}

type fakeVectorStore struct {
	mu            sync.Mutex
	inserted      []*models.Entity
	deleted       []string
	parentDeleted []string
	setups        int
}

func (f *fakeVectorStore) SetupCollection(ctx context.Context, c string, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	return nil
}
func (f *fakeVectorStore) DropCollection(ctx context.Context, c string) error { return nil }
func (f *fakeVectorStore) BulkInsert(ctx context.Context, c string, entities []*models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, entities...)
	return nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, c, id string) error           { return nil }
func (f *fakeVectorStore) DeleteBySyncID(ctx context.Context, c, syncID string) error { return nil }
func (f *fakeVectorStore) BulkDelete(ctx context.Context, c string, ids []string, syncID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}
func (f *fakeVectorStore) BulkDeleteByParentIDs(ctx context.Context, c string, ids []string, syncID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parentDeleted = append(f.parentDeleted, ids...)
	return nil
}
func (f *fakeVectorStore) BulkSearch(ctx context.Context, c string, q contracts.VectorQuery) ([][]models.SearchResult, error) {
	return nil, nil
}
func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeVectorStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeVectorStore) parentDeletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.parentDeleted...)
}

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Kind() string      { return "fake" }
func (f *fakeEmbedder) Model() string     { return "fake-model" }
func (f *fakeEmbedder) Dimensions() int   { return f.dims }
func (f *fakeEmbedder) MaxBatchSize() int { return 100 }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
		out[i][0] = 1
	}
	return out, nil
}

type fakeSparse struct{}

func (fakeSparse) Kind() string { return "fake-sparse" }
func (fakeSparse) EmbedSparse(ctx context.Context, texts []string) ([]*models.SparseVector, error) {
	out := make([]*models.SparseVector, len(texts))
	for i := range texts {
		out[i] = &models.SparseVector{Indices: []uint32{1}, Values: []float32{1}}
	}
	return out, nil
}

type fakeProviders struct{ dims int }

func (f fakeProviders) Embedding(vectorSize int) (contracts.EmbeddingProvider, error) {
	return &fakeEmbedder{dims: f.dims}, nil
}
func (f fakeProviders) Sparse() contracts.SparseEmbedder { return fakeSparse{} }

// ── harness ─────────────────────────────────────────────────

type harness struct {
	store  *store.MemoryStore
	creds  *credstore.Service
	vec    *fakeVectorStore
	runner *syncer.Runner
	src    *fakeSource
	collab *source.Collaborators
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	creds, err := credstore.New(st, "test-key")
	if err != nil {
		t.Fatalf("credstore.New() error = %v", err)
	}

	h := &harness{store: st, creds: creds, vec: &fakeVectorStore{}, src: &fakeSource{}}
	registry := source.NewRegistry()
	registry.Register(source.Registration{
		Metadata: source.Metadata{ShortName: "fake", Name: "Fake"},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			h.collab = c
			return h.src, nil
		},
	})

	aclSvc := acl.NewService(zerolog.Nop(), st)
	h.runner = syncer.NewRunner(zerolog.Nop(), st, creds, registry, h.vec, fakeProviders{dims: 4}, aclSvc, nil, 0)

	ctx := context.Background()
	st.CreateCollection(ctx, &models.Collection{
		ID: "col-1", ReadableID: "docs", Name: "Docs", VectorSize: 4, OrganizationID: "org-1",
	})
	st.CreateSync(ctx, &models.Sync{
		ID: "sync-1", OrganizationID: "org-1", SourceConnectionID: "conn-1", CollectionID: "col-1",
	})
	st.CreateSourceConnection(ctx, &models.SourceConnection{
		ID: "conn-1", OrganizationID: "org-1", Name: "Fake", ShortName: "fake",
		ReadableCollectionID: "docs", SyncID: "sync-1",
		Status: models.ConnectionStatusAuthenticated, IsAuthenticated: true,
	})

	return h
}

// newRunnerWith builds a runner over the harness store whose "fake" source
// resolves to the given driver instead of the default one.
func newRunnerWith(t *testing.T, h *harness, src source.Source) *syncer.Runner {
	t.Helper()
	registry := source.NewRegistry()
	registry.Register(source.Registration{
		Metadata: source.Metadata{ShortName: "fake", Name: "Fake"},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			h.collab = c
			return src, nil
		},
	})
	creds, err := credstore.New(h.store, "test-key")
	if err != nil {
		t.Fatalf("credstore.New() error = %v", err)
	}
	return syncer.NewRunner(zerolog.Nop(), h.store, creds, registry, h.vec, fakeProviders{dims: 4}, nil, nil, 0)
}

func runCustomJob(t *testing.T, h *harness, runner *syncer.Runner, forceFull bool) *models.SyncJob {
	t.Helper()
	ctx := context.Background()
	job := &models.SyncJob{
		ID: "job-" + time.Now().Format("150405.000000000"), SyncID: "sync-1",
		Status: models.JobPending, ForceFullSync: forceFull, CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateSyncJob(ctx, job); err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	runner.Run(ctx, "sync-1", job.ID)
	got, err := h.store.GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob() error = %v", err)
	}
	return got
}

func (h *harness) runJob(t *testing.T) *models.SyncJob {
	t.Helper()
	ctx := context.Background()
	job := &models.SyncJob{ID: "job-" + time.Now().Format("150405.000000000"), SyncID: "sync-1", Status: models.JobPending, CreatedAt: time.Now().UTC()}
	if err := h.store.CreateSyncJob(ctx, job); err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	h.runner.Run(ctx, "sync-1", job.ID)
	got, err := h.store.GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob() error = %v", err)
	}
	return got
}

func entity(id, text string) *models.Entity {
	return &models.Entity{EntityID: id, Name: id, Kind: models.EntityKindGeneric, Textual: text}
}

// ── tests ───────────────────────────────────────────────────

func TestFirstRunInsertsEverything(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}

	job := h.runJob(t)
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %s, error = %s", job.Status, job.Error)
	}
	if job.Stats.Inserted != 2 || job.Stats.Kept != 0 || job.Stats.Deleted != 0 {
		t.Errorf("stats = %+v, want 2 inserted", job.Stats)
	}
	if h.vec.insertCount() != 2 {
		t.Errorf("vector inserts = %d, want 2", h.vec.insertCount())
	}
}

func TestRerunUnchangedIsAllKeep(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}

	h.runJob(t)
	before := h.vec.insertCount()

	job := h.runJob(t)
	if job.Stats.Kept != 2 || job.Stats.Inserted != 0 || job.Stats.Updated != 0 {
		t.Errorf("stats = %+v, want 2 kept", job.Stats)
	}
	if h.vec.insertCount() != before {
		t.Errorf("unchanged rerun wrote %d new points", h.vec.insertCount()-before)
	}
}

func TestChangedEntityUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha")}
	h.runJob(t)

	firstID := h.vec.inserted[0].System.DBEntityID

	h.src.entities = []*models.Entity{entity("a", "alpha v2")}
	job := h.runJob(t)
	if job.Stats.Updated != 1 || job.Stats.Inserted != 0 {
		t.Fatalf("stats = %+v, want 1 updated", job.Stats)
	}
	secondID := h.vec.inserted[1].System.DBEntityID
	if firstID != secondID {
		t.Errorf("db_entity_id changed across update: %s vs %s", firstID, secondID)
	}
}

func TestOrphansAreDeleted(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}
	h.runJob(t)

	h.src.entities = []*models.Entity{entity("a", "alpha")}
	job := h.runJob(t)
	if job.Stats.Deleted != 1 || job.Stats.Kept != 1 {
		t.Fatalf("stats = %+v, want 1 deleted 1 kept", job.Stats)
	}
	if len(h.vec.deleted) != 1 || h.vec.deleted[0] != "b" {
		t.Errorf("deleted = %v, want [b]", h.vec.deleted)
	}

	// Deleted entities must not reappear as KEEP on the next run.
	h.src.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}
	job = h.runJob(t)
	if job.Stats.Inserted != 1 || job.Stats.Kept != 1 {
		t.Errorf("stats after reinsert = %+v, want 1 inserted 1 kept", job.Stats)
	}
}

func TestIncrementalRunKeepsUnseenEntities(t *testing.T) {
	h := newHarness(t)
	inc := &incrementalSource{}
	inc.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}
	runner := newRunnerWith(t, h, inc)

	// No cursor yet, so the first run is full.
	job := runCustomJob(t, h, runner, false)
	if job.Status != models.JobCompleted || job.Stats.Inserted != 2 {
		t.Fatalf("first run: status = %s, stats = %+v", job.Status, job.Stats)
	}

	// The driver resumes from its watermark and yields nothing. Entities it
	// did not mention are unchanged, not orphans.
	inc.entities = nil
	job = runCustomJob(t, h, runner, false)
	if job.Status != models.JobCompleted {
		t.Fatalf("second run: status = %s, error = %s", job.Status, job.Error)
	}
	if job.Stats.Deleted != 0 || job.Stats.Kept != 2 {
		t.Errorf("stats = %+v, want 0 deleted 2 kept", job.Stats)
	}
	if len(h.vec.deleted) != 0 {
		t.Errorf("vector deletes = %v, want none on an incremental run", h.vec.deleted)
	}
}

func TestForceFullSyncRunsOrphanPass(t *testing.T) {
	h := newHarness(t)
	inc := &incrementalSource{}
	inc.entities = []*models.Entity{entity("a", "alpha"), entity("b", "beta")}
	runner := newRunnerWith(t, h, inc)
	runCustomJob(t, h, runner, false)

	inc.entities = []*models.Entity{entity("a", "alpha")}
	job := runCustomJob(t, h, runner, true)
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %s, error = %s", job.Status, job.Error)
	}
	if job.Stats.Deleted != 1 || job.Stats.Kept != 1 {
		t.Errorf("stats = %+v, want 1 deleted 1 kept", job.Stats)
	}
	if len(h.vec.deleted) != 1 || h.vec.deleted[0] != "b" {
		t.Errorf("deleted = %v, want [b]", h.vec.deleted)
	}
}

func TestDelegatedAuthUsesProviderToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cred, err := h.creds.Create(ctx, "org-1", "fake", models.AuthMethodDirect, models.OAuthTypeNone,
		map[string]any{"access_token": "provider-token"})
	if err != nil {
		t.Fatalf("creds.Create() error = %v", err)
	}
	h.store.CreateSourceConnection(ctx, &models.SourceConnection{
		ID: "prov-1", OrganizationID: "org-1", Name: "Provider", ShortName: "fake",
		ReadableCollectionID: "docs", CredentialID: cred.ID,
		Status: models.ConnectionStatusAuthenticated, IsAuthenticated: true,
	})
	conn, _ := h.store.GetSourceConnection(ctx, "conn-1")
	conn.ReadableAuthProvider = "prov-1"
	if err := h.store.UpdateSourceConnection(ctx, conn); err != nil {
		t.Fatalf("UpdateSourceConnection() error = %v", err)
	}

	h.src.entities = []*models.Entity{entity("a", "alpha")}
	job := h.runJob(t)
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %s, error = %s", job.Status, job.Error)
	}

	if h.collab == nil || h.collab.Tokens == nil {
		t.Fatal("driver received no token source for a delegated-auth connection")
	}
	tok, err := h.collab.Tokens.GetValidToken(ctx)
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if tok != "provider-token" {
		t.Errorf("token = %q, want the provider connection's token", tok)
	}
}

func TestCancelFlushesPendingDeletes(t *testing.T) {
	h := newHarness(t)
	v1 := entity("f", "file v1")
	v1.Kind = models.EntityKindFile
	h.src.entities = []*models.Entity{v1}
	h.runJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	v2 := entity("f", "file v2")
	v2.Kind = models.EntityKindFile
	src := &midStreamCancelSource{
		before: []*models.Entity{v2, entity("x", "spacer")},
		after:  entity("g", "late"),
		cancel: cancel,
	}
	runner := newRunnerWith(t, h, src)
	job := &models.SyncJob{ID: "job-cancel", SyncID: "sync-1", Status: models.JobPending, CreatedAt: time.Now().UTC()}
	if err := h.store.CreateSyncJob(ctx, job); err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	runner.Run(ctx, "sync-1", job.ID)

	got, err := h.store.GetSyncJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob() error = %v", err)
	}
	if got.Status != models.JobCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	deletes := h.vec.parentDeletes()
	if len(deletes) != 1 || deletes[0] != "f" {
		t.Errorf("parent deletes = %v, want [f] flushed before abort", deletes)
	}
}

func TestCursorPersistedAfterRun(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha")}
	h.runJob(t)

	conn, err := h.store.GetSourceConnection(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("GetSourceConnection() error = %v", err)
	}
	if conn.Cursor == nil || conn.Cursor.Data["watermark"] == nil {
		t.Errorf("cursor not persisted: %+v", conn.Cursor)
	}
}

func TestConnectionStatusRestoredAfterRun(t *testing.T) {
	h := newHarness(t)
	h.src.entities = []*models.Entity{entity("a", "alpha")}
	h.runJob(t)

	conn, _ := h.store.GetSourceConnection(context.Background(), "conn-1")
	if conn.Status != models.ConnectionStatusAuthenticated {
		t.Errorf("status = %s, want authenticated", conn.Status)
	}
}

func TestContentHashIgnoresTimestamps(t *testing.T) {
	t1 := time.Now().UTC()
	t2 := t1.Add(time.Hour)
	a := entity("a", "alpha")
	a.UpdatedAt = &t1
	b := entity("a", "alpha")
	b.UpdatedAt = &t2
	if a.ContentHash() != b.ContentHash() {
		t.Error("hash should not change when only modified_at changes")
	}

	c := entity("a", "alpha v2")
	if a.ContentHash() == c.ContentHash() {
		t.Error("hash should change when content changes")
	}
}

func TestSchedulerOverlapSkipped(t *testing.T) {
	h := newHarness(t)
	// A slow stream keeps the first job active while the second fires.
	block := make(chan struct{})
	slow := &blockingSource{release: block}
	registry := source.NewRegistry()
	registry.Register(source.Registration{
		Metadata: source.Metadata{ShortName: "fake", Name: "Fake"},
		Factory: func(ctx context.Context, credentials, config map[string]any, c *source.Collaborators) (source.Source, error) {
			return slow, nil
		},
	})
	creds, _ := credstore.New(h.store, "test-key")
	runner := syncer.NewRunner(zerolog.Nop(), h.store, creds, registry, h.vec, fakeProviders{dims: 4}, nil, nil, 0)
	sched := syncer.NewCronScheduler(zerolog.Nop(), h.store, runner)
	defer sched.Stop()

	ctx := context.Background()
	jobID, err := sched.Trigger(ctx, "sync-1", false)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if _, err := sched.Trigger(ctx, "sync-1", false); models.KindOf(err) != models.KindConflict {
		t.Errorf("overlapping trigger error = %v, want conflict", err)
	}

	close(block)
	waitForJob(t, h.store, jobID)

	if _, err := sched.Trigger(ctx, "sync-1", false); err != nil {
		t.Errorf("trigger after completion error = %v", err)
	}
}

func TestInvalidCronRejected(t *testing.T) {
	if err := syncer.ValidateCron("not a cron"); models.KindOf(err) != models.KindValidation {
		t.Errorf("ValidateCron() error = %v, want validation", err)
	}
	if err := syncer.ValidateCron("0 3 * * *"); err != nil {
		t.Errorf("ValidateCron() error = %v for valid expression", err)
	}
}

// incrementalSource is a fakeSource that advertises cursor support, so a run
// with persisted cursor state is incremental.
type incrementalSource struct{ fakeSource }

func (s *incrementalSource) DefaultCursorField() string            { return "watermark" }
func (s *incrementalSource) ValidateCursorField(field string) error { return nil }

// midStreamCancelSource yields the before entities, cancels the job context,
// then yields one more entity.
type midStreamCancelSource struct {
	before []*models.Entity
	after  *models.Entity
	cancel context.CancelFunc
}

func (s *midStreamCancelSource) ShortName() string                          { return "fake" }
func (s *midStreamCancelSource) Validate(ctx context.Context) (bool, error) { return true, nil }
func (s *midStreamCancelSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result)
	go func() {
		defer close(out)
		for _, e := range s.before {
			out <- source.Result{Entity: e}
		}
		s.cancel()
		out <- source.Result{Entity: s.after}
	}()
	return out
}

type blockingSource struct{ release chan struct{} }

func (b *blockingSource) ShortName() string                          { return "fake" }
func (b *blockingSource) Validate(ctx context.Context) (bool, error) { return true, nil }
func (b *blockingSource) GenerateEntities(ctx context.Context, cursor *models.SyncCursor) <-chan source.Result {
	out := make(chan source.Result)
	go func() {
		defer close(out)
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}()
	return out
}

func waitForJob(t *testing.T, st store.Store, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetSyncJob(context.Background(), jobID)
		if err == nil && (job.Status == models.JobCompleted || job.Status == models.JobFailed || job.Status == models.JobCancelled) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
}
