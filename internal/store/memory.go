package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/airweave/airweave/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	orgs          map[string]*models.Organization
	collections   map[string]*models.Collection // key: id
	connections   map[string]*models.SourceConnection
	credentials   map[string]*models.IntegrationCredential
	initSessions  map[string]*models.ConnectionInitSession // key: id
	sessionsState map[string]string                        // state → session id
	redirects     map[string]*models.RedirectSession       // key: code
	syncs         map[string]*models.Sync
	syncJobs      map[string]*models.SyncJob
	entityRecords map[string]map[string]*models.EntityRecord // sync id → entity id → record
	memberships   map[string][]models.Membership             // key: source connection id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[string]*models.Organization),
		collections:   make(map[string]*models.Collection),
		connections:   make(map[string]*models.SourceConnection),
		credentials:   make(map[string]*models.IntegrationCredential),
		initSessions:  make(map[string]*models.ConnectionInitSession),
		sessionsState: make(map[string]string),
		redirects:     make(map[string]*models.RedirectSession),
		syncs:         make(map[string]*models.Sync),
		syncJobs:      make(map[string]*models.SyncJob),
		entityRecords: make(map[string]map[string]*models.EntityRecord),
		memberships:   make(map[string][]models.Membership),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Organizations ───────────────────────────────────────────

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "organization", ID: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

// ── Collections ─────────────────────────────────────────────

func (m *MemoryStore) ListCollections(ctx context.Context, orgID string) ([]models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Collection
	for _, c := range m.collections {
		if c.OrganizationID == orgID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "collection", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCollectionByReadableID(ctx context.Context, orgID, readableID string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.collections {
		if c.OrganizationID == orgID && c.ReadableID == readableID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Resource: "collection", ID: readableID}
}

func (m *MemoryStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.collections[c.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteCollection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[id]; !ok {
		return &ErrNotFound{Resource: "collection", ID: id}
	}
	delete(m.collections, id)
	return nil
}

// ── Source Connections ──────────────────────────────────────

func (m *MemoryStore) ListSourceConnections(ctx context.Context, orgID string) ([]models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SourceConnection
	for _, sc := range m.connections {
		if sc.OrganizationID == orgID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListSourceConnectionsByCollection(ctx context.Context, orgID, readableCollectionID string) ([]models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SourceConnection
	for _, sc := range m.connections {
		if sc.OrganizationID == orgID && sc.ReadableCollectionID == readableCollectionID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetSourceConnection(ctx context.Context, id string) (*models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.connections[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "source connection", ID: id}
	}
	cp := *sc
	return &cp, nil
}

func (m *MemoryStore) GetSourceConnectionBySyncID(ctx context.Context, syncID string) (*models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sc := range m.connections {
		if sc.SyncID == syncID {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Resource: "source connection for sync", ID: syncID}
}

func (m *MemoryStore) CreateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	m.connections[sc.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[sc.ID]; !ok {
		return &ErrNotFound{Resource: "source connection", ID: sc.ID}
	}
	cp := *sc
	cp.UpdatedAt = time.Now().UTC()
	m.connections[sc.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSourceConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; !ok {
		return &ErrNotFound{Resource: "source connection", ID: id}
	}
	delete(m.connections, id)
	return nil
}

func (m *MemoryStore) UpdateSourceConnectionCursor(ctx context.Context, id string, cursor *models.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.connections[id]
	if !ok {
		return &ErrNotFound{Resource: "source connection", ID: id}
	}
	sc.Cursor = cursor
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Credentials ─────────────────────────────────────────────

func (m *MemoryStore) GetCredential(ctx context.Context, id string) (*models.IntegrationCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "credential", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCredential(ctx context.Context, cred *models.IntegrationCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCredential(ctx context.Context, cred *models.IntegrationCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[cred.ID]; !ok {
		return &ErrNotFound{Resource: "credential", ID: cred.ID}
	}
	cp := *cred
	cp.UpdatedAt = time.Now().UTC()
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, id)
	return nil
}

// ── Init Sessions ───────────────────────────────────────────

func (m *MemoryStore) CreateInitSession(ctx context.Context, s *models.ConnectionInitSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.initSessions[s.ID] = &cp
	m.sessionsState[s.State] = s.ID
	return nil
}

func (m *MemoryStore) GetInitSession(ctx context.Context, id string) (*models.ConnectionInitSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.initSessions[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "init session", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetInitSessionByState(ctx context.Context, state string) (*models.ConnectionInitSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsState[state]
	if !ok {
		return nil, &ErrNotFound{Resource: "init session", ID: "state"}
	}
	cp := *m.initSessions[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateInitSession(ctx context.Context, s *models.ConnectionInitSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.initSessions[s.ID]; !ok {
		return &ErrNotFound{Resource: "init session", ID: s.ID}
	}
	cp := *s
	m.initSessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ExpireStaleInitSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, s := range m.initSessions {
		if s.Status == models.InitSessionPending && now.After(s.ExpiresAt) {
			s.Status = models.InitSessionExpired
			n++
		}
	}
	return n, nil
}

// ── Redirect Sessions ───────────────────────────────────────

func (m *MemoryStore) CreateRedirectSession(ctx context.Context, r *models.RedirectSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.redirects[r.Code] = &cp
	return nil
}

func (m *MemoryStore) GetRedirectSession(ctx context.Context, code string) (*models.RedirectSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redirects[code]
	if !ok || time.Now().UTC().After(r.ExpiresAt) {
		return nil, &ErrNotFound{Resource: "redirect session", ID: code}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DeleteRedirectSession(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.redirects, code)
	return nil
}

func (m *MemoryStore) DeleteExpiredRedirectSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for code, r := range m.redirects {
		if now.After(r.ExpiresAt) {
			delete(m.redirects, code)
			n++
		}
	}
	return n, nil
}

// ── Syncs ───────────────────────────────────────────────────

func (m *MemoryStore) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.syncs[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "sync", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateSync(ctx context.Context, s *models.Sync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.syncs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSync(ctx context.Context, s *models.Sync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncs[s.ID]; !ok {
		return &ErrNotFound{Resource: "sync", ID: s.ID}
	}
	cp := *s
	m.syncs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSync(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncs, id)
	return nil
}

// ── Sync Jobs ───────────────────────────────────────────────

func (m *MemoryStore) ListSyncJobs(ctx context.Context, syncID string, limit int) ([]models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SyncJob
	for _, j := range m.syncJobs {
		if j.SyncID == syncID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.syncJobs[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "sync job", ID: id}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.syncJobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncJobs[job.ID]; !ok {
		return &ErrNotFound{Resource: "sync job", ID: job.ID}
	}
	cp := *job
	m.syncJobs[job.ID] = &cp
	return nil
}

// ── Entity Records ──────────────────────────────────────────

func (m *MemoryStore) ListEntityRecords(ctx context.Context, syncID string) ([]models.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EntityRecord
	for _, rec := range m.entityRecords[syncID] {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemoryStore) UpsertEntityRecord(ctx context.Context, rec *models.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entityRecords[rec.SyncID] == nil {
		m.entityRecords[rec.SyncID] = make(map[string]*models.EntityRecord)
	}
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	m.entityRecords[rec.SyncID][rec.EntityID] = &cp
	return nil
}

func (m *MemoryStore) DeleteEntityRecords(ctx context.Context, syncID string, entityIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range entityIDs {
		delete(m.entityRecords[syncID], id)
	}
	return nil
}

func (m *MemoryStore) DeleteAllEntityRecords(ctx context.Context, syncID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entityRecords, syncID)
	return nil
}

// ── Memberships ─────────────────────────────────────────────

func (m *MemoryStore) ReplaceMemberships(ctx context.Context, sourceConnectionID string, edges []models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[sourceConnectionID] = append([]models.Membership(nil), edges...)
	return nil
}

func (m *MemoryStore) ListMembershipsByMember(ctx context.Context, memberID string) ([]models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Membership
	for _, edges := range m.memberships {
		for _, e := range edges {
			if e.MemberID == memberID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteMemberships(ctx context.Context, sourceConnectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, sourceConnectionID)
	return nil
}
