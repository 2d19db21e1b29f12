// Package memory is an in-process repository with the same conditional
// update and cascade semantics as the PostgreSQL one. Tests use it in place
// of a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ferry/internal/server/database"
	"ferry/internal/server/reconcile"
	"ferry/internal/server/workflow"
)

// Repository holds every table in maps guarded by one mutex.
type Repository struct {
	mu sync.Mutex

	files     map[string]*database.FileRecord
	fileOrder []string
	ledger    map[string]*database.LedgerEntry
	audit     []*database.AuditEntry
	jobs      []*database.TransferJob
	sites     map[string]*database.Site
	users     map[string]*database.User
	userOrder []string
	sessions  map[string]*database.Session
	tasks     map[string]*database.Task
	taskOrder []string
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		files:    make(map[string]*database.FileRecord),
		ledger:   make(map[string]*database.LedgerEntry),
		sites:    make(map[string]*database.Site),
		users:    make(map[string]*database.User),
		sessions: make(map[string]*database.Session),
		tasks:    make(map[string]*database.Task),
	}
}

func cloneFile(f *database.FileRecord) *database.FileRecord {
	c := *f
	return &c
}

func (r *Repository) liveOrigin(site, path string) *database.FileRecord {
	for _, id := range r.fileOrder {
		f, ok := r.files[id]
		if ok && f.State != workflow.StateRejected && strings.EqualFold(f.SourceSite, site) && f.SourcePath == path {
			return f
		}
	}
	return nil
}

// CommitIngest stores a new file, its ledger entry and audit row. A live
// record on the same origin is ErrConflict.
func (r *Repository) CommitIngest(ctx context.Context, in database.Ingest) (*database.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := in.File
	if r.liveOrigin(f.SourceSite, f.SourcePath) != nil {
		return nil, database.ErrConflict
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.State = workflow.StateDetected
	f.Locked = false
	f.DetectedAt = time.Now().UTC()
	r.files[f.ID] = cloneFile(f)
	r.fileOrder = append(r.fileOrder, f.ID)

	if _, ok := r.ledger[f.SHA256Hash]; !ok {
		r.ledger[f.SHA256Hash] = &database.LedgerEntry{
			SHA256Hash:  f.SHA256Hash,
			Filename:    f.Filename,
			SourceSite:  f.SourceSite,
			FileSize:    f.FileSize,
			FirstSeenAt: time.Now().UTC(),
		}
	}
	if in.Audit != nil {
		in.Audit.FileID = &f.ID
		r.appendAudit(in.Audit)
	}
	e := *r.ledger[f.SHA256Hash]
	return &e, nil
}

// GetFile returns a copy of the record with id.
func (r *Repository) GetFile(ctx context.Context, id string) (*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	return cloneFile(f), nil
}

// ListFiles returns files newest first, narrowed by filter.
func (r *Repository) ListFiles(ctx context.Context, filter database.FileFilter) ([]*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.FileRecord, 0)
	for i := len(r.fileOrder) - 1; i >= 0; i-- {
		f, ok := r.files[r.fileOrder[i]]
		if !ok {
			continue
		}
		if filter.State != nil && f.State != *filter.State {
			continue
		}
		if filter.Site != nil && !strings.EqualFold(f.SourceSite, *filter.Site) {
			continue
		}
		out = append(out, cloneFile(f))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// FindBySource returns the live record claiming an origin, or nil.
func (r *Repository) FindBySource(ctx context.Context, site, path string) (*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.liveOrigin(site, path); f != nil {
		return cloneFile(f), nil
	}
	return nil, nil
}

// FindByHash returns a live record with the given content hash, or nil.
func (r *Repository) FindByHash(ctx context.Context, hash string) (*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.fileOrder {
		if f, ok := r.files[id]; ok && f.SHA256Hash == hash {
			return cloneFile(f), nil
		}
	}
	return nil, nil
}

// ApplyTransition moves a file from t.From to t.To, failing with
// ErrStateConflict if another writer moved it first.
func (r *Repository) ApplyTransition(ctx context.Context, t *database.Transition) (*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[t.FileID]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	if f.State != t.From {
		return nil, database.ErrStateConflict
	}

	now := time.Now().UTC()
	f.State = t.To
	if workflow.Locks(t.To) {
		f.Locked = true
	}
	switch t.To {
	case workflow.StateValidated:
		f.ValidatedAt = &now
	case workflow.StateTransferring:
		f.TransferStartedAt = &now
		f.TransferProgress = 0
		r.jobs = append(r.jobs, &database.TransferJob{ID: uuid.NewString(), FileID: f.ID, Status: database.JobRunning, StartedAt: now})
	case workflow.StateTransferred:
		f.TransferCompletedAt = &now
		f.TransferProgress = 100
		for _, j := range r.jobs {
			if j.FileID == f.ID && j.Status == database.JobRunning {
				j.Status = database.JobCompleted
				j.BytesTransferred = f.FileSize
				j.CompletedAt = &now
			}
		}
	case workflow.StateColoristAssigned:
		f.AssignedAt = &now
	case workflow.StateInProgress:
		f.WorkStartedAt = &now
	case workflow.StateDeliveredToMAM:
		f.DeliveredAt = &now
	case workflow.StateArchived:
		f.ArchivedAt = &now
	case workflow.StateRejected:
		f.RejectedAt = &now
	}
	if t.AssignedTo != nil {
		f.AssignedTo = t.AssignedTo
	}
	if t.ErrorMessage != nil {
		f.ErrorMessage = t.ErrorMessage
	}
	if t.Audit != nil {
		t.Audit.FileID = &f.ID
		r.appendAudit(t.Audit)
	}
	return cloneFile(f), nil
}

// DeleteUnlocked removes a file that is not locked, along with its ledger
// entry.
func (r *Repository) DeleteUnlocked(ctx context.Context, id string, audit *database.AuditEntry) (*database.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	if f.Locked {
		return nil, database.ErrFileLocked
	}
	delete(r.files, id)

	kept := r.audit[:0]
	for _, a := range r.audit {
		if a.FileID == nil || *a.FileID != id {
			kept = append(kept, a)
		}
	}
	r.audit = kept

	jobs := r.jobs[:0]
	for _, j := range r.jobs {
		if j.FileID != id {
			jobs = append(jobs, j)
		}
	}
	r.jobs = jobs

	for tid, t := range r.tasks {
		if t.FileID == id {
			delete(r.tasks, tid)
		}
	}

	if audit != nil {
		audit.FileID = nil
		r.appendAudit(audit)
	}
	return f, nil
}

// ClearStoragePath forgets where a file's bytes were stored.
func (r *Repository) ClearStoragePath(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return database.ErrFileNotFound
	}
	f.StoragePath = nil
	return nil
}

// CountByState tallies files per workflow state.
func (r *Repository) CountByState(ctx context.Context) (map[workflow.State]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[workflow.State]int64)
	for _, f := range r.files {
		counts[f.State]++
	}
	return counts, nil
}

// FileAudit returns the audit rows of one file, oldest first.
func (r *Repository) FileAudit(ctx context.Context, fileID string) ([]*database.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.AuditEntry, 0)
	for _, a := range r.audit {
		if a.FileID != nil && *a.FileID == fileID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// RecentAudit returns up to limit audit rows, newest first.
func (r *Repository) RecentAudit(ctx context.Context, limit int) ([]*database.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.AuditEntry, 0, limit)
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.audit[i]
		out = append(out, &c)
	}
	return out, nil
}

// ListTransferJobs returns up to limit transfer jobs, newest first.
func (r *Repository) ListTransferJobs(ctx context.Context, limit int) ([]*database.TransferJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.TransferJob, 0)
	for i := len(r.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.jobs[i]
		out = append(out, &c)
	}
	return out, nil
}

// HashSeen reports whether the ledger or any file carries hash.
func (r *Repository) HashSeen(ctx context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ledger[hash]; ok {
		return true, nil
	}
	for _, f := range r.files {
		if f.SHA256Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

// GetLedgerEntry returns the ledger entry for hash.
func (r *Repository) GetLedgerEntry(ctx context.Context, hash string) (*database.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ledger[hash]
	if !ok {
		return nil, database.ErrLedgerNotFound
	}
	c := *e
	return &c, nil
}

// RecordLedger inserts e unless the hash is already present, and returns
// the stored entry.
func (r *Repository) RecordLedger(ctx context.Context, e *database.LedgerEntry) (*database.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ledger[e.SHA256Hash]; !ok {
		stored := *e
		stored.FirstSeenAt = time.Now().UTC()
		r.ledger[e.SHA256Hash] = &stored
	}
	c := *r.ledger[e.SHA256Hash]
	return &c, nil
}

// DeleteLedgerEntry drops the ledger entry for hash.
func (r *Repository) DeleteLedgerEntry(ctx context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ledger[hash]; !ok {
		return database.ErrLedgerNotFound
	}
	delete(r.ledger, hash)
	return nil
}

// AppendAudit stores an audit row.
func (r *Repository) AppendAudit(ctx context.Context, a *database.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendAudit(a)
	return nil
}

func (r *Repository) appendAudit(a *database.AuditEntry) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	c := *a
	r.audit = append(r.audit, &c)
}

// ListSites returns all sites ordered by name.
func (r *Repository) ListSites(ctx context.Context) ([]*database.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.Site, 0, len(r.sites))
	for _, s := range r.sites {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

func (r *Repository) findSite(key string) *database.Site {
	if s, ok := r.sites[key]; ok {
		return s
	}
	for _, s := range r.sites {
		if strings.EqualFold(s.Name, key) {
			return s
		}
	}
	return nil
}

// FindSite looks a site up by id or by case-insensitive name.
func (r *Repository) FindSite(ctx context.Context, key string) (*database.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findSite(key)
	if s == nil {
		return nil, database.ErrSiteNotFound
	}
	c := *s
	return &c, nil
}

// CreateSite stores a site. The name is unique ignoring case.
func (r *Repository) CreateSite(ctx context.Context, s *database.Site) (*database.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sites {
		if strings.EqualFold(existing.Name, s.Name) {
			return nil, database.ErrConflict
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()
	c := *s
	r.sites[s.ID] = &c
	out := c
	return &out, nil
}

// UpdateSite overwrites the name, export path and active flag of the site
// with s.ID.
func (r *Repository) UpdateSite(ctx context.Context, s *database.Site) (*database.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sites[s.ID]
	if !ok {
		return nil, database.ErrSiteNotFound
	}
	for _, other := range r.sites {
		if other.ID != s.ID && strings.EqualFold(other.Name, s.Name) {
			return nil, database.ErrConflict
		}
	}
	stored.Name, stored.ExportPath, stored.IsActive = s.Name, s.ExportPath, s.IsActive
	c := *stored
	return &c, nil
}

// RecordHeartbeat stamps the site identified by key, registering it when
// autoCreate is set and the key is unknown.
func (r *Repository) RecordHeartbeat(ctx context.Context, key string, hb database.Heartbeat, autoCreate bool) (*database.Site, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	s := r.findSite(key)
	created := false
	if s == nil {
		if !autoCreate {
			return nil, false, database.ErrSiteNotFound
		}
		s = &database.Site{ID: uuid.NewString(), Name: key, IsActive: true, CreatedAt: now}
		r.sites[s.ID] = s
		created = true
	}
	s.LastHeartbeat = &now
	if hb.DiskFreeGB != nil {
		s.DiskFreeGB = hb.DiskFreeGB
	}
	if hb.AgentVersion != nil {
		s.AgentVersion = hb.AgentVersion
	}
	c := *s
	return &c, created, nil
}

// CountUsers returns the number of operators.
func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.users)), nil
}

// CreateUser stores an operator.
func (r *Repository) CreateUser(ctx context.Context, u *database.User) (*database.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == u.Username {
			return nil, database.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	c := *u
	r.users[u.ID] = &c
	r.userOrder = append(r.userOrder, u.ID)
	out := c
	return &out, nil
}

// GetUser returns the operator with id.
func (r *Repository) GetUser(ctx context.Context, id string) (*database.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// GetUserByUsername looks an operator up by login name.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*database.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, database.ErrUserNotFound
}

// ListUsers returns operators in creation order.
func (r *Repository) ListUsers(ctx context.Context) ([]*database.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*database.User, 0, len(r.userOrder))
	for _, id := range r.userOrder {
		c := *r.users[id]
		out = append(out, &c)
	}
	return out, nil
}

// CreateSession stores a login session.
func (r *Repository) CreateSession(ctx context.Context, s *database.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *s
	c.CreatedAt = time.Now().UTC()
	r.sessions[s.Token] = &c
	return nil
}

// GetSession returns an unexpired session and its operator.
func (r *Repository) GetSession(ctx context.Context, token string) (*database.Session, *database.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil, database.ErrSessionNotFound
	}
	u := *r.users[s.UserID]
	c := *s
	return &c, &u, nil
}

// DeleteSession ends a session.
func (r *Repository) DeleteSession(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
	return nil
}

// DeleteExpiredSessions removes expired sessions and reports how many.
func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for token, s := range r.sessions {
		if !s.ExpiresAt.After(time.Now()) {
			delete(r.sessions, token)
			n++
		}
	}
	return n, nil
}

// CreateTask stores a task. An open task of the same kind for the same
// file is ErrConflict.
func (r *Repository) CreateTask(ctx context.Context, t *database.Task) (*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tasks {
		if existing.FileID == t.FileID && existing.Kind == t.Kind && existing.CompletedAt == nil {
			return nil, database.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c := *t
	c.CreatedAt, c.UpdatedAt = now, now
	c.SiteName = r.sites[t.SiteID].Name
	c.Status = c.Flags().Status()
	r.tasks[c.ID] = &c
	r.taskOrder = append(r.taskOrder, c.ID)
	out := c
	return &out, nil
}

// GetTask returns the task with id.
func (r *Repository) GetTask(ctx context.Context, id string) (*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, database.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (r *Repository) selectTasks(keep func(*database.Task) bool) []*database.Task {
	out := make([]*database.Task, 0)
	for _, id := range r.taskOrder {
		t, ok := r.tasks[id]
		if ok && keep(t) {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

// ListTasks returns tasks in creation order, narrowed by filter.
func (r *Repository) ListTasks(ctx context.Context, filter database.TaskFilter) ([]*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectTasks(func(t *database.Task) bool {
		return (filter.Kind == nil || t.Kind == *filter.Kind) &&
			(filter.Status == nil || t.Status == *filter.Status) &&
			(filter.SiteID == nil || t.SiteID == *filter.SiteID) &&
			(filter.FileID == nil || t.FileID == *filter.FileID)
	}), nil
}

// PendingCenterTasks returns tasks the center has not confirmed.
func (r *Repository) PendingCenterTasks(ctx context.Context) ([]*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectTasks(func(t *database.Task) bool { return !t.CenterDone }), nil
}

// PendingSiteTasks returns the tasks a site may act on now.
func (r *Repository) PendingSiteTasks(ctx context.Context, siteID string) ([]*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectTasks(func(t *database.Task) bool {
		return t.SiteID == siteID && !t.SiteDone && (t.Kind == reconcile.KindCleanup || t.CenterDone)
	}), nil
}

// ConfirmTask records one side's confirmation, or its error when errMsg is
// set.
func (r *Repository) ConfirmTask(ctx context.Context, id string, side reconcile.Side, errMsg *string) (*database.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, database.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.UpdatedAt = now
	if errMsg != nil {
		t.ErrorMessage = errMsg
	} else {
		flags := t.Flags().Confirm(side)
		t.CenterDone, t.SiteDone = flags.CenterDone, flags.SiteDone
		t.ErrorMessage = nil
		if flags.Status() == reconcile.StatusCompleted && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	}
	t.Status = t.Flags().Status()
	c := *t
	return &c, nil
}

// FileCount returns the number of file records.
func (r *Repository) FileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// LedgerCount returns the number of ledger entries.
func (r *Repository) LedgerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ledger)
}
