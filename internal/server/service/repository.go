package service

import (
	"context"

	"ferry/internal/server/database"
	"ferry/internal/server/reconcile"
	"ferry/internal/server/workflow"
)

// FileRepository persists file records, the ledger and the audit trail.
type FileRepository interface {
	CommitIngest(ctx context.Context, in database.Ingest) (*database.LedgerEntry, error)
	GetFile(ctx context.Context, id string) (*database.FileRecord, error)
	ListFiles(ctx context.Context, filter database.FileFilter) ([]*database.FileRecord, error)
	FindBySource(ctx context.Context, site, path string) (*database.FileRecord, error)
	FindByHash(ctx context.Context, hash string) (*database.FileRecord, error)
	ApplyTransition(ctx context.Context, t *database.Transition) (*database.FileRecord, error)
	DeleteUnlocked(ctx context.Context, id string, audit *database.AuditEntry) (*database.FileRecord, error)
	ClearStoragePath(ctx context.Context, id string) error
	CountByState(ctx context.Context) (map[workflow.State]int64, error)
	FileAudit(ctx context.Context, fileID string) ([]*database.AuditEntry, error)
	RecentAudit(ctx context.Context, limit int) ([]*database.AuditEntry, error)
	ListTransferJobs(ctx context.Context, limit int) ([]*database.TransferJob, error)
}

// LedgerRepository is the content ledger.
type LedgerRepository interface {
	HashSeen(ctx context.Context, hash string) (bool, error)
	GetLedgerEntry(ctx context.Context, hash string) (*database.LedgerEntry, error)
	RecordLedger(ctx context.Context, e *database.LedgerEntry) (*database.LedgerEntry, error)
	DeleteLedgerEntry(ctx context.Context, hash string) error
	AppendAudit(ctx context.Context, a *database.AuditEntry) error
}

// SiteRepository persists sites.
type SiteRepository interface {
	ListSites(ctx context.Context) ([]*database.Site, error)
	FindSite(ctx context.Context, key string) (*database.Site, error)
	CreateSite(ctx context.Context, s *database.Site) (*database.Site, error)
	UpdateSite(ctx context.Context, s *database.Site) (*database.Site, error)
	RecordHeartbeat(ctx context.Context, key string, hb database.Heartbeat, autoCreate bool) (*database.Site, bool, error)
}

// UserRepository persists operators and their sessions.
type UserRepository interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u *database.User) (*database.User, error)
	GetUser(ctx context.Context, id string) (*database.User, error)
	GetUserByUsername(ctx context.Context, username string) (*database.User, error)
	ListUsers(ctx context.Context) ([]*database.User, error)
	CreateSession(ctx context.Context, s *database.Session) error
	GetSession(ctx context.Context, token string) (*database.Session, *database.User, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// TaskRepository persists reconciliation tasks.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *database.Task) (*database.Task, error)
	GetTask(ctx context.Context, id string) (*database.Task, error)
	ListTasks(ctx context.Context, filter database.TaskFilter) ([]*database.Task, error)
	PendingCenterTasks(ctx context.Context) ([]*database.Task, error)
	PendingSiteTasks(ctx context.Context, siteID string) ([]*database.Task, error)
	ConfirmTask(ctx context.Context, id string, side reconcile.Side, errMsg *string) (*database.Task, error)
}

// Repository is everything the services need from persistence.
type Repository interface {
	FileRepository
	LedgerRepository
	SiteRepository
	UserRepository
	TaskRepository
}

var _ Repository = (*database.Repository)(nil)

// Actor identifies who performed an action, for the audit trail.
type Actor struct {
	Name string
	IP   string
}

func (a Actor) performedBy() *string {
	if a.Name == "" {
		return nil
	}
	return &a.Name
}

func (a Actor) ipAddress() *string {
	if a.IP == "" {
		return nil
	}
	return &a.IP
}

// System is the actor recorded for automated actions.
var System = Actor{Name: "system"}
