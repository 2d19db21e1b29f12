package database

import (
	"time"

	"ferry/internal/server/reconcile"
	"ferry/internal/server/workflow"
)

// FileRecord is a tracked media file and its lifecycle state.
type FileRecord struct {
	ID                  string         `json:"id"`
	Filename            string         `json:"filename"`
	SourceSite          string         `json:"source_site"`
	SourcePath          string         `json:"source_path"`
	FileSize            int64          `json:"file_size"`
	SHA256Hash          string         `json:"sha256_hash"`
	State               workflow.State `json:"state"`
	Locked              bool           `json:"locked"`
	AssignedTo          *string        `json:"assigned_to,omitempty"`
	TransferProgress    int            `json:"transfer_progress"`
	ErrorMessage        *string        `json:"error_message,omitempty"`
	StoragePath         *string        `json:"storage_path,omitempty"`
	DetectedAt          time.Time      `json:"detected_at"`
	ValidatedAt         *time.Time     `json:"validated_at,omitempty"`
	TransferStartedAt   *time.Time     `json:"transfer_started_at,omitempty"`
	TransferCompletedAt *time.Time     `json:"transfer_completed_at,omitempty"`
	AssignedAt          *time.Time     `json:"assigned_at,omitempty"`
	WorkStartedAt       *time.Time     `json:"work_started_at,omitempty"`
	DeliveredAt         *time.Time     `json:"delivered_at,omitempty"`
	ArchivedAt          *time.Time     `json:"archived_at,omitempty"`
	RejectedAt          *time.Time     `json:"rejected_at,omitempty"`
}

// LedgerEntry is the permanent record of a content hash.
type LedgerEntry struct {
	SHA256Hash  string    `json:"sha256_hash"`
	Filename    string    `json:"filename"`
	SourceSite  string    `json:"source_site"`
	FileSize    int64     `json:"file_size"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// AuditEntry records one state transition. FileID is nil for entries that
// outlive their file (the delete record itself).
type AuditEntry struct {
	ID            string          `json:"id"`
	FileID        *string         `json:"file_id,omitempty"`
	Action        string          `json:"action"`
	PreviousState *workflow.State `json:"previous_state,omitempty"`
	NewState      *workflow.State `json:"new_state,omitempty"`
	PerformedBy   *string         `json:"performed_by,omitempty"`
	IPAddress     *string         `json:"ip_address,omitempty"`
	Details       *string         `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Site is a physical location running one agent.
type Site struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ExportPath    string     `json:"export_path"`
	IsActive      bool       `json:"is_active"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	DiskFreeGB    *float64   `json:"disk_free_gb,omitempty"`
	AgentVersion  *string    `json:"agent_version,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// User is an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Email        *string   `json:"email,omitempty"`
	PasswordHash *string   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is an opaque, time-limited operator token.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Task is a cleanup or retransfer reconciliation task.
type Task struct {
	ID           string           `json:"id"`
	Kind         reconcile.Kind   `json:"kind"`
	FileID       string           `json:"file_id"`
	SiteID       string           `json:"site_id"`
	SiteName     string           `json:"site_name"`
	FilePath     string           `json:"file_path"`
	CenterDone   bool             `json:"center_done"`
	SiteDone     bool             `json:"site_done"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	RequestedBy  *string          `json:"requested_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Status       reconcile.Status `json:"status"`
}

// Flags returns the pair of confirmations.
func (t *Task) Flags() reconcile.Flags {
	return reconcile.Flags{CenterDone: t.CenterDone, SiteDone: t.SiteDone}
}

// TransferJob tracks one queued -> transferred movement of a file.
type TransferJob struct {
	ID               string     `json:"id"`
	FileID           string     `json:"file_id"`
	Status           string     `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Transfer job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// FileFilter narrows ListFiles.
type FileFilter struct {
	State *workflow.State
	Site  *string
	Limit int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Kind   *reconcile.Kind
	Status *reconcile.Status
	SiteID *string
	FileID *string
}
