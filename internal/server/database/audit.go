package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const auditColumns = `id, file_id, action, previous_state, new_state, performed_by, ip_address, details, created_at`

func insertAudit(ctx context.Context, q querier, a *AuditEntry) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.FileID,
		a.Action,
		a.PreviousState,
		a.NewState,
		a.PerformedBy,
		a.IPAddress,
		a.Details,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// AppendAudit writes an audit entry that is not part of a state change.
func (r *Repository) AppendAudit(ctx context.Context, a *AuditEntry) error {
	return insertAudit(ctx, r.db.Pool, a)
}

// FileAudit returns a file's audit trail, oldest first.
func (r *Repository) FileAudit(ctx context.Context, fileID string) ([]*AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+auditColumns+" FROM audit_logs WHERE file_id = $1 ORDER BY created_at ASC", fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	return collectAudit(rows)
}

// RecentAudit returns the newest audit entries across all files.
func (r *Repository) RecentAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+auditColumns+" FROM audit_logs ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	return collectAudit(rows)
}

func collectAudit(rows pgx.Rows) ([]*AuditEntry, error) {
	defer rows.Close()
	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		a := &AuditEntry{}
		if err := rows.Scan(
			&a.ID,
			&a.FileID,
			&a.Action,
			&a.PreviousState,
			&a.NewState,
			&a.PerformedBy,
			&a.IPAddress,
			&a.Details,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}
