package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ferry/internal/server/workflow"
)

const fileColumns = `id, filename, source_site, source_path, file_size, sha256_hash, state, locked,
	assigned_to, transfer_progress, error_message, storage_path, detected_at, validated_at,
	transfer_started_at, transfer_completed_at, assigned_at, work_started_at, delivered_at,
	archived_at, rejected_at`

// stampColumns maps a target state to the timestamp column it sets.
var stampColumns = map[workflow.State]string{
	workflow.StateValidated:        "validated_at",
	workflow.StateTransferring:     "transfer_started_at",
	workflow.StateTransferred:      "transfer_completed_at",
	workflow.StateColoristAssigned: "assigned_at",
	workflow.StateInProgress:       "work_started_at",
	workflow.StateDeliveredToMAM:   "delivered_at",
	workflow.StateArchived:         "archived_at",
	workflow.StateRejected:         "rejected_at",
}

func scanFile(row pgx.Row) (*FileRecord, error) {
	f := &FileRecord{}
	err := row.Scan(
		&f.ID,
		&f.Filename,
		&f.SourceSite,
		&f.SourcePath,
		&f.FileSize,
		&f.SHA256Hash,
		&f.State,
		&f.Locked,
		&f.AssignedTo,
		&f.TransferProgress,
		&f.ErrorMessage,
		&f.StoragePath,
		&f.DetectedAt,
		&f.ValidatedAt,
		&f.TransferStartedAt,
		&f.TransferCompletedAt,
		&f.AssignedAt,
		&f.WorkStartedAt,
		&f.DeliveredAt,
		&f.ArchivedAt,
		&f.RejectedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func collectFiles(rows pgx.Rows) ([]*FileRecord, error) {
	defer rows.Close()
	files := make([]*FileRecord, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Ingest is everything written when a new file is accepted.
type Ingest struct {
	File  *FileRecord
	Audit *AuditEntry
}

// CommitIngest inserts the FileRecord, records its hash in the content
// ledger (keeping any existing entry) and appends the creation audit entry,
// all in one transaction. It returns the ledger entry as stored.
func (r *Repository) CommitIngest(ctx context.Context, in Ingest) (*LedgerEntry, error) {
	f := in.File
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.State == "" {
		f.State = workflow.StateDetected
	}

	var entry *LedgerEntry
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		created, err := scanFile(tx.QueryRow(ctx, `
			INSERT INTO files (id, filename, source_site, source_path, file_size, sha256_hash,
				state, locked, storage_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
			RETURNING `+fileColumns,
			f.ID, f.Filename, f.SourceSite, f.SourcePath, f.FileSize, f.SHA256Hash,
			string(f.State), f.StoragePath,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create file: %w", err)
		}
		*f = *created

		entry, err = recordLedger(ctx, tx, &LedgerEntry{
			SHA256Hash: f.SHA256Hash,
			Filename:   f.Filename,
			SourceSite: f.SourceSite,
			FileSize:   f.FileSize,
		})
		if err != nil {
			return err
		}

		if in.Audit != nil {
			in.Audit.FileID = &f.ID
			if err := insertAudit(ctx, tx, in.Audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetFile retrieves a file by its ID.
func (r *Repository) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFiles returns files newest first, optionally narrowed by state and site.
func (r *Repository) ListFiles(ctx context.Context, filter FileFilter) ([]*FileRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != nil {
		args = append(args, string(*filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Site != nil {
		args = append(args, *filter.Site)
		where = append(where, fmt.Sprintf("lower(source_site) = lower($%d)", len(args)))
	}

	query := "SELECT " + fileColumns + " FROM files"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return collectFiles(rows)
}

// FindBySource returns the live (non-rejected) file claiming an origin, or
// nil when the origin is free.
func (r *Repository) FindBySource(ctx context.Context, site, path string) (*FileRecord, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE lower(source_site) = lower($1) AND source_path = $2 AND state <> 'rejected'
		ORDER BY detected_at DESC
		LIMIT 1
	`, site, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query by source: %w", err)
	}
	return f, nil
}

// FindByHash returns the oldest file carrying hash, or nil.
func (r *Repository) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE sha256_hash = $1
		ORDER BY detected_at ASC
		LIMIT 1
	`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query by hash: %w", err)
	}
	return f, nil
}

// Transition is one validated state change to persist.
type Transition struct {
	FileID       string
	From         workflow.State
	To           workflow.State
	AssignedTo   *string
	ErrorMessage *string
	Audit        *AuditEntry
}

// ApplyTransition moves a file from t.From to t.To only if it is still in
// t.From, appending the audit entry and transfer-job bookkeeping in the same
// transaction. ErrStateConflict means the file moved since it was read.
func (r *Repository) ApplyTransition(ctx context.Context, t *Transition) (*FileRecord, error) {
	sets := []string{"state = $3"}
	args := []any{t.FileID, string(t.From), string(t.To)}
	if col, ok := stampColumns[t.To]; ok {
		sets = append(sets, col+" = NOW()")
	}
	if workflow.Locks(t.To) {
		sets = append(sets, "locked = TRUE")
	}
	if t.To == workflow.StateTransferring {
		sets = append(sets, "transfer_progress = 0")
	}
	if t.To == workflow.StateTransferred {
		sets = append(sets, "transfer_progress = 100")
	}
	if t.AssignedTo != nil {
		args = append(args, *t.AssignedTo)
		sets = append(sets, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if t.ErrorMessage != nil {
		args = append(args, *t.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	query := "UPDATE files SET " + strings.Join(sets, ", ") +
		" WHERE id = $1 AND state = $2 RETURNING " + fileColumns

	var updated *FileRecord
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		f, err := scanFile(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				if err := tx.QueryRow(ctx,
					"SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)", t.FileID).Scan(&exists); err != nil {
					return fmt.Errorf("failed to check file: %w", err)
				}
				if !exists {
					return ErrFileNotFound
				}
				return ErrStateConflict
			}
			return fmt.Errorf("failed to update file state: %w", err)
		}
		updated = f

		if err := trackTransferJob(ctx, tx, t, f); err != nil {
			return err
		}
		if t.Audit != nil {
			t.Audit.FileID = &f.ID
			if err := insertAudit(ctx, tx, t.Audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func trackTransferJob(ctx context.Context, q querier, t *Transition, f *FileRecord) error {
	switch {
	case t.To == workflow.StateTransferring:
		if _, err := q.Exec(ctx, `
			INSERT INTO transfer_jobs (id, file_id, status) VALUES ($1, $2, $3)
		`, uuid.NewString(), f.ID, JobRunning); err != nil {
			return fmt.Errorf("failed to create transfer job: %w", err)
		}
	case t.To == workflow.StateTransferred:
		if _, err := q.Exec(ctx, `
			UPDATE transfer_jobs SET status = $2, bytes_transferred = $3, completed_at = NOW()
			WHERE file_id = $1 AND status = $4
		`, f.ID, JobCompleted, f.FileSize, JobRunning); err != nil {
			return fmt.Errorf("failed to complete transfer job: %w", err)
		}
	case t.To == workflow.StateRejected && t.From == workflow.StateTransferring:
		if _, err := q.Exec(ctx, `
			UPDATE transfer_jobs SET status = $2, error_message = $3, completed_at = NOW()
			WHERE file_id = $1 AND status = $4
		`, f.ID, JobFailed, t.ErrorMessage, JobRunning); err != nil {
			return fmt.Errorf("failed to fail transfer job: %w", err)
		}
	}
	return nil
}

// DeleteUnlocked removes a file that has never been validated. Its audit
// entries, transfer jobs and reconciliation tasks are removed by cascade;
// audit, when given, is written afterwards without a file reference.
func (r *Repository) DeleteUnlocked(ctx context.Context, id string, audit *AuditEntry) (*FileRecord, error) {
	var deleted *FileRecord
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		f, err := scanFile(tx.QueryRow(ctx,
			"DELETE FROM files WHERE id = $1 AND locked = FALSE RETURNING "+fileColumns, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var locked bool
				err := tx.QueryRow(ctx, "SELECT locked FROM files WHERE id = $1", id).Scan(&locked)
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrFileNotFound
				}
				if err != nil {
					return fmt.Errorf("failed to check file: %w", err)
				}
				return ErrFileLocked
			}
			return fmt.Errorf("failed to delete file: %w", err)
		}
		deleted = f

		if audit != nil {
			audit.FileID = nil
			if err := insertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ClearStoragePath forgets where a file's staged bytes live.
func (r *Repository) ClearStoragePath(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "UPDATE files SET storage_path = NULL WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to clear storage path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// CountByState returns the number of files in each state. States with no
// files are absent.
func (r *Repository) CountByState(ctx context.Context) (map[workflow.State]int64, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT state, COUNT(*) FROM files GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	defer rows.Close()

	counts := make(map[workflow.State]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[workflow.State(state)] = n
	}
	return counts, rows.Err()
}
