package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ferry/internal/server/reconcile"
)

const taskSelect = `
	SELECT t.id, t.kind, t.file_id, t.site_id, s.name, t.file_path, t.center_done, t.site_done,
		t.error_message, t.requested_by, t.created_at, t.updated_at, t.completed_at
	FROM reconciliation_tasks t JOIN sites s ON s.id = t.site_id`

func scanTask(row pgx.Row) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID,
		&t.Kind,
		&t.FileID,
		&t.SiteID,
		&t.SiteName,
		&t.FilePath,
		&t.CenterDone,
		&t.SiteDone,
		&t.ErrorMessage,
		&t.RequestedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = t.Flags().Status()
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a reconciliation task. ErrConflict means an open task
// of the same kind already exists for the file.
func (r *Repository) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO reconciliation_tasks (id, kind, file_id, site_id, file_path, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, string(t.Kind), t.FileID, t.SiteID, t.FilePath, t.RequestedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return getTask(ctx, r.db.Pool, t.ID)
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, r.db.Pool, id)
}

func getTask(ctx context.Context, q querier, id string) (*Task, error) {
	t, err := scanTask(q.QueryRow(ctx, taskSelect+" WHERE t.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (r *Repository) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != nil {
		args = append(args, string(*filter.Kind))
		where = append(where, fmt.Sprintf("t.kind = $%d", len(args)))
	}
	if filter.Status != nil {
		flags := reconcile.FlagsFor(*filter.Status)
		args = append(args, flags.CenterDone, flags.SiteDone)
		where = append(where, fmt.Sprintf("t.center_done = $%d AND t.site_done = $%d", len(args)-1, len(args)))
	}
	if filter.SiteID != nil {
		args = append(args, *filter.SiteID)
		where = append(where, fmt.Sprintf("t.site_id = $%d", len(args)))
	}
	if filter.FileID != nil {
		args = append(args, *filter.FileID)
		where = append(where, fmt.Sprintf("t.file_id = $%d", len(args)))
	}

	query := taskSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.created_at DESC"

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return collectTasks(rows)
}

// PendingCenterTasks returns tasks whose center side is not yet confirmed.
func (r *Repository) PendingCenterTasks(ctx context.Context) ([]*Task, error) {
	rows, err := r.db.Pool.Query(ctx, taskSelect+" WHERE NOT t.center_done ORDER BY t.created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending center tasks: %w", err)
	}
	return collectTasks(rows)
}

// PendingSiteTasks returns the tasks a site still has to act on. Retransfer
// tasks are withheld until the center side is done.
func (r *Repository) PendingSiteTasks(ctx context.Context, siteID string) ([]*Task, error) {
	rows, err := r.db.Pool.Query(ctx, taskSelect+`
		WHERE t.site_id = $1 AND NOT t.site_done
			AND (t.kind = 'cleanup' OR t.center_done)
		ORDER BY t.created_at ASC
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending site tasks: %w", err)
	}
	return collectTasks(rows)
}

// ConfirmTask records one side's outcome. A nil errMsg sets that side's flag
// and clears any previous error; completed_at is stamped by the same
// statement that makes both flags true. A non-nil errMsg leaves the flag
// untouched and records the message.
func (r *Repository) ConfirmTask(ctx context.Context, id string, side reconcile.Side, errMsg *string) (*Task, error) {
	var query string
	args := []any{id}
	switch {
	case errMsg != nil:
		query = "UPDATE reconciliation_tasks SET error_message = $2, updated_at = NOW() WHERE id = $1"
		args = append(args, *errMsg)
	case side == reconcile.SideCenter:
		query = `UPDATE reconciliation_tasks SET center_done = TRUE, error_message = NULL, updated_at = NOW(),
			completed_at = CASE WHEN site_done THEN COALESCE(completed_at, NOW()) ELSE NULL END
			WHERE id = $1`
	case side == reconcile.SideSite:
		query = `UPDATE reconciliation_tasks SET site_done = TRUE, error_message = NULL, updated_at = NOW(),
			completed_at = CASE WHEN center_done THEN COALESCE(completed_at, NOW()) ELSE NULL END
			WHERE id = $1`
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}

	var task *Task
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to confirm task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotFound
		}
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
