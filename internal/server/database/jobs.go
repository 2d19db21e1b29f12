package database

import (
	"context"
	"fmt"
)

// ListTransferJobs returns the most recent transfer jobs.
func (r *Repository) ListTransferJobs(ctx context.Context, limit int) ([]*TransferJob, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, file_id, status, bytes_transferred, error_message, started_at, completed_at
		FROM transfer_jobs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*TransferJob, 0)
	for rows.Next() {
		j := &TransferJob{}
		if err := rows.Scan(
			&j.ID,
			&j.FileID,
			&j.Status,
			&j.BytesTransferred,
			&j.ErrorMessage,
			&j.StartedAt,
			&j.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
