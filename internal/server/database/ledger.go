package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// HashSeen reports whether hash is in the content ledger or carried by any
// file record. Files ingested before the ledger existed count as seen.
func (r *Repository) HashSeen(ctx context.Context, hash string) (bool, error) {
	var seen bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM file_history WHERE sha256_hash = $1)
			OR EXISTS(SELECT 1 FROM files WHERE sha256_hash = $1)
	`, hash).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check hash: %w", err)
	}
	return seen, nil
}

// GetLedgerEntry retrieves the ledger entry for hash.
func (r *Repository) GetLedgerEntry(ctx context.Context, hash string) (*LedgerEntry, error) {
	e, err := getLedgerEntry(ctx, r.db.Pool, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLedgerNotFound
	}
	return e, err
}

// RecordLedger stores e unless its hash is already present, and returns the
// stored entry either way.
func (r *Repository) RecordLedger(ctx context.Context, e *LedgerEntry) (*LedgerEntry, error) {
	return recordLedger(ctx, r.db.Pool, e)
}

// DeleteLedgerEntry removes a hash from the ledger.
func (r *Repository) DeleteLedgerEntry(ctx context.Context, hash string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM file_history WHERE sha256_hash = $1", hash)
	if err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func recordLedger(ctx context.Context, q querier, e *LedgerEntry) (*LedgerEntry, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO file_history (sha256_hash, filename, source_site, file_size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sha256_hash) DO NOTHING
	`, e.SHA256Hash, e.Filename, e.SourceSite, e.FileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to record ledger entry: %w", err)
	}

	stored, err := getLedgerEntry(ctx, q, e.SHA256Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return stored, nil
}

func getLedgerEntry(ctx context.Context, q querier, hash string) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	err := q.QueryRow(ctx, `
		SELECT sha256_hash, filename, source_site, file_size, first_seen_at
		FROM file_history WHERE sha256_hash = $1
	`, hash).Scan(&e.SHA256Hash, &e.Filename, &e.SourceSite, &e.FileSize, &e.FirstSeenAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
