package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrStateConflict   = errors.New("file state changed concurrently")
	ErrFileLocked      = errors.New("file is locked")
	ErrLedgerNotFound  = errors.New("ledger entry not found")
	ErrSiteNotFound    = errors.New("site not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrConflict        = errors.New("record already exists")
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides persistence for files, the content ledger, the audit
// trail, sites, operators and reconciliation tasks.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

