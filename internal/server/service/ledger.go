package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"ferry/internal/server/database"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizeHash lowercases a hex SHA-256 digest and validates its shape.
func NormalizeHash(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if !hashPattern.MatchString(h) {
		return "", fmt.Errorf("%w: hash must be 64 hex characters", ErrInvalidInput)
	}
	return h, nil
}

// LedgerService is the permanent record of every content hash ingested.
type LedgerService struct {
	repo LedgerRepository
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(repo LedgerRepository) *LedgerService {
	return &LedgerService{repo: repo}
}

// Seen reports whether hash has been ingested before, through the ledger
// or any file record.
func (s *LedgerService) Seen(ctx context.Context, hash string) (bool, error) {
	return s.repo.HashSeen(ctx, hash)
}

// Record stores hash if new. Recording an existing hash returns the
// existing entry unchanged.
func (s *LedgerService) Record(ctx context.Context, hash, filename, site string, size int64) (*database.LedgerEntry, error) {
	return s.repo.RecordLedger(ctx, &database.LedgerEntry{
		SHA256Hash: hash,
		Filename:   filename,
		SourceSite: site,
		FileSize:   size,
	})
}

// Lookup returns the ledger entry for hash.
func (s *LedgerService) Lookup(ctx context.Context, hash string) (*database.LedgerEntry, error) {
	e, err := s.repo.GetLedgerEntry(ctx, hash)
	if err != nil {
		if errors.Is(err, database.ErrLedgerNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Forget removes hash from the ledger so the same bytes may be ingested
// again. The override is written to the audit trail.
func (s *LedgerService) Forget(ctx context.Context, hash string, actor Actor) error {
	if err := s.repo.DeleteLedgerEntry(ctx, hash); err != nil {
		if errors.Is(err, database.ErrLedgerNotFound) {
			return ErrNotFound
		}
		return err
	}

	details := "Ledger entry removed for " + hash
	if err := s.repo.AppendAudit(ctx, &database.AuditEntry{
		Action:      "Ledger override",
		PerformedBy: actor.performedBy(),
		IPAddress:   actor.ipAddress(),
		Details:     &details,
	}); err != nil {
		slog.Error("failed to audit ledger override", "hash", hash, "error", err)
	}

	slog.Warn("ledger entry removed", "hash", hash, "actor", actor.Name)
	return nil
}
