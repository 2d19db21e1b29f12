package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// LocalLedgerEntry records a file this agent has placed on the center.
type LocalLedgerEntry struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	FilePath   string    `gorm:"uniqueIndex;not null" json:"file_path"`
	Filename   string    `gorm:"not null" json:"filename"`
	FileSize   int64     `json:"file_size"`
	SHA256Hash string    `gorm:"index;not null" json:"sha256_hash"`
	RemoteID   string    `json:"remote_id,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// TableName pins the table name.
func (LocalLedgerEntry) TableName() string { return "local_ledger" }

// LocalLedger is the agent's SQLite record of confirmed uploads, keyed by
// absolute file path.
type LocalLedger struct {
	db *gorm.DB
}

// OpenLocalLedger opens or creates the ledger database at path.
func OpenLocalLedger(path string) (*LocalLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// One connection, so the per-connection pragmas below stay in effect.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := db.AutoMigrate(&LocalLedgerEntry{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return &LocalLedger{db: db}, nil
}

// Close releases the database.
func (l *LocalLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the entry for path, or nil if the path was never uploaded.
func (l *LocalLedger) Get(ctx context.Context, path string) (*LocalLedgerEntry, error) {
	var entry LocalLedgerEntry
	err := l.db.WithContext(ctx).Where("file_path = ?", path).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return &entry, nil
}

// Has reports whether path has a recorded upload.
func (l *LocalLedger) Has(ctx context.Context, path string) (bool, error) {
	entry, err := l.Get(ctx, path)
	return entry != nil, err
}

// Record stores an upload, replacing any earlier entry for the same path.
func (l *LocalLedger) Record(ctx context.Context, entry *LocalLedgerEntry) error {
	if entry.UploadedAt.IsZero() {
		entry.UploadedAt = time.Now().UTC()
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"filename", "file_size", "sha256_hash", "remote_id", "uploaded_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// Forget removes the entry for path. It reports whether one existed.
func (l *LocalLedger) Forget(ctx context.Context, path string) (bool, error) {
	res := l.db.WithContext(ctx).Where("file_path = ?", path).Delete(&LocalLedgerEntry{})
	if res.Error != nil {
		return false, fmt.Errorf("forget ledger entry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// List returns every entry, most recent upload first.
func (l *LocalLedger) List(ctx context.Context) ([]LocalLedgerEntry, error) {
	var entries []LocalLedgerEntry
	if err := l.db.WithContext(ctx).Order("uploaded_at DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}
