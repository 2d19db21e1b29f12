package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const partSuffix = ".part"

var ErrOutsideStore = errors.New("path is outside the staging directory")

// Store defines the interface for staging storage backends.
type Store interface {
	Create(site, filename string) (*StagedFile, error)
	Delete(path string) error
	SweepPartials(olderThan time.Duration) (int, error)
	EnsureDir() error
}

// FileSystemStore stages received files under <base>/<site>/<filename>.
type FileSystemStore struct {
	basePath string
	mu       sync.Mutex // serializes final-name selection in Commit
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Create opens a partial file for an incoming upload. Bytes written to it
// are hashed and counted; nothing is visible under the final name until
// Commit.
func (fs *FileSystemStore) Create(site, filename string) (*StagedFile, error) {
	dir := filepath.Join(fs.basePath, siteDir(site))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create site directory %s: %w", dir, err)
	}

	partPath := filepath.Join(dir, "."+filename+"."+uuid.NewString()+partSuffix)
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", partPath, err)
	}

	return &StagedFile{
		store:    fs,
		file:     f,
		partPath: partPath,
		dir:      dir,
		filename: filename,
		hasher:   sha256.New(),
	}, nil
}

// Delete removes a committed file. Missing files are not an error.
func (fs *FileSystemStore) Delete(path string) error {
	if !fs.contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// SweepPartials removes partial files left behind by uploads that never
// finished, for example after a crash. Only files untouched for olderThan
// are removed so live uploads are left alone.
func (fs *FileSystemStore) SweepPartials(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(fs.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), partSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep partial files: %w", err)
	}
	return removed, nil
}

func (fs *FileSystemStore) contains(path string) bool {
	base, err := filepath.Abs(fs.basePath)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, abs)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// siteDir is the directory name for a site. Site names come from the site
// registry but are still stripped of separators.
func siteDir(site string) string {
	name := strings.ToLower(strings.TrimSpace(site))
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if name == "" {
		name = "unknown"
	}
	return name
}

// StagedFile is an upload being written. Exactly one of Commit or Abort
// must be called.
type StagedFile struct {
	store    *FileSystemStore
	file     *os.File
	partPath string
	dir      string
	filename string
	hasher   hash.Hash
	written  int64
	closed   bool
}

// Write appends p to the partial file and folds it into the running hash.
func (s *StagedFile) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.hasher.Write(p[:n])
	s.written += int64(n)
	return n, err
}

// Written returns the number of bytes received so far.
func (s *StagedFile) Written() int64 {
	return s.written
}

// Sum returns the lowercase hex SHA-256 of everything written.
func (s *StagedFile) Sum() string {
	return hex.EncodeToString(s.hasher.Sum(nil))
}

// Commit syncs the partial file and renames it into place, returning the
// final path. An existing file with the same name is never overwritten: a
// numeric suffix is added instead.
func (s *StagedFile) Commit() (string, error) {
	if err := s.close(); err != nil {
		os.Remove(s.partPath)
		return "", err
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	final := filepath.Join(s.dir, s.filename)
	ext := filepath.Ext(s.filename)
	stem := strings.TrimSuffix(s.filename, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(final); os.IsNotExist(err) {
			break
		}
		final = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}

	if err := os.Rename(s.partPath, final); err != nil {
		os.Remove(s.partPath)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return final, nil
}

// Abort discards the partial file.
func (s *StagedFile) Abort() error {
	s.close()
	if err := os.Remove(s.partPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial file %s: %w", s.partPath, err)
	}
	return nil
}

func (s *StagedFile) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
