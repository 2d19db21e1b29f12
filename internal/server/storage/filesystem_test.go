package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileSystemStore_Commit(t *testing.T) {
	t.Run("writes hashes and renames into the site directory", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		staged, err := store.Create("Tustin", "clip.mov")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		content := []byte("test content")
		if _, err := staged.Write(content); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if staged.Written() != 12 {
			t.Errorf("expected 12 bytes written, got %d", staged.Written())
		}
		sum := sha256.Sum256(content)
		if staged.Sum() != hex.EncodeToString(sum[:]) {
			t.Errorf("unexpected hash %s", staged.Sum())
		}

		path, err := staged.Commit()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path != filepath.Join(dir, "tustin", "clip.mov") {
			t.Errorf("unexpected path %s", path)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(got) != "test content" {
			t.Errorf("expected 'test content', got %q", got)
		}
		assertNoPartials(t, dir)
	})

	t.Run("never overwrites an existing name", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		var paths []string
		for _, body := range []string{"first", "second"} {
			staged, err := store.Create("tustin", "clip.mov")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			staged.Write([]byte(body))
			path, err := staged.Commit()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			paths = append(paths, path)
		}

		if filepath.Base(paths[1]) != "clip_1.mov" {
			t.Errorf("expected clip_1.mov, got %s", filepath.Base(paths[1]))
		}
		first, _ := os.ReadFile(paths[0])
		if string(first) != "first" {
			t.Errorf("first file was overwritten: %q", first)
		}
	})
}

func TestFileSystemStore_Abort(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemStore(dir)

	staged, err := store.Create("tustin", "clip.mov")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	staged.Write([]byte(strings.Repeat("x", 1024)))

	if err := staged.Abort(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertNoPartials(t, dir)
	if _, err := os.Stat(filepath.Join(dir, "tustin", "clip.mov")); !os.IsNotExist(err) {
		t.Error("aborted upload must not leave a final file")
	}
}

func TestFileSystemStore_Delete(t *testing.T) {
	t.Run("deletes existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		staged, _ := store.Create("tustin", "clip.mov")
		staged.Write([]byte("data"))
		path, _ := staged.Commit()

		if err := store.Delete(path); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("file should have been deleted")
		}
	})

	t.Run("no error for nonexistent file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if err := store.Delete(filepath.Join(dir, "tustin", "missing.mov")); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
	})

	t.Run("refuses paths outside the store", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(filepath.Join(dir, "staging"))

		outside := filepath.Join(dir, "precious.mov")
		os.WriteFile(outside, []byte("keep"), 0644)

		err := store.Delete(outside)
		if !errors.Is(err, ErrOutsideStore) {
			t.Fatalf("expected ErrOutsideStore, got %v", err)
		}
		if _, err := os.Stat(outside); err != nil {
			t.Error("file outside the store must survive")
		}
	})
}

func TestFileSystemStore_SweepPartials(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemStore(dir)

	stale, _ := store.Create("tustin", "stale.mov")
	stale.Write([]byte("old"))
	stale.close()
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale.partPath, old, old)

	live, _ := store.Create("tustin", "live.mov")
	defer live.Abort()
	live.Write([]byte("new"))

	removed, err := store.SweepPartials(time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 partial removed, got %d", removed)
	}
	if _, err := os.Stat(stale.partPath); !os.IsNotExist(err) {
		t.Error("stale partial should be gone")
	}
	if _, err := os.Stat(live.partPath); err != nil {
		t.Error("live partial must be kept")
	}
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	store := NewFileSystemStore(dir)

	if err := store.EnsureDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory should exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(path, partSuffix) {
			t.Errorf("partial file left behind: %s", path)
		}
		return nil
	})
}
