package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/database/memory"
	"ferry/internal/server/storage"
)

var _ Repository = (*memory.Repository)(nil)

// harness wires every service over one fake repository and a temporary
// staging directory.
type harness struct {
	repo      *memory.Repository
	dir       string
	store     *storage.FileSystemStore
	tracker   *UploadTracker
	ledger    *LedgerService
	registry  *RegistryService
	ingest    *IngestService
	reconcile *ReconcileService
	sites     *SiteService
	auth      *AuthService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := memory.New()
	dir := filepath.Join(t.TempDir(), "incoming")
	store := storage.NewFileSystemStore(dir)
	if err := store.EnsureDir(); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}
	tracker := NewUploadTracker()
	ledger := NewLedgerService(repo)
	registry := NewRegistryService(repo, store, tracker)
	return &harness{
		repo:      repo,
		dir:       dir,
		store:     store,
		tracker:   tracker,
		ledger:    ledger,
		registry:  registry,
		ingest:    NewIngestService(repo, ledger, store, tracker),
		reconcile: NewReconcileService(repo, registry, ledger, store),
		sites:     NewSiteService(repo),
		auth:      NewAuthService(repo, time.Hour, 16, time.Minute),
	}
}

func (h *harness) addSite(t *testing.T, name string) *database.Site {
	t.Helper()
	s, err := h.sites.Create(context.Background(), name, "/exports")
	if err != nil {
		t.Fatalf("failed to create site: %v", err)
	}
	return s
}

func (h *harness) addUser(t *testing.T, username, role string) *database.User {
	t.Helper()
	hash := "x"
	u, err := h.repo.CreateUser(context.Background(), &database.User{
		Username:     username,
		DisplayName:  username,
		Role:         role,
		PasswordHash: &hash,
	})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}
