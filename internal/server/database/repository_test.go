package database

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"ferry/internal/server/reconcile"
	"ferry/internal/server/workflow"
)

// setupTestRepo starts a PostgreSQL container, applies migrations and
// returns a repository bound to it.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("ferry_test"),
		postgres.WithUsername("ferry"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	if err := RunMigrations("pgx5://" + strings.TrimPrefix(url, "postgres://")); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	db, err := New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(db.Close)

	return NewRepository(db)
}

func ingestFile(t *testing.T, repo *Repository, site, path, hash string) *FileRecord {
	t.Helper()
	f := &FileRecord{
		Filename:   "clip.mov",
		SourceSite: site,
		SourcePath: path,
		FileSize:   10_000_000,
		SHA256Hash: hash,
	}
	_, err := repo.CommitIngest(context.Background(), Ingest{
		File:  f,
		Audit: &AuditEntry{Action: "File uploaded"},
	})
	if err != nil {
		t.Fatalf("CommitIngest() error: %v", err)
	}
	return f
}

func TestCommitIngest_LedgerIsIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	hash := strings.Repeat("a", 64)

	first := ingestFile(t, repo, "tustin", "/exports/clip.mov", hash)
	if first.State != workflow.StateDetected || first.Locked {
		t.Fatalf("expected detected/unlocked, got %s/%v", first.State, first.Locked)
	}

	entry, err := repo.GetLedgerEntry(ctx, hash)
	if err != nil {
		t.Fatalf("GetLedgerEntry() error: %v", err)
	}

	again, err := repo.RecordLedger(ctx, &LedgerEntry{SHA256Hash: hash, Filename: "other.mov", SourceSite: "burbank", FileSize: 1})
	if err != nil {
		t.Fatalf("RecordLedger() error: %v", err)
	}
	if again.Filename != entry.Filename || !again.FirstSeenAt.Equal(entry.FirstSeenAt) {
		t.Errorf("second record changed the entry: %+v vs %+v", again, entry)
	}

	seen, err := repo.HashSeen(ctx, hash)
	if err != nil || !seen {
		t.Errorf("HashSeen() = %v, %v; want true", seen, err)
	}

	audit, err := repo.FileAudit(ctx, first.ID)
	if err != nil {
		t.Fatalf("FileAudit() error: %v", err)
	}
	if len(audit) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(audit))
	}
}

func TestHashSeen_FallsBackToFiles(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	hash := strings.Repeat("b", 64)

	ingestFile(t, repo, "tustin", "/exports/b.mov", hash)
	if err := repo.DeleteLedgerEntry(ctx, hash); err != nil {
		t.Fatalf("DeleteLedgerEntry() error: %v", err)
	}

	seen, err := repo.HashSeen(ctx, hash)
	if err != nil || !seen {
		t.Errorf("HashSeen() = %v, %v; want true from files table", seen, err)
	}
}

func TestApplyTransition_ConditionalOnState(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	f := ingestFile(t, repo, "tustin", "/exports/c.mov", strings.Repeat("c", 64))

	updated, err := repo.ApplyTransition(ctx, &Transition{
		FileID: f.ID,
		From:   workflow.StateDetected,
		To:     workflow.StateValidated,
		Audit:  &AuditEntry{Action: "File validated and locked"},
	})
	if err != nil {
		t.Fatalf("ApplyTransition() error: %v", err)
	}
	if !updated.Locked || updated.ValidatedAt == nil {
		t.Errorf("expected locked with validated_at, got %+v", updated)
	}

	// A second request still expecting detected loses the race.
	_, err = repo.ApplyTransition(ctx, &Transition{
		FileID: f.ID,
		From:   workflow.StateDetected,
		To:     workflow.StateValidated,
	})
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}

	_, err = repo.ApplyTransition(ctx, &Transition{FileID: uuid.NewString(), From: workflow.StateDetected, To: workflow.StateValidated})
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}

	audit, _ := repo.FileAudit(ctx, f.ID)
	if len(audit) != 2 {
		t.Errorf("expected 2 audit entries, got %d", len(audit))
	}
}

func TestTransferJobs_FollowTransitions(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	f := ingestFile(t, repo, "tustin", "/exports/d.mov", strings.Repeat("d", 64))

	steps := []struct{ from, to workflow.State }{
		{workflow.StateDetected, workflow.StateValidated},
		{workflow.StateValidated, workflow.StateQueued},
		{workflow.StateQueued, workflow.StateTransferring},
		{workflow.StateTransferring, workflow.StateTransferred},
	}
	for _, s := range steps {
		if _, err := repo.ApplyTransition(ctx, &Transition{FileID: f.ID, From: s.from, To: s.to}); err != nil {
			t.Fatalf("%s -> %s: %v", s.from, s.to, err)
		}
	}

	jobs, err := repo.ListTransferJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListTransferJobs() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != JobCompleted || jobs[0].BytesTransferred != f.FileSize {
		t.Errorf("unexpected jobs: %+v", jobs)
	}

	got, _ := repo.GetFile(ctx, f.ID)
	if got.TransferProgress != 100 {
		t.Errorf("expected progress 100, got %d", got.TransferProgress)
	}
}

func TestDeleteUnlocked(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	unlocked := ingestFile(t, repo, "tustin", "/exports/e.mov", strings.Repeat("e", 64))
	if _, err := repo.DeleteUnlocked(ctx, unlocked.ID, &AuditEntry{Action: "File deleted"}); err != nil {
		t.Fatalf("DeleteUnlocked() error: %v", err)
	}
	if _, err := repo.GetFile(ctx, unlocked.ID); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected file gone, got %v", err)
	}
	if audit, _ := repo.FileAudit(ctx, unlocked.ID); len(audit) != 0 {
		t.Errorf("expected audit cascade, got %d entries", len(audit))
	}
	if seen, _ := repo.HashSeen(ctx, unlocked.SHA256Hash); !seen {
		t.Error("ledger entry must survive file deletion")
	}

	locked := ingestFile(t, repo, "tustin", "/exports/f.mov", strings.Repeat("f", 64))
	if _, err := repo.ApplyTransition(ctx, &Transition{FileID: locked.ID, From: workflow.StateDetected, To: workflow.StateValidated}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := repo.DeleteUnlocked(ctx, locked.ID, nil); !errors.Is(err, ErrFileLocked) {
		t.Errorf("expected ErrFileLocked, got %v", err)
	}
	if _, err := repo.DeleteUnlocked(ctx, uuid.NewString(), nil); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestFindBySource_IgnoresRejected(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	f := ingestFile(t, repo, "Tustin", "/exports/g.mov", strings.Repeat("1", 64))

	got, err := repo.FindBySource(ctx, "tustin", "/exports/g.mov")
	if err != nil || got == nil || got.ID != f.ID {
		t.Fatalf("FindBySource() = %v, %v", got, err)
	}

	reason := "bad media"
	if _, err := repo.ApplyTransition(ctx, &Transition{FileID: f.ID, From: workflow.StateDetected, To: workflow.StateRejected, ErrorMessage: &reason}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err = repo.FindBySource(ctx, "tustin", "/exports/g.mov")
	if err != nil || got != nil {
		t.Errorf("expected origin released, got %v, %v", got, err)
	}
}

func TestRecordHeartbeat(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, _, err := repo.RecordHeartbeat(ctx, "burbank", Heartbeat{}, false); !errors.Is(err, ErrSiteNotFound) {
		t.Errorf("expected ErrSiteNotFound without autoCreate, got %v", err)
	}

	free := 120.5
	site, created, err := repo.RecordHeartbeat(ctx, "Burbank", Heartbeat{DiskFreeGB: &free}, true)
	if err != nil || !created {
		t.Fatalf("RecordHeartbeat() = %v, %v, %v", site, created, err)
	}

	again, created, err := repo.RecordHeartbeat(ctx, "BURBANK", Heartbeat{}, true)
	if err != nil || created || again.ID != site.ID {
		t.Errorf("expected existing site, got %+v created=%v err=%v", again, created, err)
	}
	if again.DiskFreeGB == nil || *again.DiskFreeGB != free {
		t.Errorf("expected disk_free_gb preserved, got %v", again.DiskFreeGB)
	}
}

func TestRecordHeartbeat_IDMatchWins(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first, err := repo.CreateSite(ctx, &Site{Name: "alpha", IsActive: true})
	if err != nil {
		t.Fatalf("CreateSite() error: %v", err)
	}
	second, err := repo.CreateSite(ctx, &Site{Name: first.ID, IsActive: true})
	if err != nil {
		t.Fatalf("CreateSite() error: %v", err)
	}

	got, _, err := repo.RecordHeartbeat(ctx, first.ID, Heartbeat{}, false)
	if err != nil || got.ID != first.ID {
		t.Fatalf("RecordHeartbeat() = %+v, %v", got, err)
	}
	other, err := repo.FindSite(ctx, second.ID)
	if err != nil {
		t.Fatalf("FindSite() error: %v", err)
	}
	if other.LastHeartbeat != nil {
		t.Error("heartbeat also stamped the site matched by name")
	}
}

func TestUpdateSite(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	site, _ := repo.CreateSite(ctx, &Site{Name: "tustin", IsActive: true})
	repo.CreateSite(ctx, &Site{Name: "burbank", IsActive: true})

	site.ExportPath, site.IsActive = "/mnt/exports", false
	got, err := repo.UpdateSite(ctx, site)
	if err != nil || got.ExportPath != "/mnt/exports" || got.IsActive {
		t.Fatalf("UpdateSite() = %+v, %v", got, err)
	}

	site.Name = "BURBANK"
	if _, err := repo.UpdateSite(ctx, site); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestConfirmTask_BothOrderings(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	site, err := repo.CreateSite(ctx, &Site{Name: "tustin", IsActive: true})
	if err != nil {
		t.Fatalf("CreateSite() error: %v", err)
	}

	orders := [][]reconcile.Side{
		{reconcile.SideCenter, reconcile.SideSite},
		{reconcile.SideSite, reconcile.SideCenter},
	}
	for i, order := range orders {
		f := ingestFile(t, repo, "tustin", "/exports/task"+string(rune('a'+i))+".mov", strings.Repeat(string(rune('2'+i)), 64))
		task, err := repo.CreateTask(ctx, &Task{Kind: reconcile.KindCleanup, FileID: f.ID, SiteID: site.ID, FilePath: f.SourcePath})
		if err != nil {
			t.Fatalf("CreateTask() error: %v", err)
		}
		if _, err := repo.CreateTask(ctx, &Task{Kind: reconcile.KindCleanup, FileID: f.ID, SiteID: site.ID, FilePath: f.SourcePath}); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate open task, got %v", err)
		}

		msg := "permission denied"
		failed, err := repo.ConfirmTask(ctx, task.ID, order[0], &msg)
		if err != nil {
			t.Fatalf("ConfirmTask(error) error: %v", err)
		}
		if failed.Status != reconcile.StatusPending || failed.ErrorMessage == nil {
			t.Errorf("failure must not set a flag: %+v", failed)
		}

		first, err := repo.ConfirmTask(ctx, task.ID, order[0], nil)
		if err != nil {
			t.Fatalf("ConfirmTask() error: %v", err)
		}
		if first.Status == reconcile.StatusCompleted || first.CompletedAt != nil {
			t.Errorf("one flag must not complete the task: %+v", first)
		}

		second, err := repo.ConfirmTask(ctx, task.ID, order[1], nil)
		if err != nil {
			t.Fatalf("ConfirmTask() error: %v", err)
		}
		if second.Status != reconcile.StatusCompleted || second.CompletedAt == nil {
			t.Errorf("both flags must complete the task: %+v", second)
		}
	}
}

func TestPendingSiteTasks_WithholdsRetransfer(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	site, err := repo.CreateSite(ctx, &Site{Name: "tustin", IsActive: true})
	if err != nil {
		t.Fatalf("CreateSite() error: %v", err)
	}
	f := ingestFile(t, repo, "tustin", "/exports/h.mov", strings.Repeat("9", 64))
	task, err := repo.CreateTask(ctx, &Task{Kind: reconcile.KindRetransfer, FileID: f.ID, SiteID: site.ID, FilePath: f.SourcePath})
	if err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}

	pending, _ := repo.PendingSiteTasks(ctx, site.ID)
	if len(pending) != 0 {
		t.Fatalf("retransfer offered before center side: %+v", pending)
	}

	if _, err := repo.ConfirmTask(ctx, task.ID, reconcile.SideCenter, nil); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}
	pending, _ = repo.PendingSiteTasks(ctx, site.ID)
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Errorf("expected retransfer offered, got %+v", pending)
	}
}
