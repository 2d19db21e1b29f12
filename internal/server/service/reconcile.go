package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ferry/internal/server/database"
	"ferry/internal/server/reconcile"
	"ferry/internal/server/storage"
	"ferry/internal/server/workflow"
)

const retransferReason = "superseded by retransfer"

// ReconcileService coordinates cleanup and retransfer tasks that complete
// only when both the center and the originating site have confirmed.
type ReconcileService struct {
	repo     Repository
	registry *RegistryService
	ledger   *LedgerService
	store    storage.Store
}

// NewReconcileService creates a new reconcile service.
func NewReconcileService(repo Repository, registry *RegistryService, ledger *LedgerService, store storage.Store) *ReconcileService {
	return &ReconcileService{repo: repo, registry: registry, ledger: ledger, store: store}
}

// RequestCleanup asks both sides to delete their copy of a delivered file.
func (s *ReconcileService) RequestCleanup(ctx context.Context, fileID string, actor Actor) (*database.Task, error) {
	f, err := s.registry.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.State != workflow.StateDeliveredToMAM && f.State != workflow.StateArchived {
		return nil, fmt.Errorf("%w: cleanup requires delivered_to_mam or archived, file is %s", ErrTaskNotAllowed, f.State)
	}
	return s.create(ctx, f, reconcile.KindCleanup, actor)
}

// RequestRetransfer asks the site to send a file again. The center forgets
// the content hash and releases the origin before the site is told.
func (s *ReconcileService) RequestRetransfer(ctx context.Context, fileID string, actor Actor) (*database.Task, error) {
	f, err := s.registry.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.State == workflow.StateArchived {
		return nil, fmt.Errorf("%w: archived files cannot be retransferred", ErrTaskNotAllowed)
	}
	return s.create(ctx, f, reconcile.KindRetransfer, actor)
}

func (s *ReconcileService) create(ctx context.Context, f *database.FileRecord, kind reconcile.Kind, actor Actor) (*database.Task, error) {
	site, err := s.repo.FindSite(ctx, f.SourceSite)
	if err != nil {
		if errors.Is(err, database.ErrSiteNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSite, f.SourceSite)
		}
		return nil, err
	}

	task, err := s.repo.CreateTask(ctx, &database.Task{
		Kind:        kind,
		FileID:      f.ID,
		SiteID:      site.ID,
		FilePath:    f.SourcePath,
		RequestedBy: actor.performedBy(),
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrTaskExists
		}
		return nil, err
	}

	details := fmt.Sprintf("%s task %s for %s:%s", kind, task.ID, site.Name, f.SourcePath)
	if err := s.repo.AppendAudit(ctx, &database.AuditEntry{
		FileID:      &f.ID,
		Action:      fmt.Sprintf("%s requested", kind),
		PerformedBy: actor.performedBy(),
		IPAddress:   actor.ipAddress(),
		Details:     &details,
	}); err != nil {
		slog.Error("failed to audit task request", "task_id", task.ID, "error", err)
	}

	slog.Info("reconciliation task created", "task_id", task.ID, "kind", kind, "file_id", f.ID, "site", site.Name)
	return task, nil
}

// Get returns one task.
func (s *ReconcileService) Get(ctx context.Context, id string) (*database.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// List returns tasks matching filter.
func (s *ReconcileService) List(ctx context.Context, filter database.TaskFilter) ([]*database.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

// PendingForSite returns the tasks the site still has to act on.
func (s *ReconcileService) PendingForSite(ctx context.Context, siteKey string) ([]*database.Task, error) {
	site, err := s.repo.FindSite(ctx, siteKey)
	if err != nil {
		if errors.Is(err, database.ErrSiteNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.repo.PendingSiteTasks(ctx, site.ID)
}

// ConfirmCenter records the center's outcome. A non-nil errMsg records a
// failure and leaves the task pending.
func (s *ReconcileService) ConfirmCenter(ctx context.Context, taskID string, errMsg *string) (*database.Task, error) {
	return s.confirm(ctx, taskID, reconcile.SideCenter, errMsg)
}

// ConfirmSite records the site's outcome. When siteKey is set the task must
// belong to that site.
func (s *ReconcileService) ConfirmSite(ctx context.Context, taskID, siteKey string, errMsg *string) (*database.Task, error) {
	if siteKey != "" {
		t, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		site, err := s.repo.FindSite(ctx, siteKey)
		if err != nil {
			if errors.Is(err, database.ErrSiteNotFound) {
				return nil, ErrWrongSite
			}
			return nil, fmt.Errorf("resolve site %s: %w", siteKey, err)
		}
		if site.ID != t.SiteID {
			return nil, ErrWrongSite
		}
	}
	return s.confirm(ctx, taskID, reconcile.SideSite, errMsg)
}

func (s *ReconcileService) confirm(ctx context.Context, taskID string, side reconcile.Side, errMsg *string) (*database.Task, error) {
	t, err := s.repo.ConfirmTask(ctx, taskID, side, errMsg)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch {
	case errMsg != nil:
		slog.Warn("reconciliation side failed", "task_id", t.ID, "side", side, "error", *errMsg)
	case t.Status == reconcile.StatusCompleted:
		slog.Info("reconciliation task completed", "task_id", t.ID, "kind", t.Kind, "file_id", t.FileID)
	default:
		slog.Info("reconciliation side confirmed", "task_id", t.ID, "side", side, "status", t.Status)
	}
	return t, nil
}

// ExecutePendingCenterTasks performs the center side of every task not yet
// confirmed by the center and records each outcome.
func (s *ReconcileService) ExecutePendingCenterTasks(ctx context.Context) (done, failed int, err error) {
	tasks, err := s.repo.PendingCenterTasks(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		var errMsg *string
		if execErr := s.executeCenter(ctx, t); execErr != nil {
			msg := execErr.Error()
			errMsg = &msg
		}
		if _, err := s.confirm(ctx, t.ID, reconcile.SideCenter, errMsg); err != nil {
			slog.Error("failed to record center outcome", "task_id", t.ID, "error", err)
			failed++
			continue
		}
		if errMsg != nil {
			failed++
		} else {
			done++
		}
	}
	return done, failed, nil
}

func (s *ReconcileService) executeCenter(ctx context.Context, t *database.Task) error {
	f, err := s.repo.GetFile(ctx, t.FileID)
	if err != nil {
		return fmt.Errorf("failed to load file: %w", err)
	}

	switch t.Kind {
	case reconcile.KindCleanup:
		if f.StoragePath == nil {
			return nil
		}
		if err := s.store.Delete(*f.StoragePath); err != nil {
			return err
		}
		return s.repo.ClearStoragePath(ctx, f.ID)

	case reconcile.KindRetransfer:
		if err := s.ledger.Forget(ctx, f.SHA256Hash, System); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if f.State.Terminal() {
			return nil
		}
		_, err := s.registry.Transition(ctx, f.ID, workflow.ActionReject, System, TransitionOptions{Reason: retransferReason})
		return err
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}
