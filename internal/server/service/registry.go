package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"ferry/internal/server/database"
	"ferry/internal/server/rbac"
	"ferry/internal/server/storage"
	"ferry/internal/server/workflow"
)

// TransitionOptions carries the per-action inputs of a transition.
type TransitionOptions struct {
	// AssignTo is the user id for assign; empty picks one automatically.
	AssignTo string
	// Reason is recorded for reject.
	Reason string
}

// Stats summarises the registry.
type Stats struct {
	TotalFiles    int64                    `json:"total_files"`
	ByState       map[workflow.State]int64 `json:"by_state"`
	ActiveUploads int                      `json:"active_uploads"`
}

// RegistryService owns the file lifecycle. Every state change goes through
// Transition.
type RegistryService struct {
	repo    Repository
	store   storage.Store
	tracker *UploadTracker
}

// NewRegistryService creates a new registry service.
func NewRegistryService(repo Repository, store storage.Store, tracker *UploadTracker) *RegistryService {
	return &RegistryService{repo: repo, store: store, tracker: tracker}
}

// Get returns one file.
func (s *RegistryService) Get(ctx context.Context, id string) (*database.FileRecord, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// List returns files matching filter.
func (s *RegistryService) List(ctx context.Context, filter database.FileFilter) ([]*database.FileRecord, error) {
	return s.repo.ListFiles(ctx, filter)
}

// Audit returns the audit trail for a file.
func (s *RegistryService) Audit(ctx context.Context, id string) ([]*database.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.FileAudit(ctx, id)
}

// RecentAudit returns the newest audit entries across all files.
func (s *RegistryService) RecentAudit(ctx context.Context, limit int) ([]*database.AuditEntry, error) {
	return s.repo.RecentAudit(ctx, limit)
}

// TransferJobs returns the most recent transfer jobs.
func (s *RegistryService) TransferJobs(ctx context.Context, limit int) ([]*database.TransferJob, error) {
	return s.repo.ListTransferJobs(ctx, limit)
}

// Transition applies action to the file. A disallowed action returns a
// *workflow.TransitionError and changes nothing. When another request moves
// the file first, the loser gets the same error against the new state.
func (s *RegistryService) Transition(ctx context.Context, id string, action workflow.Action, actor Actor, opts TransitionOptions) (*database.FileRecord, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	to, err := workflow.Apply(f.State, action)
	if err != nil {
		transitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}

	t := &database.Transition{FileID: f.ID, From: f.State, To: to}
	var details string

	switch action {
	case workflow.ActionAssign:
		user, err := s.pickAssignee(ctx, opts.AssignTo)
		if err != nil {
			transitionsTotal.WithLabelValues(string(action), "rejected").Inc()
			return nil, err
		}
		t.AssignedTo = &user.ID
		details = fmt.Sprintf("Assigned to %s", user.Username)
	case workflow.ActionReject:
		reason := opts.Reason
		if reason == "" {
			reason = "Rejected by operator"
		}
		t.ErrorMessage = &reason
		details = reason
	}

	prev, next := f.State, to
	t.Audit = &database.AuditEntry{
		Action:        workflow.Label(action),
		PreviousState: &prev,
		NewState:      &next,
		PerformedBy:   actor.performedBy(),
		IPAddress:     actor.ipAddress(),
	}
	if details != "" {
		t.Audit.Details = &details
	}

	updated, err := s.repo.ApplyTransition(ctx, t)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrFileNotFound):
			return nil, ErrNotFound
		case errors.Is(err, database.ErrStateConflict):
			transitionsTotal.WithLabelValues(string(action), "rejected").Inc()
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &workflow.TransitionError{Action: action, From: current.State}
		}
		transitionsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, fmt.Errorf("failed to apply %s: %w", action, err)
	}

	transitionsTotal.WithLabelValues(string(action), "ok").Inc()
	slog.Info("file transition",
		"file_id", updated.ID,
		"action", action,
		"from", prev,
		"to", next,
		"actor", actor.Name,
	)
	return updated, nil
}

// pickAssignee resolves an explicit user, else the first colorist, else the
// first user of any assignable role.
func (s *RegistryService) pickAssignee(ctx context.Context, userID string) (*database.User, error) {
	if userID != "" {
		u, err := s.repo.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return nil, ErrUnknownUser
			}
			return nil, err
		}
		return u, nil
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if u, ok := lo.Find(users, func(u *database.User) bool { return rbac.Role(u.Role) == rbac.PreferredAssignee }); ok {
		return u, nil
	}
	if u, ok := lo.Find(users, func(u *database.User) bool { return rbac.Assignable(rbac.Role(u.Role)) }); ok {
		return u, nil
	}
	return nil, ErrNoAssignee
}

// Delete removes a file that has never been validated, together with its
// staged bytes.
func (s *RegistryService) Delete(ctx context.Context, id string, actor Actor) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if f.Locked {
		return ErrLocked
	}

	details := fmt.Sprintf("Deleted file %s (%s) from %s:%s", f.ID, f.Filename, f.SourceSite, f.SourcePath)
	prev := f.State
	deleted, err := s.repo.DeleteUnlocked(ctx, id, &database.AuditEntry{
		Action:        "File deleted",
		PreviousState: &prev,
		PerformedBy:   actor.performedBy(),
		IPAddress:     actor.ipAddress(),
		Details:       &details,
	})
	if err != nil {
		switch {
		case errors.Is(err, database.ErrFileNotFound):
			return ErrNotFound
		case errors.Is(err, database.ErrFileLocked):
			return ErrLocked
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if deleted.StoragePath != nil {
		if err := s.store.Delete(*deleted.StoragePath); err != nil {
			slog.Error("failed to delete staged file", "file_id", id, "path", *deleted.StoragePath, "error", err)
		}
	}

	slog.Info("file deleted", "file_id", id, "filename", f.Filename, "actor", actor.Name)
	return nil
}

// Stats returns file counts per state and the number of live uploads.
func (s *RegistryService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	byState := make(map[workflow.State]int64, len(workflow.AllStates))
	for _, st := range workflow.AllStates {
		byState[st] = counts[st]
	}
	return &Stats{
		TotalFiles:    lo.Sum(lo.Values(counts)),
		ByState:       byState,
		ActiveUploads: s.tracker.Count(),
	}, nil
}
