package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Task kinds understood by the agent.
const (
	TaskCleanup    = "cleanup"
	TaskRetransfer = "retransfer"
)

// TaskCenter is the part of the center API the task loop needs.
type TaskCenter interface {
	PendingTasks(ctx context.Context) ([]Task, error)
	ConfirmSite(ctx context.Context, taskID, errMsg string) error
}

// TaskRunner performs the site side of reconciliation tasks.
type TaskRunner struct {
	center   TaskCenter
	ledger   *LocalLedger
	requeue  func(path string) bool
	watchDir string
	interval time.Duration
}

// NewTaskRunner creates a runner confined to watchDir. requeue schedules a
// retransfer of a path.
func NewTaskRunner(center TaskCenter, ledger *LocalLedger, requeue func(path string) bool, watchDir string, interval time.Duration) *TaskRunner {
	return &TaskRunner{
		center:   center,
		ledger:   ledger,
		requeue:  requeue,
		watchDir: filepath.Clean(watchDir),
		interval: interval,
	}
}

// Run polls for tasks until ctx is cancelled.
func (r *TaskRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("task poll failed", "component", "tasks", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches pending tasks once, performs each and confirms it. It returns
// the number of tasks confirmed.
func (r *TaskRunner) Poll(ctx context.Context) (int, error) {
	tasks, err := r.center.PendingTasks(ctx)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		logger := slog.With("component", "tasks", "task_id", task.ID, "kind", task.Kind, "path", task.FilePath)

		errMsg := ""
		if err := r.perform(ctx, task); err != nil {
			errMsg = err.Error()
			logger.Warn("task failed at site", "error", err)
		}
		if err := r.center.ConfirmSite(ctx, task.ID, errMsg); err != nil {
			logger.Warn("confirm failed", "error", err)
			continue
		}
		if errMsg == "" {
			confirmed++
			logger.Info("task confirmed")
		}
	}
	return confirmed, nil
}

func (r *TaskRunner) perform(ctx context.Context, task Task) error {
	path, err := r.resolve(task.FilePath)
	if err != nil {
		return err
	}

	switch task.Kind {
	case TaskCleanup:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove local copy: %w", err)
		}
		if _, err := r.ledger.Forget(ctx, path); err != nil {
			return err
		}
		return nil

	case TaskRetransfer:
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.New("file no longer exists at site")
			}
			return err
		}
		if _, err := r.ledger.Forget(ctx, path); err != nil {
			return err
		}
		r.requeue(path)
		return nil

	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// resolve cleans path and refuses anything outside the watch directory.
func (r *TaskRunner) resolve(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("refusing relative path %q", path)
	}
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(r.watchDir, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing path outside %s", r.watchDir)
	}
	return clean, nil
}
