package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	maintenanceRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferry_maintenance_runs_total",
		Help: "Total number of maintenance cycles.",
	})
	maintenanceTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_maintenance_center_tasks_total",
		Help: "Center-side reconciliation task executions by outcome.",
	}, []string{"outcome"})
)

// TaskExecutor performs the center side of pending reconciliation tasks.
type TaskExecutor interface {
	ExecutePendingCenterTasks(ctx context.Context) (done, failed int, err error)
}

// SessionExpirer removes expired operator sessions.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context) (int64, error)
}

// MaintenanceService periodically executes center-side reconciliation
// tasks, expires sessions and sweeps orphaned partial uploads.
type MaintenanceService struct {
	tasks      TaskExecutor
	sessions   SessionExpirer
	store      Store
	interval   time.Duration
	partialAge time.Duration
	done       chan struct{}
}

// NewMaintenanceService creates a new maintenance service. Partial uploads
// untouched for partialAge are considered orphaned.
func NewMaintenanceService(tasks TaskExecutor, sessions SessionExpirer, store Store, interval, partialAge time.Duration) *MaintenanceService {
	return &MaintenanceService{
		tasks:      tasks,
		sessions:   sessions,
		store:      store,
		interval:   interval,
		partialAge: partialAge,
		done:       make(chan struct{}),
	}
}

// Start begins the maintenance loop in a background goroutine.
func (ms *MaintenanceService) Start(ctx context.Context) {
	slog.Info("maintenance service started", "interval", ms.interval)

	go func() {
		ticker := time.NewTicker(ms.interval)
		defer ticker.Stop()

		// Run once immediately on start
		ms.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				ms.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("maintenance service stopping")
				close(ms.done)
				return
			}
		}
	}()
}

// Wait blocks until the maintenance service has fully stopped.
func (ms *MaintenanceService) Wait() {
	<-ms.done
}

// RunOnce performs a single maintenance cycle. Each step is independent: a
// failure is logged and the next step still runs.
func (ms *MaintenanceService) RunOnce(ctx context.Context) {
	maintenanceRunsTotal.Inc()

	done, failed, err := ms.tasks.ExecutePendingCenterTasks(ctx)
	if err != nil {
		slog.Error("failed to execute center tasks", "error", err)
	}
	maintenanceTasksTotal.WithLabelValues("done").Add(float64(done))
	maintenanceTasksTotal.WithLabelValues("failed").Add(float64(failed))

	expired, err := ms.sessions.ExpireSessions(ctx)
	if err != nil {
		slog.Error("failed to expire sessions", "error", err)
	}

	swept, err := ms.store.SweepPartials(ms.partialAge)
	if err != nil {
		slog.Error("failed to sweep partial uploads", "error", err)
	}

	if done+failed+int(expired)+swept > 0 {
		slog.Info("maintenance cycle complete",
			"center_tasks_done", done,
			"center_tasks_failed", failed,
			"sessions_expired", expired,
			"partials_swept", swept,
		)
	}
}
