// Package agent implements the per-site process that watches one export
// directory and places each stable media file on the center exactly once.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Agent wires the watcher, scheduler, heartbeat and task loops together.
type Agent struct {
	cfg       *Config
	ledger    *LocalLedger
	client    *Client
	watcher   *Watcher
	scheduler *Scheduler
	heartbeat *HeartbeatLoop
	tasks     *TaskRunner
}

// New builds an agent from cfg. The watch directory must exist.
func New(cfg *Config) (*Agent, error) {
	ledger, err := OpenLocalLedger(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		ledger: ledger,
		client: NewClient(cfg.CenterURL, cfg.APIKey, cfg.Site),
	}
	a.scheduler = NewScheduler(a.client, ledger, cfg.MetadataOnly, func(path string) {
		a.watcher.Release(path)
	})
	a.watcher = NewWatcher(cfg.WatchDir, cfg.Extensions, cfg.PollInterval,
		NewStabilityTracker(cfg.StabilityWindow), a.scheduler.Enqueue)
	a.heartbeat = NewHeartbeatLoop(a.client, cfg.WatchDir, cfg.HeartbeatInterval, a.scheduler.Active)
	a.tasks = NewTaskRunner(a.client, ledger, a.scheduler.Requeue, cfg.WatchDir, cfg.TaskInterval)
	return a, nil
}

// Run blocks until ctx is cancelled or a loop fails.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.watcher.Prime(a.cfg.UploadExisting); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	slog.Info("agent started",
		"site", a.cfg.Site,
		"watch_dir", a.cfg.WatchDir,
		"center", a.cfg.CenterURL,
		"stability_window", a.cfg.StabilityWindow,
		"metadata_only", a.cfg.MetadataOnly,
		"version", Version,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watcher.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.heartbeat.Run(ctx) })
	g.Go(func() error { return a.tasks.Run(ctx) })
	err := g.Wait()

	slog.Info("agent stopped", "site", a.cfg.Site)
	return err
}

// Close releases the local ledger.
func (a *Agent) Close() error {
	return a.ledger.Close()
}
