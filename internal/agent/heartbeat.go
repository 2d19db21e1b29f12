package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// DiskFreeGB returns the space available to unprivileged users on the
// filesystem holding path, in gigabytes rounded to two decimals.
func DiskFreeGB(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	free := float64(st.Bavail) * float64(st.Bsize) / (1 << 30)
	return math.Round(free*100) / 100, nil
}

// HeartbeatSender is the part of the center API the heartbeat loop needs.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, hb Heartbeat) error
}

// HeartbeatLoop reports liveness on its own ticker. It never waits on the
// scheduler; active only reads an atomic counter.
type HeartbeatLoop struct {
	center   HeartbeatSender
	dir      string
	interval time.Duration
	active   func() int
}

// NewHeartbeatLoop creates a loop reporting free space for dir.
func NewHeartbeatLoop(center HeartbeatSender, dir string, interval time.Duration, active func() int) *HeartbeatLoop {
	return &HeartbeatLoop{center: center, dir: dir, interval: interval, active: active}
}

// Beat sends one heartbeat.
func (h *HeartbeatLoop) Beat(ctx context.Context) error {
	hb := Heartbeat{Version: Version}
	if free, err := DiskFreeGB(h.dir); err != nil {
		slog.Warn("disk usage unavailable", "component", "heartbeat", "error", err)
	} else {
		hb.DiskFreeGB = &free
	}
	if h.active != nil {
		hb.ActiveTransfers = h.active()
	}

	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	return h.center.Heartbeat(ctx, hb)
}

// Run sends a heartbeat immediately and then on every tick until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (h *HeartbeatLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("heartbeat failed", "component", "heartbeat", "error", err)
		} else if err == nil {
			slog.Debug("heartbeat sent", "component", "heartbeat")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
