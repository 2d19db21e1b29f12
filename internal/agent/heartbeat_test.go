package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatRecorder struct {
	mu   sync.Mutex
	sent []Heartbeat
	err  error
}

func (r *heartbeatRecorder) Heartbeat(_ context.Context, hb Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, hb)
	return r.err
}

func (r *heartbeatRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestDiskFreeGB(t *testing.T) {
	free, err := DiskFreeGB(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, free, 0.0)

	_, err = DiskFreeGB("/does/not/exist")
	assert.Error(t, err)
}

func TestHeartbeatBeat(t *testing.T) {
	rec := &heartbeatRecorder{}
	h := NewHeartbeatLoop(rec, t.TempDir(), time.Second, func() int { return 1 })
	require.NoError(t, h.Beat(context.Background()))

	require.Len(t, rec.sent, 1)
	hb := rec.sent[0]
	assert.Equal(t, Version, hb.Version)
	assert.Equal(t, 1, hb.ActiveTransfers)
	require.NotNil(t, hb.DiskFreeGB)
}

func TestHeartbeatRunSurvivesFailures(t *testing.T) {
	rec := &heartbeatRecorder{err: errors.New("center down")}
	h := NewHeartbeatLoop(rec, t.TempDir(), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
