package storage

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTasks struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTasks) ExecutePendingCenterTasks(ctx context.Context) (int, int, error) {
	f.calls.Add(1)
	return 1, 0, f.err
}

type fakeSessions struct {
	calls atomic.Int32
}

func (f *fakeSessions) ExpireSessions(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 2, nil
}

func TestMaintenanceService_RunOnce(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemStore(dir)

	stale, _ := store.Create("tustin", "stale.mov")
	stale.close()
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(stale.partPath, old, old)

	tasks := &fakeTasks{err: errors.New("db down")}
	sessions := &fakeSessions{}
	ms := NewMaintenanceService(tasks, sessions, store, time.Minute, time.Hour)

	ms.RunOnce(context.Background())

	if tasks.calls.Load() != 1 {
		t.Errorf("expected task executor called once, got %d", tasks.calls.Load())
	}
	if sessions.calls.Load() != 1 {
		t.Error("session expiry must run even when task execution fails")
	}
	if _, err := os.Stat(stale.partPath); !os.IsNotExist(err) {
		t.Error("stale partial should have been swept")
	}
}

func TestMaintenanceService_StartStop(t *testing.T) {
	tasks := &fakeTasks{}
	ms := NewMaintenanceService(tasks, &fakeSessions{}, NewFileSystemStore(t.TempDir()), time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	ms.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		ms.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance service did not stop")
	}
	if tasks.calls.Load() < 1 {
		t.Error("expected an immediate run on start")
	}
}
