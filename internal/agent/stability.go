package agent

import (
	"sync"
	"time"
)

// fileState is what the tracker remembers about one path.
type fileState struct {
	size        int64
	mtime       time.Time
	stableSince time.Time
}

// StabilityTracker decides when a file has stopped changing. A file is
// stable once its size and modification time have been unchanged for the
// whole window. Empty files are never stable.
type StabilityTracker struct {
	mu     sync.Mutex
	window time.Duration
	files  map[string]*fileState
}

// NewStabilityTracker creates a tracker with the given quiescence window.
func NewStabilityTracker(window time.Duration) *StabilityTracker {
	return &StabilityTracker{
		window: window,
		files:  make(map[string]*fileState),
	}
}

// Observe records one sighting of path and reports whether it is stable.
// Any change in size or mtime restarts the window.
func (t *StabilityTracker) Observe(path string, size int64, mtime, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.files[path]
	if !ok || st.size != size || !st.mtime.Equal(mtime) {
		t.files[path] = &fileState{size: size, mtime: mtime, stableSince: now}
		return size > 0 && t.window == 0
	}
	return size > 0 && now.Sub(st.stableSince) >= t.window
}

// Forget stops tracking path.
func (t *StabilityTracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
}

// Retain drops every tracked path not in present. Files that vanished
// between polls are never reported stable.
func (t *StabilityTracker) Retain(present map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path := range t.files {
		if !present[path] {
			delete(t.files, path)
		}
	}
}

// Len returns the number of tracked paths.
func (t *StabilityTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
