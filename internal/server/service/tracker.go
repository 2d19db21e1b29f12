package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the phase an in-flight upload is in.
type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadVerifying UploadStatus = "verifying"
	UploadFailed    UploadStatus = "failed"
)

// UploadSession is the live progress of one in-flight upload. It exists
// only in memory and only while the upload runs.
type UploadSession struct {
	ID            string       `json:"id"`
	Filename      string       `json:"filename"`
	SourceSite    string       `json:"source_site"`
	SourcePath    string       `json:"source_path"`
	ExpectedBytes *int64       `json:"expected_bytes,omitempty"`
	ReceivedBytes int64        `json:"received_bytes"`
	Progress      *float64     `json:"progress,omitempty"`
	Status        UploadStatus `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
}

// UploadTracker is the registry of in-flight uploads, safe for concurrent
// handlers.
type UploadTracker struct {
	mu       sync.RWMutex
	sessions map[string]*UploadSession
}

// NewUploadTracker creates an empty tracker.
func NewUploadTracker() *UploadTracker {
	return &UploadTracker{sessions: make(map[string]*UploadSession)}
}

// UploadHandle is held by the upload that owns a session. End must be
// called on every exit path, typically with defer.
type UploadHandle struct {
	tracker *UploadTracker
	id      string
	once    sync.Once
}

// Begin registers a new session and returns its handle.
func (t *UploadTracker) Begin(filename, site, path string, expected *int64) *UploadHandle {
	id := uuid.NewString()
	t.mu.Lock()
	t.sessions[id] = &UploadSession{
		ID:            id,
		Filename:      filename,
		SourceSite:    site,
		SourcePath:    path,
		ExpectedBytes: expected,
		Status:        UploadUploading,
		StartedAt:     time.Now().UTC(),
	}
	t.mu.Unlock()
	activeUploads.Inc()
	return &UploadHandle{tracker: t, id: id}
}

// ID returns the session id.
func (h *UploadHandle) ID() string {
	return h.id
}

// Advance records n more received bytes.
func (h *UploadHandle) Advance(n int64) {
	h.tracker.mu.Lock()
	if s, ok := h.tracker.sessions[h.id]; ok {
		s.ReceivedBytes += n
	}
	h.tracker.mu.Unlock()
}

// SetStatus moves the session to another phase.
func (h *UploadHandle) SetStatus(status UploadStatus) {
	h.tracker.mu.Lock()
	if s, ok := h.tracker.sessions[h.id]; ok {
		s.Status = status
	}
	h.tracker.mu.Unlock()
}

// End removes the session. Calling it more than once is harmless.
func (h *UploadHandle) End() {
	h.once.Do(func() {
		h.tracker.mu.Lock()
		delete(h.tracker.sessions, h.id)
		h.tracker.mu.Unlock()
		activeUploads.Dec()
	})
}

// Active returns a snapshot of in-flight sessions, oldest first.
func (t *UploadTracker) Active() []UploadSession {
	t.mu.RLock()
	out := make([]UploadSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		snap := *s
		if snap.ExpectedBytes != nil && *snap.ExpectedBytes > 0 {
			p := float64(snap.ReceivedBytes) / float64(*snap.ExpectedBytes) * 100
			snap.Progress = &p
		}
		out = append(out, snap)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of in-flight sessions.
func (t *UploadTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
