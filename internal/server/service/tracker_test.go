package service

import (
	"sync"
	"testing"
)

func TestUploadTracker_Lifecycle(t *testing.T) {
	tr := NewUploadTracker()
	size := int64(200)

	h := tr.Begin("clip.mov", "tustin", "/exports/clip.mov", &size)
	h.Advance(50)

	active := tr.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 session, got %d", len(active))
	}
	if active[0].ReceivedBytes != 50 {
		t.Errorf("expected 50 bytes, got %d", active[0].ReceivedBytes)
	}
	if active[0].Progress == nil || *active[0].Progress != 25 {
		t.Errorf("expected 25%% progress, got %v", active[0].Progress)
	}

	h.End()
	h.End()
	if tr.Count() != 0 {
		t.Errorf("expected no sessions after End, got %d", tr.Count())
	}
	// Advancing an ended session is a no-op.
	h.Advance(10)
}

func TestUploadTracker_Concurrent(t *testing.T) {
	tr := NewUploadTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tr.Begin("f.mov", "tustin", "/exports/f.mov", nil)
			defer h.End()
			for j := 0; j < 100; j++ {
				h.Advance(1)
				_ = tr.Active()
			}
		}()
	}
	wg.Wait()

	if tr.Count() != 0 {
		t.Errorf("sessions leaked: %d", tr.Count())
	}
}

func TestUploadTracker_Status(t *testing.T) {
	tr := NewUploadTracker()
	h := tr.Begin("clip.mov", "tustin", "/exports/clip.mov", nil)
	defer h.End()

	status := func() UploadStatus {
		active := tr.Active()
		if len(active) != 1 {
			t.Fatalf("expected 1 session, got %d", len(active))
		}
		return active[0].Status
	}

	if got := status(); got != UploadUploading {
		t.Errorf("new session: expected %q, got %q", UploadUploading, got)
	}
	h.SetStatus(UploadVerifying)
	if got := status(); got != UploadVerifying {
		t.Errorf("after drain: expected %q, got %q", UploadVerifying, got)
	}
	h.SetStatus(UploadFailed)
	if got := status(); got != UploadFailed {
		t.Errorf("after failure: expected %q, got %q", UploadFailed, got)
	}
}
