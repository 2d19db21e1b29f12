package agent

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fileKey struct {
	size  int64
	mtime time.Time
}

func keyOf(info fs.FileInfo) fileKey {
	return fileKey{size: info.Size(), mtime: info.ModTime()}
}

func (k fileKey) same(o fileKey) bool {
	return k.size == o.size && k.mtime.Equal(o.mtime)
}

// Watcher polls one export directory and hands stable media files to the
// scheduler. Filesystem events only start tracking early; polling decides.
type Watcher struct {
	dir      string
	exts     map[string]bool
	interval time.Duration
	tracker  *StabilityTracker
	enqueue  func(path string) bool
	now      func() time.Time

	mu      sync.Mutex
	handled map[string]fileKey
}

// NewWatcher creates a watcher for dir. enqueue receives each file once it
// is stable.
func NewWatcher(dir string, exts []string, interval time.Duration, tracker *StabilityTracker, enqueue func(path string) bool) *Watcher {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[strings.ToLower(e)] = true
	}
	return &Watcher{
		dir:      dir,
		exts:     m,
		interval: interval,
		tracker:  tracker,
		enqueue:  enqueue,
		now:      time.Now,
		handled:  make(map[string]fileKey),
	}
}

func (w *Watcher) candidate(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(name))]
}

// list returns the candidate files currently in the directory.
func (w *Watcher) list() (map[string]fs.FileInfo, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fs.FileInfo)
	for _, entry := range entries {
		if entry.IsDir() || !w.candidate(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		out[filepath.Join(w.dir, entry.Name())] = info
	}
	return out, nil
}

// Prime records the files present at startup. Unless uploadExisting is set
// they count as handled and are only picked up again if they change.
func (w *Watcher) Prime(uploadExisting bool) (int, error) {
	files, err := w.list()
	if err != nil {
		return 0, err
	}
	if !uploadExisting {
		w.mu.Lock()
		for path, info := range files {
			w.handled[path] = keyOf(info)
		}
		w.mu.Unlock()
	}
	slog.Info("initial scan complete", "component", "watcher", "files", len(files), "upload_existing", uploadExisting)
	return len(files), nil
}

// Scan polls the directory once and enqueues every file that became stable.
// It returns the number of files enqueued.
func (w *Watcher) Scan() (int, error) {
	files, err := w.list()
	if err != nil {
		return 0, err
	}
	now := w.now()

	present := make(map[string]bool, len(files))
	queued := 0
	for path, info := range files {
		present[path] = true
		if w.consider(path, info, now) {
			queued++
		}
	}
	w.tracker.Retain(present)

	w.mu.Lock()
	for path := range w.handled {
		if !present[path] {
			delete(w.handled, path)
		}
	}
	w.mu.Unlock()
	return queued, nil
}

func (w *Watcher) consider(path string, info fs.FileInfo, now time.Time) bool {
	key := keyOf(info)

	w.mu.Lock()
	if prev, ok := w.handled[path]; ok {
		if prev.same(key) {
			w.mu.Unlock()
			return false
		}
		delete(w.handled, path)
	}
	w.mu.Unlock()

	if !w.tracker.Observe(path, key.size, key.mtime, now) {
		return false
	}

	w.tracker.Forget(path)
	w.mu.Lock()
	w.handled[path] = key
	w.mu.Unlock()

	slog.Info("file stable", "component", "watcher", "path", path, "size", key.size)
	return w.enqueue(path)
}

// Release makes path eligible again after the scheduler gave up on it.
func (w *Watcher) Release(path string) {
	w.mu.Lock()
	delete(w.handled, path)
	w.mu.Unlock()
	w.tracker.Forget(path)
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("filesystem events unavailable, polling only", "component", "watcher", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			slog.Warn("filesystem events unavailable, polling only", "component", "watcher", "dir", w.dir, "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	scan := func() {
		if _, err := w.Scan(); err != nil {
			slog.Warn("directory scan failed", "component", "watcher", "dir", w.dir, "error", err)
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("watcher started", "component", "watcher", "dir", w.dir, "interval", w.interval)
	scan()
	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped", "component", "watcher")
			return nil
		case <-ticker.C:
			scan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.observe(ev.Name)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("filesystem event error", "component", "watcher", "error", err)
		}
	}
}

// observe starts tracking path as soon as an event names it.
func (w *Watcher) observe(path string) {
	if !w.candidate(filepath.Base(path)) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.consider(path, info, w.now())
}
