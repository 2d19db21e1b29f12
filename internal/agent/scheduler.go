package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Outcome is what the scheduler did with one file.
type Outcome string

const (
	OutcomeUploaded   Outcome = "uploaded"
	OutcomeRegistered Outcome = "registered"
	OutcomeKnownLocal Outcome = "known_locally"
	OutcomeOnServer   Outcome = "already_on_server"
	OutcomeVanished   Outcome = "vanished"
	OutcomeFailed     Outcome = "failed"
)

// Center is the part of the center API the scheduler needs.
type Center interface {
	Check(ctx context.Context, f FileInfo) (*CheckResult, error)
	Upload(ctx context.Context, f FileInfo, body io.Reader) (*UploadResult, error)
	RegisterMetadata(ctx context.Context, f FileInfo) (*UploadResult, error)
}

type queueItem struct {
	path   string
	forced bool
}

// Scheduler uploads stable files one at a time in arrival order.
type Scheduler struct {
	center       Center
	ledger       *LocalLedger
	metadataOnly bool
	onFailure    func(path string)

	mu     sync.Mutex
	queue  []*queueItem
	queued map[string]*queueItem
	wake   chan struct{}
	active atomic.Int32
}

// NewScheduler creates a scheduler. onFailure, if set, is called with the
// path of every file that could not be placed on the center.
func NewScheduler(center Center, ledger *LocalLedger, metadataOnly bool, onFailure func(path string)) *Scheduler {
	return &Scheduler{
		center:       center,
		ledger:       ledger,
		metadataOnly: metadataOnly,
		onFailure:    onFailure,
		queued:       make(map[string]*queueItem),
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue adds path to the queue unless it is already waiting.
func (s *Scheduler) Enqueue(path string) bool {
	return s.push(queueItem{path: path})
}

// Requeue adds path for a retransfer. The center's content check no longer
// short-circuits it.
func (s *Scheduler) Requeue(path string) bool {
	return s.push(queueItem{path: path, forced: true})
}

func (s *Scheduler) push(item queueItem) bool {
	s.mu.Lock()
	if waiting, ok := s.queued[item.path]; ok {
		waiting.forced = waiting.forced || item.forced
		s.mu.Unlock()
		return false
	}
	s.queued[item.path] = &item
	s.queue = append(s.queue, &item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) pop() (queueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queueItem{}, false
	}
	item := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	delete(s.queued, item.path)
	return *item, true
}

// Pending returns the number of queued files.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Active returns the number of files being transferred right now (0 or 1).
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Run drains the queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "component", "scheduler", "metadata_only", s.metadataOnly)
	for {
		item, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopped", "component", "scheduler")
				return nil
			case <-s.wake:
				continue
			}
		}
		s.Process(ctx, item.path, item.forced)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Process places one file on the center.
func (s *Scheduler) Process(ctx context.Context, path string, forced bool) Outcome {
	s.active.Add(1)
	defer s.active.Add(-1)

	logger := slog.With("component", "scheduler", "path", path)
	outcome, err := s.process(ctx, path, forced)
	switch {
	case err != nil:
		logger.Error("upload failed", "error", err)
		if s.onFailure != nil {
			s.onFailure(path)
		}
		return OutcomeFailed
	case outcome == OutcomeUploaded || outcome == OutcomeRegistered:
		logger.Info("file placed on center", "outcome", outcome)
	default:
		logger.Info("upload skipped", "outcome", outcome)
	}
	return outcome
}

func (s *Scheduler) process(ctx context.Context, path string, forced bool) (Outcome, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeVanished, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	known, err := s.ledger.Has(ctx, path)
	if err != nil {
		return OutcomeFailed, err
	}
	if known {
		return OutcomeKnownLocal, nil
	}

	hash, n, err := HashFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeVanished, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("hash: %w", err)
	}
	if n != info.Size() {
		return OutcomeFailed, fmt.Errorf("file changed while hashing: size %d, read %d", info.Size(), n)
	}
	f := FileInfo{Path: path, Filename: filepath.Base(path), Size: n, Hash: hash}

	check, err := s.center.Check(ctx, f)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check: %w", err)
	}
	if check.Exists && !(forced && check.Reason == "hash") {
		remote := ""
		if check.FileID != nil {
			remote = *check.FileID
		}
		return OutcomeOnServer, s.remember(ctx, f, remote)
	}

	var (
		res     *UploadResult
		outcome Outcome
	)
	if s.metadataOnly {
		res, err = s.center.RegisterMetadata(ctx, f)
		outcome = OutcomeRegistered
	} else {
		res, err = s.upload(ctx, f)
		outcome = OutcomeUploaded
	}
	if errors.Is(err, ErrAlreadyOnServer) {
		return OutcomeOnServer, s.remember(ctx, f, "")
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if res.Duplicate {
		slog.Warn("center flagged probable duplicate", "component", "scheduler", "path", path, "duplicate_of", res.DuplicateOf)
	}
	return outcome, s.remember(ctx, f, res.File.ID)
}

func (s *Scheduler) upload(ctx context.Context, f FileInfo) (*UploadResult, error) {
	body, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return s.center.Upload(ctx, f, io.LimitReader(body, f.Size))
}

func (s *Scheduler) remember(ctx context.Context, f FileInfo, remoteID string) error {
	return s.ledger.Record(ctx, &LocalLedgerEntry{
		FilePath:   f.Path,
		Filename:   f.Filename,
		FileSize:   f.Size,
		SHA256Hash: f.Hash,
		RemoteID:   remoteID,
	})
}
