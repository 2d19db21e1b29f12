package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"ferry/internal/server/database"
	"ferry/internal/server/storage"
	"ferry/internal/server/workflow"
)

// Upload modes, used as a metrics label and in the audit trail.
const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
	ModeMetadata = "metadata"
)

// Chunk sizes for reading upload bodies.
const (
	BufferedChunkSize = 1 << 20
	StreamChunkSize   = 4 << 20
)

const maxFilenameLength = 255

// IngestRequest describes one inbound upload.
type IngestRequest struct {
	Filename     string
	SourceSite   string
	SourcePath   string
	ExpectedSize *int64
	ExpectedHash string
	Body         io.Reader
	Mode         string
	// MaxBytes bounds the body; zero means unbounded.
	MaxBytes int64
	Actor    Actor
}

// MetadataRequest registers a file without transferring its bytes.
type MetadataRequest struct {
	Filename   string `json:"filename"`
	SourceSite string `json:"source_site"`
	SourcePath string `json:"source_path"`
	FileSize   int64  `json:"file_size"`
	SHA256Hash string `json:"sha256_hash"`
	Actor      Actor  `json:"-"`
}

// IngestResult is returned for an accepted file.
type IngestResult struct {
	File        *database.FileRecord  `json:"file"`
	Ledger      *database.LedgerEntry `json:"ledger"`
	Duplicate   bool                  `json:"duplicate"`
	DuplicateOf *string               `json:"duplicate_of,omitempty"`
	UploadID    string                `json:"upload_id,omitempty"`
}

// CheckQuery asks whether content or an origin is already known.
type CheckQuery struct {
	Hash       string
	Filename   string
	Site       string
	SourcePath string
}

// CheckResult answers a CheckQuery.
type CheckResult struct {
	Exists bool            `json:"exists"`
	Reason string          `json:"reason,omitempty"`
	FileID *string         `json:"file_id,omitempty"`
	State  *workflow.State `json:"state,omitempty"`
}

// IngestService receives files from sites and commits them to the registry
// and the content ledger.
type IngestService struct {
	repo    Repository
	ledger  *LedgerService
	store   storage.Store
	tracker *UploadTracker
}

// NewIngestService creates a new ingest service.
func NewIngestService(repo Repository, ledger *LedgerService, store storage.Store, tracker *UploadTracker) *IngestService {
	return &IngestService{repo: repo, ledger: ledger, store: store, tracker: tracker}
}

// Ingest receives req.Body into staging and, when size and hash match what
// was declared, records the file in state detected. On any failure the
// partial file is removed and nothing is recorded.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	outcome := "error"
	defer func() { uploadsTotal.WithLabelValues(req.Mode, outcome).Inc() }()

	site, name, err := s.admit(ctx, req.SourceSite, req.SourcePath, req.Filename)
	if err != nil {
		outcome = "rejected"
		return nil, err
	}

	var expectedHash string
	if req.ExpectedHash != "" {
		if expectedHash, err = NormalizeHash(req.ExpectedHash); err != nil {
			outcome = "rejected"
			return nil, err
		}
	}
	if req.ExpectedSize != nil {
		if *req.ExpectedSize < 0 {
			outcome = "rejected"
			return nil, fmt.Errorf("%w: negative size", ErrInvalidInput)
		}
		if req.MaxBytes > 0 && *req.ExpectedSize > req.MaxBytes {
			outcome = "rejected"
			return nil, ErrTooLarge
		}
	}

	handle := s.tracker.Begin(name, site.Name, req.SourcePath, req.ExpectedSize)
	defer func() {
		if outcome != "ok" {
			handle.SetStatus(UploadFailed)
		}
		handle.End()
	}()

	staged, err := s.store.Create(site.Name, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := staged.Abort(); err != nil {
				slog.Error("failed to discard partial upload", "filename", name, "error", err)
			}
		}
	}()

	if err := s.receive(ctx, req, staged, handle); err != nil {
		if errors.Is(err, ErrTooLarge) {
			outcome = "rejected"
		}
		return nil, err
	}

	handle.SetStatus(UploadVerifying)
	received := staged.Written()
	if req.ExpectedSize != nil && received != *req.ExpectedSize {
		outcome = "integrity"
		slog.Warn("upload size mismatch",
			"filename", name, "site", site.Name, "expected", *req.ExpectedSize, "received", received)
		return nil, fmt.Errorf("%w: expected %d bytes, received %d", ErrSizeMismatch, *req.ExpectedSize, received)
	}
	hash := staged.Sum()
	if expectedHash != "" && hash != expectedHash {
		outcome = "integrity"
		slog.Warn("upload hash mismatch",
			"filename", name, "site", site.Name, "expected", expectedHash, "computed", hash)
		return nil, fmt.Errorf("%w: expected %s, computed %s", ErrHashMismatch, expectedHash, hash)
	}

	path, err := staged.Commit()
	committed = true
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	res, err := s.commit(ctx, &database.FileRecord{
		Filename:    name,
		SourceSite:  site.Name,
		SourcePath:  req.SourcePath,
		FileSize:    received,
		SHA256Hash:  hash,
		StoragePath: &path,
	}, req.Mode, req.Actor)
	if err != nil {
		if delErr := s.store.Delete(path); delErr != nil {
			slog.Error("failed to remove staged file", "path", path, "error", delErr)
		}
		if errors.Is(err, ErrPathClaimed) {
			outcome = "rejected"
		}
		return nil, err
	}

	outcome = "ok"
	res.UploadID = handle.ID()
	return res, nil
}

func (s *IngestService) receive(ctx context.Context, req IngestRequest, w *storage.StagedFile, handle *UploadHandle) error {
	chunk := StreamChunkSize
	if req.Mode == ModeBuffered {
		chunk = BufferedChunkSize
	}
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}
		n, rerr := req.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write upload data: %w", err)
			}
			handle.Advance(int64(n))
			uploadBytesTotal.Add(float64(n))
			if req.MaxBytes > 0 && w.Written() > req.MaxBytes {
				return ErrTooLarge
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("failed to receive upload data: %w", rerr)
		}
	}
}

// RegisterMetadata records a file from its declared size and hash alone.
func (s *IngestService) RegisterMetadata(ctx context.Context, req MetadataRequest) (*IngestResult, error) {
	outcome := "error"
	defer func() { uploadsTotal.WithLabelValues(ModeMetadata, outcome).Inc() }()

	site, name, err := s.admit(ctx, req.SourceSite, req.SourcePath, req.Filename)
	if err != nil {
		outcome = "rejected"
		return nil, err
	}
	hash, err := NormalizeHash(req.SHA256Hash)
	if err != nil {
		outcome = "rejected"
		return nil, err
	}
	if req.FileSize < 0 {
		outcome = "rejected"
		return nil, fmt.Errorf("%w: negative size", ErrInvalidInput)
	}

	res, err := s.commit(ctx, &database.FileRecord{
		Filename:   name,
		SourceSite: site.Name,
		SourcePath: req.SourcePath,
		FileSize:   req.FileSize,
		SHA256Hash: hash,
	}, ModeMetadata, req.Actor)
	if err != nil {
		if errors.Is(err, ErrPathClaimed) {
			outcome = "rejected"
		}
		return nil, err
	}
	outcome = "ok"
	return res, nil
}

// admit runs the checks shared by every ingest path: the site must be
// registered and active, the origin must be free and the filename must be safe.
func (s *IngestService) admit(ctx context.Context, siteName, sourcePath, filename string) (*database.Site, string, error) {
	if strings.TrimSpace(siteName) == "" {
		return nil, "", fmt.Errorf("%w: source site is required", ErrInvalidInput)
	}
	site, err := s.repo.FindSite(ctx, siteName)
	if err != nil {
		if errors.Is(err, database.ErrSiteNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownSite, siteName)
		}
		return nil, "", err
	}
	if !site.IsActive {
		return nil, "", fmt.Errorf("%w: site %s is inactive", ErrUnknownSite, site.Name)
	}
	if sourcePath == "" {
		return nil, "", fmt.Errorf("%w: source path is required", ErrInvalidInput)
	}

	existing, err := s.repo.FindBySource(ctx, site.Name, sourcePath)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return nil, "", fmt.Errorf("%w: %s:%s is file %s", ErrPathClaimed, site.Name, sourcePath, existing.ID)
	}

	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, "", err
	}
	return site, name, nil
}

// commit writes the record, ledger entry and audit entry, then re-reads the
// record before reporting success.
func (s *IngestService) commit(ctx context.Context, rec *database.FileRecord, mode string, actor Actor) (*IngestResult, error) {
	res := &IngestResult{}
	if prior, err := s.priorHolder(ctx, rec); err != nil {
		return nil, err
	} else if prior != "" {
		res.Duplicate = true
		res.DuplicateOf = &prior
	}

	state := workflow.StateDetected
	details := fmt.Sprintf("%s upload of %d bytes from %s:%s", mode, rec.FileSize, rec.SourceSite, rec.SourcePath)
	if res.Duplicate {
		details += "; probable duplicate of " + *res.DuplicateOf
	}
	entry, err := s.repo.CommitIngest(ctx, database.Ingest{
		File: rec,
		Audit: &database.AuditEntry{
			Action:      "File received",
			NewState:    &state,
			PerformedBy: actor.performedBy(),
			IPAddress:   actor.ipAddress(),
			Details:     &details,
		},
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: %s:%s", ErrPathClaimed, rec.SourceSite, rec.SourcePath)
		}
		return nil, fmt.Errorf("failed to record file: %w", err)
	}

	got, err := s.repo.GetFile(ctx, rec.ID)
	if err != nil || got.SHA256Hash != rec.SHA256Hash || got.FileSize != rec.FileSize || got.State != workflow.StateDetected {
		slog.Error("file record verification failed", "file_id", rec.ID, "error", err)
		return nil, ErrVerifyFailed
	}

	if res.Duplicate {
		duplicatesTotal.Inc()
		slog.Warn("probable duplicate accepted",
			"file_id", got.ID,
			"hash", got.SHA256Hash,
			"site", got.SourceSite,
			"path", got.SourcePath,
			"duplicate_of", *res.DuplicateOf,
		)
	}
	slog.Info("file received",
		"file_id", got.ID,
		"filename", got.Filename,
		"site", got.SourceSite,
		"size", got.FileSize,
		"hash", got.SHA256Hash,
		"mode", mode,
	)

	res.File = got
	res.Ledger = entry
	return res, nil
}

// priorHolder describes an earlier ingest of the same bytes from another
// origin, or returns "" when there is none.
func (s *IngestService) priorHolder(ctx context.Context, rec *database.FileRecord) (string, error) {
	prior, err := s.repo.FindByHash(ctx, rec.SHA256Hash)
	if err != nil {
		return "", err
	}
	if prior != nil && !(strings.EqualFold(prior.SourceSite, rec.SourceSite) && prior.SourcePath == rec.SourcePath) {
		return prior.ID, nil
	}
	if prior == nil {
		entry, err := s.ledger.Lookup(ctx, rec.SHA256Hash)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if entry != nil {
			return fmt.Sprintf("ledger:%s (%s from %s)", entry.SHA256Hash, entry.Filename, entry.SourceSite), nil
		}
	}
	return "", nil
}

// Check reports whether hash or the (site, path) origin is already known,
// so an agent can skip the transfer.
func (s *IngestService) Check(ctx context.Context, q CheckQuery) (*CheckResult, error) {
	if q.Site != "" {
		site, err := s.repo.FindSite(ctx, q.Site)
		switch {
		case err == nil && !site.IsActive:
			return nil, fmt.Errorf("%w: site %s is inactive", ErrUnknownSite, site.Name)
		case err != nil && !errors.Is(err, database.ErrSiteNotFound):
			return nil, err
		}
	}
	if q.Hash != "" {
		hash, err := NormalizeHash(q.Hash)
		if err != nil {
			return nil, err
		}
		seen, err := s.ledger.Seen(ctx, hash)
		if err != nil {
			return nil, err
		}
		if seen {
			res := &CheckResult{Exists: true, Reason: "hash"}
			if f, err := s.repo.FindByHash(ctx, hash); err == nil && f != nil {
				res.FileID = &f.ID
				res.State = &f.State
			}
			return res, nil
		}
	}

	if q.Site != "" && q.SourcePath != "" {
		f, err := s.repo.FindBySource(ctx, q.Site, q.SourcePath)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return &CheckResult{Exists: true, Reason: "path", FileID: &f.ID, State: &f.State}, nil
		}
	}

	if q.Hash == "" && (q.Site == "" || q.SourcePath == "") {
		return nil, fmt.Errorf("%w: hash or site and source_path required", ErrInvalidInput)
	}
	return &CheckResult{Exists: false}, nil
}

// SanitizeFilename accepts a bare file name and rejects anything that could
// address another location.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: empty", ErrInvalidFilename)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: contains a path separator", ErrInvalidFilename)
	case strings.Contains(name, ".."):
		return "", fmt.Errorf("%w: contains a parent reference", ErrInvalidFilename)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: contains a NUL byte", ErrInvalidFilename)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: hidden file names are not accepted", ErrInvalidFilename)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidFilename)
	case len(name) > maxFilenameLength:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	}
	return name, nil
}
