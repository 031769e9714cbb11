// Package intake turns an uploaded file plus its metadata into a Pending
// asset with its source stored under the work root, then submits exactly one
// job for it.
package intake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"

	"vodpipe/internal/catalog"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/workspace"
)

const (
	// DefaultMaxBytes caps a single upload.
	DefaultMaxBytes = 8 << 30
	maxTitleRunes   = 200
	checksumPrefix  = "blake2b-256:"
	stagingPattern  = ".incoming-*"
)

var (
	// ErrEmptyUpload is returned when the file part carried no bytes.
	ErrEmptyUpload = errors.New("uploaded file is empty")
	// ErrTooLarge is returned when the upload exceeds the configured cap.
	ErrTooLarge = errors.New("uploaded file exceeds size limit")
)

var titleProfile = precis.NewFreeform(precis.Norm(norm.NFC), precis.DisallowEmpty)

// ValidationError reports unusable metadata.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Metadata is the JSON document sent alongside the file.
type Metadata struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Enqueuer accepts jobs. *scheduler.Scheduler implements it.
type Enqueuer interface {
	Enqueue(assetID, sourcePath string) error
}

// Config wires a Service. Store, Workspace and Enqueuer are required.
type Config struct {
	Store     catalog.Store
	Workspace *workspace.Workspace
	Enqueuer  Enqueuer
	MaxBytes  int64
	// NewID generates asset ids; defaults to random UUIDs.
	NewID   func() string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Service stages uploads and turns accepted ones into Pending assets.
type Service struct {
	store    catalog.Store
	ws       *workspace.Workspace
	enqueuer Enqueuer
	maxBytes int64
	newID    func() string
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("catalog store is required")
	}
	if cfg.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Service{
		store:    cfg.Store,
		ws:       cfg.Workspace,
		enqueuer: cfg.Enqueuer,
		maxBytes: maxBytes,
		newID:    newID,
		logger:   logging.WithComponent(logger, "intake"),
		metrics:  rec,
	}, nil
}

// Staged is an upload written to a temporary file under the work root but
// not yet attached to an asset.
type Staged struct {
	TempPath     string
	Size         int64
	Checksum     string
	OriginalName string
}

// Stage copies r to a temporary file, hashing it on the way.
func (s *Service) Stage(r io.Reader, originalName string) (*Staged, error) {
	tmp, err := os.CreateTemp(s.ws.Root(), stagingPattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	staged := &Staged{TempPath: tmp.Name(), OriginalName: originalName}
	keep := false
	defer func() {
		_ = tmp.Close()
		if !keep {
			_ = os.Remove(staged.TempPath)
		}
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if written == 0 {
		return nil, ErrEmptyUpload
	}
	if written > s.maxBytes {
		return nil, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("flush upload: %w", err)
	}
	staged.Size = written
	staged.Checksum = checksumPrefix + hex.EncodeToString(hasher.Sum(nil))
	keep = true
	return staged, nil
}

// Discard removes a staged file that will not be accepted.
func (s *Service) Discard(staged *Staged) {
	if staged != nil && staged.TempPath != "" {
		_ = os.Remove(staged.TempPath)
	}
}

// Accept validates metadata, moves the staged file into the asset directory,
// records a Pending asset and enqueues its job once. The scheduler only
// refuses a job while shutting down or when another process holds the
// asset's lease; the asset then stays Pending and is picked up by recovery.
func (s *Service) Accept(ctx context.Context, meta Metadata, staged *Staged) (catalog.Asset, error) {
	if staged == nil || staged.TempPath == "" {
		s.metrics.UploadObserved("rejected")
		return catalog.Asset{}, &ValidationError{Field: "file", Reason: "is required"}
	}
	title, err := NormalizeTitle(meta.Title)
	if err != nil {
		s.Discard(staged)
		s.metrics.UploadObserved("rejected")
		return catalog.Asset{}, err
	}
	thumbnail, err := validateThumbnail(meta.ThumbnailURL)
	if err != nil {
		s.Discard(staged)
		s.metrics.UploadObserved("rejected")
		return catalog.Asset{}, err
	}

	id := s.newID()
	dir, err := s.ws.EnsureAssetDir(id)
	if err != nil {
		s.Discard(staged)
		s.metrics.UploadObserved("error")
		return catalog.Asset{}, err
	}
	sourcePath := filepath.Join(dir, "source"+sourceExt(staged.OriginalName))
	if err := os.Rename(staged.TempPath, sourcePath); err != nil {
		s.Discard(staged)
		_ = os.RemoveAll(dir)
		s.metrics.UploadObserved("error")
		return catalog.Asset{}, fmt.Errorf("store upload: %w", err)
	}
	sourceRel, err := s.ws.Rel(sourcePath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return catalog.Asset{}, err
	}

	asset := catalog.Asset{
		ID:                 id,
		Title:              title,
		SourcePath:         sourceRel,
		SourceChecksum:     staged.Checksum,
		ThumbnailURL:       thumbnail,
		MasterPlaylistPath: id + "/" + playlist.MasterFilename,
		Status:             catalog.StatusPending,
	}
	if err := s.store.InsertAsset(ctx, asset); err != nil {
		_ = os.RemoveAll(dir)
		s.metrics.UploadObserved("error")
		return catalog.Asset{}, fmt.Errorf("record asset %s: %w", id, err)
	}

	logger := logging.FromContext(logging.ContextWithAssetID(ctx, id), s.logger)
	if err := s.enqueuer.Enqueue(id, sourceRel); err != nil {
		logger.Warn("job not queued; asset left pending for recovery", "error", err)
		s.metrics.UploadObserved("deferred")
	} else {
		s.metrics.UploadObserved("accepted")
	}
	logger.Info("upload accepted", "bytes", staged.Size, "checksum", staged.Checksum)

	stored, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return asset, nil
	}
	return stored, nil
}

// NormalizeTitle applies NFC normalization, rejects control characters and
// collapses runs of whitespace.
func NormalizeTitle(raw string) (string, error) {
	collapsed := strings.Join(strings.Fields(raw), " ")
	if collapsed == "" {
		return "", &ValidationError{Field: "title", Reason: "is required"}
	}
	title, err := titleProfile.String(collapsed)
	if err != nil {
		return "", &ValidationError{Field: "title", Reason: "contains disallowed characters"}
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", &ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", maxTitleRunes)}
	}
	return title, nil
}

func validateThumbnail(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", &ValidationError{Field: "thumbnail_url", Reason: "is required"}
	}
	parsed, err := url.Parse(value)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", &ValidationError{Field: "thumbnail_url", Reason: "must be an absolute URL"}
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
		return "", &ValidationError{Field: "thumbnail_url", Reason: "must use http or https"}
	}
	return parsed.String(), nil
}

// sourceExt keeps a short alphanumeric extension from the client's file
// name and drops anything else.
func sourceExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
