// Package pipeline turns one Job into one terminal catalog transaction. It
// fans a source out across the ladder, partitions the results, writes the
// master playlist for the survivors and hands the outcome to the catalog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vodpipe/internal/catalog"
	"vodpipe/internal/encoder"
	"vodpipe/internal/ladder"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/workspace"
)

// ErrInterrupted is returned by Encode when the job context ends before the
// outcome is known. Nothing is committed for an interrupted job.
var ErrInterrupted = errors.New("job interrupted")

// Job is one request to process an Asset. Ladder is the copy taken at
// enqueue time. Attempt starts at 1 and is higher for a job resumed after an
// interruption.
type Job struct {
	AssetID    string
	SourcePath string
	Ladder     ladder.Ladder
	Attempt    int
	EnqueuedAt time.Time
}

// Failure records why one profile did not produce a rendition.
type Failure struct {
	Profile  string
	Kind     encoder.Kind
	ExitCode int
	Err      error
}

// Outcome is the result of Encode, ready to be committed.
type Outcome struct {
	AssetID    string
	Status     catalog.Status
	MasterPath string
	Renditions []catalog.Rendition
	Failures   []Failure
	Reason     string
}

// CommitError reports that the terminal transaction did not apply.
// Retryable is false when retrying cannot change the result.
type CommitError struct {
	AssetID   string
	Status    catalog.Status
	Retryable bool
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit asset %s as %s: %v", e.AssetID, e.Status, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Config wires the coordinator to its collaborators.
type Config struct {
	Store     catalog.Store
	Invoker   encoder.Invoker
	Workspace *workspace.Workspace
	// FanOut bounds concurrent encoder invocations per job. Zero means one
	// per profile.
	FanOut  int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Coordinator runs jobs. It is safe for concurrent use across jobs.
type Coordinator struct {
	store   catalog.Store
	invoker encoder.Invoker
	ws      *workspace.Workspace
	fanOut  int
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("catalog store is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("encoder invoker is required")
	}
	if cfg.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if cfg.FanOut < 0 {
		return nil, fmt.Errorf("fan-out must not be negative, got %d", cfg.FanOut)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Coordinator{
		store:   cfg.Store,
		invoker: cfg.Invoker,
		ws:      cfg.Workspace,
		fanOut:  cfg.FanOut,
		logger:  logging.WithComponent(logger, "pipeline"),
		metrics: rec,
	}, nil
}

// Prepare moves the asset to Processing. A terminal asset yields
// catalog.ErrTerminal and the job should be dropped.
func (c *Coordinator) Prepare(ctx context.Context, job Job) error {
	if err := c.store.MarkProcessing(ctx, job.AssetID); err != nil {
		return fmt.Errorf("mark asset %s processing: %w", job.AssetID, err)
	}
	return nil
}

// Encode runs every profile of the job's ladder and waits for all of them.
// A failing profile never cancels its siblings. The returned Outcome is
// Processed when at least one rendition succeeded and Failed otherwise.
func (c *Coordinator) Encode(ctx context.Context, job Job) (Outcome, error) {
	if len(job.Ladder) == 0 {
		return Outcome{}, fmt.Errorf("asset %s: job has an empty ladder", job.AssetID)
	}
	ctx = logging.ContextWithAssetID(ctx, job.AssetID)
	logger := logging.WithContext(ctx, c.logger).With("attempt", job.Attempt)

	dir, err := c.ws.EnsureAssetDir(job.AssetID)
	if err != nil {
		return c.failedOutcome(job, dir, nil, fmt.Sprintf("prepare output directory: %v", err)), nil
	}
	source := job.SourcePath
	if !filepath.IsAbs(source) {
		source = c.ws.Abs(source)
	}

	type slot struct {
		result encoder.Result
		err    error
	}
	slots := make([]slot, len(job.Ladder))

	var group errgroup.Group
	limit := c.fanOut
	if limit == 0 || limit > len(job.Ladder) {
		limit = len(job.Ladder)
	}
	group.SetLimit(limit)
	for i, profile := range job.Ladder {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				slots[i].err = &encoder.Error{Kind: encoder.KindCanceled, Profile: profile.Label, Err: err}
				return nil
			}
			profileCtx := logging.ContextWithProfile(ctx, profile.Label)
			start := time.Now()
			res, err := c.invoker.Encode(profileCtx, source, profile, dir)
			slots[i] = slot{result: res, err: err}
			outcome := "succeeded"
			if err != nil {
				outcome = string(encoder.KindOf(err))
				if outcome == "" {
					outcome = "error"
				}
			}
			c.metrics.ObserveRendition(profile.Label, outcome, time.Since(start))
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("encode asset %s: %w: %w", job.AssetID, ErrInterrupted, err)
	}

	var (
		variants []playlist.Variant
		failures []Failure
	)
	for i, profile := range job.Ladder {
		s := slots[i]
		if s.err == nil {
			variants = append(variants, playlist.Variant{Index: i, Profile: profile, Result: s.result})
			continue
		}
		failure := Failure{Profile: profile.Label, Kind: encoder.KindOf(s.err), Err: s.err}
		var encErr *encoder.Error
		if errors.As(s.err, &encErr) {
			failure.ExitCode = encErr.ExitCode
		}
		failures = append(failures, failure)
		logger.Warn("rendition failed",
			"profile", failure.Profile,
			"kind", string(failure.Kind),
			"exit_code", failure.ExitCode,
			"error", s.err,
		)
	}

	if len(variants) == 0 {
		return c.failedOutcome(job, dir, failures, summarizeFailures(len(job.Ladder), failures)), nil
	}

	master, err := playlist.BuildMaster(job.AssetID, dir, variants)
	if err != nil {
		logger.Error("master playlist write failed", "error", err)
		return c.failedOutcome(job, dir, failures, err.Error()), nil
	}
	masterRel, err := c.ws.Rel(master.Path)
	if err != nil {
		return Outcome{}, fmt.Errorf("asset %s: %w", job.AssetID, err)
	}

	renditions := make([]catalog.Rendition, 0, len(variants))
	for _, v := range variants {
		rel, err := c.ws.Rel(v.Result.PlaylistPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("asset %s: %w", job.AssetID, err)
		}
		renditions = append(renditions, catalog.Rendition{
			AssetID:      job.AssetID,
			Label:        v.Profile.Label,
			Bitrate:      v.Profile.Bitrate,
			Width:        v.Profile.Width,
			Height:       v.Profile.Height,
			PlaylistPath: rel,
		})
	}
	logger.Info("renditions encoded", "succeeded", len(renditions), "failed", len(failures))
	return Outcome{
		AssetID:    job.AssetID,
		Status:     catalog.StatusProcessed,
		MasterPath: masterRel,
		Renditions: renditions,
		Failures:   failures,
	}, nil
}

// failedOutcome removes any master playlist left by an earlier attempt so a
// Failed asset never has one on disk.
func (c *Coordinator) failedOutcome(job Job, dir string, failures []Failure, reason string) Outcome {
	if dir != "" {
		if err := os.Remove(filepath.Join(dir, playlist.MasterFilename)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("remove stale master playlist", "asset_id", job.AssetID, "error", err)
		}
	}
	return Outcome{
		AssetID:  job.AssetID,
		Status:   catalog.StatusFailed,
		Failures: failures,
		Reason:   reason,
	}
}

func summarizeFailures(total int, failures []Failure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		part := f.Profile + ": " + string(f.Kind)
		if f.Kind == encoder.KindEncoderFailed {
			part += fmt.Sprintf(" (exit %d)", f.ExitCode)
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf("all %d renditions failed: %s", total, strings.Join(parts, "; "))
}

// Commit applies the outcome as exactly one catalog transaction. A replayed
// commit whose earlier attempt already landed is reported as success.
func (c *Coordinator) Commit(ctx context.Context, outcome Outcome) error {
	var err error
	switch outcome.Status {
	case catalog.StatusProcessed:
		err = c.store.PublishProcessed(ctx, outcome.AssetID, outcome.MasterPath, outcome.Renditions)
	case catalog.StatusFailed:
		err = c.store.MarkFailed(ctx, outcome.AssetID, outcome.Reason)
	default:
		return &CommitError{AssetID: outcome.AssetID, Status: outcome.Status, Err: fmt.Errorf("unexpected outcome status %q", outcome.Status)}
	}
	if err == nil {
		return nil
	}

	commitErr := &CommitError{AssetID: outcome.AssetID, Status: outcome.Status, Err: err}
	switch {
	case errors.Is(err, catalog.ErrTerminal):
		current, getErr := c.store.GetAsset(ctx, outcome.AssetID)
		if getErr == nil && current.Status == outcome.Status {
			return nil
		}
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrNoRenditions):
	default:
		commitErr.Retryable = true
	}
	return commitErr
}

// Run prepares, encodes and commits one job.
func (c *Coordinator) Run(ctx context.Context, job Job) (Outcome, error) {
	if err := c.Prepare(ctx, job); err != nil {
		return Outcome{}, err
	}
	outcome, err := c.Encode(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	if err := c.Commit(ctx, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}
