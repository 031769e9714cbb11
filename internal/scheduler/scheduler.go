// Package scheduler accepts jobs, guarantees at most one in flight per asset
// and runs them on a bounded pool of worker slots. Accepted jobs beyond the
// slot ceiling wait in FIFO order; the wait is not bounded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"vodpipe/internal/catalog"
	"vodpipe/internal/ladder"
	"vodpipe/internal/lease"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/pipeline"
)

var (
	// ErrAlreadyInFlight rejects a job for an asset that already has one
	// accepted and not yet resolved.
	ErrAlreadyInFlight = errors.New("asset already has a job in flight")
	// ErrStopped rejects jobs after Shutdown.
	ErrStopped = errors.New("scheduler stopped")
)

const (
	jobKind = "vod"

	defaultCommitAttempts   = 5
	defaultCommitBackoff    = 500 * time.Millisecond
	defaultCommitBackoffMax = 30 * time.Second
	defaultLeaseTTL         = 2 * time.Minute
	leaseReleaseTimeout     = 5 * time.Second
)

// Processor runs the phases of one job. *pipeline.Coordinator implements it.
type Processor interface {
	Prepare(ctx context.Context, job pipeline.Job) error
	Encode(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error)
	Commit(ctx context.Context, outcome pipeline.Outcome) error
}

// Config wires a Scheduler. Processor and a valid Ladder are required.
type Config struct {
	Processor Processor
	// Store is read by Recover. It may be nil when recovery is not used.
	Store  catalog.Store
	Ladder ladder.Ladder
	// Slots is the number of jobs encoding at once. Defaults to half of
	// GOMAXPROCS, at least one.
	Slots            int
	CommitAttempts   int
	CommitBackoff    time.Duration
	CommitBackoffMax time.Duration
	// Leaser extends single-flight across processes. Defaults to lease.Noop.
	Leaser   lease.Leaser
	LeaseTTL time.Duration
	// RecoverOnStart re-enqueues unfinished assets when Start is called.
	RecoverOnStart bool
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Scheduler owns the in-flight arena and the FIFO of accepted jobs.
type Scheduler struct {
	processor        Processor
	store            catalog.Store
	ladder           ladder.Ladder
	slots            int
	commitAttempts   int
	commitBackoff    time.Duration
	commitBackoffMax time.Duration
	leaser           lease.Leaser
	leaseTTL         time.Duration
	recoverOnStart   bool
	logger           *slog.Logger
	metrics          *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	// wake carries at most one pending signal; a worker that takes a job
	// and sees more waiting passes the signal on.
	wake chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	pending  []*handle
	inFlight map[string]*handle
	started  bool
	stopped  bool
}

// handle is an asset's entry in the in-flight arena. It lives from accept
// until the terminal commit is resolved or abandoned. The lease is kept
// alive for the whole of that span, queued or running.
type handle struct {
	job         pipeline.Job
	lease       lease.Lease
	stopRefresh func()
}

// New validates cfg and applies defaults. Call Start to launch the workers.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("ladder: %w", err)
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = runtime.GOMAXPROCS(0) / 2
		if slots < 1 {
			slots = 1
		}
	}
	attempts := cfg.CommitAttempts
	if attempts <= 0 {
		attempts = defaultCommitAttempts
	}
	backoff := cfg.CommitBackoff
	if backoff <= 0 {
		backoff = defaultCommitBackoff
	}
	backoffMax := cfg.CommitBackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultCommitBackoffMax
	}
	if backoffMax < backoff {
		backoffMax = backoff
	}
	leaser := cfg.Leaser
	if leaser == nil {
		leaser = lease.Noop{}
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		processor:        cfg.Processor,
		store:            cfg.Store,
		ladder:           cfg.Ladder.Clone(),
		slots:            slots,
		commitAttempts:   attempts,
		commitBackoff:    backoff,
		commitBackoffMax: backoffMax,
		leaser:           leaser,
		leaseTTL:         leaseTTL,
		recoverOnStart:   cfg.RecoverOnStart,
		logger:           logging.WithComponent(logger, "scheduler"),
		metrics:          rec,
		ctx:              ctx,
		cancel:           cancel,
		wake:             make(chan struct{}, 1),
		inFlight:         make(map[string]*handle),
	}, nil
}

// Slots reports the worker ceiling.
func (s *Scheduler) Slots() int {
	return s.slots
}

// Start launches the workers and, when configured, recovery.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.slots; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("scheduler started", "slots", s.slots)

	if s.recoverOnStart {
		go func() {
			if _, err := s.Recover(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("recovery failed", "error", err)
			}
		}()
	}
}

// Shutdown stops accepting jobs and waits for the workers. Jobs still
// encoding are interrupted and left for recovery on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, h := range queued {
		s.finish(h)
	}
	s.metrics.SetQueueDepth(0)
	return nil
}

// Enqueue accepts a job for assetID. It never blocks: the job waits behind
// earlier ones until a slot frees up. A second job for an asset that is
// still in flight yields ErrAlreadyInFlight.
func (s *Scheduler) Enqueue(assetID, sourcePath string) error {
	return s.enqueue(assetID, sourcePath, 1)
}

// InFlight reports whether assetID has an accepted, unresolved job.
func (s *Scheduler) InFlight(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[strings.TrimSpace(assetID)]
	return ok
}

// Recover re-enqueues every Pending or Processing asset. An asset found in
// Processing was interrupted mid-job, so its job counts as a second attempt.
// It returns the number of jobs accepted.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, errors.New("recovery requires a catalog store")
	}
	assets, err := s.store.ListRecoverable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recoverable assets: %w", err)
	}
	accepted := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		attempt := 1
		if asset.Status == catalog.StatusProcessing {
			attempt = 2
		}
		err := s.enqueue(asset.ID, asset.SourcePath, attempt)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyInFlight):
		case errors.Is(err, ErrStopped):
			return accepted, err
		default:
			s.logger.Error("failed to recover asset", "asset_id", asset.ID, "error", err)
		}
	}
	if len(assets) > 0 {
		s.logger.Info("recovered unfinished assets", "found", len(assets), "accepted", accepted)
	}
	return accepted, nil
}

// enqueue registers the handle, takes its lease and appends it to the FIFO.
func (s *Scheduler) enqueue(assetID, sourcePath string, attempt int) error {
	id := strings.TrimSpace(assetID)
	if id == "" {
		return errors.New("asset id is required")
	}
	h := &handle{job: pipeline.Job{
		AssetID:    id,
		SourcePath: sourcePath,
		Ladder:     s.ladder.Clone(),
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.inFlight[id]; exists {
		s.mu.Unlock()
		s.metrics.EnqueueRejected("already_in_flight")
		return ErrAlreadyInFlight
	}
	s.inFlight[id] = h
	s.mu.Unlock()

	held, err := s.leaser.Acquire(s.ctx, id, s.leaseTTL)
	if err != nil {
		s.finish(h)
		if errors.Is(err, lease.ErrHeld) {
			s.metrics.EnqueueRejected("leased_elsewhere")
			return fmt.Errorf("%w: leased by another process", ErrAlreadyInFlight)
		}
		return fmt.Errorf("acquire lease for %s: %w", id, err)
	}
	h.lease = held
	h.stopRefresh = s.keepLeaseAlive(h, s.logger.With("asset_id", id))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.finish(h)
		return ErrStopped
	}
	s.pending = append(s.pending, h)
	depth := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest accepted job, waiting for one if the FIFO is empty.
// It returns nil once the scheduler is stopping.
func (s *Scheduler) next() *handle {
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		if len(s.pending) > 0 {
			h := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			depth := len(s.pending)
			s.mu.Unlock()
			s.metrics.SetQueueDepth(depth)
			if depth > 0 {
				s.signal()
			}
			return h
		}
		s.mu.Unlock()
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		h := s.next()
		if h == nil {
			return
		}
		s.process(h)
		s.finish(h)
	}
}

func (s *Scheduler) process(h *handle) {
	job := h.job
	ctx := logging.ContextWithAssetID(s.ctx, job.AssetID)
	logger := logging.WithContext(ctx, s.logger).With("attempt", job.Attempt)

	err := s.retry(ctx, logger, "prepare", func(ctx context.Context) error {
		return s.processor.Prepare(ctx, job)
	}, func(err error) bool {
		return !errors.Is(err, catalog.ErrTerminal) && !errors.Is(err, catalog.ErrNotFound)
	})
	if err != nil {
		if errors.Is(err, catalog.ErrTerminal) {
			logger.Info("asset already terminal; dropping job")
			return
		}
		logger.Error("failed to mark asset processing", "error", err)
		return
	}

	s.metrics.TranscoderJobStarted(jobKind)
	started := time.Now()
	outcome, err := s.processor.Encode(ctx, job)
	if err != nil {
		s.metrics.TranscoderJobAbandoned(jobKind)
		if errors.Is(err, pipeline.ErrInterrupted) {
			logger.Warn("job interrupted; asset left for recovery", "error", err)
			return
		}
		logger.Error("job failed before commit; asset left processing", "error", err)
		s.metrics.AssetStuck()
		return
	}

	err = s.retry(ctx, logger, "commit", func(ctx context.Context) error {
		return s.processor.Commit(context.WithoutCancel(ctx), outcome)
	}, func(err error) bool {
		var commitErr *pipeline.CommitError
		if errors.As(err, &commitErr) {
			return commitErr.Retryable
		}
		return true
	})
	if err != nil {
		logger.Error("terminal commit abandoned; asset left processing", "status", outcome.Status, "error", err)
		s.metrics.AssetStuck()
		s.metrics.TranscoderJobAbandoned(jobKind)
		return
	}

	elapsed := time.Since(started)
	if outcome.Status == catalog.StatusProcessed {
		s.metrics.TranscoderJobCompleted(jobKind, elapsed)
	} else {
		s.metrics.TranscoderJobFailed(jobKind, elapsed)
	}
	logger.Info("job committed",
		"status", outcome.Status,
		"renditions", len(outcome.Renditions),
		"failed_profiles", len(outcome.Failures),
		"duration_ms", elapsed.Milliseconds(),
	)
}

// retry runs fn up to commitAttempts times with capped exponential backoff.
// Backoff waits end early on shutdown.
func (s *Scheduler) retry(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error, retryable func(error) bool) error {
	backoff := s.commitBackoff
	var err error
	for attempt := 1; attempt <= s.commitAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == s.commitAttempts {
			break
		}
		if op == "commit" {
			s.metrics.CommitRetried()
		}
		logger.Warn(op+" failed; retrying", "attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s interrupted after %d attempts: %w", op, attempt, err)
		}
		backoff *= 2
		if backoff > s.commitBackoffMax {
			backoff = s.commitBackoffMax
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, s.commitAttempts, err)
}

// keepLeaseAlive refreshes the handle's lease every third of its TTL until
// the returned stop func is called.
func (s *Scheduler) keepLeaseAlive(h *handle, logger *slog.Logger) func() {
	if h.lease == nil {
		return func() {}
	}
	if _, ok := s.leaser.(lease.Noop); ok {
		return func() {}
	}
	refreshCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				err := h.lease.Refresh(refreshCtx, s.leaseTTL)
				if err == nil || refreshCtx.Err() != nil {
					continue
				}
				logger.Warn("lease refresh failed", "error", err)
				if errors.Is(err, lease.ErrLost) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finish stops the lease refresh, releases the lease and removes the handle
// from the arena.
func (s *Scheduler) finish(h *handle) {
	if h.stopRefresh != nil {
		h.stopRefresh()
	}
	if h.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		if err := h.lease.Release(ctx); err != nil {
			s.logger.Warn("failed to release lease", "asset_id", h.job.AssetID, "error", err)
		}
		cancel()
	}
	s.mu.Lock()
	if current, ok := s.inFlight[h.job.AssetID]; ok && current == h {
		delete(s.inFlight, h.job.AssetID)
	}
	s.mu.Unlock()
}
