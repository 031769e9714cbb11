package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodpipe/internal/catalog"
	"vodpipe/internal/encoder"
	"vodpipe/internal/ladder"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/workspace"
)

const testAssetID = "asset-1"

type fakeInvoker struct {
	fail map[string]encoder.Kind
	gate chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
	// contexts maps each profile label to the profile and asset recorded
	// on the context it was encoded under.
	contexts map[string][2]string
}

func (f *fakeInvoker) Encode(ctx context.Context, _ string, p ladder.Profile, dir string) (encoder.Result, error) {
	ctxProfile, _ := logging.ProfileFromContext(ctx)
	ctxAsset, _ := logging.AssetIDFromContext(ctx)
	f.mu.Lock()
	if f.contexts == nil {
		f.contexts = make(map[string][2]string)
	}
	f.contexts[p.Label] = [2]string{ctxProfile, ctxAsset}
	f.active++
	f.calls++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if kind, ok := f.fail[p.Label]; ok {
		return encoder.Result{}, &encoder.Error{Kind: kind, Profile: p.Label, ExitCode: 1}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return encoder.Result{}, &encoder.Error{Kind: encoder.KindCanceled, Profile: p.Label, Err: ctx.Err()}
		}
	}
	path := filepath.Join(dir, encoder.PlaylistName(p))
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\n" + p.Label + "_000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return encoder.Result{}, &encoder.Error{Kind: encoder.KindIOFailure, Profile: p.Label, Err: err}
	}
	return encoder.Result{SegmentsDir: dir, PlaylistPath: path, Segments: []string{p.Label + "_000.ts"}}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	coord *Coordinator
	store *catalog.Memory
	ws    *workspace.Workspace
	job   Job
}

func newHarness(t *testing.T, inv encoder.Invoker, fanOut int) harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := catalog.NewMemory()
	if err := store.InsertAsset(context.Background(), catalog.Asset{
		ID:         testAssetID,
		Title:      "clip",
		SourcePath: testAssetID + "/source.mp4",
	}); err != nil {
		t.Fatalf("insert asset: %v", err)
	}
	coord, err := New(Config{
		Store:     store,
		Invoker:   inv,
		Workspace: ws,
		FanOut:    fanOut,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return harness{
		coord: coord,
		store: store,
		ws:    ws,
		job:   Job{AssetID: testAssetID, SourcePath: testAssetID + "/source.mp4", Ladder: ladder.Default(), EnqueuedAt: time.Now()},
	}
}

func (h harness) asset(t *testing.T) catalog.Asset {
	t.Helper()
	asset, err := h.store.GetAsset(context.Background(), testAssetID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	return asset
}

func TestRunPartialSuccessPublishesOnlySurvivors(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]encoder.Kind{
		"480p":  encoder.KindEncoderFailed,
		"1080p": encoder.KindTimeout,
	}}
	h := newHarness(t, inv, 0)

	outcome, err := h.coord.Run(context.Background(), h.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != catalog.StatusProcessed || len(outcome.Failures) != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	asset := h.asset(t)
	if asset.Status != catalog.StatusProcessed {
		t.Fatalf("status = %s", asset.Status)
	}
	if len(asset.Renditions) != 2 || asset.Renditions[0].Label != "360p" || asset.Renditions[1].Label != "720p" {
		t.Fatalf("unexpected renditions: %+v", asset.Renditions)
	}
	if asset.MasterPlaylistPath != testAssetID+"/"+playlist.MasterFilename {
		t.Fatalf("master path = %q", asset.MasterPlaylistPath)
	}
	if asset.Renditions[1].PlaylistPath != testAssetID+"/720p.m3u8" {
		t.Fatalf("rendition path = %q", asset.Renditions[1].PlaylistPath)
	}

	data, err := os.ReadFile(h.ws.Abs(asset.MasterPlaylistPath))
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	want := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p.m3u8\n"
	if string(data) != want {
		t.Fatalf("master playlist:\n%s\nwant:\n%s", data, want)
	}
}

func TestEncodeTagsEachProfileContext(t *testing.T) {
	inv := &fakeInvoker{}
	h := newHarness(t, inv, 0)

	if _, err := h.coord.Run(context.Background(), h.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, p := range ladder.Default() {
		got := inv.contexts[p.Label]
		if got[0] != p.Label || got[1] != testAssetID {
			t.Fatalf("profile %s encoded with context profile=%q asset=%q", p.Label, got[0], got[1])
		}
	}
}

func TestRunAllFailedMarksFailedWithoutMaster(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]encoder.Kind{
		"360p":  encoder.KindEncoderFailed,
		"480p":  encoder.KindEncoderFailed,
		"720p":  encoder.KindIOFailure,
		"1080p": encoder.KindTimeout,
	}}
	h := newHarness(t, inv, 0)
	dir, err := h.ws.EnsureAssetDir(testAssetID)
	if err != nil {
		t.Fatalf("EnsureAssetDir: %v", err)
	}
	stale := filepath.Join(dir, playlist.MasterFilename)
	if err := os.WriteFile(stale, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write stale master: %v", err)
	}

	outcome, err := h.coord.Run(context.Background(), h.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != catalog.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Reason, "all 4 renditions failed") || !strings.Contains(outcome.Reason, "360p: encoder_failed (exit 1)") {
		t.Fatalf("reason = %q", outcome.Reason)
	}

	asset := h.asset(t)
	if asset.Status != catalog.StatusFailed || len(asset.Renditions) != 0 {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if asset.Error != outcome.Reason {
		t.Fatalf("asset error = %q", asset.Error)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("master playlist should not exist, stat err = %v", err)
	}
}

func TestPollingNeverObservesPartialPublication(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{})}
	h := newHarness(t, inv, 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Run(context.Background(), h.job)
		done <- err
	}()

	check := func(asset catalog.Asset) {
		if asset.Status != catalog.StatusProcessed && len(asset.Renditions) != 0 {
			t.Fatalf("renditions visible while %s: %+v", asset.Status, asset.Renditions)
		}
		if asset.Status == catalog.StatusProcessed && len(asset.Renditions) != len(h.job.Ladder) {
			t.Fatalf("processed asset with %d renditions", len(asset.Renditions))
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for inv.callCount() < len(h.job.Ladder) {
		if time.Now().After(deadline) {
			t.Fatal("encoders never started")
		}
		check(h.asset(t))
		time.Sleep(time.Millisecond)
	}
	close(inv.gate)

	for {
		asset := h.asset(t)
		check(asset)
		if asset.Status == catalog.StatusProcessed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("asset never processed, status %s", asset.Status)
		}
		time.Sleep(time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFailedProfileDoesNotCancelSiblings(t *testing.T) {
	inv := &fakeInvoker{
		fail: map[string]encoder.Kind{"360p": encoder.KindEncoderFailed},
		gate: make(chan struct{}),
	}
	h := newHarness(t, inv, 0)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := h.coord.Encode(context.Background(), h.job)
		if err != nil {
			t.Errorf("Encode: %v", err)
		}
		done <- outcome
	}()

	deadline := time.Now().Add(5 * time.Second)
	for inv.callCount() < len(h.job.Ladder) {
		if time.Now().After(deadline) {
			t.Fatal("encoders never started")
		}
		time.Sleep(time.Millisecond)
	}
	// 360p has already failed; the rest are still running.
	close(inv.gate)

	outcome := <-done
	if outcome.Status != catalog.StatusProcessed || len(outcome.Renditions) != 3 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestEncodeRespectsFanOut(t *testing.T) {
	inv := &fakeInvoker{}
	h := newHarness(t, inv, 2)
	if _, err := h.coord.Encode(context.Background(), h.job); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if inv.maxActive > 2 {
		t.Fatalf("fan-out exceeded: %d concurrent encodes", inv.maxActive)
	}
	if inv.callCount() != len(h.job.Ladder) {
		t.Fatalf("calls = %d", inv.callCount())
	}
}

func TestInterruptedJobCommitsNothing(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{})}
	h := newHarness(t, inv, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Run(ctx, h.job)
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for inv.callCount() < len(h.job.Ladder) {
		if time.Now().After(deadline) {
			t.Fatal("encoders never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if asset := h.asset(t); asset.Status != catalog.StatusProcessing || len(asset.Renditions) != 0 {
		t.Fatalf("interrupted job changed catalog: %+v", asset)
	}
}

func TestCommitReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeInvoker{}, 0)
	outcome, err := h.coord.Run(context.Background(), h.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.coord.Commit(context.Background(), outcome); err != nil {
		t.Fatalf("replayed commit should succeed, got %v", err)
	}

	conflicting := Outcome{AssetID: testAssetID, Status: catalog.StatusFailed, Reason: "late"}
	err = h.coord.Commit(context.Background(), conflicting)
	var commitErr *CommitError
	if !errors.As(err, &commitErr) || commitErr.Retryable || !errors.Is(err, catalog.ErrTerminal) {
		t.Fatalf("expected non-retryable terminal error, got %v", err)
	}
}

func TestCommitMissingAssetIsNotRetryable(t *testing.T) {
	h := newHarness(t, &fakeInvoker{}, 0)
	err := h.coord.Commit(context.Background(), Outcome{AssetID: "nope", Status: catalog.StatusFailed, Reason: "x"})
	var commitErr *CommitError
	if !errors.As(err, &commitErr) || commitErr.Retryable || !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected non-retryable not-found error, got %v", err)
	}
}

func TestPrepareRejectsTerminalAsset(t *testing.T) {
	h := newHarness(t, &fakeInvoker{}, 0)
	if err := h.store.MarkFailed(context.Background(), testAssetID, "gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := h.coord.Prepare(context.Background(), h.job); !errors.Is(err, catalog.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}
