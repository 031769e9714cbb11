package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vodpipe/internal/catalog"
	"vodpipe/internal/intake"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/workspace"
)

type stubEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubEnqueuer) Enqueue(assetID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, assetID)
	return nil
}

type testEnv struct {
	handler http.Handler
	store   *catalog.Memory
	ws      *workspace.Workspace
	enq     *stubEnqueuer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := catalog.NewMemory()
	enq := &stubEnqueuer{}
	rec := metrics.New()
	svc, err := intake.New(intake.Config{Store: store, Workspace: ws, Enqueuer: enq, Logger: logger, Metrics: rec})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	handler, err := New(Config{Intake: svc, Store: store, Workspace: ws, Metrics: rec, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return testEnv{handler: handler, store: store, ws: ws, enq: enq}
}

func multipartBody(t *testing.T, metadata string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if metadata != "" {
		if err := writer.WriteField("metadata", metadata); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	if withFile {
		part, err := writer.CreateFormFile("file", "clip.mp4")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		_, _ = part.Write([]byte("not really a video"))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestUploadAcceptsMultipart(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, `{"title":"Demo","thumbnail_url":"https://example.com/t.png"}`, true)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)

	rr := env.do(req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", rr.Header())
	}
	var asset catalog.Asset
	if err := json.Unmarshal(rr.Body.Bytes(), &asset); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if asset.Status != catalog.StatusPending || asset.Title != "Demo" || asset.ID == "" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if asset.MasterPlaylistPath != "" {
		t.Fatalf("master path should be hidden until processed: %q", asset.MasterPlaylistPath)
	}
	if len(env.enq.calls) != 1 || env.enq.calls[0] != asset.ID {
		t.Fatalf("enqueue calls = %v", env.enq.calls)
	}
}

func TestUploadRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name     string
		metadata string
		withFile bool
	}{
		{"missing file", `{"title":"x","thumbnail_url":"https://example.com/t.png"}`, false},
		{"malformed metadata", `{"title":`, true},
		{"missing title", `{"thumbnail_url":"https://example.com/t.png"}`, true},
		{"missing thumbnail", `{"title":"x"}`, true},
	}
	for _, tc := range cases {
		body, contentType := multipartBody(t, tc.metadata, tc.withFile)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", contentType)
		if rr := env.do(req); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body=%s", tc.name, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if rr := env.do(req); rr.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart: status = %d", rr.Code)
	}
	if len(env.enq.calls) != 0 {
		t.Fatalf("rejected uploads were enqueued: %v", env.enq.calls)
	}
	leftovers, _ := filepath.Glob(filepath.Join(env.ws.Root(), ".incoming-*"))
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func TestVideoLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/videos/missing", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("missing video status = %d", rr.Code)
	}

	if err := env.store.InsertAsset(ctx, catalog.Asset{ID: "v1", Title: "t", SourcePath: "v1/source.mp4"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.store.PublishProcessed(ctx, "v1", "v1/master.m3u8", []catalog.Rendition{
		{Label: "360p", Bitrate: 800000, Width: 640, Height: 360, PlaylistPath: "v1/360p.m3u8"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/videos/v1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var asset catalog.Asset
	if err := json.Unmarshal(rr.Body.Bytes(), &asset); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if asset.Status != catalog.StatusProcessed || asset.MasterPlaylistPath != "v1/master.m3u8" || len(asset.Renditions) != 1 {
		t.Fatalf("unexpected asset: %+v", asset)
	}
}

func TestStreamServesPlaylistsAndSegments(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.ws.EnsureAssetDir("v1")
	if err != nil {
		t.Fatalf("asset dir: %v", err)
	}
	files := map[string]string{
		"master.m3u8": "#EXTM3U\n",
		"360p_000.ts": "segment",
		"source.mp4":  "raw upload",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cases := []struct {
		path        string
		status      int
		contentType string
		body        string
	}{
		{"/stream/v1/master.m3u8", http.StatusOK, "application/vnd.apple.mpegurl", "#EXTM3U\n"},
		{"/stream/v1/360p_000.ts", http.StatusOK, "video/MP2T", "segment"},
		{"/stream/v1/720p.m3u8", http.StatusNotFound, "", ""},
		{"/stream/v1/source.mp4", http.StatusNotFound, "", ""},
		{"/stream/other/master.m3u8", http.StatusNotFound, "", ""},
		{"/stream/v1/.lock", http.StatusBadRequest, "", ""},
	}
	for _, tc := range cases {
		rr := env.do(httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.path, rr.Code, tc.status)
		}
		if tc.status != http.StatusOK {
			continue
		}
		if got := rr.Header().Get("Content-Type"); got != tc.contentType {
			t.Fatalf("%s: content type = %q", tc.path, got)
		}
		if rr.Body.String() != tc.body {
			t.Fatalf("%s: body = %q", tc.path, rr.Body.String())
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	env.do(httptest.NewRequest(http.MethodGet, "/videos/abc", nil))

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `vodpipe_http_requests_total{method="GET",path="/videos/{id}",status="404"} 1`) {
		t.Fatalf("request metric missing:\n%s", rr.Body.String())
	}
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected logger in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}
