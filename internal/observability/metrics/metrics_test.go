package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTranscoderJobLifecycle(t *testing.T) {
	rec := New()
	rec.TranscoderJobStarted("vod")
	rec.TranscoderJobStarted("vod")
	if got := rec.ActiveTranscoderJobs(); got != 2 {
		t.Fatalf("expected 2 active jobs, got %d", got)
	}
	rec.TranscoderJobCompleted("vod", time.Second)
	rec.TranscoderJobFailed("vod", time.Second)
	rec.TranscoderJobAbandoned("vod")

	if got := rec.ActiveTranscoderJobs(); got != 0 {
		t.Fatalf("active jobs should not go negative, got %d", got)
	}
	if got := testutil.ToFloat64(rec.jobsTotal.WithLabelValues("vod", "started")); got != 2 {
		t.Fatalf("started = %v", got)
	}
	if got := testutil.ToFloat64(rec.jobsTotal.WithLabelValues("vod", "failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(rec.jobsActive); got != 0 {
		t.Fatalf("gauge = %v", got)
	}
}

func TestSchedulerCounters(t *testing.T) {
	rec := New()
	rec.EnqueueRejected("already_in_flight")
	rec.EnqueueRejected("already_in_flight")
	rec.CommitRetried()
	rec.AssetStuck()
	rec.SetQueueDepth(3)
	rec.ObserveRendition("720p", "succeeded", 2*time.Second)
	rec.UploadObserved("accepted")

	if got := testutil.ToFloat64(rec.enqueueRejected.WithLabelValues("already_in_flight")); got != 2 {
		t.Fatalf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(rec.queueDepth); got != 3 {
		t.Fatalf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(rec.renditionTotal.WithLabelValues("720p", "succeeded")); got != 1 {
		t.Fatalf("renditions = %v", got)
	}
	if got := testutil.ToFloat64(rec.stuckAssets); got != 1 {
		t.Fatalf("stuck = %v", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/":                       "/",
		"/videos/123456789":       "/videos/:id",
		"/stream/{id}/{filename}": "/stream/{id}/{filename}",
		"/healthz/":               "/healthz",
		"/stream/42/720p_001.ts":  "/stream/:id/:id",
		"/upload":                 "/upload",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	rec := New()
	router := mux.NewRouter()
	router.HandleFunc("/videos/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "missing")
	}).Methods(http.MethodGet)
	router.Use(func(next http.Handler) http.Handler { return HTTPMiddleware(rec, next) })

	req := httptest.NewRequest(http.MethodGet, "/videos/987654321", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(rec.requestsTotal.WithLabelValues("GET", "/videos/{id}", "404")); got != 1 {
		t.Fatalf("expected templated request count, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	rec := New()
	rec.CommitRetried()
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "vodpipe_scheduler_commit_retries_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", rr.Body.String())
	}
}

func TestResponseRecorderCapturesStatusAndBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	rr.WriteHeader(http.StatusAccepted)
	_, _ = rr.Write([]byte("hello"))
	if rr.Status() != http.StatusAccepted || rr.BytesWritten() != 5 {
		t.Fatalf("status=%d bytes=%d", rr.Status(), rr.BytesWritten())
	}
}
