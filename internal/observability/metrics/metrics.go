package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vodpipe"

// Recorder owns the pipeline's Prometheus collectors on a private registry so
// tests can construct independent instances.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	jobsTotal      *prometheus.CounterVec
	jobsActive     prometheus.Gauge
	activeJobs     atomic.Int64
	jobDuration    prometheus.Histogram
	renditionTotal *prometheus.CounterVec
	encodeDuration *prometheus.HistogramVec

	queueDepth      prometheus.Gauge
	enqueueRejected *prometheus.CounterVec
	commitRetries   prometheus.Counter
	stuckAssets     prometheus.Counter
	uploadsTotal    *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with its own registry, including the standard Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcoder_jobs_total",
			Help:      "Transcode jobs by kind and lifecycle status",
		}, []string{"kind", "status"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_jobs_active",
			Help:      "Transcode jobs currently dispatched to the coordinator",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcoder_job_duration_seconds",
			Help:      "Wall-clock time from dispatch to terminal commit",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}),
		renditionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendition_encodes_total",
			Help:      "Per-profile encode attempts by outcome",
		}, []string{"profile", "outcome"}),
		encodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rendition_encode_duration_seconds",
			Help:      "Duration of a single encoder invocation",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"profile"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Jobs accepted but not yet dispatched",
		}),
		enqueueRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_enqueue_rejected_total",
			Help:      "Rejected enqueue calls by reason",
		}, []string{"reason"}),
		commitRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_commit_retries_total",
			Help:      "Terminal catalog transactions retried after a failure",
		}),
		stuckAssets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_stuck_assets_total",
			Help:      "Assets left in processing after commit retries were exhausted",
		}),
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_uploads_total",
			Help:      "Upload intake outcomes",
		}, []string{"outcome"}),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request. path should already be a route
// template or normalized path.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requestsTotal.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

func (r *Recorder) TranscoderJobStarted(kind string) {
	r.jobsTotal.WithLabelValues(normalizeName(kind), "started").Inc()
	r.jobsActive.Set(float64(r.activeJobs.Add(1)))
}

func (r *Recorder) TranscoderJobCompleted(kind string, duration time.Duration) {
	r.jobsTotal.WithLabelValues(normalizeName(kind), "completed").Inc()
	r.jobDuration.Observe(duration.Seconds())
	r.finishJob()
}

func (r *Recorder) TranscoderJobFailed(kind string, duration time.Duration) {
	r.jobsTotal.WithLabelValues(normalizeName(kind), "failed").Inc()
	r.jobDuration.Observe(duration.Seconds())
	r.finishJob()
}

// TranscoderJobAbandoned ends a job that reached no terminal state, such as
// one interrupted by shutdown or left stuck after commit retries.
func (r *Recorder) TranscoderJobAbandoned(kind string) {
	r.jobsTotal.WithLabelValues(normalizeName(kind), "abandoned").Inc()
	r.finishJob()
}

func (r *Recorder) finishJob() {
	for {
		current := r.activeJobs.Load()
		if current <= 0 {
			r.jobsActive.Set(0)
			return
		}
		if r.activeJobs.CompareAndSwap(current, current-1) {
			r.jobsActive.Set(float64(current - 1))
			return
		}
	}
}

// ActiveTranscoderJobs reports jobs started but not yet finished.
func (r *Recorder) ActiveTranscoderJobs() int64 {
	return r.activeJobs.Load()
}

// ObserveRendition records the outcome of one encoder invocation. outcome is
// "succeeded" or an encoder failure kind.
func (r *Recorder) ObserveRendition(profile, outcome string, duration time.Duration) {
	label := normalizeName(profile)
	r.renditionTotal.WithLabelValues(label, normalizeName(outcome)).Inc()
	r.encodeDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) EnqueueRejected(reason string) {
	r.enqueueRejected.WithLabelValues(normalizeName(reason)).Inc()
}

func (r *Recorder) CommitRetried() {
	r.commitRetries.Inc()
}

func (r *Recorder) AssetStuck() {
	r.stuckAssets.Inc()
}

func (r *Recorder) UploadObserved(outcome string) {
	r.uploadsTotal.WithLabelValues(normalizeName(outcome)).Inc()
}

// normalizePath collapses identifier-looking segments so raw URLs do not
// explode label cardinality. Route templates pass through unchanged.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
