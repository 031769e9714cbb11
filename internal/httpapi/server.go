// Package httpapi exposes upload intake, asset lookup and HLS delivery over
// HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"vodpipe/internal/catalog"
	"vodpipe/internal/intake"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/workspace"
)

type Config struct {
	Intake    *intake.Service
	Store     catalog.Store
	Workspace *workspace.Workspace
	// MaxUploadBytes bounds the whole multipart request body.
	MaxUploadBytes int64
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
}

type Handler struct {
	intake         *intake.Service
	store          catalog.Store
	ws             *workspace.Workspace
	maxUploadBytes int64
	logger         *slog.Logger
}

// New builds the routed handler with request ids, request logging and
// metrics applied.
func New(cfg Config) (http.Handler, error) {
	if cfg.Intake == nil {
		return nil, errors.New("intake service is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("catalog store is required")
	}
	if cfg.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = intake.DefaultMaxBytes
	}
	h := &Handler{
		intake:         cfg.Intake,
		store:          cfg.Store,
		ws:             cfg.Workspace,
		maxUploadBytes: maxUpload,
		logger:         logging.WithComponent(logger, "http"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/upload", h.Upload).Methods(http.MethodPost)
	router.HandleFunc("/videos/{id}", h.Video).Methods(http.MethodGet)
	router.HandleFunc("/stream/{id}/{filename}", h.Stream).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(rec, next)
	})

	requestLogger := logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.logger})
	return requestIDMiddleware(h.logger, securityHeadersMiddleware(requestLogger(router))), nil
}
