package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"vodpipe/internal/catalog"
	"vodpipe/internal/intake"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/workspace"
)

const (
	multipartOverhead = 1 << 20
	maxMetadataBytes  = 64 << 10
	healthTimeout     = 2 * time.Second
)

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/MP2T",
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Upload accepts multipart/form-data with a "metadata" JSON part and a
// "file" part. Plain "title" and "thumbnail_url" fields are accepted in
// place of the metadata document.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}

	var (
		meta    intake.Metadata
		staged  *intake.Staged
		hasMeta bool
	)
	fail := func(status int, err error) {
		h.intake.Discard(staged)
		writeError(w, status, err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(uploadErrorStatus(err), fmt.Errorf("read multipart data: %w", err))
			return
		}
		switch part.FormName() {
		case "file":
			if staged != nil {
				_ = part.Close()
				continue
			}
			staged, err = h.intake.Stage(part, part.FileName())
			_ = part.Close()
			if err != nil {
				fail(uploadErrorStatus(err), err)
				return
			}
		case "metadata":
			decoder := json.NewDecoder(io.LimitReader(part, maxMetadataBytes))
			err := decoder.Decode(&meta)
			_ = part.Close()
			if err != nil {
				fail(http.StatusBadRequest, fmt.Errorf("invalid metadata: %w", err))
				return
			}
			hasMeta = true
		case "title", "thumbnail_url":
			payload, err := io.ReadAll(io.LimitReader(part, maxMetadataBytes))
			name := part.FormName()
			_ = part.Close()
			if err != nil {
				fail(http.StatusBadRequest, fmt.Errorf("read form field: %w", err))
				return
			}
			if hasMeta {
				continue
			}
			if name == "title" {
				meta.Title = string(payload)
			} else {
				meta.ThumbnailURL = string(payload)
			}
		default:
			_ = part.Close()
		}
	}
	if staged == nil {
		writeError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}

	asset, err := h.intake.Accept(r.Context(), meta, staged)
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		logging.FromContext(r.Context(), h.logger).Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store upload"))
		return
	}
	writeJSON(w, http.StatusAccepted, presentAsset(asset))
}

func uploadErrorStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || errors.Is(err, intake.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, intake.ErrEmptyUpload) {
		return http.StatusBadRequest
	}
	if strings.Contains(err.Error(), "multipart") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Video returns the asset and, once Processed, its renditions.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	asset, err := h.store.GetAsset(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		logging.FromContext(r.Context(), h.logger).Error("asset lookup failed", "asset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("asset lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, presentAsset(asset))
}

// presentAsset hides the master playlist path until it is published.
func presentAsset(asset catalog.Asset) catalog.Asset {
	if asset.Status != catalog.StatusProcessed {
		asset.MasterPlaylistPath = ""
	}
	if asset.Renditions == nil {
		asset.Renditions = []catalog.Rendition{}
	}
	return asset
}

// Stream serves playlists and segments from an asset directory.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, filename := vars["id"], vars["filename"]
	path, err := h.ws.Resolve(id, filename)
	if err != nil {
		if errors.Is(err, workspace.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, errors.New("invalid path"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
		return
	}
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	}
	w.Header().Set("Content-Type", contentType)
	if contentType == contentTypes[".m3u8"] {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// Health reports whether the catalog is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logging.FromContext(r.Context(), h.logger).Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
