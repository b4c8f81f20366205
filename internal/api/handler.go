// Package api implements the JSON endpoints: library listings, conversion
// control, and the health probe. Route registration lives in the server
// package; handlers here only deal in requests and responses.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"watchparty/internal/convert"
	"watchparty/internal/library"
)

// Handler carries the services the endpoints delegate to.
type Handler struct {
	library  *library.Service
	registry *convert.Registry
	logger   *slog.Logger
}

func NewHandler(lib *library.Service, registry *convert.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{library: lib, registry: registry, logger: logger}
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type videoListResponse struct {
	Items []library.Video `json:"items"`
}

type subtitleListResponse struct {
	Items []library.Subtitle `json:"items"`
}

type rawListResponse struct {
	Dir   string            `json:"dir"`
	Items []library.RawFile `json:"items"`
}

// Videos lists the converted titles ready for playback.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	videos, err := h.library.Videos()
	if err != nil {
		h.logger.Error("list videos failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "unable to list videos")
		return
	}
	writeJSON(w, http.StatusOK, videoListResponse{Items: videos})
}

// Subtitles lists the tracks inside one video folder.
func (h *Handler) Subtitles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	folder := r.URL.Query().Get("folder")
	subtitles, err := h.library.Subtitles(folder)
	if err != nil {
		if errors.Is(err, library.ErrInvalidFolder) {
			writeError(w, http.StatusBadRequest, "invalid_path", "folder must be a plain directory name")
			return
		}
		h.logger.Error("list subtitles failed", "folder", folder, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "unable to list subtitles")
		return
	}
	writeJSON(w, http.StatusOK, subtitleListResponse{Items: subtitles})
}

// Unconverted lists the raw files eligible for conversion.
func (h *Handler) Unconverted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	files, err := h.library.Unconverted()
	if err != nil {
		h.logger.Error("list unconverted failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "unable to list raw files")
		return
	}
	writeJSON(w, http.StatusOK, rawListResponse{Dir: h.library.RawDir(), Items: files})
}

type convertRequest struct {
	SourcePath  string `json:"sourcePath"`
	DesiredName string `json:"desiredName"`
}

// StartConvert validates the request and launches a conversion job. The
// response only says the job started; its outcome is observed by polling.
func (h *Handler) StartConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req convertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	result, err := h.registry.Start(req.SourcePath, req.DesiredName)
	if err != nil {
		switch {
		case errors.Is(err, convert.ErrMissingPath):
			writeError(w, http.StatusBadRequest, "missing_path", "sourcePath is required")
		case errors.Is(err, convert.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path", "sourcePath must name a file inside the unconverted directory")
		default:
			h.logger.Error("conversion start failed", "source", req.SourcePath, "error", err)
			writeError(w, http.StatusInternalServerError, "convert_failed", "unable to start conversion")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// ConvertStatus reports one job, identified by the trailing path element.
func (h *Handler) ConvertStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/convert/status/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	report, err := h.registry.PollStatus(id)
	if err != nil {
		if errors.Is(err, convert.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown job")
			return
		}
		h.logger.Error("status poll failed", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unable to read job status")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
