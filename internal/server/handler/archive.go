package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// ArchiveHandler serves the cold-storage archive: object listing and JSONL
// download for offline analysis.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

// List handles GET /api/archive/objects?prefix=...
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive list failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}

	type object struct {
		Path         string `json:"path"`
		Size         int64  `json:"size"`
		LastModified string `json:"last_modified"`
	}
	out := make([]object, 0, len(infos))
	for _, info := range infos {
		out = append(out, object{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

// Download handles GET /api/archive/objects/{path...} and streams the raw
// JSONL object body.
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing object path")
		return
	}

	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		h.logger.WarnContext(r.Context(), "archive get failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream aborted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
