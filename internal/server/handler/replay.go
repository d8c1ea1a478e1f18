package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/replay"
)

// ReplayHandler exposes the replay control surface.
type ReplayHandler struct {
	coord  *replay.Coordinator
	logger *slog.Logger
}

// NewReplayHandler creates a ReplayHandler.
func NewReplayHandler(coord *replay.Coordinator, logger *slog.Logger) *ReplayHandler {
	return &ReplayHandler{
		coord:  coord,
		logger: logHandler(logger, "replay"),
	}
}

// startRequest is the body for POST /api/replay/start.
type startRequest struct {
	Instruments []string `json:"instruments"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Speed       float64  `json:"speed"`
}

// Start begins a replay session.
// POST /api/replay/start
func (h *ReplayHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Instruments) == 0 {
		writeError(w, http.StatusBadRequest, "instruments is required")
		return
	}
	from, ok := parseTimeParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "from must be RFC 3339 or unix milliseconds")
		return
	}
	to, ok := parseTimeParam(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "to must be RFC 3339 or unix milliseconds")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	if err := h.coord.Start(r.Context(), req.Instruments, from, to, req.Speed); err != nil {
		if errors.Is(err, domain.ErrReplayActive) {
			writeError(w, http.StatusConflict, "replay session already active")
			return
		}
		h.logger.ErrorContext(r.Context(), "replay start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.coord.Status())
}

// Pause suspends the running session.
// POST /api/replay/pause
func (h *ReplayHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.coord.Pause)
}

// Resume continues a paused session.
// POST /api/replay/resume
func (h *ReplayHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.coord.Resume)
}

// Stop cancels the session.
// POST /api/replay/stop
func (h *ReplayHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.coord.Stop)
}

// speedRequest is the body for PUT /api/replay/speed.
type speedRequest struct {
	Speed float64 `json:"speed"`
}

// SetSpeed changes the speed multiplier of the current session.
// PUT /api/replay/speed
func (h *ReplayHandler) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Speed <= 0 {
		writeError(w, http.StatusBadRequest, "speed must be > 0")
		return
	}
	h.control(w, r, func(ctx context.Context) error {
		return h.coord.SetSpeed(ctx, req.Speed)
	})
}

// Status reports the session state.
// GET /api/replay/status
func (h *ReplayHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.coord.Status()
	resp := map[string]any{
		"replay": status,
	}
	if eng := h.coord.Engine(); eng != nil {
		resp["engine"] = eng.Status()
		resp["recent_signals"] = eng.RecentSignals(20)
	}
	writeJSON(w, http.StatusOK, resp)
}

// control runs a coordinator lifecycle call and maps its errors to HTTP.
func (h *ReplayHandler) control(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		if errors.Is(err, domain.ErrReplayInactive) {
			writeError(w, http.StatusConflict, "no active replay session")
			return
		}
		h.logger.ErrorContext(r.Context(), "replay control failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Status())
}
