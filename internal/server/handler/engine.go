package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/engine"
)

// EngineHandler serves live engine status, recent signals, bars and trade
// history.
type EngineHandler struct {
	engine   *engine.Engine
	barCache domain.BarCache
	bars     domain.BarStore
	signals  domain.SignalStore
	logger   *slog.Logger
}

// NewEngineHandler creates an EngineHandler. Any dependency may be nil —
// eng is nil in replay and server modes — and the corresponding endpoints
// then report 503.
func NewEngineHandler(eng *engine.Engine, barCache domain.BarCache, bars domain.BarStore, signals domain.SignalStore, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		engine:   eng,
		barCache: barCache,
		bars:     bars,
		signals:  signals,
		logger:   logHandler(logger, "engine"),
	}
}

// Status reports the live engine summary.
// GET /api/engine/status
func (h *EngineHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":      h.engine.Status(),
		"instruments": h.engine.InstrumentKeys(),
	})
}

// RecentSignals returns the most recent emitted trade signals, newest first.
// GET /api/signals/recent
func (h *EngineHandler) RecentSignals(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	opts := parseListOpts(r)
	signals := h.engine.RecentSignals(opts.Limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

// LatestBar returns the most recent bar snapshot for an instrument.
// GET /api/bars/{key}/latest
func (h *EngineHandler) LatestBar(w http.ResponseWriter, r *http.Request) {
	if h.barCache == nil {
		writeError(w, http.StatusServiceUnavailable, "bar cache not configured")
		return
	}
	key := pathParam(r, "key")
	bar, err := h.barCache.GetLatest(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no bar for instrument")
			return
		}
		h.logger.ErrorContext(r.Context(), "latest bar fetch failed",
			slog.String("instrument", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch bar")
		return
	}
	writeJSON(w, http.StatusOK, bar)
}

// ListBars returns closed bars for an instrument in a time range.
// GET /api/bars/{key}?since=...&until=...
func (h *EngineHandler) ListBars(w http.ResponseWriter, r *http.Request) {
	if h.bars == nil {
		writeError(w, http.StatusServiceUnavailable, "bar store not configured")
		return
	}
	key := pathParam(r, "key")
	opts := parseListOpts(r)

	from := time.Unix(0, 0)
	if opts.Since != nil {
		from = *opts.Since
	}
	to := time.Now()
	if opts.Until != nil {
		to = *opts.Until
	}

	bars, err := h.bars.ListRange(r.Context(), key, from, to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "bar range fetch failed",
			slog.String("instrument", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch bars")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bars":  bars,
		"count": len(bars),
	})
}

// ListExits returns completed trades for an instrument.
// GET /api/trades/{key}/exits
func (h *EngineHandler) ListExits(w http.ResponseWriter, r *http.Request) {
	if h.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal store not configured")
		return
	}
	key := pathParam(r, "key")
	opts := parseListOpts(r)

	exits, err := h.signals.ListExits(r.Context(), key, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "exit history fetch failed",
			slog.String("instrument", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch exits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exits": exits,
		"count": len(exits),
	})
}
