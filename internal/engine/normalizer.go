package engine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/quantgrid/flowbot/internal/domain"
)

// TickNormalizer validates raw feed ticks at the ingestion boundary. A tick
// missing its instrument key, price or timestamp is malformed and rejected;
// nothing downstream ever has to guard against absent fields again.
type TickNormalizer struct {
	logger *slog.Logger

	dropped atomic.Int64
}

// NewTickNormalizer creates a TickNormalizer.
func NewTickNormalizer(logger *slog.Logger) *TickNormalizer {
	return &TickNormalizer{
		logger: logger.With(slog.String("component", "tick_normalizer")),
	}
}

// Normalize checks the tick and returns the canonical form. It returns
// domain.ErrMalformedTick (wrapped) when a required field is missing or
// nonsensical; the caller drops such ticks without raising.
func (n *TickNormalizer) Normalize(t domain.Tick) (domain.Tick, error) {
	if t.InstrumentKey == "" {
		return domain.Tick{}, n.reject(t, "empty instrument key")
	}
	if t.Price <= 0 {
		return domain.Tick{}, n.reject(t, "non-positive price")
	}
	if t.TimestampMs <= 0 {
		return domain.Tick{}, n.reject(t, "missing timestamp")
	}
	if t.Qty < 0 {
		return domain.Tick{}, n.reject(t, "negative quantity")
	}

	// Drop zero/negative book levels rather than letting them poison wall
	// ratios downstream.
	t.Bids = cleanLevels(t.Bids)
	t.Asks = cleanLevels(t.Asks)
	return t, nil
}

// Dropped returns the number of malformed ticks rejected so far.
func (n *TickNormalizer) Dropped() int64 {
	return n.dropped.Load()
}

func (n *TickNormalizer) reject(t domain.Tick, why string) error {
	n.dropped.Add(1)
	n.logger.Debug("tick rejected",
		slog.String("instrument", t.InstrumentKey),
		slog.String("reason", why),
	)
	return fmt.Errorf("tick_normalizer: %s: %w", why, domain.ErrMalformedTick)
}

func cleanLevels(levels []domain.BookLevel) []domain.BookLevel {
	clean := true
	for _, l := range levels {
		if l.Price <= 0 || l.Qty <= 0 {
			clean = false
			break
		}
	}
	if clean {
		return levels
	}
	out := make([]domain.BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Qty > 0 {
			out = append(out, l)
		}
	}
	return out
}
