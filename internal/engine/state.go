// Package engine implements the per-instrument tick processing pipeline:
// normalization, footprint bar aggregation, order-flow wall detection, signal
// confirmation and position risk management. All state for one instrument is
// owned by exactly one lane and is never shared across lanes.
package engine

import (
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// InstrumentState bundles every piece of mutable pipeline state for a single
// instrument. It is created by the engine registry on the first tick and
// mutated only by the owning lane, so none of its fields need locking.
type InstrumentState struct {
	Key string

	// Bar aggregation.
	OpenBar    *domain.Bar
	OpenBucket int64
	LastTickMs int64

	// Lifetime-of-process running aggregates.
	CVD         int64
	TradeCount  int64
	TradeVolume int64
	SessionPV   float64 // price*qty accumulator for session VWAP
	SessionVol  int64

	// Order-flow detection.
	BidWall     *domain.WallState
	AskWall     *domain.WallState
	BrokenWalls []*domain.BrokenWall

	// Confirmation filters.
	ClosedBars []domain.Bar
	EMA        float64
	EMAReady   bool
	LastOBI    float64
	LastOBIAt  time.Time

	// Position risk.
	Position *domain.Position

	// Output throttling.
	LastBarPublish time.Time

	// Drop counters: bad ticks are counted, never raised.
	MalformedTicks  int64
	OutOfOrderTicks int64
}

// NewInstrumentState returns a fresh state for the given instrument key.
func NewInstrumentState(key string) *InstrumentState {
	return &InstrumentState{Key: key}
}

// AvgTradeSize returns the running mean traded quantity per trade tick, or 0
// before the first trade.
func (s *InstrumentState) AvgTradeSize() float64 {
	if s.TradeCount == 0 {
		return 0
	}
	return float64(s.TradeVolume) / float64(s.TradeCount)
}

// VWAP returns the session volume-weighted average price, or 0 before the
// first trade.
func (s *InstrumentState) VWAP() float64 {
	if s.SessionVol == 0 {
		return 0
	}
	return s.SessionPV / float64(s.SessionVol)
}

// Wall returns the active wall for the given book side, which may be nil.
func (s *InstrumentState) Wall(side domain.BookSide) *domain.WallState {
	if side == domain.SideBid {
		return s.BidWall
	}
	return s.AskWall
}

// SetWall installs (or clears, with nil) the wall for the given side.
func (s *InstrumentState) SetWall(side domain.BookSide, w *domain.WallState) {
	if side == domain.SideBid {
		s.BidWall = w
	} else {
		s.AskWall = w
	}
}
