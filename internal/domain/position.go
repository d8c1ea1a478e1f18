package domain

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the reversed side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Position is a single open position. At most one exists per instrument; it
// is created, mutated (trailing-stop updates only) and removed exclusively by
// the risk manager.
type Position struct {
	TradeID       string
	InstrumentKey string
	Side          PositionSide
	EntryPrice    float64
	EntryTime     time.Time
	StopLoss      float64
	TakeProfit    float64
	Qty           int64
	TrailingArmed bool
}

// PnL computes realized profit for the position at the given exit price.
func (p Position) PnL(exitPrice float64) float64 {
	if p.Side == SideLong {
		return (exitPrice - p.EntryPrice) * float64(p.Qty)
	}
	return (p.EntryPrice - exitPrice) * float64(p.Qty)
}

// Valid performs the structural check used to detect corrupted position
// state. A position failing this check is dropped by the risk manager.
func (p Position) Valid() bool {
	if p.TradeID == "" || p.InstrumentKey == "" {
		return false
	}
	if p.Side != SideLong && p.Side != SideShort {
		return false
	}
	return p.EntryPrice > 0 && p.Qty > 0
}
