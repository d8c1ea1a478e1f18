package domain

import "time"

// BookSide identifies which side of the order book a wall sits on.
type BookSide string

const (
	SideBid BookSide = "bid"
	SideAsk BookSide = "ask"
)

// WallState is a large resting order detected on one side of the book. At
// most one wall exists per side per instrument; a price change replaces the
// wall rather than mutating it in place.
type WallState struct {
	Price     float64
	Qty       int64
	Side      BookSide
	CreatedAt time.Time
	// TestedVolume accumulates quantity traded exactly at the wall price.
	// It resets to zero each time an absorption event fires.
	TestedVolume int64
}

// BrokenWall records a wall that disappeared because price traded through it.
// Active becomes false once the break has produced a reclaim signal or the
// record is pushed out of the bounded per-instrument history.
type BrokenWall struct {
	Price      float64
	Side       BookSide
	BrokenAt   time.Time
	Durability time.Duration
	Active     bool
}

// OrderFlowEventKind labels the events the order-flow detector emits.
type OrderFlowEventKind string

const (
	EventWallDetected      OrderFlowEventKind = "WALL_DETECTED"
	EventWallReload        OrderFlowEventKind = "WALL_RELOAD"
	EventWallBroken        OrderFlowEventKind = "WALL_BROKEN"
	EventAbsorptionBid     OrderFlowEventKind = "ABSORPTION_BID"
	EventAbsorptionAsk     OrderFlowEventKind = "ABSORPTION_ASK"
	EventFailedAuctionBuy  OrderFlowEventKind = "FAILED_AUCTION_BUY"
	EventFailedAuctionSell OrderFlowEventKind = "FAILED_AUCTION_SELL"
)

// OrderFlowEvent is emitted by the detector for wall lifecycle transitions
// and reclaim candidates.
type OrderFlowEvent struct {
	Kind          OrderFlowEventKind `json:"kind"`
	InstrumentKey string             `json:"instrument_key"`
	Price         float64            `json:"price"`
	Side          BookSide           `json:"side"`
	Qty           int64              `json:"qty"`
	At            time.Time          `json:"at"`
}

// IsCandidate reports whether the event is a trade candidate that should be
// run through signal confirmation.
func (e OrderFlowEvent) IsCandidate() bool {
	return e.Kind == EventFailedAuctionBuy || e.Kind == EventFailedAuctionSell
}
