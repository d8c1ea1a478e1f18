package domain

import "time"

// FeedEventKind discriminates the message variants produced by a feed adapter.
type FeedEventKind string

const (
	FeedEventTick       FeedEventKind = "tick"
	FeedEventQuote      FeedEventKind = "quote"
	FeedEventMarketInfo FeedEventKind = "market_info"
)

// BookLevel is a single resting price+quantity entry on one side of the book.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   int64   `json:"qty"`
}

// Tick is one canonical market update for one instrument. Qty may be zero for
// quote-only updates. Bid/Ask levels are ordered best-first and may be empty.
// Ticks are immutable once produced by the normalizer.
type Tick struct {
	InstrumentKey string      `json:"instrument_key"`
	Price         float64     `json:"price"`
	Qty           int64       `json:"qty"`
	TimestampMs   int64       `json:"timestamp_ms"`
	Bids          []BookLevel `json:"bids,omitempty"`
	Asks          []BookLevel `json:"asks,omitempty"`
}

// Time returns the tick timestamp as a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TimestampMs)
}

// BestBid returns the top-of-book bid price, or 0 when the bid side is empty.
func (t Tick) BestBid() float64 {
	if len(t.Bids) == 0 {
		return 0
	}
	return t.Bids[0].Price
}

// BestAsk returns the top-of-book ask price, or 0 when the ask side is empty.
func (t Tick) BestAsk() float64 {
	if len(t.Asks) == 0 {
		return 0
	}
	return t.Asks[0].Price
}

// QuoteUpdate is a best-bid/offer change without a trade print.
type QuoteUpdate struct {
	InstrumentKey string
	BestBid       float64
	BestBidQty    int64
	BestAsk       float64
	BestAskQty    int64
	TimestampMs   int64
}

// MarketInfo carries session-level instrument metadata from the feed
// (previous close, circuit limits, lot size).
type MarketInfo struct {
	InstrumentKey string
	PrevClose     float64
	LowerCircuit  float64
	UpperCircuit  float64
	LotSize       int64
}

// FeedEvent is the tagged union delivered by feed adapters. Exactly one of
// Tick/Quote/Info is populated, selected by Kind.
type FeedEvent struct {
	Kind  FeedEventKind
	Tick  *Tick
	Quote *QuoteUpdate
	Info  *MarketInfo
}
