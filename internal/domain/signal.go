package domain

import "time"

// ReasonCode explains why an entry or exit happened.
type ReasonCode string

const (
	ReasonFailedAuctionBuy  ReasonCode = "FAILED_AUCTION_BUY"
	ReasonFailedAuctionSell ReasonCode = "FAILED_AUCTION_SELL"
	ReasonReversal          ReasonCode = "REVERSAL"
	ReasonStopLoss          ReasonCode = "SL_HIT"
	ReasonTakeProfit        ReasonCode = "TP_HIT"
	ReasonTimeStop          ReasonCode = "TIME_STOP"
	ReasonShutdown          ReasonCode = "SHUTDOWN"
)

// TradeSignal is the immutable entry event emitted when a position opens.
type TradeSignal struct {
	TradeID       string       `json:"trade_id"`
	InstrumentKey string       `json:"instrument_key"`
	Side          PositionSide `json:"side"`
	Price         float64      `json:"price"`
	StopLoss      float64      `json:"sl_price"`
	TakeProfit    float64      `json:"tp_price"`
	Qty           int64        `json:"qty"`
	Reason        ReasonCode   `json:"reason"`
	Timestamp     time.Time    `json:"timestamp"`
}

// TradeExit is the immutable exit event emitted when a position closes. Its
// TradeID always matches a previously emitted TradeSignal for the same
// instrument.
type TradeExit struct {
	TradeID       string       `json:"trade_id"`
	InstrumentKey string       `json:"instrument_key"`
	Side          PositionSide `json:"side"`
	EntryPrice    float64      `json:"entry_price"`
	ExitPrice     float64      `json:"exit_price"`
	Qty           int64        `json:"qty"`
	PnL           float64      `json:"pnl"`
	Reason        ReasonCode   `json:"reason"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Candidate is a not-yet-confirmed trade idea produced by the order-flow
// detector and handed to the signal confirmer.
type Candidate struct {
	InstrumentKey string
	Side          PositionSide
	Price         float64
	Reason        ReasonCode
	At            time.Time
}

// Regime classifies market conditions for the confirmation filters.
type Regime string

const (
	RegimeTrend     Regime = "TREND"
	RegimeReversion Regime = "REVERSION"
	RegimeSkip      Regime = "SKIP"
)
