// Package feed connects to the market-data vendor's WebSocket feed,
// normalises its messages into domain events and hands them to the engine.
package feed

import (
	"github.com/quantgrid/flowbot/internal/domain"
)

// wsCommand is the subscribe/unsubscribe frame sent to the vendor.
type wsCommand struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// depthLevel is one side entry of the vendor's market depth payload.
type depthLevel struct {
	Price float64 `json:"price"`
	Qty   int64   `json:"qty"`
}

// tickMessage is a trade print with optional book depth.
type tickMessage struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Qty        int64   `json:"qty"`
	Ts         int64   `json:"ts"`
	Depth      struct {
		Bids []depthLevel `json:"bids"`
		Asks []depthLevel `json:"asks"`
	} `json:"depth"`
}

// quoteMessage is a best-bid/offer change without a trade.
type quoteMessage struct {
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	BidQty     int64   `json:"bid_qty"`
	Ask        float64 `json:"ask"`
	AskQty     int64   `json:"ask_qty"`
	Ts         int64   `json:"ts"`
}

// infoMessage carries session-level instrument metadata.
type infoMessage struct {
	Instrument   string  `json:"instrument"`
	PrevClose    float64 `json:"prev_close"`
	LowerCircuit float64 `json:"lower_circuit"`
	UpperCircuit float64 `json:"upper_circuit"`
	LotSize      int64   `json:"lot_size"`
}

func tickToDomain(m *tickMessage) domain.Tick {
	t := domain.Tick{
		InstrumentKey: m.Instrument,
		Price:         m.Price,
		Qty:           m.Qty,
		TimestampMs:   m.Ts,
	}
	for _, lvl := range m.Depth.Bids {
		t.Bids = append(t.Bids, domain.BookLevel{Price: lvl.Price, Qty: lvl.Qty})
	}
	for _, lvl := range m.Depth.Asks {
		t.Asks = append(t.Asks, domain.BookLevel{Price: lvl.Price, Qty: lvl.Qty})
	}
	return t
}

func quoteToDomain(m *quoteMessage) domain.QuoteUpdate {
	return domain.QuoteUpdate{
		InstrumentKey: m.Instrument,
		BestBid:       m.Bid,
		BestBidQty:    m.BidQty,
		BestAsk:       m.Ask,
		BestAskQty:    m.AskQty,
		TimestampMs:   m.Ts,
	}
}

func infoToDomain(m *infoMessage) domain.MarketInfo {
	return domain.MarketInfo{
		InstrumentKey: m.Instrument,
		PrevClose:     m.PrevClose,
		LowerCircuit:  m.LowerCircuit,
		UpperCircuit:  m.UpperCircuit,
		LotSize:       m.LotSize,
	}
}

// quoteToTick converts a BBO change into a zero-quantity tick carrying single
// level book context, so quotes flow through the same pipeline path as trades.
func quoteToTick(q domain.QuoteUpdate, lastPrice float64) domain.Tick {
	price := lastPrice
	if price <= 0 {
		// No trade seen yet: approximate with the mid.
		price = (q.BestBid + q.BestAsk) / 2
	}
	t := domain.Tick{
		InstrumentKey: q.InstrumentKey,
		Price:         price,
		Qty:           0,
		TimestampMs:   q.TimestampMs,
	}
	if q.BestBid > 0 {
		t.Bids = []domain.BookLevel{{Price: q.BestBid, Qty: q.BestBidQty}}
	}
	if q.BestAsk > 0 {
		t.Asks = []domain.BookLevel{{Price: q.BestAsk, Qty: q.BestAskQty}}
	}
	return t
}
