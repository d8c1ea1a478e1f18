package engine

import (
	"log/slog"
	"strconv"

	"github.com/quantgrid/flowbot/internal/domain"
)

// BarAggregator builds fixed-interval OHLCV + footprint bars from ticks.
//
// Aggressor classification is price >= best ask ⇒ buy-initiated and
// price <= best bid ⇒ sell-initiated, inclusive at the touch on both sides;
// anything between contributes to volume but not to the buy/sell split or the
// cumulative volume delta.
type BarAggregator struct {
	intervalSec   int64
	priceDecimals int
	logger        *slog.Logger
}

// NewBarAggregator creates a BarAggregator for the given interval and
// footprint price-bin precision.
func NewBarAggregator(intervalSec, priceDecimals int, logger *slog.Logger) *BarAggregator {
	return &BarAggregator{
		intervalSec:   int64(intervalSec),
		priceDecimals: priceDecimals,
		logger:        logger.With(slog.String("component", "bar_aggregator")),
	}
}

// OnTick applies the tick to the instrument's open bar. It returns the newly
// closed bar when the tick starts a later interval bucket, or nil otherwise.
// Ticks belonging to an already-closed bucket are dropped and counted; the
// bucket rule is "same bucket unless strictly greater timestamp".
func (a *BarAggregator) OnTick(st *InstrumentState, tick domain.Tick) *domain.Bar {
	bucket := domain.Bucket(tick.TimestampMs, a.intervalSec)

	if st.OpenBar == nil {
		st.OpenBar = a.newBar(st, tick, bucket)
		st.OpenBucket = bucket
		st.LastTickMs = tick.TimestampMs
		a.apply(st, st.OpenBar, tick)
		return nil
	}

	if bucket < st.OpenBucket {
		st.OutOfOrderTicks++
		a.logger.Debug("out-of-order tick dropped",
			slog.String("instrument", st.Key),
			slog.Int64("tick_ts", tick.TimestampMs),
			slog.Int64("open_bucket", st.OpenBucket),
		)
		return nil
	}

	if bucket > st.OpenBucket {
		closed := st.OpenBar
		st.OpenBar = a.newBar(st, tick, bucket)
		st.OpenBucket = bucket
		st.LastTickMs = tick.TimestampMs
		a.apply(st, st.OpenBar, tick)
		return closed
	}

	st.LastTickMs = tick.TimestampMs
	a.apply(st, st.OpenBar, tick)
	return nil
}

// Flush returns the currently open bar (for shutdown persistence) without
// closing it. It may return nil when no tick has been seen yet.
func (a *BarAggregator) Flush(st *InstrumentState) *domain.Bar {
	return st.OpenBar
}

func (a *BarAggregator) newBar(st *InstrumentState, tick domain.Tick, bucket int64) *domain.Bar {
	return &domain.Bar{
		InstrumentKey: st.Key,
		StartTs:       bucket * a.intervalSec * 1000,
		IntervalSec:   a.intervalSec,
		Open:          tick.Price,
		High:          tick.Price,
		Low:           tick.Price,
		Close:         tick.Price,
		Footprint:     make(map[string]domain.FootprintCell),
	}
}

// apply mutates the open bar with one tick: OHLC, volume, the per-price
// footprint split and the running CVD / trade-size / VWAP aggregates.
func (a *BarAggregator) apply(st *InstrumentState, bar *domain.Bar, tick domain.Tick) {
	if tick.Price > bar.High {
		bar.High = tick.Price
	}
	if tick.Price < bar.Low {
		bar.Low = tick.Price
	}
	bar.Close = tick.Price

	if tick.Qty > 0 {
		bar.Volume += tick.Qty
		st.TradeCount++
		st.TradeVolume += tick.Qty
		st.SessionPV += tick.Price * float64(tick.Qty)
		st.SessionVol += tick.Qty

		key := a.PriceKey(tick.Price)
		cell := bar.Footprint[key]
		switch classifyAggressor(tick) {
		case domain.SideLong:
			bar.BuyVolume += tick.Qty
			cell.Buy += tick.Qty
			st.CVD += tick.Qty
		case domain.SideShort:
			bar.SellVolume += tick.Qty
			cell.Sell += tick.Qty
			st.CVD -= tick.Qty
		}
		bar.Footprint[key] = cell
	}
	bar.CVD = st.CVD
}

// PriceKey formats a price to the configured number of decimals for use as a
// footprint bin key.
func (a *BarAggregator) PriceKey(price float64) string {
	return strconv.FormatFloat(price, 'f', a.priceDecimals, 64)
}

// classifyAggressor returns SideLong for buy-initiated trades, SideShort for
// sell-initiated trades, and "" when the side cannot be determined from the
// quote captured with the tick.
func classifyAggressor(tick domain.Tick) domain.PositionSide {
	if ask := tick.BestAsk(); ask > 0 && tick.Price >= ask {
		return domain.SideLong
	}
	if bid := tick.BestBid(); bid > 0 && tick.Price <= bid {
		return domain.SideShort
	}
	return ""
}
