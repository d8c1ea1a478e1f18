package engine

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// vwapTolerance is the fractional slack applied to the VWAP-agreement check
// in trend mode: a buy survives as long as price is not more than this
// fraction below session VWAP (and mirrored for sells).
const vwapTolerance = 0.001

// SignalConfirmer applies the independent veto filters to a candidate, in
// order: regime (EMA ± σ band with VWAP agreement), order-book imbalance,
// candlestick confirmation, and minimum hold before reversal. All four must
// pass for the candidate to reach the risk manager.
type SignalConfirmer struct {
	emaPeriod        int
	trendBandSigma   float64
	reversionSigma   float64
	obiBuyThreshold  float64
	obiSellThreshold float64
	obiThrottle      time.Duration
	minHold          time.Duration

	clock  domain.Clock
	logger *slog.Logger
}

// ConfirmerConfig bundles the filter thresholds.
type ConfirmerConfig struct {
	EMAPeriod        int
	TrendBandSigma   float64
	ReversionSigma   float64
	OBIBuyThreshold  float64
	OBISellThreshold float64
	OBIThrottleSec   int
	MinHoldTimeSec   int
}

// NewSignalConfirmer creates a SignalConfirmer.
func NewSignalConfirmer(cfg ConfirmerConfig, clock domain.Clock, logger *slog.Logger) *SignalConfirmer {
	return &SignalConfirmer{
		emaPeriod:        cfg.EMAPeriod,
		trendBandSigma:   cfg.TrendBandSigma,
		reversionSigma:   cfg.ReversionSigma,
		obiBuyThreshold:  cfg.OBIBuyThreshold,
		obiSellThreshold: cfg.OBISellThreshold,
		obiThrottle:      time.Duration(cfg.OBIThrottleSec) * time.Second,
		minHold:          time.Duration(cfg.MinHoldTimeSec) * time.Second,
		clock:            clock,
		logger:           logger.With(slog.String("component", "signal_confirmer")),
	}
}

// OnBarClose feeds a freshly closed bar into the regime state: the bounded
// closed-bar window and the EMA of closes.
func (c *SignalConfirmer) OnBarClose(st *InstrumentState, bar domain.Bar) {
	st.ClosedBars = append(st.ClosedBars, bar)
	if len(st.ClosedBars) > c.emaPeriod {
		st.ClosedBars = st.ClosedBars[len(st.ClosedBars)-c.emaPeriod:]
	}
	if !st.EMAReady {
		st.EMA = bar.Close
		st.EMAReady = true
		return
	}
	k := 2.0 / (float64(c.emaPeriod) + 1.0)
	st.EMA = bar.Close*k + st.EMA*(1.0-k)
}

// Confirm runs all filters against the candidate. It returns nil when every
// filter passes, or an error naming the first veto. Vetoed candidates are
// dropped by the caller; a veto is not a failure.
func (c *SignalConfirmer) Confirm(st *InstrumentState, cand domain.Candidate, tick domain.Tick) error {
	if err := c.regimeFilter(st, cand); err != nil {
		return err
	}
	if err := c.obiFilter(st, cand, tick); err != nil {
		return err
	}
	if err := c.candleFilter(st, cand); err != nil {
		return err
	}
	if err := c.minHoldFilter(st, cand); err != nil {
		return err
	}
	return nil
}

// regimeFilter classifies price against the EMA ± σ band built from closed
// bars. Inside the trend band the candidate must agree with the VWAP-relative
// direction; outside the reversion band only the contrarian direction
// survives; anywhere between, the candidate is dropped.
func (c *SignalConfirmer) regimeFilter(st *InstrumentState, cand domain.Candidate) error {
	if !st.EMAReady || len(st.ClosedBars) < 2 {
		return fmt.Errorf("regime: insufficient closed bars (%d)", len(st.ClosedBars))
	}
	dev := closeStdDev(st.ClosedBars)
	if dev <= 0 {
		return fmt.Errorf("regime: flat close window")
	}

	diff := cand.Price - st.EMA
	dist := math.Abs(diff)

	switch {
	case dist <= c.trendBandSigma*dev:
		// Trend regime: require VWAP agreement.
		vwap := st.VWAP()
		if vwap <= 0 {
			return fmt.Errorf("regime: no session vwap yet")
		}
		if cand.Side == domain.SideLong && cand.Price < vwap*(1-vwapTolerance) {
			return fmt.Errorf("regime: trend buy below vwap %.2f", vwap)
		}
		if cand.Side == domain.SideShort && cand.Price > vwap*(1+vwapTolerance) {
			return fmt.Errorf("regime: trend sell above vwap %.2f", vwap)
		}
		return nil
	case dist >= c.reversionSigma*dev:
		// Reversion regime: only the contrarian direction is allowed.
		if diff > 0 && cand.Side != domain.SideShort {
			return fmt.Errorf("regime: overbought, only sells allowed")
		}
		if diff < 0 && cand.Side != domain.SideLong {
			return fmt.Errorf("regime: oversold, only buys allowed")
		}
		return nil
	default:
		return fmt.Errorf("regime: between bands, skipping")
	}
}

// obiFilter checks resting-book imbalance, recomputing it at most once per
// throttle window; between recomputations the cached value is used.
func (c *SignalConfirmer) obiFilter(st *InstrumentState, cand domain.Candidate, tick domain.Tick) error {
	now := c.clock.Now()
	if st.LastOBIAt.IsZero() || now.Sub(st.LastOBIAt) >= c.obiThrottle {
		obi, ok := computeOBI(tick)
		if !ok {
			return fmt.Errorf("obi: book side empty")
		}
		st.LastOBI = obi
		st.LastOBIAt = now
	}
	if cand.Side == domain.SideLong && st.LastOBI < c.obiBuyThreshold {
		return fmt.Errorf("obi %.3f below buy threshold %.2f", st.LastOBI, c.obiBuyThreshold)
	}
	if cand.Side == domain.SideShort && st.LastOBI > c.obiSellThreshold {
		return fmt.Errorf("obi %.3f above sell threshold %.2f", st.LastOBI, c.obiSellThreshold)
	}
	return nil
}

// candleFilter requires a confirming reversal pattern on the two most recent
// closed bars.
func (c *SignalConfirmer) candleFilter(st *InstrumentState, cand domain.Candidate) error {
	n := len(st.ClosedBars)
	if n < 2 {
		return fmt.Errorf("candles: need 2 closed bars, have %d", n)
	}
	prev, cur := st.ClosedBars[n-2], st.ClosedBars[n-1]
	if cand.Side == domain.SideLong && !confirmsBuy(prev, cur) {
		return fmt.Errorf("candles: no bullish confirmation")
	}
	if cand.Side == domain.SideShort && !confirmsSell(prev, cur) {
		return fmt.Errorf("candles: no bearish confirmation")
	}
	return nil
}

// minHoldFilter blocks a reversal of an open position before the minimum hold
// time has elapsed. Candidates in the direction of the open position pass
// through (the risk manager no-ops them).
func (c *SignalConfirmer) minHoldFilter(st *InstrumentState, cand domain.Candidate) error {
	pos := st.Position
	if pos == nil || pos.Side == cand.Side {
		return nil
	}
	held := c.clock.Now().Sub(pos.EntryTime)
	if held < c.minHold {
		return fmt.Errorf("min hold: reversal after %s, need %s", held, c.minHold)
	}
	return nil
}

// computeOBI returns total resting bid quantity over total resting ask
// quantity. ok is false when either side is empty.
func computeOBI(tick domain.Tick) (float64, bool) {
	var bidQty, askQty int64
	for _, l := range tick.Bids {
		bidQty += l.Qty
	}
	for _, l := range tick.Asks {
		askQty += l.Qty
	}
	if bidQty == 0 || askQty == 0 {
		return 0, false
	}
	return float64(bidQty) / float64(askQty), true
}

// closeStdDev returns the population standard deviation of the window's
// closes.
func closeStdDev(bars []domain.Bar) float64 {
	n := float64(len(bars))
	var sum float64
	for _, b := range bars {
		sum += b.Close
	}
	mean := sum / n
	var variance float64
	for _, b := range bars {
		d := b.Close - mean
		variance += d * d
	}
	return math.Sqrt(variance / n)
}
