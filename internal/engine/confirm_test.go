package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantgrid/flowbot/internal/domain"
)

func newTestConfirmer(clock domain.Clock) *SignalConfirmer {
	return NewSignalConfirmer(ConfirmerConfig{
		EMAPeriod:        5,
		TrendBandSigma:   1.0,
		ReversionSigma:   3.0,
		OBIBuyThreshold:  1.2,
		OBISellThreshold: 0.8,
		OBIThrottleSec:   1,
		MinHoldTimeSec:   60,
	}, clock, testLogger())
}

func closedBar(open, close float64) domain.Bar {
	high, low := open, close
	if close > high {
		high, low = close, open
	}
	return domain.Bar{InstrumentKey: "NIFTY", Open: open, High: high, Low: low, Close: close}
}

// feedCloses pushes a series of closed bars through the regime state.
func feedCloses(c *SignalConfirmer, st *InstrumentState, closes ...float64) {
	prev := closes[0]
	for _, cl := range closes {
		c.OnBarClose(st, closedBar(prev, cl))
		prev = cl
	}
}

func TestOnBarCloseBoundsWindowAndSeedsEMA(t *testing.T) {
	c := newTestConfirmer(newStubClock())
	st := NewInstrumentState("NIFTY")

	feedCloses(c, st, 100, 101, 102, 103, 104, 105, 106)
	assert.Len(t, st.ClosedBars, 5)
	assert.True(t, st.EMAReady)
	assert.Greater(t, st.EMA, 100.0)
	assert.Less(t, st.EMA, 106.0)
}

func TestRegimeFilter(t *testing.T) {
	c := newTestConfirmer(newStubClock())
	st := NewInstrumentState("NIFTY")

	// Window closes alternate around 100 with σ = 1.
	feedCloses(c, st, 99, 101, 99, 101)
	// Session VWAP at 100.
	st.SessionPV = 100 * 1000
	st.SessionVol = 1000

	buy := func(price float64) domain.Candidate {
		return domain.Candidate{InstrumentKey: "NIFTY", Side: domain.SideLong, Price: price}
	}
	sell := func(price float64) domain.Candidate {
		return domain.Candidate{InstrumentKey: "NIFTY", Side: domain.SideShort, Price: price}
	}

	// Inside the trend band and at/above VWAP: buy passes.
	assert.NoError(t, c.regimeFilter(st, buy(100.2)))
	// Trend buy below VWAP is vetoed.
	assert.Error(t, c.regimeFilter(st, buy(99.2)))
	// Trend sell below VWAP passes.
	assert.NoError(t, c.regimeFilter(st, sell(99.2)))

	// Far above the reversion band: only contrarian sells survive.
	assert.Error(t, c.regimeFilter(st, buy(105)))
	assert.NoError(t, c.regimeFilter(st, sell(105)))
	// Far below: only buys.
	assert.NoError(t, c.regimeFilter(st, buy(95)))
	assert.Error(t, c.regimeFilter(st, sell(95)))

	// Between the bands: everything is dropped.
	assert.Error(t, c.regimeFilter(st, buy(102.2)))
	assert.Error(t, c.regimeFilter(st, sell(102.2)))
}

func TestRegimeFilterNeedsHistory(t *testing.T) {
	c := newTestConfirmer(newStubClock())
	st := NewInstrumentState("NIFTY")

	cand := domain.Candidate{Side: domain.SideLong, Price: 100}
	assert.Error(t, c.regimeFilter(st, cand))

	c.OnBarClose(st, closedBar(100, 100))
	assert.Error(t, c.regimeFilter(st, cand))
}

func TestOBIFilterThresholdsAndThrottle(t *testing.T) {
	clock := newStubClock()
	c := newTestConfirmer(clock)
	st := NewInstrumentState("NIFTY")

	book := func(bidQty, askQty int64) domain.Tick {
		return domain.Tick{
			Bids: []domain.BookLevel{{Price: 99.9, Qty: bidQty}},
			Asks: []domain.BookLevel{{Price: 100.1, Qty: askQty}},
		}
	}
	buy := domain.Candidate{Side: domain.SideLong, Price: 100}
	sell := domain.Candidate{Side: domain.SideShort, Price: 100}

	// 150/100 = 1.5: buy passes, sell vetoed.
	assert.NoError(t, c.obiFilter(st, buy, book(150, 100)))
	assert.Error(t, c.obiFilter(st, sell, book(150, 100)))

	// Within the throttle window the cached value is reused even though the
	// book flipped.
	assert.NoError(t, c.obiFilter(st, buy, book(50, 100)))

	// After the window the fresh book is used: 0.5 vetoes the buy, passes
	// the sell.
	clock.advance(2 * time.Second)
	assert.Error(t, c.obiFilter(st, buy, book(50, 100)))
	assert.NoError(t, c.obiFilter(st, sell, book(50, 100)))
}

func TestOBIFilterEmptyBook(t *testing.T) {
	c := newTestConfirmer(newStubClock())
	st := NewInstrumentState("NIFTY")

	err := c.obiFilter(st, domain.Candidate{Side: domain.SideLong}, domain.Tick{})
	assert.Error(t, err)
}

func TestCandleFilterPatterns(t *testing.T) {
	c := newTestConfirmer(newStubClock())
	buy := domain.Candidate{Side: domain.SideLong}
	sell := domain.Candidate{Side: domain.SideShort}

	t.Run("bullish engulfing confirms buy", func(t *testing.T) {
		st := NewInstrumentState("NIFTY")
		st.ClosedBars = []domain.Bar{
			{Open: 101, High: 101.2, Low: 99.8, Close: 100},
			{Open: 99.9, High: 101.4, Low: 99.8, Close: 101.2},
		}
		assert.NoError(t, c.candleFilter(st, buy))
		assert.Error(t, c.candleFilter(st, sell))
	})

	t.Run("hammer confirms buy", func(t *testing.T) {
		st := NewInstrumentState("NIFTY")
		st.ClosedBars = []domain.Bar{
			{Open: 100, High: 100.5, Low: 99.5, Close: 100.2},
			{Open: 100, High: 100.6, Low: 98, Close: 100.5},
		}
		assert.NoError(t, c.candleFilter(st, buy))
	})

	t.Run("shooting star confirms sell", func(t *testing.T) {
		st := NewInstrumentState("NIFTY")
		st.ClosedBars = []domain.Bar{
			{Open: 100, High: 100.5, Low: 99.5, Close: 100.2},
			{Open: 100.5, High: 102.5, Low: 100.3, Close: 100.4},
		}
		assert.NoError(t, c.candleFilter(st, sell))
		assert.Error(t, c.candleFilter(st, buy))
	})

	t.Run("doji confirms nothing", func(t *testing.T) {
		st := NewInstrumentState("NIFTY")
		st.ClosedBars = []domain.Bar{
			{Open: 100, High: 100.5, Low: 99.5, Close: 100.2},
			{Open: 100, High: 100.5, Low: 99.5, Close: 100},
		}
		assert.Error(t, c.candleFilter(st, buy))
		assert.Error(t, c.candleFilter(st, sell))
	})
}

func TestMinHoldFilter(t *testing.T) {
	clock := newStubClock()
	c := newTestConfirmer(clock)
	st := NewInstrumentState("NIFTY")

	st.Position = &domain.Position{
		TradeID:       "t1",
		InstrumentKey: "NIFTY",
		Side:          domain.SideLong,
		EntryPrice:    100,
		EntryTime:     clock.Now(),
		Qty:           1,
	}

	reversal := domain.Candidate{Side: domain.SideShort, Price: 99}
	sameSide := domain.Candidate{Side: domain.SideLong, Price: 101}

	// Early reversal is blocked; same-side candidates always pass through.
	clock.advance(30 * time.Second)
	assert.Error(t, c.minHoldFilter(st, reversal))
	assert.NoError(t, c.minHoldFilter(st, sameSide))

	clock.advance(31 * time.Second)
	assert.NoError(t, c.minHoldFilter(st, reversal))

	// No open position: nothing to hold.
	st.Position = nil
	assert.NoError(t, c.minHoldFilter(st, reversal))
}
