package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
)

// newScenarioPipeline builds a pipeline with thresholds tuned so the scenario
// ticks below produce exactly one confirmed entry and one stop-loss exit.
func newScenarioPipeline(clock domain.Clock, sink EventSink) *Pipeline {
	logger := testLogger()
	return &Pipeline{
		Normalizer: NewTickNormalizer(logger),
		Bars:       NewBarAggregator(60, 2, logger),
		Detector:   NewOrderFlowDetector(3.0, 1_000_000, 0, 2, clock, logger),
		Confirmer: NewSignalConfirmer(ConfirmerConfig{
			EMAPeriod:        5,
			TrendBandSigma:   2.0,
			ReversionSigma:   6.0,
			OBIBuyThreshold:  0.8,
			OBISellThreshold: 0.5,
			OBIThrottleSec:   1,
			MinHoldTimeSec:   60,
		}, clock, logger),
		Risk: NewPositionRiskManager(RiskConfig{
			OrderQty:          10,
			StopLossPct:       0.01,
			RRRatio:           1.5,
			TrailingArmR:      1.0,
			TimeStopSec:       600,
			TimeStopProgressR: 0.25,
		}, clock, logger),
		Clock:         clock,
		Sink:          sink,
		BarPublishMin: time.Second,
		Logger:        logger,
	}
}

// scenarioTicks is a wall break and reclaim sequence: two bars build the
// regime window (the second engulfs the first bullishly), a bid wall appears
// and is traded through, price reclaims the level and the confirmed buy later
// stops out.
func scenarioTicks() []domain.Tick {
	balanced := func(t domain.Tick) domain.Tick {
		t.Bids = []domain.BookLevel{{Price: t.Price - 0.1, Qty: 60}, {Price: t.Price - 0.2, Qty: 50}}
		t.Asks = []domain.BookLevel{{Price: t.Price + 0.1, Qty: 60}, {Price: t.Price + 0.2, Qty: 50}}
		return t
	}
	tk := func(ts int64, price float64, qty int64) domain.Tick {
		return domain.Tick{InstrumentKey: "NIFTY", Price: price, Qty: qty, TimestampMs: ts}
	}

	wallTick := tk(125_000, 100.40, 5)
	wallTick.Bids = []domain.BookLevel{
		{Price: 100.00, Qty: 300},
		{Price: 99.90, Qty: 50},
		{Price: 99.80, Qty: 50},
	}
	breakTick := tk(135_000, 99.50, 5)
	breakTick.Bids = []domain.BookLevel{{Price: 99.40, Qty: 60}, {Price: 99.30, Qty: 50}}

	return []domain.Tick{
		// Bar 0: bearish body. Bar 1: bullish engulfing vs bar 0.
		tk(5_000, 101.00, 10),
		tk(20_000, 100.00, 10),
		tk(65_000, 99.90, 10),
		tk(80_000, 101.20, 10),
		// Closes bar 1 and detects the bid wall, which then breaks.
		wallTick,
		breakTick,
		// Reclaim above the broken level: confirmed buy entry.
		balanced(tk(145_000, 101.30, 5)),
		// Below the 1% stop: SL exit.
		tk(155_000, 100.20, 5),
	}
}

func runScenario(t *testing.T) *captureSink {
	t.Helper()
	clock := newStubClock()
	sink := &captureSink{}
	lane := NewLane("NIFTY", newScenarioPipeline(clock, sink), 16)
	for _, tick := range scenarioTicks() {
		clock.advance(10 * time.Second)
		lane.Process(tick)
	}
	return sink
}

func TestLanePipelineBreakReclaimEntryAndStop(t *testing.T) {
	sink := runScenario(t)

	require.Len(t, sink.signals, 1)
	sig := sink.signals[0]
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, 101.30, sig.Price)
	assert.Equal(t, domain.ReasonFailedAuctionBuy, sig.Reason)
	assert.InDelta(t, 101.30*0.99, sig.StopLoss, 1e-9)

	require.Len(t, sink.exits, 1)
	exit := sink.exits[0]
	assert.Equal(t, sig.TradeID, exit.TradeID)
	assert.Equal(t, domain.ReasonStopLoss, exit.Reason)
	assert.InDelta(t, sig.StopLoss, exit.ExitPrice, 1e-9)
	assert.Less(t, exit.PnL, 0.0)

	assert.Equal(t, []domain.OrderFlowEventKind{
		domain.EventWallDetected,
		domain.EventWallBroken,
		domain.EventFailedAuctionBuy,
	}, sink.eventKinds())

	// Two bars closed before the entry fired.
	var closedCount int
	for _, c := range sink.closed {
		if c {
			closedCount++
		}
	}
	assert.Equal(t, 2, closedCount)
}

func TestLanePipelineIsDeterministic(t *testing.T) {
	a := runScenario(t)
	b := runScenario(t)

	require.Equal(t, len(a.signals), len(b.signals))
	for i := range a.signals {
		assert.Equal(t, a.signals[i].Side, b.signals[i].Side)
		assert.Equal(t, a.signals[i].Price, b.signals[i].Price)
		assert.Equal(t, a.signals[i].Reason, b.signals[i].Reason)
		assert.Equal(t, a.signals[i].StopLoss, b.signals[i].StopLoss)
	}
	require.Equal(t, len(a.exits), len(b.exits))
	for i := range a.exits {
		assert.Equal(t, a.exits[i].Reason, b.exits[i].Reason)
		assert.Equal(t, a.exits[i].ExitPrice, b.exits[i].ExitPrice)
		assert.Equal(t, a.exits[i].PnL, b.exits[i].PnL)
	}
	assert.Equal(t, a.eventKinds(), b.eventKinds())
}

func TestLaneDropsMalformedTicks(t *testing.T) {
	clock := newStubClock()
	sink := &captureSink{}
	lane := NewLane("NIFTY", newScenarioPipeline(clock, sink), 16)

	lane.Process(domain.Tick{InstrumentKey: "NIFTY", Price: -1, TimestampMs: 1})
	lane.Process(domain.Tick{InstrumentKey: "NIFTY", Price: 100, TimestampMs: 0})

	st := lane.State()
	assert.Equal(t, int64(2), st.MalformedTicks)
	assert.Nil(t, st.OpenBar)
}
