package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
)

func newTestDetector(clock domain.Clock) *OrderFlowDetector {
	return NewOrderFlowDetector(3.0, 100, 30, 2, clock, testLogger())
}

func strongBids() []domain.BookLevel {
	return []domain.BookLevel{
		{Price: 100.00, Qty: 300},
		{Price: 99.90, Qty: 50},
		{Price: 99.80, Qty: 50},
	}
}

func weakBids() []domain.BookLevel {
	return []domain.BookLevel{
		{Price: 99.40, Qty: 60},
		{Price: 99.30, Qty: 50},
	}
}

func TestDetectorWallLifecycle(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	// Detect.
	evs := d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 1, Bids: strongBids()})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventWallDetected, evs[0].Kind)
	assert.Equal(t, 100.00, evs[0].Price)
	assert.Equal(t, domain.SideBid, evs[0].Side)
	require.NotNil(t, st.BidWall)
	assert.Equal(t, int64(300), st.BidWall.Qty)

	// Reload: same price, larger size.
	bids := strongBids()
	bids[0].Qty = 400
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 2, Bids: bids})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventWallReload, evs[0].Kind)
	assert.Equal(t, int64(400), st.BidWall.Qty)

	// Shrink without reload: size tracked, no event.
	bids[0].Qty = 350
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 3, Bids: bids})
	assert.Empty(t, evs)
	assert.Equal(t, int64(350), st.BidWall.Qty)

	// Break: ratio collapses and price trades through the level.
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 99.50, Qty: 5, TimestampMs: 4, Bids: weakBids()})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventWallBroken, evs[0].Kind)
	assert.Equal(t, 100.00, evs[0].Price)
	assert.Nil(t, st.BidWall)
	require.Len(t, st.BrokenWalls, 1)
	assert.True(t, st.BrokenWalls[0].Active)
}

func TestDetectorWallFadeIsSilent(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 1, Bids: strongBids()})

	// Ratio collapses but price stays above the level: pulled, not broken.
	evs := d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 2, Bids: weakBids()})
	assert.Empty(t, evs)
	assert.Nil(t, st.BidWall)
	assert.Empty(t, st.BrokenWalls)
}

func TestDetectorAbsorption(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 1, Bids: strongBids()})

	// Trades at the wall price accumulate toward the absorption threshold.
	evs := d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.00, Qty: 60, TimestampMs: 2, Bids: strongBids()})
	assert.Empty(t, evs)
	assert.Equal(t, int64(60), st.BidWall.TestedVolume)

	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.00, Qty: 50, TimestampMs: 3, Bids: strongBids()})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventAbsorptionBid, evs[0].Kind)
	// Counter resets so absorption can fire again.
	assert.Zero(t, st.BidWall.TestedVolume)
}

func TestDetectorReclaimAfterDurabilityWindow(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.40, Qty: 5, TimestampMs: 1, Bids: strongBids()})
	clock.advance(5 * time.Second)
	d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 99.50, Qty: 5, TimestampMs: 2, Bids: weakBids()})

	// Too soon: the break must age past the durability window first.
	clock.advance(10 * time.Second)
	evs := d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.50, Qty: 5, TimestampMs: 3})
	assert.Empty(t, evs)
	assert.True(t, st.BrokenWalls[0].Active)

	// Old enough and price crossed back above the broken bid level.
	clock.advance(20 * time.Second)
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.50, Qty: 5, TimestampMs: 4})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventFailedAuctionBuy, evs[0].Kind)
	assert.Equal(t, 100.50, evs[0].Price)
	assert.False(t, st.BrokenWalls[0].Active)

	// One shot per break.
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.60, Qty: 5, TimestampMs: 5})
	assert.Empty(t, evs)
}

func TestDetectorAskWallReclaimIsSellSide(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	asks := []domain.BookLevel{
		{Price: 101.00, Qty: 300},
		{Price: 101.10, Qty: 50},
		{Price: 101.20, Qty: 50},
	}
	evs := d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.60, Qty: 5, TimestampMs: 1, Asks: asks})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.SideAsk, evs[0].Side)

	// Price trades through the ask wall.
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 101.50, Qty: 5, TimestampMs: 2,
		Asks: []domain.BookLevel{{Price: 101.60, Qty: 60}, {Price: 101.70, Qty: 50}}})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventWallBroken, evs[0].Kind)

	clock.advance(31 * time.Second)
	evs = d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: 100.80, Qty: 5, TimestampMs: 3})
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventFailedAuctionSell, evs[0].Kind)
}

func TestDetectorBrokenWallHistoryBounded(t *testing.T) {
	clock := newStubClock()
	d := newTestDetector(clock)
	st := NewInstrumentState("NIFTY")

	for i := 0; i < maxBrokenWalls+3; i++ {
		price := 100.0 + float64(i)
		bids := []domain.BookLevel{
			{Price: price, Qty: 300},
			{Price: price - 0.1, Qty: 50},
			{Price: price - 0.2, Qty: 50},
		}
		d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: price + 0.4, Qty: 5, TimestampMs: int64(i*10 + 1), Bids: bids})
		d.OnTick(st, domain.Tick{InstrumentKey: "NIFTY", Price: price - 0.5, Qty: 5, TimestampMs: int64(i*10 + 2), Bids: weakBids()})
	}

	require.Len(t, st.BrokenWalls, maxBrokenWalls)
	// Oldest entries were evicted; the newest break is the last element.
	assert.Equal(t, 100.0+float64(maxBrokenWalls+2), st.BrokenWalls[maxBrokenWalls-1].Price)
}

func TestFindWallNeedsDepth(t *testing.T) {
	d := newTestDetector(newStubClock())

	_, ok := d.findWall([]domain.BookLevel{{Price: 100, Qty: 500}})
	assert.False(t, ok)

	_, ok = d.findWall(nil)
	assert.False(t, ok)
}
