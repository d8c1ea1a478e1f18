package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
)

func newTestRisk(clock domain.Clock) *PositionRiskManager {
	return NewPositionRiskManager(RiskConfig{
		OrderQty:          10,
		StopLossPct:       0.01,
		RRRatio:           2.0,
		TrailingArmR:      1.0,
		TrailingDistance:  0.5,
		TimeStopSec:       600,
		TimeStopProgressR: 0.25,
	}, clock, testLogger())
}

func TestOpenDerivesTakeProfit(t *testing.T) {
	clock := newStubClock()
	m := newTestRisk(clock)
	st := NewInstrumentState("NIFTY")

	sig, rev, err := m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	require.NoError(t, err)
	assert.Nil(t, rev)
	require.NotNil(t, sig)
	assert.NotEmpty(t, sig.TradeID)
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, 99.0, sig.StopLoss)
	assert.InDelta(t, 102.0, sig.TakeProfit, 1e-9)
	assert.Equal(t, int64(10), sig.Qty)

	require.NotNil(t, st.Position)
	assert.Equal(t, sig.TradeID, st.Position.TradeID)

	// Short take-profit mirrors below entry.
	st2 := NewInstrumentState("BANKNIFTY")
	sig2, _, err := m.Open(st2, domain.SideShort, 200, 202, domain.ReasonFailedAuctionSell)
	require.NoError(t, err)
	assert.InDelta(t, 196.0, sig2.TakeProfit, 1e-9)
}

func TestOpenSameSideIsNoOp(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	_, _, err := m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	require.NoError(t, err)
	first := st.Position.TradeID

	_, _, err = m.Open(st, domain.SideLong, 101, 100, domain.ReasonFailedAuctionBuy)
	assert.ErrorIs(t, err, domain.ErrPositionExists)
	assert.Equal(t, first, st.Position.TradeID)
}

func TestOpenOppositeSideReverses(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	longSig, _, err := m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	require.NoError(t, err)

	shortSig, rev, err := m.Open(st, domain.SideShort, 101, 102, domain.ReasonFailedAuctionSell)
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, longSig.TradeID, rev.TradeID)
	assert.Equal(t, domain.ReasonReversal, rev.Reason)
	assert.InDelta(t, 10.0, rev.PnL, 1e-9) // (101-100)*10

	require.NotNil(t, shortSig)
	assert.Equal(t, domain.SideShort, st.Position.Side)
}

func TestIntrabarExitStopWinsOverTarget(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)

	// The bar range touches both levels: worst case is assumed.
	exit := m.CheckIntrabarExit(st, 103, 98.5)
	require.NotNil(t, exit)
	assert.Equal(t, domain.ReasonStopLoss, exit.Reason)
	assert.Equal(t, 99.0, exit.ExitPrice)
	assert.InDelta(t, -10.0, exit.PnL, 1e-9)
	assert.Nil(t, st.Position)
}

func TestIntrabarExitTakeProfit(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)

	exit := m.CheckIntrabarExit(st, 102.5, 99.5)
	require.NotNil(t, exit)
	assert.Equal(t, domain.ReasonTakeProfit, exit.Reason)
	assert.InDelta(t, 102.0, exit.ExitPrice, 1e-9)
	assert.InDelta(t, 20.0, exit.PnL, 1e-9)
}

func TestIntrabarExitShortSide(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideShort, 100, 101, domain.ReasonFailedAuctionSell)

	// High pierces the short stop.
	exit := m.CheckIntrabarExit(st, 101.5, 100.5)
	require.NotNil(t, exit)
	assert.Equal(t, domain.ReasonStopLoss, exit.Reason)
	assert.InDelta(t, -10.0, exit.PnL, 1e-9) // (100-101)*10
}

func TestTrailingArmsAtBreakevenThenTightens(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)

	// Below 1R of progress: nothing moves.
	m.ApplyTrailing(st, 100.5)
	assert.False(t, st.Position.TrailingArmed)
	assert.Equal(t, 99.0, st.Position.StopLoss)

	// 1R reached: armed, stop to breakeven.
	m.ApplyTrailing(st, 101)
	assert.True(t, st.Position.TrailingArmed)
	assert.Equal(t, 100.0, st.Position.StopLoss)

	// Armed: stop follows price at the trailing distance.
	m.ApplyTrailing(st, 102)
	assert.InDelta(t, 101.5, st.Position.StopLoss, 1e-9)

	// The stop never loosens.
	m.ApplyTrailing(st, 101)
	assert.InDelta(t, 101.5, st.Position.StopLoss, 1e-9)
}

func TestTimeStop(t *testing.T) {
	clock := newStubClock()
	m := newTestRisk(clock)
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)

	// Not stale yet.
	clock.advance(5 * time.Minute)
	assert.Nil(t, m.ApplyTimeStop(st, 100.1))

	// Stale and stalled below the progress threshold: closed.
	clock.advance(6 * time.Minute)
	exit := m.ApplyTimeStop(st, 100.1)
	require.NotNil(t, exit)
	assert.Equal(t, domain.ReasonTimeStop, exit.Reason)
	assert.Nil(t, st.Position)
}

func TestTimeStopSparesProgressingPosition(t *testing.T) {
	clock := newStubClock()
	m := newTestRisk(clock)
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	clock.advance(11 * time.Minute)

	// Progress at 0.5R is above the 0.25R threshold.
	assert.Nil(t, m.ApplyTimeStop(st, 100.5))
	require.NotNil(t, st.Position)
}

func TestTimeStopSparesTrailingArmed(t *testing.T) {
	clock := newStubClock()
	m := newTestRisk(clock)
	st := NewInstrumentState("NIFTY")

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	m.ApplyTrailing(st, 101)
	require.True(t, st.Position.TrailingArmed)

	clock.advance(time.Hour)
	assert.Nil(t, m.ApplyTimeStop(st, 100.0))
}

func TestCloseErrors(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	_, err := m.Close(st, "no-such-trade", 100, domain.ReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrNoPosition)

	m.Open(st, domain.SideLong, 100, 99, domain.ReasonFailedAuctionBuy)
	_, err = m.Close(st, "no-such-trade", 100, domain.ReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrUnknownTrade)
	require.NotNil(t, st.Position)
}

func TestCorruptPositionDropped(t *testing.T) {
	m := newTestRisk(newStubClock())
	st := NewInstrumentState("NIFTY")

	st.Position = &domain.Position{TradeID: "", Side: domain.SideLong}
	assert.Nil(t, m.CheckIntrabarExit(st, 101, 99))
	assert.Nil(t, st.Position)
}
