package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
)

func newTestEngine(clock domain.Clock, sink EventSink) *Engine {
	pipe := newScenarioPipeline(clock, sink)
	return New(Config{
		MaxParallelLanes:   4,
		LaneBufferSize:     16,
		BarPublishPerSec:   2,
		RecentSignalsLimit: 3,
	}, pipe, testLogger())
}

func TestEngineProcessSyncCreatesLanes(t *testing.T) {
	eng := newTestEngine(newStubClock(), NopSink{})

	require.NoError(t, eng.ProcessSync(domain.Tick{InstrumentKey: "NIFTY", Price: 100, Qty: 1, TimestampMs: 1_000}))
	require.NoError(t, eng.ProcessSync(domain.Tick{InstrumentKey: "BANKNIFTY", Price: 200, Qty: 1, TimestampMs: 1_000}))

	assert.ElementsMatch(t, []string{"NIFTY", "BANKNIFTY"}, eng.InstrumentKeys())
	assert.NotNil(t, eng.Lane("NIFTY"))
	assert.Nil(t, eng.Lane("SENSEX"))
}

func TestEngineLaneLimit(t *testing.T) {
	clock := newStubClock()
	pipe := newScenarioPipeline(clock, NopSink{})
	eng := New(Config{MaxParallelLanes: 1, LaneBufferSize: 4, RecentSignalsLimit: 10}, pipe, testLogger())

	require.NoError(t, eng.ProcessSync(domain.Tick{InstrumentKey: "NIFTY", Price: 100, Qty: 1, TimestampMs: 1_000}))
	err := eng.ProcessSync(domain.Tick{InstrumentKey: "BANKNIFTY", Price: 200, Qty: 1, TimestampMs: 1_000})
	assert.Error(t, err)
}

func TestEngineRecordsRecentSignals(t *testing.T) {
	clock := newStubClock()
	eng := newTestEngine(clock, NopSink{})

	for _, tick := range scenarioTicks() {
		clock.advance(10 * time.Second)
		require.NoError(t, eng.ProcessSync(tick))
	}

	recent := eng.RecentSignals(10)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.SideLong, recent[0].Side)
	assert.Equal(t, 101.30, recent[0].Price)
}

func TestEngineRecentSignalRingBounded(t *testing.T) {
	eng := newTestEngine(newStubClock(), NopSink{})

	for i := 0; i < 5; i++ {
		eng.rememberSignal(domain.TradeSignal{TradeID: string(rune('a' + i))})
	}
	recent := eng.RecentSignals(10)
	require.Len(t, recent, 3)
	// Newest first.
	assert.Equal(t, "e", recent[0].TradeID)
	assert.Equal(t, "c", recent[2].TradeID)
}

func TestEngineStatus(t *testing.T) {
	clock := newStubClock()
	eng := newTestEngine(clock, NopSink{})

	for _, tick := range scenarioTicks()[:7] { // stop before the SL tick
		clock.advance(10 * time.Second)
		require.NoError(t, eng.ProcessSync(tick))
	}
	require.NoError(t, eng.ProcessSync(domain.Tick{InstrumentKey: "NIFTY", Price: -5, TimestampMs: 1}))

	s := eng.Status()
	assert.Equal(t, 1, s.Lanes)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, int64(1), s.MalformedTicks)
}

func TestEngineUnsubscribeRemovesLane(t *testing.T) {
	eng := newTestEngine(newStubClock(), NopSink{})
	require.NoError(t, eng.ProcessSync(domain.Tick{InstrumentKey: "NIFTY", Price: 100, Qty: 1, TimestampMs: 1_000}))

	eng.Unsubscribe("NIFTY")
	assert.Empty(t, eng.InstrumentKeys())
}
