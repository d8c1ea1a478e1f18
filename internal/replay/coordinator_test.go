package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memTickStore serves a fixed, pre-sorted tick slice page by page.
type memTickStore struct {
	mu    sync.Mutex
	ticks []domain.Tick
	fail  bool
}

func (s *memTickStore) InsertBatch(_ context.Context, ticks []domain.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, ticks...)
	return nil
}

func (s *memTickStore) ListRange(_ context.Context, _ []string, _, _ time.Time, limit, offset int) ([]domain.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store down")
	}
	if offset >= len(s.ticks) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.ticks) {
		end = len(s.ticks)
	}
	return s.ticks[offset:end], nil
}

func (s *memTickStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// memBus records every published payload per channel.
type memBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newMemBus() *memBus { return &memBus{msgs: make(map[string][][]byte)} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[channel])
}

// heldLocker refuses every acquisition, as if another node owns the session.
type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

// testBuilder assembles a session engine with the same thresholds the lane
// fixture uses, so replayFixture produces one confirmed entry.
func testBuilder() EngineBuilder {
	logger := testLogger()
	return func(clock domain.Clock) *engine.Engine {
		pipe := &engine.Pipeline{
			Normalizer: engine.NewTickNormalizer(logger),
			Bars:       engine.NewBarAggregator(60, 2, logger),
			Detector:   engine.NewOrderFlowDetector(3.0, 1_000_000, 0, 2, clock, logger),
			Confirmer: engine.NewSignalConfirmer(engine.ConfirmerConfig{
				EMAPeriod:        5,
				TrendBandSigma:   2.0,
				ReversionSigma:   6.0,
				OBIBuyThreshold:  0.8,
				OBISellThreshold: 0.5,
				OBIThrottleSec:   1,
				MinHoldTimeSec:   60,
			}, clock, logger),
			Risk: engine.NewPositionRiskManager(engine.RiskConfig{
				OrderQty:          10,
				StopLossPct:       0.01,
				RRRatio:           1.5,
				TrailingArmR:      1.0,
				TimeStopSec:       600,
				TimeStopProgressR: 0.25,
			}, clock, logger),
			Clock:  clock,
			Sink:   engine.NopSink{},
			Logger: logger,
		}
		return engine.New(engine.Config{
			MaxParallelLanes:   4,
			LaneBufferSize:     16,
			BarPublishPerSec:   2,
			RecentSignalsLimit: 8,
		}, pipe, logger)
	}
}

// replayFixture is a wall break and reclaim sequence that yields one confirmed
// buy followed by a stop-loss exit.
func replayFixture() []domain.Tick {
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
		tk(5_000, 101.00, 10),
		tk(20_000, 100.00, 10),
		tk(65_000, 99.90, 10),
		tk(80_000, 101.20, 10),
		wallTick,
		breakTick,
		balanced(tk(145_000, 101.30, 5)),
		tk(155_000, 100.20, 5),
	}
}

func fixtureWindow() (time.Time, time.Time) {
	return time.UnixMilli(0), time.UnixMilli(200_000)
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartValidation(t *testing.T) {
	c := NewCoordinator(&memTickStore{}, testBuilder(), nil, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()

	err := c.Start(context.Background(), nil, from, to, 100)
	assert.ErrorContains(t, err, "no instruments")

	err = c.Start(context.Background(), []string{"NIFTY"}, from, from, 100)
	assert.ErrorContains(t, err, "empty date range")
}

func TestControlsInactive(t *testing.T) {
	c := NewCoordinator(&memTickStore{}, testBuilder(), nil, nil, 10_000, 500, testLogger())
	ctx := context.Background()

	assert.ErrorIs(t, c.Pause(ctx), domain.ErrReplayInactive)
	assert.ErrorIs(t, c.Resume(ctx), domain.ErrReplayInactive)
	assert.ErrorIs(t, c.Stop(ctx), domain.ErrReplayInactive)
	assert.ErrorIs(t, c.SetSpeed(ctx, 2), domain.ErrReplayInactive)
	assert.Equal(t, StateIdle, c.Status().State)
	assert.False(t, c.Status().Active)
}

func TestSessionRunsToFinish(t *testing.T) {
	store := &memTickStore{ticks: replayFixture()}
	bus := newMemBus()
	c := NewCoordinator(store, testBuilder(), bus, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()

	require.NoError(t, c.Start(context.Background(), []string{"NIFTY"}, from, to, 10_000))
	waitForState(t, c, StateFinished)

	st := c.Status()
	assert.False(t, st.Active)
	assert.Equal(t, int64(8), st.Processed)
	assert.Equal(t, int64(155_000), st.CurrentTs)

	// The fixture's break-and-reclaim confirmed exactly one buy.
	sigs := c.Engine().RecentSignals(10)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.SideLong, sigs[0].Side)
	assert.Equal(t, domain.ReasonFailedAuctionBuy, sigs[0].Reason)

	// Status events on start and on finish, at minimum.
	assert.GreaterOrEqual(t, bus.published("replay.status"), 2)
}

func TestSessionPagesThroughBatches(t *testing.T) {
	store := &memTickStore{ticks: replayFixture()}
	c := NewCoordinator(store, testBuilder(), nil, nil, 10_000, 3, testLogger())
	from, to := fixtureWindow()

	require.NoError(t, c.Start(context.Background(), []string{"NIFTY"}, from, to, 10_000))
	waitForState(t, c, StateFinished)
	assert.Equal(t, int64(8), c.Status().Processed)
}

func TestPauseResumeStop(t *testing.T) {
	store := &memTickStore{ticks: replayFixture()}
	c := NewCoordinator(store, testBuilder(), nil, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()
	ctx := context.Background()

	// Speed 1 leaves multi-second inter-tick sleeps, so the session is
	// still alive for the control calls below.
	require.NoError(t, c.Start(ctx, []string{"NIFTY"}, from, to, 1))
	assert.ErrorIs(t, c.Start(ctx, []string{"NIFTY"}, from, to, 1), domain.ErrReplayActive)

	require.NoError(t, c.Pause(ctx))
	st := c.Status()
	assert.True(t, st.Active)
	assert.True(t, st.Paused)
	assert.ErrorIs(t, c.Pause(ctx), domain.ErrReplayInactive)

	require.NoError(t, c.Resume(ctx))
	assert.False(t, c.Status().Paused)
	assert.ErrorIs(t, c.Resume(ctx), domain.ErrReplayInactive)

	// Requested speed is clamped to the configured maximum.
	require.NoError(t, c.SetSpeed(ctx, 1_000_000))
	assert.Equal(t, float64(10_000), c.Status().Speed)

	require.NoError(t, c.Stop(ctx))
	waitForState(t, c, StateStopped)
	assert.False(t, c.Status().Active)
}

func TestStartClampsSpeed(t *testing.T) {
	store := &memTickStore{ticks: replayFixture()}
	c := NewCoordinator(store, testBuilder(), nil, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()

	require.NoError(t, c.Start(context.Background(), []string{"NIFTY"}, from, to, 5_000_000))
	assert.Equal(t, float64(10_000), c.Status().Speed)
	waitForState(t, c, StateFinished)
}

func TestSessionLockHeldElsewhere(t *testing.T) {
	c := NewCoordinator(&memTickStore{}, testBuilder(), nil, heldLocker{}, 10_000, 500, testLogger())
	from, to := fixtureWindow()

	err := c.Start(context.Background(), []string{"NIFTY"}, from, to, 100)
	assert.ErrorIs(t, err, domain.ErrReplayActive)
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestStoreFailureStopsSession(t *testing.T) {
	store := &memTickStore{ticks: replayFixture(), fail: true}
	c := NewCoordinator(store, testBuilder(), nil, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()

	require.NoError(t, c.Start(context.Background(), []string{"NIFTY"}, from, to, 10_000))
	waitForState(t, c, StateStopped)
	assert.Equal(t, int64(0), c.Status().Processed)
}

func TestRestartAfterFinish(t *testing.T) {
	store := &memTickStore{ticks: replayFixture()}
	c := NewCoordinator(store, testBuilder(), nil, nil, 10_000, 500, testLogger())
	from, to := fixtureWindow()
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, []string{"NIFTY"}, from, to, 10_000))
	waitForState(t, c, StateFinished)

	// A finished session releases the slot; the next Start gets a fresh
	// engine and counters.
	require.NoError(t, c.Start(ctx, []string{"NIFTY"}, from, to, 10_000))
	waitForState(t, c, StateFinished)
	assert.Equal(t, int64(8), c.Status().Processed)
	assert.Len(t, c.Engine().RecentSignals(10), 1)
}
