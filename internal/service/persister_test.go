package service

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSignalStore struct {
	mu      sync.Mutex
	entries []domain.TradeSignal
	exits   []domain.TradeExit
	failN   int
}

func (s *memSignalStore) InsertEntry(_ context.Context, sig domain.TradeSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("db down")
	}
	s.entries = append(s.entries, sig)
	return nil
}

func (s *memSignalStore) InsertExit(_ context.Context, exit domain.TradeExit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, exit)
	return nil
}

func (s *memSignalStore) ListRecent(context.Context, int) ([]domain.TradeSignal, error) {
	return nil, nil
}

func (s *memSignalStore) ListExits(context.Context, string, domain.ListOpts) ([]domain.TradeExit, error) {
	return nil, nil
}

func (s *memSignalStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memSignalStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memSignalStore) exitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exits)
}

type memBarStore struct {
	mu   sync.Mutex
	bars []domain.Bar
}

func (s *memBarStore) Insert(_ context.Context, bar domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = append(s.bars, bar)
	return nil
}

func (s *memBarStore) ListRange(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, nil
}

func (s *memBarStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memBarStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

type memTickStore struct {
	mu      sync.Mutex
	batches [][]domain.Tick
}

func (s *memTickStore) InsertBatch(_ context.Context, ticks []domain.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ticks)
	return nil
}

func (s *memTickStore) ListRange(context.Context, []string, time.Time, time.Time, int, int) ([]domain.Tick, error) {
	return nil, nil
}

func (s *memTickStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memTickStore) tickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func runPersister(t *testing.T, p *Persister) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestPersisterWritesTradesAndBars(t *testing.T) {
	signals := &memSignalStore{}
	bars := &memBarStore{}
	p := NewPersister(PersisterConfig{QueueSize: 64}, signals, bars, nil, testLogger())
	runPersister(t, p)

	p.EnqueueSignal(domain.TradeSignal{TradeID: "t1", InstrumentKey: "NIFTY", Side: domain.SideLong, Price: 100})
	p.EnqueueExit(domain.TradeExit{TradeID: "t1", InstrumentKey: "NIFTY", ExitPrice: 101, PnL: 10})
	p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Open: 100, Close: 101}, true)

	require.Eventually(t, func() bool {
		return signals.entryCount() == 1 && signals.exitCount() == 1 && bars.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), p.Dropped())
}

func TestPersisterThrottlesInProgressBars(t *testing.T) {
	bars := &memBarStore{}
	p := NewPersister(PersisterConfig{QueueSize: 64, BarThrottle: time.Hour}, &memSignalStore{}, bars, nil, testLogger())
	runPersister(t, p)

	for i := 0; i < 5; i++ {
		p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Close: 100 + float64(i)}, false)
	}
	// Closed bars bypass the throttle.
	p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Close: 110}, true)
	p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Close: 111}, true)

	require.Eventually(t, func() bool { return bars.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersisterFlushesTicksOnShutdown(t *testing.T) {
	ticks := &memTickStore{}
	p := NewPersister(PersisterConfig{QueueSize: 64}, &memSignalStore{}, &memBarStore{}, ticks, testLogger())
	cancel := runPersister(t, p)

	for i := 0; i < 10; i++ {
		p.EnqueueTick(domain.Tick{InstrumentKey: "NIFTY", Price: 100, Qty: 1, TimestampMs: int64(i + 1)})
	}
	cancel()

	require.Eventually(t, func() bool { return ticks.tickCount() == 10 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersisterTicksIgnoredWithoutStore(t *testing.T) {
	p := NewPersister(PersisterConfig{QueueSize: 4}, &memSignalStore{}, &memBarStore{}, nil, testLogger())
	for i := 0; i < 100; i++ {
		p.EnqueueTick(domain.Tick{InstrumentKey: "NIFTY", Price: 100, TimestampMs: int64(i + 1)})
	}
	assert.Equal(t, int64(0), p.Dropped())
}

func TestPersisterDropsOldestOnOverflow(t *testing.T) {
	// No worker: the queue fills and the overflow policy kicks in.
	p := NewPersister(PersisterConfig{QueueSize: 2}, &memSignalStore{}, &memBarStore{}, nil, testLogger())

	for i := 0; i < 5; i++ {
		p.EnqueueSignal(domain.TradeSignal{TradeID: "t", InstrumentKey: "NIFTY"})
	}
	assert.Equal(t, int64(3), p.Dropped())
}

func TestPersisterRetriesTransientFailure(t *testing.T) {
	signals := &memSignalStore{failN: 2}
	p := NewPersister(PersisterConfig{QueueSize: 8}, signals, &memBarStore{}, nil, testLogger())
	runPersister(t, p)

	p.EnqueueSignal(domain.TradeSignal{TradeID: "t1", InstrumentKey: "NIFTY"})

	require.Eventually(t, func() bool { return signals.entryCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), p.Dropped())
}
