package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantgrid/flowbot/internal/domain"
)

// Config holds the engine-level scheduling and output parameters. Stage
// thresholds live in the individual component configs.
type Config struct {
	MaxParallelLanes   int
	LaneBufferSize     int
	BarPublishPerSec   int
	RecentSignalsLimit int
}

// Engine owns the per-instrument lane registry and fans ticks out to lanes.
// Lanes are created explicitly on the first tick for an instrument and torn
// down on Unsubscribe. Each lane mutates its instrument's state exclusively;
// lanes for different instruments run concurrently.
type Engine struct {
	cfg  Config
	pipe *Pipeline

	mu      sync.Mutex
	lanes   map[string]*Lane
	g       *errgroup.Group
	gctx    context.Context
	running bool

	recentMu sync.Mutex
	recent   []domain.TradeSignal

	logger *slog.Logger
}

// New creates an Engine around the given pipeline. The pipeline's sink is
// wrapped so the engine can keep its recent-signal ring for status queries.
func New(cfg Config, pipe *Pipeline, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		pipe:   pipe,
		lanes:  make(map[string]*Lane),
		logger: logger.With(slog.String("component", "engine")),
	}
	pipe.Sink = &recordingSink{inner: pipe.Sink, engine: e}
	if pipe.BarPublishMin == 0 && cfg.BarPublishPerSec > 0 {
		pipe.BarPublishMin = time.Second / time.Duration(cfg.BarPublishPerSec)
	}
	return e
}

// Run starts the engine supervisor. Lanes spawned by Dispatch are attached to
// the supervisor's group; Run blocks until the context is cancelled and every
// lane has drained and flushed.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	e.mu.Lock()
	e.g = g
	e.gctx = gctx
	e.running = true
	// Lanes created before Run (e.g. by a warm-up subscribe) start now.
	for _, l := range e.lanes {
		lane := l
		g.Go(func() error { return lane.Run(gctx) })
	}
	e.mu.Unlock()

	e.logger.Info("engine started")
	defer e.logger.Info("engine stopped")

	<-gctx.Done()
	err := g.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return err
}

// Dispatch routes a tick to its instrument lane, creating the lane on first
// sight of the instrument. It blocks only when the lane buffer is full.
func (e *Engine) Dispatch(ctx context.Context, tick domain.Tick) error {
	lane, err := e.laneFor(tick.InstrumentKey, true)
	if err != nil {
		return err
	}
	return lane.Enqueue(ctx, tick)
}

// ProcessSync pushes a tick through its lane synchronously, creating the lane
// if needed. The replay coordinator uses this path so each tick is fully
// applied before the virtual clock advances.
func (e *Engine) ProcessSync(tick domain.Tick) error {
	lane, err := e.laneFor(tick.InstrumentKey, true)
	if err != nil {
		return err
	}
	lane.Process(tick)
	return nil
}

// laneFor returns the lane for an instrument, optionally creating it. Lane
// creation respects the configured parallelism bound.
func (e *Engine) laneFor(key string, create bool) (*Lane, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lane, ok := e.lanes[key]; ok {
		return lane, nil
	}
	if !create {
		return nil, fmt.Errorf("engine: lane %s: %w", key, domain.ErrNotFound)
	}
	if len(e.lanes) >= e.cfg.MaxParallelLanes {
		return nil, fmt.Errorf("engine: lane limit %d reached, refusing instrument %s", e.cfg.MaxParallelLanes, key)
	}

	lane := NewLane(key, e.pipe, e.cfg.LaneBufferSize)
	e.lanes[key] = lane
	e.logger.Info("lane created", slog.String("instrument", key))

	if e.running {
		l := lane
		e.g.Go(func() error { return l.Run(e.gctx) })
	}
	return lane, nil
}

// Unsubscribe tears down the lane for an instrument. Its state is discarded;
// a later tick for the same instrument starts from scratch.
func (e *Engine) Unsubscribe(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.lanes[key]; ok {
		delete(e.lanes, key)
		e.logger.Info("lane removed", slog.String("instrument", key))
	}
}

// Lane exposes the lane for one instrument (nil when none exists). Used by
// status endpoints and tests.
func (e *Engine) Lane(key string) *Lane {
	lane, _ := e.laneFor(key, false)
	return lane
}

// InstrumentKeys returns the instruments with active lanes.
func (e *Engine) InstrumentKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.lanes))
	for k := range e.lanes {
		keys = append(keys, k)
	}
	return keys
}

// Status summarizes engine state for the status API.
type Status struct {
	Lanes           int   `json:"lanes"`
	OpenPositions   int   `json:"open_positions"`
	MalformedTicks  int64 `json:"malformed_ticks"`
	OutOfOrderTicks int64 `json:"out_of_order_ticks"`
}

// Status returns a point-in-time summary across lanes.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{Lanes: len(e.lanes)}
	for _, lane := range e.lanes {
		st := lane.State()
		if st.Position != nil {
			s.OpenPositions++
		}
		s.MalformedTicks += st.MalformedTicks
		s.OutOfOrderTicks += st.OutOfOrderTicks
	}
	return s
}

// RecentSignals returns up to limit most recent emitted signals, newest
// first.
func (e *Engine) RecentSignals(limit int) []domain.TradeSignal {
	if limit <= 0 {
		limit = 20
	}
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.TradeSignal, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

func (e *Engine) rememberSignal(sig domain.TradeSignal) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent = append(e.recent, sig)
	if overflow := len(e.recent) - e.cfg.RecentSignalsLimit; overflow > 0 {
		e.recent = append([]domain.TradeSignal(nil), e.recent[overflow:]...)
	}
}

// recordingSink tees signals into the engine's recent ring before forwarding
// everything to the configured sink.
type recordingSink struct {
	inner  EventSink
	engine *Engine
}

func (s *recordingSink) OnSignal(sig domain.TradeSignal) {
	s.engine.rememberSignal(sig)
	s.inner.OnSignal(sig)
}

func (s *recordingSink) OnExit(exit domain.TradeExit)         { s.inner.OnExit(exit) }
func (s *recordingSink) OnBarUpdate(b domain.Bar, c bool)     { s.inner.OnBarUpdate(b, c) }
func (s *recordingSink) OnOrderFlow(ev domain.OrderFlowEvent) { s.inner.OnOrderFlow(ev) }
