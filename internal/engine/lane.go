package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// EventSink receives the pipeline's outputs. Implementations must not block:
// persistence and fan-out happen behind bounded queues, never on the lane.
type EventSink interface {
	OnSignal(sig domain.TradeSignal)
	OnExit(exit domain.TradeExit)
	OnBarUpdate(bar domain.Bar, closed bool)
	OnOrderFlow(ev domain.OrderFlowEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnSignal(domain.TradeSignal)       {}
func (NopSink) OnExit(domain.TradeExit)           {}
func (NopSink) OnBarUpdate(domain.Bar, bool)      {}
func (NopSink) OnOrderFlow(domain.OrderFlowEvent) {}

// Pipeline bundles the stateless stage components shared by every lane. All
// per-instrument state lives in InstrumentState, so one Pipeline serves any
// number of lanes.
type Pipeline struct {
	Normalizer *TickNormalizer
	Bars       *BarAggregator
	Detector   *OrderFlowDetector
	Confirmer  *SignalConfirmer
	Risk       *PositionRiskManager

	Clock         domain.Clock
	Sink          EventSink
	BarPublishMin time.Duration
	Logger        *slog.Logger
}

// Lane is the sequential processing lane for one instrument. Ticks are
// applied strictly in arrival order; the mutex lets the live goroutine path
// and the synchronous replay path share the same code without ever letting
// two writers touch the state.
type Lane struct {
	state *InstrumentState
	pipe  *Pipeline
	ch    chan domain.Tick
	mu    sync.Mutex
}

// NewLane creates a lane for the instrument with the given tick buffer.
func NewLane(key string, pipe *Pipeline, buffer int) *Lane {
	return &Lane{
		state: NewInstrumentState(key),
		pipe:  pipe,
		ch:    make(chan domain.Tick, buffer),
	}
}

// Key returns the instrument key the lane owns.
func (l *Lane) Key() string { return l.state.Key }

// Enqueue hands a tick to the lane's goroutine. It blocks only on a full
// buffer, and gives up when the context is cancelled.
func (l *Lane) Enqueue(ctx context.Context, tick domain.Tick) error {
	select {
	case l.ch <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the lane's tick channel until the context is cancelled, then
// drains whatever is already buffered and flushes open state. Bar and
// position mutation is atomic per tick: cancellation is only observed between
// ticks.
func (l *Lane) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			l.flush()
			return ctx.Err()
		case tick := <-l.ch:
			l.Process(tick)
		}
	}
}

// drain applies every tick already buffered at shutdown.
func (l *Lane) drain() {
	for {
		select {
		case tick := <-l.ch:
			l.Process(tick)
		default:
			return
		}
	}
}

// flush emits the open bar (unclosed) so observers and persistence see the
// final state, and logs any position left open.
func (l *Lane) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state
	if st.OpenBar != nil {
		l.pipe.Sink.OnBarUpdate(snapshotBar(st.OpenBar), false)
	}
	if st.Position != nil {
		l.pipe.Logger.Warn("position still open at shutdown",
			slog.String("instrument", st.Key),
			slog.String("trade_id", st.Position.TradeID),
			slog.String("side", string(st.Position.Side)),
		)
	}
}

// Process runs the full pipeline over one tick. It is the single write path
// for the instrument's state, used by both the live goroutine and the replay
// coordinator.
func (l *Lane) Process(tick domain.Tick) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pipe
	st := l.state

	tick, err := p.Normalizer.Normalize(tick)
	if err != nil {
		st.MalformedTicks++
		return
	}

	// Bar aggregation first: a closed bar updates the regime window before
	// any candidate from this tick is confirmed against it.
	if closed := p.Bars.OnTick(st, tick); closed != nil {
		p.Confirmer.OnBarClose(st, *closed)
		p.Sink.OnBarUpdate(*closed, true)
	}

	// Exits are evaluated before entries so a stop hit on this tick cannot
	// be shadowed by a reversal at the same price.
	if exit := p.Risk.CheckIntrabarExit(st, tick.Price, tick.Price); exit != nil {
		p.Sink.OnExit(*exit)
	}
	p.Risk.ApplyTrailing(st, tick.Price)
	if exit := p.Risk.ApplyTimeStop(st, tick.Price); exit != nil {
		p.Sink.OnExit(*exit)
	}

	for _, ev := range p.Detector.OnTick(st, tick) {
		p.Sink.OnOrderFlow(ev)
		if !ev.IsCandidate() {
			continue
		}
		cand := candidateFromEvent(ev)
		if err := p.Confirmer.Confirm(st, cand, tick); err != nil {
			p.Logger.Debug("candidate vetoed",
				slog.String("instrument", st.Key),
				slog.String("side", string(cand.Side)),
				slog.String("veto", err.Error()),
			)
			continue
		}
		stop := p.Risk.DefaultStop(cand.Side, cand.Price)
		sig, reversalExit, err := p.Risk.Open(st, cand.Side, cand.Price, stop, cand.Reason)
		if err != nil {
			if errors.Is(err, domain.ErrPositionExists) {
				p.Logger.Debug("candidate ignored, position already open",
					slog.String("instrument", st.Key),
					slog.String("side", string(cand.Side)),
				)
			} else {
				p.Logger.Warn("open position failed",
					slog.String("instrument", st.Key),
					slog.String("error", err.Error()),
				)
			}
		}
		if reversalExit != nil {
			p.Sink.OnExit(*reversalExit)
		}
		if sig != nil {
			p.Sink.OnSignal(*sig)
		}
	}

	// Throttled in-progress bar publish for observers.
	if st.OpenBar != nil {
		now := p.Clock.Now()
		if st.LastBarPublish.IsZero() || now.Sub(st.LastBarPublish) >= p.BarPublishMin {
			st.LastBarPublish = now
			p.Sink.OnBarUpdate(snapshotBar(st.OpenBar), false)
		}
	}
}

// State exposes the lane's state for status queries and tests. Callers other
// than the owning lane must treat it as read-only.
func (l *Lane) State() *InstrumentState {
	return l.state
}

// candidateFromEvent converts a reclaim event into a trade candidate.
func candidateFromEvent(ev domain.OrderFlowEvent) domain.Candidate {
	side := domain.SideLong
	reason := domain.ReasonFailedAuctionBuy
	if ev.Kind == domain.EventFailedAuctionSell {
		side = domain.SideShort
		reason = domain.ReasonFailedAuctionSell
	}
	return domain.Candidate{
		InstrumentKey: ev.InstrumentKey,
		Side:          side,
		Price:         ev.Price,
		Reason:        reason,
		At:            ev.At,
	}
}

// snapshotBar deep-copies a bar so async observers never race with the open
// bar's footprint map.
func snapshotBar(b *domain.Bar) domain.Bar {
	out := *b
	out.Footprint = make(map[string]domain.FootprintCell, len(b.Footprint))
	for k, v := range b.Footprint {
		out.Footprint[k] = v
	}
	return out
}
