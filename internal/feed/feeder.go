package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/engine"
)

// TickRecorder receives every raw tick for persistence. Implementations must
// not block; the persister's bounded queue satisfies this.
type TickRecorder interface {
	EnqueueTick(tick domain.Tick)
}

// Feeder owns the vendor WebSocket connection for the configured instruments
// and pushes every normalised event into the engine. Quote-only updates are
// converted to zero-quantity ticks carrying top-of-book context so the whole
// stream flows through one pipeline path.
type Feeder struct {
	wsURL       string
	instruments []string
	engine      *engine.Engine
	recorder    TickRecorder
	logger      *slog.Logger

	mu        sync.Mutex
	lastPrice map[string]float64
}

// NewFeeder creates a Feeder. recorder may be nil when raw tick recording is
// disabled.
func NewFeeder(wsURL string, instruments []string, eng *engine.Engine, recorder TickRecorder, logger *slog.Logger) *Feeder {
	return &Feeder{
		wsURL:       wsURL,
		instruments: instruments,
		engine:      eng,
		recorder:    recorder,
		logger:      logger.With(slog.String("component", "feeder")),
		lastPrice:   make(map[string]float64),
	}
}

// Run connects, subscribes to the configured instruments, and forwards events
// until the context is cancelled. The client reconnects internally; Run only
// returns on cancellation or when the initial connection cannot be made.
func (f *Feeder) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments configured, feeder exiting")
		return nil
	}

	client := NewWSClient(f.wsURL)
	defer client.Close()

	client.OnEvent(func(ev domain.FeedEvent) {
		f.handleEvent(ctx, ev)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, f.instruments); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", slog.Int("instruments", len(f.instruments)))

	<-ctx.Done()
	return ctx.Err()
}

func (f *Feeder) handleEvent(ctx context.Context, ev domain.FeedEvent) {
	switch ev.Kind {
	case domain.FeedEventTick:
		tick := *ev.Tick
		f.mu.Lock()
		f.lastPrice[tick.InstrumentKey] = tick.Price
		f.mu.Unlock()
		f.forward(ctx, tick)

	case domain.FeedEventQuote:
		f.mu.Lock()
		last := f.lastPrice[ev.Quote.InstrumentKey]
		f.mu.Unlock()
		f.forward(ctx, quoteToTick(*ev.Quote, last))

	case domain.FeedEventMarketInfo:
		f.logger.Debug("market info",
			slog.String("instrument", ev.Info.InstrumentKey),
			slog.Float64("prev_close", ev.Info.PrevClose),
			slog.Int64("lot_size", ev.Info.LotSize),
		)
	}
}

func (f *Feeder) forward(ctx context.Context, tick domain.Tick) {
	if f.recorder != nil {
		f.recorder.EnqueueTick(tick)
	}
	if err := f.engine.Dispatch(ctx, tick); err != nil {
		f.logger.Warn("tick dispatch failed",
			slog.String("instrument", tick.InstrumentKey),
			slog.String("error", err.Error()),
		)
	}
}
