package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/notify"
)

// Event-bus channels used by the publisher.
const (
	channelTrades    = "trades"
	channelOrderFlow = "orderflow"
	barChannelPrefix = "bars."
)

// publishJob is one event queued for fan-out.
type publishJob struct {
	signal *domain.TradeSignal
	exit   *domain.TradeExit
	bar    *domain.Bar
	closed bool
	flow   *domain.OrderFlowEvent
}

// Publisher fans engine events out to the event bus, the latest-bar cache and
// the operator notifier behind a bounded queue. Like the persister, it drops
// the oldest event on overflow rather than ever blocking a lane.
type Publisher struct {
	bus      domain.EventBus
	barCache domain.BarCache
	notifier *notify.Notifier
	logger   *slog.Logger

	queue   chan publishJob
	dropped atomic.Int64
}

// NewPublisher creates a Publisher. barCache and notifier may be nil.
func NewPublisher(bus domain.EventBus, barCache domain.BarCache, notifier *notify.Notifier, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Publisher{
		bus:      bus,
		barCache: barCache,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "publisher")),
		queue:    make(chan publishJob, queueSize),
	}
}

// EnqueueSignal queues a trade entry event. Never blocks.
func (p *Publisher) EnqueueSignal(sig domain.TradeSignal) {
	p.enqueue(publishJob{signal: &sig})
}

// EnqueueExit queues a trade exit event. Never blocks.
func (p *Publisher) EnqueueExit(exit domain.TradeExit) {
	p.enqueue(publishJob{exit: &exit})
}

// EnqueueBar queues a bar update event. Never blocks.
func (p *Publisher) EnqueueBar(bar domain.Bar, closed bool) {
	p.enqueue(publishJob{bar: &bar, closed: closed})
}

// EnqueueOrderFlow queues an order-flow event. Never blocks.
func (p *Publisher) EnqueueOrderFlow(ev domain.OrderFlowEvent) {
	p.enqueue(publishJob{flow: &ev})
}

// Dropped returns the number of events discarded due to overflow.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) enqueue(job publishJob) {
	select {
	case p.queue <- job:
		return
	default:
	}
	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- job:
	default:
		p.dropped.Add(1)
	}
}

// Run is the worker loop, draining the queue until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.queue:
			p.apply(ctx, job)
		}
	}
}

func (p *Publisher) apply(ctx context.Context, job publishJob) {
	switch {
	case job.signal != nil:
		p.publishSignal(ctx, *job.signal)
	case job.exit != nil:
		p.publishExit(ctx, *job.exit)
	case job.bar != nil:
		p.publishBar(ctx, *job.bar, job.closed)
	case job.flow != nil:
		p.publishOrderFlow(ctx, *job.flow)
	}
}

func (p *Publisher) publishSignal(ctx context.Context, sig domain.TradeSignal) {
	evt, _ := json.Marshal(map[string]any{
		"event":  "position_opened",
		"signal": sig,
	})
	p.publish(ctx, channelTrades, evt)

	if p.notifier != nil {
		title := fmt.Sprintf("Position opened: %s %s", sig.Side, sig.InstrumentKey)
		msg := fmt.Sprintf("Entry %.2f, SL %.2f, TP %.2f, qty %d (%s)",
			sig.Price, sig.StopLoss, sig.TakeProfit, sig.Qty, sig.Reason)
		if err := p.notifier.Notify(ctx, "position_opened", title, msg); err != nil {
			p.logger.Warn("entry notification failed", slog.String("error", err.Error()))
		}
	}
}

func (p *Publisher) publishExit(ctx context.Context, exit domain.TradeExit) {
	evt, _ := json.Marshal(map[string]any{
		"event": "position_closed",
		"exit":  exit,
	})
	p.publish(ctx, channelTrades, evt)

	if p.notifier != nil {
		title := fmt.Sprintf("Position closed: %s %s", exit.Side, exit.InstrumentKey)
		msg := fmt.Sprintf("Exit %.2f (entry %.2f), PnL %.2f (%s)",
			exit.ExitPrice, exit.EntryPrice, exit.PnL, exit.Reason)
		if err := p.notifier.Notify(ctx, "position_closed", title, msg); err != nil {
			p.logger.Warn("exit notification failed", slog.String("error", err.Error()))
		}
	}
}

func (p *Publisher) publishBar(ctx context.Context, bar domain.Bar, closed bool) {
	if p.barCache != nil {
		if err := p.barCache.SetLatest(ctx, bar); err != nil {
			p.logger.Warn("bar cache update failed",
				slog.String("instrument", bar.InstrumentKey),
				slog.String("error", err.Error()),
			)
		}
	}

	event := "bar_update"
	if closed {
		event = "bar_close"
	}
	evt, _ := json.Marshal(map[string]any{
		"event": event,
		"bar":   bar,
	})
	p.publish(ctx, barChannelPrefix+bar.InstrumentKey, evt)
}

func (p *Publisher) publishOrderFlow(ctx context.Context, ev domain.OrderFlowEvent) {
	evt, _ := json.Marshal(map[string]any{
		"event":     "orderflow",
		"kind":      ev.Kind,
		"flow":      ev,
		"timestamp": ev.At.Format(time.RFC3339Nano),
	})
	p.publish(ctx, channelOrderFlow, evt)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload []byte) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.Warn("event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
