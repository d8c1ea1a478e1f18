package engine

import (
	"io"
	"log/slog"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// stubClock is a manually advanced clock for deterministic component tests.
type stubClock struct {
	t time.Time
}

func newStubClock() *stubClock {
	return &stubClock{t: time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time { return c.t }

func (c *stubClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records every pipeline output in emission order.
type captureSink struct {
	signals []domain.TradeSignal
	exits   []domain.TradeExit
	bars    []domain.Bar
	closed  []bool
	events  []domain.OrderFlowEvent
}

func (s *captureSink) OnSignal(sig domain.TradeSignal) { s.signals = append(s.signals, sig) }
func (s *captureSink) OnExit(exit domain.TradeExit)    { s.exits = append(s.exits, exit) }
func (s *captureSink) OnBarUpdate(bar domain.Bar, closed bool) {
	s.bars = append(s.bars, bar)
	s.closed = append(s.closed, closed)
}
func (s *captureSink) OnOrderFlow(ev domain.OrderFlowEvent) { s.events = append(s.events, ev) }

func (s *captureSink) eventKinds() []domain.OrderFlowEventKind {
	kinds := make([]domain.OrderFlowEventKind, 0, len(s.events))
	for _, ev := range s.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
