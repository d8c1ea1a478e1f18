package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/flowbot/internal/domain"
)

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

func (b *memBus) on(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.msgs[channel]))
	copy(out, b.msgs[channel])
	return out
}

type memBarCache struct {
	mu     sync.Mutex
	latest map[string]domain.Bar
}

func newMemBarCache() *memBarCache { return &memBarCache{latest: make(map[string]domain.Bar)} }

func (c *memBarCache) SetLatest(_ context.Context, bar domain.Bar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[bar.InstrumentKey] = bar
	return nil
}

func (c *memBarCache) GetLatest(_ context.Context, key string) (domain.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bar, ok := c.latest[key]
	if !ok {
		return domain.Bar{}, domain.ErrNotFound
	}
	return bar, nil
}

func runPublisher(t *testing.T, p *Publisher) {
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
}

func eventField(t *testing.T, payload []byte) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &m))
	var ev string
	require.NoError(t, json.Unmarshal(m["event"], &ev))
	return ev
}

func TestPublisherTradeEvents(t *testing.T) {
	bus := newMemBus()
	p := NewPublisher(bus, nil, nil, 64, testLogger())
	runPublisher(t, p)

	p.EnqueueSignal(domain.TradeSignal{TradeID: "t1", InstrumentKey: "NIFTY", Side: domain.SideLong, Price: 100})
	p.EnqueueExit(domain.TradeExit{TradeID: "t1", InstrumentKey: "NIFTY", ExitPrice: 101, PnL: 10})

	require.Eventually(t, func() bool { return len(bus.on("trades")) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := bus.on("trades")
	assert.Equal(t, "position_opened", eventField(t, msgs[0]))
	assert.Equal(t, "position_closed", eventField(t, msgs[1]))
}

func TestPublisherBarUpdatesCacheAndBus(t *testing.T) {
	bus := newMemBus()
	cache := newMemBarCache()
	p := NewPublisher(bus, cache, nil, 64, testLogger())
	runPublisher(t, p)

	p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Open: 100, Close: 100.5}, false)
	p.EnqueueBar(domain.Bar{InstrumentKey: "NIFTY", Open: 100, Close: 101}, true)

	require.Eventually(t, func() bool { return len(bus.on("bars.NIFTY")) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := bus.on("bars.NIFTY")
	assert.Equal(t, "bar_update", eventField(t, msgs[0]))
	assert.Equal(t, "bar_close", eventField(t, msgs[1]))

	latest, err := cache.GetLatest(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, 101.0, latest.Close)
}

func TestPublisherOrderFlowEvents(t *testing.T) {
	bus := newMemBus()
	p := NewPublisher(bus, nil, nil, 64, testLogger())
	runPublisher(t, p)

	p.EnqueueOrderFlow(domain.OrderFlowEvent{
		Kind:          domain.EventWallDetected,
		InstrumentKey: "NIFTY",
		Price:         100.0,
		Side:          domain.SideBid,
		Qty:           300,
		At:            time.Now(),
	})

	require.Eventually(t, func() bool { return len(bus.on("orderflow")) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := bus.on("orderflow")[0]
	assert.Equal(t, "orderflow", eventField(t, msg))

	var decoded struct {
		Kind domain.OrderFlowEventKind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, domain.EventWallDetected, decoded.Kind)
}

func TestPublisherDropsOldestOnOverflow(t *testing.T) {
	// No worker: the queue fills and overflow evicts the oldest event.
	p := NewPublisher(newMemBus(), nil, nil, 2, testLogger())

	for i := 0; i < 5; i++ {
		p.EnqueueOrderFlow(domain.OrderFlowEvent{Kind: domain.EventWallDetected, InstrumentKey: "NIFTY"})
	}
	assert.Equal(t, int64(3), p.Dropped())
}
