package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/engine"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateFinished State = "FINISHED"
	StateStopped  State = "STOPPED"
)

// statusChannel is the event-bus channel replay status updates are published
// on.
const statusChannel = "replay.status"

// sessionLockKey and sessionLockTTL guard against two replay sessions running
// concurrently across process instances. The TTL bounds how long a crashed
// holder can block a new session.
const (
	sessionLockKey = "replay:session"
	sessionLockTTL = 4 * time.Hour
)

// EngineBuilder constructs a fresh engine wired to the given clock. The
// coordinator builds one engine per session so replay state never bleeds into
// the live lanes, while the pipeline code is byte-for-byte the same.
type EngineBuilder func(clock domain.Clock) *engine.Engine

// Status is the control-surface status event.
type Status struct {
	Active    bool    `json:"active"`
	Paused    bool    `json:"paused"`
	Speed     float64 `json:"speed"`
	State     State   `json:"state"`
	Processed int64   `json:"processed"`
	CurrentTs int64   `json:"current_ts,omitempty"`
}

// Coordinator replays historical ticks through the standard pipeline. Ticks
// are processed synchronously in timestamp order; between ticks the
// coordinator sleeps the inter-tick gap divided by the speed multiplier and
// observes cooperative pause/stop. All pipeline time reads come from the
// session's VirtualClock.
type Coordinator struct {
	ticks     domain.TickStore
	build     EngineBuilder
	bus       domain.EventBus
	locker    domain.Locker
	maxSpeed  float64
	batchSize int
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	speed     float64
	processed int64
	clock     *VirtualClock
	eng       *engine.Engine
	cancel    context.CancelFunc
	resumeCh  chan struct{}
	unlock    func()
}

// NewCoordinator creates a Coordinator. locker may be nil, in which case the
// single-session guarantee only holds within this process.
func NewCoordinator(ticks domain.TickStore, build EngineBuilder, bus domain.EventBus, locker domain.Locker, maxSpeed float64, batchSize int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ticks:     ticks,
		build:     build,
		bus:       bus,
		locker:    locker,
		maxSpeed:  maxSpeed,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "replay_coordinator")),
		state:     StateIdle,
		speed:     1.0,
	}
}

// Start begins a replay session over [from, to) for the given instruments at
// the given speed multiplier. It returns domain.ErrReplayActive when a
// session is already running or paused.
func (c *Coordinator) Start(ctx context.Context, instrumentKeys []string, from, to time.Time, speed float64) error {
	if len(instrumentKeys) == 0 {
		return fmt.Errorf("replay: no instruments given")
	}
	if !to.After(from) {
		return fmt.Errorf("replay: empty date range")
	}
	if speed <= 0 {
		speed = 1.0
	}
	if speed > c.maxSpeed {
		speed = c.maxSpeed
	}

	c.mu.Lock()
	if c.state == StateRunning || c.state == StatePaused {
		c.mu.Unlock()
		return domain.ErrReplayActive
	}
	var unlock func()
	if c.locker != nil {
		var err error
		unlock, err = c.locker.Acquire(ctx, sessionLockKey, sessionLockTTL)
		if err != nil {
			c.mu.Unlock()
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.ErrReplayActive
			}
			return fmt.Errorf("replay: acquire session lock: %w", err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateRunning
	c.speed = speed
	c.processed = 0
	c.clock = NewVirtualClock(from)
	c.eng = c.build(c.clock)
	c.cancel = cancel
	c.resumeCh = nil
	c.unlock = unlock
	c.mu.Unlock()

	c.logger.Info("replay started",
		slog.Any("instruments", instrumentKeys),
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Float64("speed", speed),
	)
	c.publishStatus(ctx)

	go c.run(runCtx, instrumentKeys, from, to)
	return nil
}

// run is the session goroutine: it pages ticks out of the store and feeds
// them through the engine until exhausted, stopped, or cancelled.
func (c *Coordinator) run(ctx context.Context, instrumentKeys []string, from, to time.Time) {
	final := StateFinished
	defer func() {
		c.mu.Lock()
		c.state = final
		c.cancel = nil
		unlock := c.unlock
		c.unlock = nil
		c.mu.Unlock()
		if unlock != nil {
			unlock()
		}
		c.logger.Info("replay ended", slog.String("state", string(final)))
		c.publishStatus(context.Background())
	}()

	var prevTs int64
	offset := 0
	for {
		batch, err := c.ticks.ListRange(ctx, instrumentKeys, from, to, c.batchSize, offset)
		if err != nil {
			if ctx.Err() != nil {
				final = StateStopped
				return
			}
			c.logger.Error("replay tick fetch failed", slog.String("error", err.Error()))
			final = StateStopped
			return
		}
		if len(batch) == 0 {
			return
		}
		offset += len(batch)

		for _, tick := range batch {
			// Cooperative pause/stop, checked between ticks only: an
			// in-flight tick is always applied atomically.
			if !c.waitIfPaused(ctx) {
				final = StateStopped
				return
			}
			if prevTs > 0 && tick.TimestampMs > prevTs {
				if !c.throttle(ctx, tick.TimestampMs-prevTs) {
					final = StateStopped
					return
				}
			}
			prevTs = tick.TimestampMs

			c.clock.AdvanceTo(tick.Time())
			if err := c.eng.ProcessSync(tick); err != nil {
				c.logger.Warn("replay tick dispatch failed",
					slog.String("instrument", tick.InstrumentKey),
					slog.String("error", err.Error()),
				)
			}
			c.mu.Lock()
			c.processed++
			c.mu.Unlock()
		}
	}
}

// throttle sleeps the inter-tick gap scaled by the current speed. It returns
// false when the session is cancelled mid-sleep.
func (c *Coordinator) throttle(ctx context.Context, gapMs int64) bool {
	c.mu.Lock()
	speed := c.speed
	c.mu.Unlock()

	d := time.Duration(float64(gapMs)/speed) * time.Millisecond
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitIfPaused blocks while the session is paused. It returns false when the
// session is cancelled while waiting.
func (c *Coordinator) waitIfPaused(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.state != StatePaused {
			c.mu.Unlock()
			return ctx.Err() == nil
		}
		if c.resumeCh == nil {
			c.resumeCh = make(chan struct{})
		}
		ch := c.resumeCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// Pause suspends the session between ticks.
func (c *Coordinator) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return domain.ErrReplayInactive
	}
	c.state = StatePaused
	c.mu.Unlock()
	c.logger.Info("replay paused")
	c.publishStatus(ctx)
	return nil
}

// Resume continues a paused session.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return domain.ErrReplayInactive
	}
	c.state = StateRunning
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
	c.mu.Unlock()
	c.logger.Info("replay resumed")
	c.publishStatus(ctx)
	return nil
}

// Stop cancels the session. The tick being processed completes first, so no
// bar or position is left half-updated.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		c.mu.Unlock()
		return domain.ErrReplayInactive
	}
	cancel := c.cancel
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("replay stop requested")
	c.publishStatus(ctx)
	return nil
}

// SetSpeed changes the speed multiplier of the current session. It takes
// effect from the next inter-tick sleep.
func (c *Coordinator) SetSpeed(ctx context.Context, speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("replay: speed must be > 0")
	}
	if speed > c.maxSpeed {
		speed = c.maxSpeed
	}
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		c.mu.Unlock()
		return domain.ErrReplayInactive
	}
	c.speed = speed
	c.mu.Unlock()
	c.logger.Info("replay speed changed", slog.Float64("speed", speed))
	c.publishStatus(ctx)
	return nil
}

// Status returns the current control-surface status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Active:    c.state == StateRunning || c.state == StatePaused,
		Paused:    c.state == StatePaused,
		Speed:     c.speed,
		State:     c.state,
		Processed: c.processed,
	}
	if c.clock != nil {
		s.CurrentTs = c.clock.Now().UnixMilli()
	}
	return s
}

// Engine returns the session engine, nil before the first Start. Status
// handlers use it to surface replay signal output.
func (c *Coordinator) Engine() *engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng
}

// publishStatus emits the status event to the bus; failures are logged, never
// propagated.
func (c *Coordinator) publishStatus(ctx context.Context) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(c.Status())
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, statusChannel, payload); err != nil {
		c.logger.Warn("replay status publish failed", slog.String("error", err.Error()))
	}
}
