// Package service contains the asynchronous glue between the engine and the
// outside world: persistence, event fan-out, notifications and retention.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// persistJob is one unit of work for the persister worker.
type persistJob struct {
	signal *domain.TradeSignal
	exit   *domain.TradeExit
	bar    *domain.Bar
	closed bool
}

const (
	persistRetries      = 3
	persistRetryBackoff = 250 * time.Millisecond
	tickFlushInterval   = time.Second
	tickFlushBatch      = 200
)

// PersisterConfig tunes the persister queues.
type PersisterConfig struct {
	// QueueSize bounds the job queue; when full, the oldest job is dropped.
	QueueSize int
	// BarThrottle is the minimum spacing between persisted in-progress
	// snapshots of the same bar. Closed bars are never throttled.
	BarThrottle time.Duration
}

// Persister writes trade records, bars and ticks to the stores behind a
// bounded queue, so a slow or unavailable database never blocks a lane. Jobs
// are applied in order by a single worker; when the queue overflows the
// oldest job is dropped and counted.
type Persister struct {
	cfg     PersisterConfig
	signals domain.SignalStore
	bars    domain.BarStore
	ticks   domain.TickStore
	logger  *slog.Logger

	queue   chan persistJob
	dropped atomic.Int64

	mu          sync.Mutex
	tickBuf     []domain.Tick
	lastBarSave map[string]time.Time
}

// NewPersister creates a Persister. The tick store may be nil when raw tick
// recording is disabled.
func NewPersister(cfg PersisterConfig, signals domain.SignalStore, bars domain.BarStore, ticks domain.TickStore, logger *slog.Logger) *Persister {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	return &Persister{
		cfg:         cfg,
		signals:     signals,
		bars:        bars,
		ticks:       ticks,
		logger:      logger.With(slog.String("component", "persister")),
		queue:       make(chan persistJob, cfg.QueueSize),
		lastBarSave: make(map[string]time.Time),
	}
}

// EnqueueSignal queues a trade entry for persistence. Never blocks.
func (p *Persister) EnqueueSignal(sig domain.TradeSignal) {
	p.enqueue(persistJob{signal: &sig})
}

// EnqueueExit queues a trade exit for persistence. Never blocks.
func (p *Persister) EnqueueExit(exit domain.TradeExit) {
	p.enqueue(persistJob{exit: &exit})
}

// EnqueueBar queues a bar for persistence. In-progress snapshots of the same
// bar are throttled to one write per BarThrottle; closed bars always go
// through. Never blocks.
func (p *Persister) EnqueueBar(bar domain.Bar, closed bool) {
	if !closed && p.cfg.BarThrottle > 0 {
		key := bar.InstrumentKey
		now := time.Now()
		p.mu.Lock()
		if last, ok := p.lastBarSave[key]; ok && now.Sub(last) < p.cfg.BarThrottle {
			p.mu.Unlock()
			return
		}
		p.lastBarSave[key] = now
		p.mu.Unlock()
	}
	p.enqueue(persistJob{bar: &bar, closed: closed})
}

// EnqueueTick buffers a raw tick for batched persistence. Never blocks. Ticks
// are flushed by the worker every tickFlushInterval or when the buffer
// reaches tickFlushBatch, whichever comes first.
func (p *Persister) EnqueueTick(tick domain.Tick) {
	if p.ticks == nil {
		return
	}
	p.mu.Lock()
	if len(p.tickBuf) >= p.cfg.QueueSize {
		// Same overflow policy as the job queue: drop the oldest.
		p.tickBuf = p.tickBuf[1:]
		p.dropped.Add(1)
	}
	p.tickBuf = append(p.tickBuf, tick)
	flush := len(p.tickBuf) >= tickFlushBatch
	p.mu.Unlock()

	if flush {
		p.enqueue(persistJob{})
	}
}

// Dropped returns the number of jobs and ticks discarded due to overflow.
func (p *Persister) Dropped() int64 {
	return p.dropped.Load()
}

// enqueue adds a job, evicting the oldest queued job when full.
func (p *Persister) enqueue(job persistJob) {
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

// Run is the worker loop. It drains the queue until the context is cancelled,
// then flushes any buffered ticks before returning.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.flushTicks(context.Background())
			return nil
		case <-ticker.C:
			p.flushTicks(ctx)
		case job := <-p.queue:
			p.apply(ctx, job)
		}
	}
}

// drain applies whatever is left in the queue without blocking.
func (p *Persister) drain() {
	for {
		select {
		case job := <-p.queue:
			p.apply(context.Background(), job)
		default:
			return
		}
	}
}

// apply executes one job with bounded retries.
func (p *Persister) apply(ctx context.Context, job persistJob) {
	switch {
	case job.signal != nil:
		p.withRetry(ctx, "insert entry", func() error {
			return p.signals.InsertEntry(ctx, *job.signal)
		})
	case job.exit != nil:
		p.withRetry(ctx, "insert exit", func() error {
			return p.signals.InsertExit(ctx, *job.exit)
		})
	case job.bar != nil:
		p.withRetry(ctx, "insert bar", func() error {
			return p.bars.Insert(ctx, *job.bar)
		})
	default:
		// Tick flush request.
		p.flushTicks(ctx)
	}
}

// flushTicks writes the buffered ticks in one batch.
func (p *Persister) flushTicks(ctx context.Context) {
	if p.ticks == nil {
		return
	}
	p.mu.Lock()
	if len(p.tickBuf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.tickBuf
	p.tickBuf = nil
	p.mu.Unlock()

	p.withRetry(ctx, "insert ticks", func() error {
		return p.ticks.InsertBatch(ctx, batch)
	})
}

// withRetry runs fn up to persistRetries times with linear backoff. A job
// that still fails is logged and dropped; the pipeline itself is never
// affected.
func (p *Persister) withRetry(ctx context.Context, op string, fn func() error) {
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = fn(); err == nil {
			return
		}
		if attempt == persistRetries {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * persistRetryBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.logger.Warn("persist aborted", slog.String("op", op), slog.String("error", err.Error()))
			return
		}
	}
	p.dropped.Add(1)
	p.logger.Error("persist failed", slog.String("op", op), slog.String("error", err.Error()))
}
