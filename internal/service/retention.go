package service

import (
	"context"
	"log/slog"
	"time"

	s3blob "github.com/quantgrid/flowbot/internal/blob/s3"
)

// RetentionStore is the delete-side surface the retention loop needs from
// each store.
type RetentionStore interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention periodically archives old ticks, bars and trade records to object
// storage and trims the primary store afterwards. Rows are only deleted once
// their archive upload has succeeded.
type Retention struct {
	archiver *s3blob.Archiver
	ticks    RetentionStore
	bars     RetentionStore
	signals  RetentionStore
	keepFor  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewRetention creates a Retention loop. archiver may be nil, in which case
// rows are trimmed without an archive copy.
func NewRetention(archiver *s3blob.Archiver, ticks, bars, signals RetentionStore, keepFor, interval time.Duration, logger *slog.Logger) *Retention {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{
		archiver: archiver,
		ticks:    ticks,
		bars:     bars,
		signals:  signals,
		keepFor:  keepFor,
		interval: interval,
		logger:   logger.With(slog.String("component", "retention")),
	}
}

// Run executes one retention pass immediately, then repeats on the configured
// interval until the context is cancelled. Call in a goroutine.
func (r *Retention) Run(ctx context.Context) error {
	r.pass(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Retention) pass(ctx context.Context) {
	cutoff := time.Now().Add(-r.keepFor)

	if r.ticks != nil {
		if r.archive(ctx, "ticks", cutoff, func() (int64, error) {
			if r.archiver == nil {
				return 0, nil
			}
			return r.archiver.ArchiveTicks(ctx, cutoff)
		}) {
			r.trim(ctx, "ticks", r.ticks, cutoff)
		}
	}
	if r.bars != nil {
		if r.archive(ctx, "bars", cutoff, func() (int64, error) {
			if r.archiver == nil {
				return 0, nil
			}
			return r.archiver.ArchiveBars(ctx, cutoff)
		}) {
			r.trim(ctx, "bars", r.bars, cutoff)
		}
	}
	if r.signals != nil {
		if r.archive(ctx, "trades", cutoff, func() (int64, error) {
			if r.archiver == nil {
				return 0, nil
			}
			return r.archiver.ArchiveTrades(ctx, cutoff)
		}) {
			r.trim(ctx, "trades", r.signals, cutoff)
		}
	}
}

// archive runs one archive step and reports whether trimming may proceed.
func (r *Retention) archive(ctx context.Context, kind string, cutoff time.Time, fn func() (int64, error)) bool {
	count, err := fn()
	if err != nil {
		r.logger.ErrorContext(ctx, "archive failed; keeping rows",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return false
	}
	if count > 0 {
		r.logger.InfoContext(ctx, "archived records",
			slog.String("kind", kind),
			slog.Int64("count", count),
			slog.Time("cutoff", cutoff),
		)
	}
	return true
}

func (r *Retention) trim(ctx context.Context, kind string, store RetentionStore, cutoff time.Time) {
	deleted, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "retention delete failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	if deleted > 0 {
		r.logger.InfoContext(ctx, "trimmed records",
			slog.String("kind", kind),
			slog.Int64("deleted", deleted),
		)
	}
}
