package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists trade entry/exit records.
type SignalStore interface {
	InsertEntry(ctx context.Context, sig TradeSignal) error
	InsertExit(ctx context.Context, exit TradeExit) error
	ListRecent(ctx context.Context, limit int) ([]TradeSignal, error)
	ListExits(ctx context.Context, instrumentKey string, opts ListOpts) ([]TradeExit, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BarStore persists closed bars with their footprints.
type BarStore interface {
	Insert(ctx context.Context, bar Bar) error
	ListRange(ctx context.Context, instrumentKey string, from, to time.Time) ([]Bar, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TickStore persists raw ticks and serves them back for replay. ListRange
// returns ticks ordered by timestamp then insertion order; limit/offset
// paginate through long sessions without loading a whole day into memory.
type TickStore interface {
	InsertBatch(ctx context.Context, ticks []Tick) error
	ListRange(ctx context.Context, instrumentKeys []string, from, to time.Time, limit, offset int) ([]Tick, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventBus provides pub/sub fan-out of engine events (bar updates, replay
// status, trade events) to external observers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BarCache stores the latest bar snapshot per instrument for cheap reads by
// status endpoints and late-joining observers.
type BarCache interface {
	SetLatest(ctx context.Context, bar Bar) error
	GetLatest(ctx context.Context, instrumentKey string) (Bar, error)
}

// Locker provides distributed mutual exclusion. Acquire returns ErrLockHeld
// when another holder owns the key; the returned function releases the lock
// and is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter bounds the rate of an external side effect (notification sends,
// outbound API calls) across process instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// BlobInfo is object metadata returned by BlobReader.List.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter writes an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads objects back from blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}
