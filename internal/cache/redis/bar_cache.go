package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantgrid/flowbot/internal/domain"
)

// barTTL bounds how long a stale latest-bar snapshot survives after its
// instrument stops trading.
const barTTL = 24 * time.Hour

// BarCache implements domain.BarCache using Redis string keys. Each
// instrument's latest bar snapshot is stored as JSON at "bar:latest:{key}" so
// status endpoints and late-joining websocket clients can read the current
// in-progress bar without touching the engine.
type BarCache struct {
	rdb *redis.Client
}

// NewBarCache creates a BarCache backed by the given Client.
func NewBarCache(c *Client) *BarCache {
	return &BarCache{rdb: c.Underlying()}
}

func barKey(instrumentKey string) string {
	return "bar:latest:" + instrumentKey
}

// SetLatest stores the most recent bar snapshot for an instrument.
func (bc *BarCache) SetLatest(ctx context.Context, bar domain.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("redis: marshal bar %s: %w", bar.InstrumentKey, err)
	}
	if err := bc.rdb.Set(ctx, barKey(bar.InstrumentKey), data, barTTL).Err(); err != nil {
		return fmt.Errorf("redis: set latest bar %s: %w", bar.InstrumentKey, err)
	}
	return nil
}

// GetLatest retrieves the most recent bar snapshot for an instrument. It
// returns domain.ErrNotFound when no snapshot exists.
func (bc *BarCache) GetLatest(ctx context.Context, instrumentKey string) (domain.Bar, error) {
	data, err := bc.rdb.Get(ctx, barKey(instrumentKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Bar{}, domain.ErrNotFound
		}
		return domain.Bar{}, fmt.Errorf("redis: get latest bar %s: %w", instrumentKey, err)
	}
	var bar domain.Bar
	if err := json.Unmarshal(data, &bar); err != nil {
		return domain.Bar{}, fmt.Errorf("redis: unmarshal bar %s: %w", instrumentKey, err)
	}
	return bar, nil
}

// Compile-time interface check.
var _ domain.BarCache = (*BarCache)(nil)
