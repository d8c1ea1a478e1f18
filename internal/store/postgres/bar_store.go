package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantgrid/flowbot/internal/domain"
)

// BarStore implements domain.BarStore using PostgreSQL. The footprint map is
// stored as JSONB; everything else is flat columns so range queries stay fast.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore creates a BarStore backed by the given connection pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

// Insert upserts a closed bar. The primary key is (instrument_key, start_ts,
// interval_sec) so the throttled in-progress publisher and the final close can
// both write the same bar safely.
func (s *BarStore) Insert(ctx context.Context, bar domain.Bar) error {
	footprint, err := json.Marshal(bar.Footprint)
	if err != nil {
		return fmt.Errorf("postgres: marshal footprint %s: %w", bar.InstrumentKey, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bars (
			instrument_key, start_ts, interval_sec,
			open, high, low, close,
			volume, buy_volume, sell_volume, footprint, cvd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (instrument_key, start_ts, interval_sec) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			buy_volume = EXCLUDED.buy_volume,
			sell_volume = EXCLUDED.sell_volume,
			footprint = EXCLUDED.footprint,
			cvd = EXCLUDED.cvd`,
		bar.InstrumentKey, bar.StartTs, bar.IntervalSec,
		bar.Open, bar.High, bar.Low, bar.Close,
		bar.Volume, bar.BuyVolume, bar.SellVolume, footprint, bar.CVD,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bar %s/%d: %w", bar.InstrumentKey, bar.StartTs, err)
	}
	return nil
}

// ListRange returns bars for one instrument whose start timestamp falls inside
// [from, to], oldest first.
func (s *BarStore) ListRange(ctx context.Context, instrumentKey string, from, to time.Time) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_key, start_ts, interval_sec,
		       open, high, low, close,
		       volume, buy_volume, sell_volume, footprint, cvd
		FROM bars
		WHERE instrument_key = $1 AND start_ts >= $2 AND start_ts <= $3
		ORDER BY start_ts ASC`,
		instrumentKey, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars %s: %w", instrumentKey, err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var footprint []byte
		if err := rows.Scan(
			&bar.InstrumentKey, &bar.StartTs, &bar.IntervalSec,
			&bar.Open, &bar.High, &bar.Low, &bar.Close,
			&bar.Volume, &bar.BuyVolume, &bar.SellVolume, &footprint, &bar.CVD,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bar row: %w", err)
		}
		if len(footprint) > 0 {
			if err := json.Unmarshal(footprint, &bar.Footprint); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal footprint %s/%d: %w",
					bar.InstrumentKey, bar.StartTs, err)
			}
		}
		out = append(out, bar)
	}
	return out, rows.Err()
}

// ListBefore returns bars older than the cutoff across all instruments, paged
// for archival.
func (s *BarStore) ListBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_key, start_ts, interval_sec,
		       open, high, low, close,
		       volume, buy_volume, sell_volume, footprint, cvd
		FROM bars
		WHERE start_ts < $1
		ORDER BY start_ts ASC, instrument_key ASC
		LIMIT $2 OFFSET $3`,
		before.UnixMilli(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars before %s: %w", before, err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var footprint []byte
		if err := rows.Scan(
			&bar.InstrumentKey, &bar.StartTs, &bar.IntervalSec,
			&bar.Open, &bar.High, &bar.Low, &bar.Close,
			&bar.Volume, &bar.BuyVolume, &bar.SellVolume, &footprint, &bar.CVD,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bar row: %w", err)
		}
		if len(footprint) > 0 {
			if err := json.Unmarshal(footprint, &bar.Footprint); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal footprint %s/%d: %w",
					bar.InstrumentKey, bar.StartTs, err)
			}
		}
		out = append(out, bar)
	}
	return out, rows.Err()
}

// DeleteBefore removes bars that started before cutoff, returning the number
// of rows deleted.
func (s *BarStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM bars WHERE start_ts < $1", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: delete bars before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.BarStore = (*BarStore)(nil)
