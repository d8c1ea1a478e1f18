package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantgrid/flowbot/internal/domain"
)

// TickStore implements domain.TickStore using PostgreSQL. Ticks are written in
// batches by the persister and read back in pages by the replay coordinator.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a TickStore backed by the given connection pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

// InsertBatch persists a batch of ticks in a single round trip.
func (s *TickStore) InsertBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range ticks {
		bids, err := json.Marshal(t.Bids)
		if err != nil {
			return fmt.Errorf("postgres: marshal bids %s: %w", t.InstrumentKey, err)
		}
		asks, err := json.Marshal(t.Asks)
		if err != nil {
			return fmt.Errorf("postgres: marshal asks %s: %w", t.InstrumentKey, err)
		}
		batch.Queue(`
			INSERT INTO ticks (instrument_key, price, qty, timestamp_ms, bids, asks)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.InstrumentKey, t.Price, t.Qty, t.TimestampMs, bids, asks)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ticks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert tick batch: %w", err)
		}
	}
	return nil
}

// ListRange returns ticks for the given instruments inside [from, to] ordered
// by timestamp then insertion order. An empty instrumentKeys slice selects all
// instruments. Limit and offset page through long sessions.
func (s *TickStore) ListRange(ctx context.Context, instrumentKeys []string, from, to time.Time, limit, offset int) ([]domain.Tick, error) {
	query := `
		SELECT instrument_key, price, qty, timestamp_ms, bids, asks
		FROM ticks
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2`
	args := []any{from.UnixMilli(), to.UnixMilli()}
	argIdx := 3

	if len(instrumentKeys) > 0 {
		query += fmt.Sprintf(" AND instrument_key = ANY($%d)", argIdx)
		args = append(args, instrumentKeys)
		argIdx++
	}
	query += " ORDER BY timestamp_ms ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks: %w", err)
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var t domain.Tick
		var bids, asks []byte
		if err := rows.Scan(&t.InstrumentKey, &t.Price, &t.Qty, &t.TimestampMs, &bids, &asks); err != nil {
			return nil, fmt.Errorf("postgres: scan tick row: %w", err)
		}
		if len(bids) > 0 {
			if err := json.Unmarshal(bids, &t.Bids); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal bids: %w", err)
			}
		}
		if len(asks) > 0 {
			if err := json.Unmarshal(asks, &t.Asks); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal asks: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteBefore removes ticks older than cutoff, returning the number of rows
// deleted.
func (s *TickStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM ticks WHERE timestamp_ms < $1", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ticks before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TickStore = (*TickStore)(nil)
