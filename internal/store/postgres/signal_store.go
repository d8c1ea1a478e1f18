package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantgrid/flowbot/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL. Entries and
// exits share the trade_signals table, discriminated by the type column
// ("ENTRY"/"EXIT"), matching the record shape consumed by reporting.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// InsertEntry persists a trade entry record.
func (s *SignalStore) InsertEntry(ctx context.Context, sig domain.TradeSignal) error {
	positionAfter := "BUY"
	if sig.Side == domain.SideShort {
		positionAfter = "SELL"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_signals (
			type, instrument_key, trade_id, timestamp,
			price, position_after, sl_price, tp_price, quantity, reason
		) VALUES ('ENTRY', $1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sig.InstrumentKey, sig.TradeID, sig.Timestamp,
		sig.Price, positionAfter, sig.StopLoss, sig.TakeProfit, sig.Qty, string(sig.Reason),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert entry %s: %w", sig.TradeID, err)
	}
	return nil
}

// InsertExit persists a trade exit record.
func (s *SignalStore) InsertExit(ctx context.Context, exit domain.TradeExit) error {
	positionClosed := "BUY"
	if exit.Side == domain.SideShort {
		positionClosed = "SELL"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_signals (
			type, instrument_key, trade_id, timestamp,
			exit_price, entry_price, position_closed, pnl, quantity, reason
		) VALUES ('EXIT', $1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exit.InstrumentKey, exit.TradeID, exit.Timestamp,
		exit.ExitPrice, exit.EntryPrice, positionClosed, exit.PnL, exit.Qty, string(exit.Reason),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert exit %s: %w", exit.TradeID, err)
	}
	return nil
}

// ListRecent returns the most recent entry records, newest first.
func (s *SignalStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_key, trade_id, timestamp, price,
		       position_after, sl_price, tp_price, quantity, reason
		FROM trade_signals
		WHERE type = 'ENTRY'
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent signals: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeSignal
	for rows.Next() {
		var sig domain.TradeSignal
		var positionAfter, reason string
		if err := rows.Scan(
			&sig.InstrumentKey, &sig.TradeID, &sig.Timestamp, &sig.Price,
			&positionAfter, &sig.StopLoss, &sig.TakeProfit, &sig.Qty, &reason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal row: %w", err)
		}
		sig.Side = domain.SideLong
		if positionAfter == "SELL" {
			sig.Side = domain.SideShort
		}
		sig.Reason = domain.ReasonCode(reason)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ListExits returns exit records for one instrument with pagination and
// optional time filtering.
func (s *SignalStore) ListExits(ctx context.Context, instrumentKey string, opts domain.ListOpts) ([]domain.TradeExit, error) {
	query := `
		SELECT instrument_key, trade_id, timestamp, exit_price,
		       entry_price, position_closed, pnl, quantity, reason
		FROM trade_signals
		WHERE type = 'EXIT' AND instrument_key = $1`
	args := []any{instrumentKey}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exits %s: %w", instrumentKey, err)
	}
	defer rows.Close()

	var out []domain.TradeExit
	for rows.Next() {
		var exit domain.TradeExit
		var positionClosed, reason string
		if err := rows.Scan(
			&exit.InstrumentKey, &exit.TradeID, &exit.Timestamp, &exit.ExitPrice,
			&exit.EntryPrice, &positionClosed, &exit.PnL, &exit.Qty, &reason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan exit row: %w", err)
		}
		exit.Side = domain.SideLong
		if positionClosed == "SELL" {
			exit.Side = domain.SideShort
		}
		exit.Reason = domain.ReasonCode(reason)
		out = append(out, exit)
	}
	return out, rows.Err()
}

// ListEntriesBefore returns entry records older than the cutoff across all
// instruments, paged for archival.
func (s *SignalStore) ListEntriesBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.TradeSignal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_key, trade_id, timestamp, price,
		       position_after, sl_price, tp_price, quantity, reason
		FROM trade_signals
		WHERE type = 'ENTRY' AND timestamp < $1
		ORDER BY timestamp ASC
		LIMIT $2 OFFSET $3`, before, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries before %s: %w", before, err)
	}
	defer rows.Close()

	var out []domain.TradeSignal
	for rows.Next() {
		var sig domain.TradeSignal
		var positionAfter, reason string
		if err := rows.Scan(
			&sig.InstrumentKey, &sig.TradeID, &sig.Timestamp, &sig.Price,
			&positionAfter, &sig.StopLoss, &sig.TakeProfit, &sig.Qty, &reason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal row: %w", err)
		}
		sig.Side = domain.SideLong
		if positionAfter == "SELL" {
			sig.Side = domain.SideShort
		}
		sig.Reason = domain.ReasonCode(reason)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ListExitsBefore returns exit records older than the cutoff across all
// instruments, paged for archival.
func (s *SignalStore) ListExitsBefore(ctx context.Context, before time.Time, limit, offset int) ([]domain.TradeExit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_key, trade_id, timestamp, exit_price,
		       entry_price, position_closed, pnl, quantity, reason
		FROM trade_signals
		WHERE type = 'EXIT' AND timestamp < $1
		ORDER BY timestamp ASC
		LIMIT $2 OFFSET $3`, before, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exits before %s: %w", before, err)
	}
	defer rows.Close()

	var out []domain.TradeExit
	for rows.Next() {
		var exit domain.TradeExit
		var positionClosed, reason string
		if err := rows.Scan(
			&exit.InstrumentKey, &exit.TradeID, &exit.Timestamp, &exit.ExitPrice,
			&exit.EntryPrice, &positionClosed, &exit.PnL, &exit.Qty, &reason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan exit row: %w", err)
		}
		exit.Side = domain.SideLong
		if positionClosed == "SELL" {
			exit.Side = domain.SideShort
		}
		exit.Reason = domain.ReasonCode(reason)
		out = append(out, exit)
	}
	return out, rows.Err()
}

// DeleteBefore removes signal records older than cutoff, returning the number
// of rows deleted. The retention loop calls this after a successful archive
// upload.
func (s *SignalStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM trade_signals WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete signals before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.SignalStore = (*SignalStore)(nil)
