package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TradeEventRow mirrors one line of trades.jsonl.
type TradeEventRow struct {
	ID       int64
	Time     time.Time
	Symbol   string
	Strategy string
	Kind     string
	Side     string
	Qty      int
	Price    float64
	Reason   string
	Realized float64
}

// EquityRow mirrors one line of equity.jsonl.
type EquityRow struct {
	Time       time.Time
	Symbol     string
	Realized   float64
	Unrealized float64
	Total      float64
	Position   int
}

const (
	InsertTradeEventSQL = `INSERT INTO trade_events (ts, symbol, strategy, kind, side, qty, price, reason, realized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	InsertEquitySQL = `INSERT INTO equity (ts, symbol, realized, unrealized, total, position)
		VALUES (?, ?, ?, ?, ?, ?)`
)

// TradeEventArgs returns the InsertTradeEventSQL arguments for e.
func TradeEventArgs(e TradeEventRow) []any {
	return []any{e.Time.UTC(), e.Symbol, e.Strategy, e.Kind, e.Side, e.Qty, e.Price, e.Reason, e.Realized}
}

// EquityArgs returns the InsertEquitySQL arguments for e.
func EquityArgs(e EquityRow) []any {
	return []any{e.Time.UTC(), e.Symbol, e.Realized, e.Unrealized, e.Total, e.Position}
}

func (d *Database) InsertTradeEvent(ctx context.Context, e TradeEventRow) error {
	_, err := d.DB.ExecContext(ctx, InsertTradeEventSQL, TradeEventArgs(e)...)
	if err != nil {
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

// ListTradeEvents returns the most recent events, newest first.
func (d *Database) ListTradeEvents(ctx context.Context, limit int) ([]TradeEventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ts, symbol, strategy, kind, COALESCE(side, ''), qty, price, COALESCE(reason, ''), realized
		FROM trade_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()

	var out []TradeEventRow
	for rows.Next() {
		var e TradeEventRow
		if err := rows.Scan(&e.ID, &e.Time, &e.Symbol, &e.Strategy, &e.Kind, &e.Side, &e.Qty, &e.Price, &e.Reason, &e.Realized); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RealizedSince sums realized PnL of events at or after since.
func (d *Database) RealizedSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := d.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(realized), 0) FROM trade_events WHERE ts >= ?`, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum realized: %w", err)
	}
	return total, nil
}

// LatestEquity returns the newest equity row, or nil when none exists.
func (d *Database) LatestEquity(ctx context.Context) (*EquityRow, error) {
	var e EquityRow
	err := d.DB.QueryRowContext(ctx, `
		SELECT ts, COALESCE(symbol, ''), realized, unrealized, total, position
		FROM equity ORDER BY id DESC LIMIT 1`).Scan(&e.Time, &e.Symbol, &e.Realized, &e.Unrealized, &e.Total, &e.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query equity: %w", err)
	}
	return &e, nil
}
