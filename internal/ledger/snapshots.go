package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategySnapshot is one strategy_snapshots row. The open row has a NULL
// active_until; a partial unique index keeps the open row unique.
type StrategySnapshot struct {
	ID          string       `db:"id"`
	ConfigHash  string       `db:"config_hash"`
	ConfigJSON  string       `db:"config_json"`
	ActiveFrom  time.Time    `db:"active_from"`
	ActiveUntil sql.NullTime `db:"active_until"`
}

// ActiveSnapshot returns the open snapshot row, or nil when none exists yet.
func (d *DB) ActiveSnapshot(ctx context.Context) (*StrategySnapshot, error) {
	var row StrategySnapshot
	err := d.do(ctx, func() error {
		return d.pool.GetContext(ctx, &row, `
			SELECT id, config_hash, config_json, active_from, active_until
			FROM strategy_snapshots
			WHERE active_until IS NULL`)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active snapshot: %w", err)
	}
	return &row, nil
}

// RotateSnapshot closes the open row, if any, and opens next in the same
// transaction. The unique index makes two concurrent rotations fail rather
// than leave two open rows.
func (d *DB) RotateSnapshot(ctx context.Context, next StrategySnapshot) error {
	return d.do(ctx, func() error {
		tx, err := d.pool.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("snapshot tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_snapshots SET active_until = $1
			WHERE active_until IS NULL`, next.ActiveFrom); err != nil {
			return fmt.Errorf("close snapshot: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO strategy_snapshots (id, config_hash, config_json, active_from, active_until)
			VALUES (:id, :config_hash, :config_json, :active_from, NULL)`, &next); err != nil {
			return fmt.Errorf("open snapshot: %w", err)
		}
		return tx.Commit()
	})
}

// PerformanceRow is one strategy_performance_summary row.
type PerformanceRow struct {
	SnapshotID     string          `db:"snapshot_id"`
	Symbol         string          `db:"symbol"`
	Trades         int             `db:"trades"`
	RealizedPnlUSD decimal.Decimal `db:"realized_pnl_usd"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// RefreshPerformanceSummary rebuilds realized P&L per (snapshot, symbol)
// from the given allocation version. Placeholder allocations carry no buy
// and are excluded; trades counts distinct finalized sells.
func (d *DB) RefreshPerformanceSummary(ctx context.Context, version int64) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO strategy_performance_summary (snapshot_id, symbol, trades, realized_pnl_usd, updated_at)
			SELECT l.snapshot_id, a.symbol, COUNT(DISTINCT a.sell_order_id), SUM(a.pnl_usd), $2
			FROM fifo_allocations a
			JOIN trade_strategy_link l ON l.order_id = a.sell_order_id
			WHERE a.allocation_version = $1 AND a.buy_order_id IS NOT NULL
			GROUP BY l.snapshot_id, a.symbol
			ON CONFLICT (snapshot_id, symbol) DO UPDATE SET
				trades           = EXCLUDED.trades,
				realized_pnl_usd = EXCLUDED.realized_pnl_usd,
				updated_at       = EXCLUDED.updated_at`,
			version, d.now().UTC())
		if err != nil {
			return fmt.Errorf("refresh performance summary: %w", err)
		}
		return nil
	})
}

// PerformanceSummary lists the aggregated rows for one snapshot.
func (d *DB) PerformanceSummary(ctx context.Context, snapshotID string) ([]PerformanceRow, error) {
	var rows []PerformanceRow
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &rows, `
			SELECT snapshot_id, symbol, trades, realized_pnl_usd, updated_at
			FROM strategy_performance_summary
			WHERE snapshot_id = $1
			ORDER BY symbol`, snapshotID)
	})
	if err != nil {
		return nil, fmt.Errorf("performance summary: %w", err)
	}
	return rows, nil
}
