// Package ledger is the durable side of the bot: trade records, FIFO cost
// basis allocations, strategy snapshots, and the smaller bookkeeping tables
// around them. Everything lives in Postgres behind a bounded concurrency
// limiter so a burst of writers cannot exhaust the pool.
//
// The package splits into three parts:
//
//  1. DB, the sqlx wrapper with the schema migration and the plain
//     row-level operations.
//  2. Recorder, the single worker draining the in-process fill queue into
//     trade_records.
//  3. FifoEngine, the replayable per-symbol allocator that turns buys and
//     sells into fifo_allocations rows and finalized sell aggregates.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

const (
	defaultMaxOpenConns = 10 // 5 base + 5 overflow
	defaultMaxIdleConns = 5

	// allocationVersionKey is the shared_data key holding the current FIFO
	// allocation version.
	allocationVersionKey = "fifo_allocation_version"
)

// DB wraps the Postgres pool together with the shared concurrency limiter.
type DB struct {
	pool    *sqlx.DB
	limiter *store.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects to Postgres and verifies the connection. The limiter may be
// nil, in which case access is unbounded (tests).
func Open(ctx context.Context, cfg config.DatabaseConfig, limiter *store.Limiter, logger *slog.Logger) (*DB, error) {
	pool, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(30 * time.Minute)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		pool:    pool,
		limiter: limiter,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}
	db.logger.Info("database connected", "max_open", maxOpen, "max_idle", maxIdle)
	return db, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.pool.Close()
}

// do runs fn while holding a limiter slot.
func (d *DB) do(ctx context.Context, fn func() error) error {
	if d.limiter == nil {
		return fn()
	}
	return d.limiter.Do(ctx, fn)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trade_records (
		order_id              TEXT PRIMARY KEY,
		symbol                TEXT NOT NULL,
		side                  TEXT NOT NULL,
		size                  NUMERIC(30,12) NOT NULL,
		price                 NUMERIC(30,12) NOT NULL,
		fees                  NUMERIC(30,12) NOT NULL DEFAULT 0,
		order_time            TIMESTAMPTZ NOT NULL,
		status                TEXT NOT NULL DEFAULT 'FILLED',
		source                TEXT NOT NULL DEFAULT '',
		trigger               TEXT NOT NULL DEFAULT '',
		order_type            TEXT NOT NULL DEFAULT '',
		ingest_via            TEXT NOT NULL DEFAULT '',
		last_reconciled_at    TIMESTAMPTZ,
		last_reconciled_via   TEXT NOT NULL DEFAULT '',
		parent_id             TEXT,
		parent_ids            TEXT[],
		remaining_size        NUMERIC(30,12),
		realized_profit       NUMERIC(30,12),
		cost_basis_usd        NUMERIC(30,12),
		pnl_usd               NUMERIC(30,12),
		sale_proceeds_usd     NUMERIC(30,12),
		net_sale_proceeds_usd NUMERIC(30,12),
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol_time
		ON trade_records (symbol, order_time, order_id)`,

	`CREATE TABLE IF NOT EXISTS fifo_allocations (
		id                 BIGSERIAL PRIMARY KEY,
		allocation_version BIGINT NOT NULL,
		symbol             TEXT NOT NULL,
		sell_order_id      TEXT NOT NULL,
		buy_order_id       TEXT,
		allocated_size     NUMERIC(30,12) NOT NULL,
		cost_basis_usd     NUMERIC(30,12) NOT NULL,
		proceeds_usd       NUMERIC(30,12) NOT NULL,
		net_proceeds_usd   NUMERIC(30,12) NOT NULL,
		pnl_usd            NUMERIC(30,12) NOT NULL,
		sell_time          TIMESTAMPTZ NOT NULL,
		buy_time           TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fifo_allocations_version_symbol
		ON fifo_allocations (allocation_version, symbol)`,

	`CREATE TABLE IF NOT EXISTS fifo_computation_log (
		id                 BIGSERIAL PRIMARY KEY,
		allocation_version BIGINT NOT NULL,
		symbol             TEXT NOT NULL,
		run_at             TIMESTAMPTZ NOT NULL,
		buys               INT NOT NULL,
		sells              INT NOT NULL,
		allocations        INT NOT NULL,
		uncovered          INT NOT NULL,
		duration_ms        BIGINT NOT NULL,
		note               TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS active_symbols (
		symbol     TEXT PRIMARY KEY,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS passive_orders (
		order_id        TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL DEFAULT '',
		product_id      TEXT NOT NULL,
		side            TEXT NOT NULL,
		price           NUMERIC(30,12),
		size            NUMERIC(30,12),
		status          TEXT NOT NULL DEFAULT 'OPEN',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS shared_data (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS cash_transactions (
		id          BIGSERIAL PRIMARY KEY,
		tx_type     TEXT NOT NULL,
		amount_usd  NUMERIC(30,12) NOT NULL,
		currency    TEXT NOT NULL DEFAULT 'USD',
		occurred_at TIMESTAMPTZ NOT NULL,
		note        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_snapshots (
		id           TEXT PRIMARY KEY,
		config_hash  TEXT NOT NULL,
		config_json  TEXT NOT NULL,
		active_from  TIMESTAMPTZ NOT NULL,
		active_until TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategy_snapshots_one_active
		ON strategy_snapshots ((1)) WHERE active_until IS NULL`,

	`CREATE TABLE IF NOT EXISTS trade_strategy_link (
		order_id    TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_performance_summary (
		snapshot_id      TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		trades           INT NOT NULL DEFAULT 0,
		realized_pnl_usd NUMERIC(30,12) NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (snapshot_id, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS ohlcv_data (
		symbol   TEXT NOT NULL,
		bar_time TIMESTAMPTZ NOT NULL,
		open     NUMERIC(30,12) NOT NULL,
		high     NUMERIC(30,12) NOT NULL,
		low      NUMERIC(30,12) NOT NULL,
		close    NUMERIC(30,12) NOT NULL,
		volume   NUMERIC(30,12) NOT NULL,
		PRIMARY KEY (symbol, bar_time)
	)`,
}

// Migrate creates any missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	return d.do(ctx, func() error {
		for _, stmt := range migrations {
			if _, err := d.pool.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		d.logger.Info("schema migrated", "statements", len(migrations))
		return nil
	})
}

// ------------------------------------------------------------------------
// shared_data
// ------------------------------------------------------------------------

// SetSharedData upserts one KV row.
func (d *DB) SetSharedData(ctx context.Context, key, value string) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO shared_data (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			key, value, d.now().UTC())
		if err != nil {
			return fmt.Errorf("set shared_data %q: %w", key, err)
		}
		return nil
	})
}

// SharedData reads one KV row; ok is false when the key is absent.
func (d *DB) SharedData(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.do(ctx, func() error {
		return d.pool.GetContext(ctx, &value, `SELECT value FROM shared_data WHERE key = $1`, key)
	})
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get shared_data %q: %w", key, err)
	}
	return value, true, nil
}

// AllocationVersion reads the current FIFO allocation version. On first
// boot the default of 1 is persisted, so later processes and offline
// tooling read the same version this one allocated under.
func (d *DB) AllocationVersion(ctx context.Context) (int64, error) {
	value, ok, err := d.SharedData(ctx, allocationVersionKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := d.SetSharedData(ctx, allocationVersionKey, "1"); err != nil {
			return 0, err
		}
		return 1, nil
	}
	var v int64
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil || v < 1 {
		return 0, fmt.Errorf("bad allocation version %q", value)
	}
	return v, nil
}

// ------------------------------------------------------------------------
// active_symbols
// ------------------------------------------------------------------------

// RefreshActiveSymbols enables the given symbols and disables all others.
func (d *DB) RefreshActiveSymbols(ctx context.Context, symbols []string) error {
	return d.do(ctx, func() error {
		tx, err := d.pool.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("refresh active_symbols: %w", err)
		}
		defer tx.Rollback()

		ts := d.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE active_symbols SET enabled = FALSE, updated_at = $1`, ts); err != nil {
			return fmt.Errorf("disable active_symbols: %w", err)
		}
		for _, sym := range symbols {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO active_symbols (symbol, enabled, updated_at) VALUES ($1, TRUE, $2)
				ON CONFLICT (symbol) DO UPDATE SET enabled = TRUE, updated_at = EXCLUDED.updated_at`,
				sym, ts); err != nil {
				return fmt.Errorf("enable active_symbol %s: %w", sym, err)
			}
		}
		return tx.Commit()
	})
}

// ActiveSymbols lists the enabled symbols.
func (d *DB) ActiveSymbols(ctx context.Context) ([]string, error) {
	var out []string
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &out,
			`SELECT symbol FROM active_symbols WHERE enabled ORDER BY symbol`)
	})
	if err != nil {
		return nil, fmt.Errorf("active symbols: %w", err)
	}
	return out, nil
}

// ------------------------------------------------------------------------
// order linkage and passive orders
// ------------------------------------------------------------------------

// LinkTrade associates an order with the strategy snapshot that produced it.
func (d *DB) LinkTrade(ctx context.Context, orderID, snapshotID string) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO trade_strategy_link (order_id, snapshot_id, created_at)
			VALUES ($1, $2, $3) ON CONFLICT (order_id) DO NOTHING`,
			orderID, snapshotID, d.now().UTC())
		if err != nil {
			return fmt.Errorf("link trade %s: %w", orderID, err)
		}
		return nil
	})
}

// UpsertPassiveOrder records a passive-flow order for later reconciliation.
func (d *DB) UpsertPassiveOrder(ctx context.Context, info types.OrderInfo) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO passive_orders (order_id, client_order_id, product_id, side, price, size, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (order_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			info.OrderID, info.ClientOrderID, info.ProductID, string(info.Side),
			info.Price, info.Size, info.Status, d.now().UTC())
		if err != nil {
			return fmt.Errorf("upsert passive order %s: %w", info.OrderID, err)
		}
		return nil
	})
}

// CashTransaction is one deposit, withdrawal, or conversion affecting cash.
type CashTransaction struct {
	ID         int64           `db:"id"`
	TxType     string          `db:"tx_type"`
	AmountUSD  decimal.Decimal `db:"amount_usd"`
	Currency   string          `db:"currency"`
	OccurredAt time.Time       `db:"occurred_at"`
	Note       string          `db:"note"`
	CreatedAt  time.Time       `db:"created_at"`
}

// InsertCashTransaction appends one cash movement row.
func (d *DB) InsertCashTransaction(ctx context.Context, tx CashTransaction) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO cash_transactions (tx_type, amount_usd, currency, occurred_at, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			tx.TxType, tx.AmountUSD, tx.Currency, tx.OccurredAt.UTC(), tx.Note, d.now().UTC())
		if err != nil {
			return fmt.Errorf("insert cash transaction: %w", err)
		}
		return nil
	})
}

// ------------------------------------------------------------------------
// ohlcv_data
// ------------------------------------------------------------------------

// UpsertOHLCV persists one closed bar.
func (d *DB) UpsertOHLCV(ctx context.Context, symbol string, bar types.Bar) error {
	return d.do(ctx, func() error {
		_, err := d.pool.ExecContext(ctx, `
			INSERT INTO ohlcv_data (symbol, bar_time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (symbol, bar_time) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume`,
			symbol, bar.Time.UTC(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		if err != nil {
			return fmt.Errorf("upsert ohlcv %s: %w", symbol, err)
		}
		return nil
	})
}

// RecentOHLCV loads the newest bars for a symbol, oldest first.
func (d *DB) RecentOHLCV(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	type row struct {
		BarTime time.Time `db:"bar_time"`
		Open    float64   `db:"open"`
		High    float64   `db:"high"`
		Low     float64   `db:"low"`
		Close   float64   `db:"close"`
		Volume  float64   `db:"volume"`
	}
	var rows []row
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &rows, `
			SELECT bar_time, open, high, low, close, volume FROM (
				SELECT bar_time, open, high, low, close, volume
				FROM ohlcv_data WHERE symbol = $1
				ORDER BY bar_time DESC LIMIT $2
			) latest ORDER BY bar_time ASC`,
			symbol, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("recent ohlcv %s: %w", symbol, err)
	}
	out := make([]types.Bar, len(rows))
	for i, r := range rows {
		out[i] = types.Bar{Time: r.BarTime, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	return out, nil
}
