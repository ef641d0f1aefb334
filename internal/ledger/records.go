package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TradeRecord is one filled order in trade_records. FIFO columns
// (parent ids, remaining size, cost basis, proceeds, pnl) stay NULL on
// sells until the FIFO engine finalizes them.
type TradeRecord struct {
	OrderID            string              `db:"order_id"`
	Symbol             string              `db:"symbol"`
	Side               string              `db:"side"`
	Size               decimal.Decimal     `db:"size"`
	Price              decimal.Decimal     `db:"price"`
	Fees               decimal.Decimal     `db:"fees"`
	OrderTime          time.Time           `db:"order_time"`
	Status             string              `db:"status"`
	Source             string              `db:"source"`
	TriggerJSON        string              `db:"trigger"`
	OrderType          string              `db:"order_type"`
	IngestVia          string              `db:"ingest_via"`
	LastReconciledAt   sql.NullTime        `db:"last_reconciled_at"`
	LastReconciledVia  string              `db:"last_reconciled_via"`
	ParentID           sql.NullString      `db:"parent_id"`
	ParentIDs          pq.StringArray      `db:"parent_ids"`
	RemainingSize      decimal.NullDecimal `db:"remaining_size"`
	RealizedProfit     decimal.NullDecimal `db:"realized_profit"`
	CostBasisUSD       decimal.NullDecimal `db:"cost_basis_usd"`
	PnlUSD             decimal.NullDecimal `db:"pnl_usd"`
	SaleProceedsUSD    decimal.NullDecimal `db:"sale_proceeds_usd"`
	NetSaleProceedsUSD decimal.NullDecimal `db:"net_sale_proceeds_usd"`
	CreatedAt          time.Time           `db:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at"`
}

// TotalCost is the full acquisition cost of a buy including its fees.
func (r *TradeRecord) TotalCost() decimal.Decimal {
	return r.Size.Mul(r.Price).Add(r.Fees)
}

// GrossProceeds is a sell's size times price, before fees.
func (r *TradeRecord) GrossProceeds() decimal.Decimal {
	return r.Size.Mul(r.Price)
}

// Unknownish reports whether a source value carries no provenance. Such
// values may be upgraded by a later record of the same order.
func Unknownish(source string) bool {
	switch source {
	case "", "unknown", "reconciled":
		return true
	}
	return false
}

// ResolveSource decides the stored source for an upsert: a concrete
// existing value is never overwritten; anything unknownish yields to the
// incoming value.
func ResolveSource(existing, incoming string) string {
	if !Unknownish(existing) {
		return existing
	}
	return incoming
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// TradeRecordByOrderID loads one record, or nil when absent.
func (d *DB) TradeRecordByOrderID(ctx context.Context, orderID string) (*TradeRecord, error) {
	var rec TradeRecord
	err := d.do(ctx, func() error {
		return d.pool.GetContext(ctx, &rec,
			`SELECT * FROM trade_records WHERE order_id = $1`, orderID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trade record %s: %w", orderID, err)
	}
	return &rec, nil
}

// UpsertTradeRecord inserts a record or refreshes its mutable columns. The
// FIFO columns are written on insert only: updates never touch parent ids,
// remaining size, realized profit, or the sell aggregates, which belong to
// the FIFO engine. The caller resolves the final source beforehand. A
// reconciliation stamp only moves forward: a NULL incoming stamp keeps the
// stored one.
func (d *DB) UpsertTradeRecord(ctx context.Context, rec *TradeRecord) error {
	return d.do(ctx, func() error {
		_, err := d.pool.NamedExecContext(ctx, `
			INSERT INTO trade_records (
				order_id, symbol, side, size, price, fees, order_time, status, source,
				trigger, order_type, ingest_via, last_reconciled_at, last_reconciled_via,
				parent_id, parent_ids, remaining_size, realized_profit,
				cost_basis_usd, pnl_usd, sale_proceeds_usd, net_sale_proceeds_usd,
				created_at, updated_at
			) VALUES (
				:order_id, :symbol, :side, :size, :price, :fees, :order_time, :status, :source,
				:trigger, :order_type, :ingest_via, :last_reconciled_at, :last_reconciled_via,
				:parent_id, :parent_ids, :remaining_size, :realized_profit,
				:cost_basis_usd, :pnl_usd, :sale_proceeds_usd, :net_sale_proceeds_usd,
				:created_at, :updated_at
			)
			ON CONFLICT (order_id) DO UPDATE SET
				symbol     = EXCLUDED.symbol,
				side       = EXCLUDED.side,
				size       = EXCLUDED.size,
				price      = EXCLUDED.price,
				fees       = EXCLUDED.fees,
				order_time = EXCLUDED.order_time,
				status     = EXCLUDED.status,
				source     = EXCLUDED.source,
				trigger    = EXCLUDED.trigger,
				order_type = EXCLUDED.order_type,
				ingest_via = EXCLUDED.ingest_via,
				last_reconciled_at  = COALESCE(EXCLUDED.last_reconciled_at, trade_records.last_reconciled_at),
				last_reconciled_via = CASE WHEN EXCLUDED.last_reconciled_via <> ''
					THEN EXCLUDED.last_reconciled_via ELSE trade_records.last_reconciled_via END,
				updated_at = EXCLUDED.updated_at`,
			rec)
		if err != nil {
			return fmt.Errorf("upsert trade record %s: %w", rec.OrderID, err)
		}
		return nil
	})
}

// FilledBuys loads the symbol's filled buys in FIFO order.
func (d *DB) FilledBuys(ctx context.Context, symbol string) ([]TradeRecord, error) {
	var out []TradeRecord
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &out, `
			SELECT * FROM trade_records
			WHERE symbol = $1 AND side = 'BUY' AND status = 'FILLED'
			ORDER BY order_time ASC, order_id ASC`,
			symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("filled buys %s: %w", symbol, err)
	}
	return out, nil
}

// FilledSells loads the symbol's filled sells in FIFO order.
func (d *DB) FilledSells(ctx context.Context, symbol string) ([]TradeRecord, error) {
	var out []TradeRecord
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &out, `
			SELECT * FROM trade_records
			WHERE symbol = $1 AND side = 'SELL' AND status = 'FILLED'
			ORDER BY order_time ASC, order_id ASC`,
			symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("filled sells %s: %w", symbol, err)
	}
	return out, nil
}

// EarliestOpenBuy returns the oldest filled buy with remaining size, or nil
// when the symbol has no open inventory. Sells recorded with an unknownish
// source inherit theirs from it.
func (d *DB) EarliestOpenBuy(ctx context.Context, symbol string) (*TradeRecord, error) {
	var rec TradeRecord
	err := d.do(ctx, func() error {
		return d.pool.GetContext(ctx, &rec, `
			SELECT * FROM trade_records
			WHERE symbol = $1 AND side = 'BUY' AND status = 'FILLED' AND remaining_size > 0
			ORDER BY order_time ASC, order_id ASC LIMIT 1`,
			symbol)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("earliest open buy %s: %w", symbol, err)
	}
	return &rec, nil
}

// TradeSymbols lists the distinct symbols present in trade_records, for the
// FIFO replay loop.
func (d *DB) TradeSymbols(ctx context.Context) ([]string, error) {
	var out []string
	err := d.do(ctx, func() error {
		return d.pool.SelectContext(ctx, &out,
			`SELECT DISTINCT symbol FROM trade_records ORDER BY symbol`)
	})
	if err != nil {
		return nil, fmt.Errorf("trade symbols: %w", err)
	}
	return out, nil
}
