package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"bottrader/internal/metrics"
)

const defaultFifoInterval = 5 * time.Minute

// Allocation is one fifo_allocations row: a slice of a sell matched to a
// slice of a buy. A row with a NULL buy order id is the placeholder for an
// uncovered residue awaiting manual review.
type Allocation struct {
	ID             int64           `db:"id"`
	Version        int64           `db:"allocation_version"`
	Symbol         string          `db:"symbol"`
	SellOrderID    string          `db:"sell_order_id"`
	BuyOrderID     sql.NullString  `db:"buy_order_id"`
	AllocatedSize  decimal.Decimal `db:"allocated_size"`
	CostBasisUSD   decimal.Decimal `db:"cost_basis_usd"`
	ProceedsUSD    decimal.Decimal `db:"proceeds_usd"`
	NetProceedsUSD decimal.Decimal `db:"net_proceeds_usd"`
	PnlUSD         decimal.Decimal `db:"pnl_usd"`
	SellTime       time.Time       `db:"sell_time"`
	BuyTime        sql.NullTime    `db:"buy_time"`
	CreatedAt      time.Time       `db:"created_at"`
}

// ComputationLog is one fifo_computation_log row describing a replay run.
type ComputationLog struct {
	ID          int64     `db:"id"`
	Version     int64     `db:"allocation_version"`
	Symbol      string    `db:"symbol"`
	RunAt       time.Time `db:"run_at"`
	Buys        int       `db:"buys"`
	Sells       int       `db:"sells"`
	Allocations int       `db:"allocations"`
	Uncovered   int       `db:"uncovered"`
	DurationMs  int64     `db:"duration_ms"`
	Note        string    `db:"note"`
}

// sellFinal carries a fully covered sell's finalized aggregates.
type sellFinal struct {
	OrderID            string
	ParentID           string
	ParentIDs          []string
	CostBasisUSD       decimal.Decimal
	SaleProceedsUSD    decimal.Decimal
	NetSaleProceedsUSD decimal.Decimal
	PnlUSD             decimal.Decimal
}

type buyRemaining struct {
	OrderID   string
	Remaining decimal.Decimal
}

// replayResult is everything one replay computed, handed to the database as
// a single transaction.
type replayResult struct {
	allocations []Allocation
	sells       []sellFinal
	remaining   []buyRemaining
	uncovered   int
}

// allocate replays a symbol's history. Sells consume the earliest buys with
// remaining inventory; parent cost (including buy fees) is pro-rated by
// take/buy.size, proceeds and sell fees by take/sell.size. Products are
// multiplied before dividing so clean ratios stay exact.
//
// A sell that outruns the inventory gets a placeholder allocation for the
// residue and is left unfinalized.
func allocate(version int64, symbol string, buys, sells []TradeRecord, runAt time.Time) replayResult {
	type openBuy struct {
		rec       *TradeRecord
		remaining decimal.Decimal
	}
	open := make([]*openBuy, len(buys))
	for i := range buys {
		open[i] = &openBuy{rec: &buys[i], remaining: buys[i].Size}
	}

	var res replayResult
	next := 0
	for i := range sells {
		sell := &sells[i]
		need := sell.Size
		gross := sell.GrossProceeds()
		var (
			cost    decimal.Decimal
			parents []string
			covered = true
		)
		for need.IsPositive() {
			for next < len(open) && !open[next].remaining.IsPositive() {
				next++
			}
			if next >= len(open) {
				covered = false
				break
			}
			b := open[next]
			take := decimal.Min(b.remaining, need)

			costShare := b.rec.TotalCost().Mul(take).Div(b.rec.Size)
			proceedsShare := gross.Mul(take).Div(sell.Size)
			feeShare := sell.Fees.Mul(take).Div(sell.Size)
			netShare := proceedsShare.Sub(feeShare)

			res.allocations = append(res.allocations, Allocation{
				Version:        version,
				Symbol:         symbol,
				SellOrderID:    sell.OrderID,
				BuyOrderID:     nullString(b.rec.OrderID),
				AllocatedSize:  take,
				CostBasisUSD:   costShare,
				ProceedsUSD:    proceedsShare,
				NetProceedsUSD: netShare,
				PnlUSD:         netShare.Sub(costShare),
				SellTime:       sell.OrderTime,
				BuyTime:        sql.NullTime{Time: b.rec.OrderTime, Valid: true},
				CreatedAt:      runAt,
			})
			cost = cost.Add(costShare)
			parents = append(parents, b.rec.OrderID)
			b.remaining = b.remaining.Sub(take)
			need = need.Sub(take)
		}

		if !covered {
			res.allocations = append(res.allocations, Allocation{
				Version:       version,
				Symbol:        symbol,
				SellOrderID:   sell.OrderID,
				AllocatedSize: need,
				SellTime:      sell.OrderTime,
				CreatedAt:     runAt,
			})
			res.uncovered++
			continue
		}

		var parentID string
		if len(parents) > 0 {
			parentID = parents[0]
		}
		net := gross.Sub(sell.Fees)
		res.sells = append(res.sells, sellFinal{
			OrderID:            sell.OrderID,
			ParentID:           parentID,
			ParentIDs:          parents,
			CostBasisUSD:       cost,
			SaleProceedsUSD:    gross,
			NetSaleProceedsUSD: net,
			PnlUSD:             net.Sub(cost),
		})
	}

	res.remaining = make([]buyRemaining, len(open))
	for i, b := range open {
		res.remaining[i] = buyRemaining{OrderID: b.rec.OrderID, Remaining: b.remaining}
	}
	return res
}

// FifoStore is the slice of the database the engine replays through.
type FifoStore interface {
	FilledBuys(ctx context.Context, symbol string) ([]TradeRecord, error)
	FilledSells(ctx context.Context, symbol string) ([]TradeRecord, error)
	ReplayFifo(ctx context.Context, version int64, symbol string, res replayResult, logRow ComputationLog) error
}

// FifoEngine recomputes cost basis allocations per symbol. Replays are
// deterministic: the same trade history always yields the same allocation
// set for a version.
type FifoEngine struct {
	db      FifoStore
	version int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewFifoEngine builds an engine writing under the given allocation version.
func NewFifoEngine(db FifoStore, version int64, logger *slog.Logger) *FifoEngine {
	if version < 1 {
		version = 1
	}
	return &FifoEngine{
		db:      db,
		version: version,
		logger:  logger.With("component", "fifo"),
		now:     time.Now,
	}
}

// ReplaySummary reports one symbol's replay.
type ReplaySummary struct {
	Symbol      string
	Buys        int
	Sells       int
	Allocations int
	Uncovered   int
}

// Replay rebuilds the symbol's allocation set from its full trade history
// and commits it in one transaction.
func (e *FifoEngine) Replay(ctx context.Context, symbol string) (ReplaySummary, error) {
	start := e.now()
	buys, err := e.db.FilledBuys(ctx, symbol)
	if err != nil {
		return ReplaySummary{}, err
	}
	sells, err := e.db.FilledSells(ctx, symbol)
	if err != nil {
		return ReplaySummary{}, err
	}

	res := allocate(e.version, symbol, buys, sells, start.UTC())
	logRow := ComputationLog{
		Version:     e.version,
		Symbol:      symbol,
		RunAt:       start.UTC(),
		Buys:        len(buys),
		Sells:       len(sells),
		Allocations: len(res.allocations),
		Uncovered:   res.uncovered,
		DurationMs:  e.now().Sub(start).Milliseconds(),
	}
	if res.uncovered > 0 {
		logRow.Note = fmt.Sprintf("%d sell(s) with uncovered residue need manual review", res.uncovered)
	}

	if err := e.db.ReplayFifo(ctx, e.version, symbol, res, logRow); err != nil {
		return ReplaySummary{}, err
	}
	if res.uncovered > 0 {
		e.logger.Warn("sells with uncovered residue", "symbol", symbol, "count", res.uncovered)
	}

	s := ReplaySummary{
		Symbol:      symbol,
		Buys:        len(buys),
		Sells:       len(sells),
		Allocations: len(res.allocations),
		Uncovered:   res.uncovered,
	}
	metrics.FifoRuns.Inc()
	metrics.FifoAllocations.WithLabelValues(symbol).Add(float64(s.Allocations))
	metrics.FifoUncovered.WithLabelValues(symbol).Set(float64(s.Uncovered))
	e.logger.Info("fifo replayed",
		"symbol", symbol, "buys", s.Buys, "sells", s.Sells,
		"allocations", s.Allocations, "uncovered", s.Uncovered)
	return s, nil
}

// Run replays every traded symbol on the given interval until cancelled.
func (e *FifoEngine) Run(ctx context.Context, interval time.Duration, symbols func(context.Context) ([]string, error)) {
	if interval <= 0 {
		interval = defaultFifoInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("fifo loop started", "interval", interval, "version", e.version)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("fifo loop stopped")
			return
		case <-ticker.C:
			syms, err := symbols(ctx)
			if err != nil {
				e.logger.Warn("symbol list failed", "error", err)
				continue
			}
			for _, sym := range syms {
				if ctx.Err() != nil {
					return
				}
				if _, err := e.Replay(ctx, sym); err != nil {
					e.logger.Warn("replay failed", "symbol", sym, "error", err)
				}
			}
		}
	}
}

// ReplayFifo commits one replay atomically: concurrent replays of the same
// (version, symbol) key are serialized by a transaction-scoped advisory
// lock. The symbol's sells are cleared first, so sells that lost coverage
// do not keep stale aggregates.
func (d *DB) ReplayFifo(ctx context.Context, version int64, symbol string, res replayResult, logRow ComputationLog) error {
	return d.do(ctx, func() error {
		tx, err := d.pool.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("fifo tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock($1, hashtext($2))`, version, symbol); err != nil {
			return fmt.Errorf("fifo advisory lock: %w", err)
		}

		ts := d.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE trade_records SET
				parent_id = NULL, parent_ids = NULL, cost_basis_usd = NULL,
				sale_proceeds_usd = NULL, net_sale_proceeds_usd = NULL,
				pnl_usd = NULL, updated_at = $2
			WHERE symbol = $1 AND side = 'SELL'`, symbol, ts); err != nil {
			return fmt.Errorf("clear sell fifo fields: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fifo_allocations WHERE allocation_version = $1 AND symbol = $2`,
			version, symbol); err != nil {
			return fmt.Errorf("clear allocations: %w", err)
		}

		if len(res.allocations) > 0 {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO fifo_allocations (
					allocation_version, symbol, sell_order_id, buy_order_id,
					allocated_size, cost_basis_usd, proceeds_usd, net_proceeds_usd,
					pnl_usd, sell_time, buy_time, created_at
				) VALUES (
					:allocation_version, :symbol, :sell_order_id, :buy_order_id,
					:allocated_size, :cost_basis_usd, :proceeds_usd, :net_proceeds_usd,
					:pnl_usd, :sell_time, :buy_time, :created_at
				)`, res.allocations); err != nil {
				return fmt.Errorf("insert allocations: %w", err)
			}
		}

		for _, s := range res.sells {
			if _, err := tx.ExecContext(ctx, `
				UPDATE trade_records SET
					parent_id = $2, parent_ids = $3, cost_basis_usd = $4,
					sale_proceeds_usd = $5, net_sale_proceeds_usd = $6,
					pnl_usd = $7, updated_at = $8
				WHERE order_id = $1`,
				s.OrderID, nullString(s.ParentID), pq.StringArray(s.ParentIDs),
				s.CostBasisUSD, s.SaleProceedsUSD, s.NetSaleProceedsUSD,
				s.PnlUSD, ts); err != nil {
				return fmt.Errorf("finalize sell %s: %w", s.OrderID, err)
			}
		}

		for _, b := range res.remaining {
			if _, err := tx.ExecContext(ctx, `
				UPDATE trade_records SET remaining_size = $2, updated_at = $3
				WHERE order_id = $1`,
				b.OrderID, b.Remaining, ts); err != nil {
				return fmt.Errorf("update buy remaining %s: %w", b.OrderID, err)
			}
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO fifo_computation_log (
				allocation_version, symbol, run_at, buys, sells,
				allocations, uncovered, duration_ms, note
			) VALUES (
				:allocation_version, :symbol, :run_at, :buys, :sells,
				:allocations, :uncovered, :duration_ms, :note
			)`, &logRow); err != nil {
			return fmt.Errorf("insert computation log: %w", err)
		}

		return tx.Commit()
	})
}
