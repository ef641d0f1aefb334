package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/metrics"
	"bottrader/pkg/types"
)

const (
	defaultQueueSize    = 256
	defaultDrainTimeout = 15 * time.Second
)

// RecordStore is the slice of the database the recorder writes through.
type RecordStore interface {
	TradeRecordByOrderID(ctx context.Context, orderID string) (*TradeRecord, error)
	UpsertTradeRecord(ctx context.Context, rec *TradeRecord) error
	EarliestOpenBuy(ctx context.Context, symbol string) (*TradeRecord, error)
}

// PrecisionSource resolves quantization increments for a product.
type PrecisionSource interface {
	Precision(productID string) (types.Precision, bool)
}

// Recorder drains the in-process fill queue into trade_records. One worker,
// strict FIFO; fills are never dropped, a full queue blocks the producer
// after a warning.
type Recorder struct {
	cfg    config.RecorderConfig
	db     RecordStore
	prec   PrecisionSource
	logger *slog.Logger
	queue  chan types.FillEvent
	done   chan struct{}
	now    func() time.Time
}

// NewRecorder builds a recorder with a bounded queue.
func NewRecorder(cfg config.RecorderConfig, db RecordStore, prec PrecisionSource, logger *slog.Logger) *Recorder {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Recorder{
		cfg:    cfg,
		db:     db,
		prec:   prec,
		logger: logger.With("component", "recorder"),
		queue:  make(chan types.FillEvent, size),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Enqueue places a fill on the queue, blocking under backpressure.
func (r *Recorder) Enqueue(fill types.FillEvent) {
	select {
	case r.queue <- fill:
		metrics.RecorderQueueDepth.Set(float64(len(r.queue)))
		return
	default:
	}
	r.logger.Warn("fill queue full, blocking producer",
		"queue", len(r.queue), "order_id", fill.OrderID)
	r.queue <- fill
	metrics.RecorderQueueDepth.Set(float64(len(r.queue)))
}

// QueueDepth reports how many fills are waiting.
func (r *Recorder) QueueDepth() int {
	return len(r.queue)
}

// Done is closed once the worker has exited after its final drain.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Run processes fills until the context is cancelled, then drains whatever
// is still queued under the configured deadline.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("recorder started", "queue_size", cap(r.queue))
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logger.Info("recorder stopped")
			return
		case fill := <-r.queue:
			metrics.RecorderQueueDepth.Set(float64(len(r.queue)))
			if err := r.Record(ctx, fill); err != nil {
				r.logger.Warn("record failed", "order_id", fill.OrderID, "error", err)
			}
		}
	}
}

// drain empties the queue after shutdown, bounded by the drain timeout.
func (r *Recorder) drain() {
	timeout := r.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case fill := <-r.queue:
			if err := r.Record(ctx, fill); err != nil {
				r.logger.Warn("record failed during drain", "order_id", fill.OrderID, "error", err)
			}
			if ctx.Err() != nil {
				r.logger.Error("drain deadline reached, fills left unrecorded", "remaining", len(r.queue))
				return
			}
		default:
			return
		}
	}
}

// Record writes one fill into trade_records:
//
//  1. Normalize the timestamp to UTC and quantize size and price to the
//     product's increments.
//  2. Buys open their own inventory: remaining_size = size and the record
//     is its own parent.
//  3. Sells leave every FIFO column NULL for the engine.
//  4. A sell with an unknownish source inherits the source of the earliest
//     open buy, when that buy has a concrete one.
//  5. Upsert by order id. A concrete stored source is never overwritten,
//     and a replay without trigger or order type keeps the stored ones.
//     Fills arriving through REST reconciliation stamp last_reconciled_at.
func (r *Recorder) Record(ctx context.Context, fill types.FillEvent) error {
	if fill.OrderID == "" {
		return fmt.Errorf("fill without order id for %s", fill.Symbol)
	}

	orderTime := fill.OrderTime
	if orderTime.IsZero() {
		orderTime = r.now()
	}
	orderTime = orderTime.UTC()

	size, price := fill.Size, fill.Price
	if prec, ok := r.prec.Precision(fill.Symbol); ok {
		size = quantize(size, prec.BaseIncrement)
		price = quantize(price, prec.QuoteIncrement)
	}

	status := fill.Status
	if status == "" {
		status = "FILLED"
	}

	ts := r.now().UTC()
	rec := &TradeRecord{
		OrderID:   fill.OrderID,
		Symbol:    fill.Symbol,
		Side:      string(fill.Side),
		Size:      size,
		Price:     price,
		Fees:      fill.TotalFeesUSD,
		OrderTime: orderTime,
		Status:    status,
		OrderType: string(fill.OrderType),
		IngestVia: fill.IngestVia,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if fill.Trigger.Kind != "" {
		b, err := json.Marshal(fill.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger for %s: %w", fill.OrderID, err)
		}
		rec.TriggerJSON = string(b)
	}
	if fill.IngestVia == "rest" {
		rec.LastReconciledAt = sql.NullTime{Time: ts, Valid: true}
		rec.LastReconciledVia = "get_fills"
	}
	if fill.Side == types.BUY {
		rec.RemainingSize = decimal.NewNullDecimal(size)
		rec.ParentID = nullString(fill.OrderID)
		rec.ParentIDs = []string{fill.OrderID}
	}

	incoming := fill.Source
	if fill.Side == types.SELL && Unknownish(incoming) {
		parent, err := r.db.EarliestOpenBuy(ctx, fill.Symbol)
		if err != nil {
			return err
		}
		if parent != nil && !Unknownish(parent.Source) {
			incoming = parent.Source
		}
	}

	existing, err := r.db.TradeRecordByOrderID(ctx, fill.OrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		rec.Source = ResolveSource(existing.Source, incoming)
		rec.CreatedAt = existing.CreatedAt
		if rec.TriggerJSON == "" {
			rec.TriggerJSON = existing.TriggerJSON
		}
		if rec.OrderType == "" {
			rec.OrderType = existing.OrderType
		}
		if rec.IngestVia == "" {
			rec.IngestVia = existing.IngestVia
		}
	} else {
		rec.Source = incoming
	}

	if err := r.db.UpsertTradeRecord(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("fill recorded",
		"order_id", fill.OrderID, "symbol", fill.Symbol, "side", rec.Side,
		"size", size.String(), "price", price.String(), "source", rec.Source)
	return nil
}

// quantize floors v to a multiple of inc; a zero increment passes v through.
func quantize(v, inc decimal.Decimal) decimal.Decimal {
	if inc.IsZero() {
		return v
	}
	return v.Div(inc).Floor().Mul(inc)
}
