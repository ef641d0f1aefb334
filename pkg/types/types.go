// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: order intents, trade
// records, FIFO allocations, indicator annotations, and WebSocket event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ------------------------------------------------------------------------
// Core enums
// ------------------------------------------------------------------------

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order shapes.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderSource identifies which component produced an order intent. Once an
// order is placed successfully its source is immutable.
type OrderSource string

const (
	SourceWebhook         OrderSource = "webhook"
	SourceWebsocket       OrderSource = "websocket"
	SourcePositionMonitor OrderSource = "position_monitor"
	SourcePassive         OrderSource = "passive"
	SourceManual          OrderSource = "manual"
)

// Unknownish reports whether a source value is a placeholder that a later
// write may upgrade to a concrete source. Reconciliation backfills rows with
// these values before the live stream names the real producer.
func Unknownish(source string) bool {
	switch source {
	case "", "unknown", "reconciled":
		return true
	}
	return false
}

// SignalAction is the outcome of one signal evaluation.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// ------------------------------------------------------------------------
// Bars and indicator annotations
// ------------------------------------------------------------------------

// Bar is one OHLCV sample for one symbol at one time. Immutable once
// produced. Indicator inputs stay float64; values entering orders or the
// ledger convert to decimal at that boundary.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Indicator names one scored signal component. The buy and sell variants of
// each indicator are distinct because they carry different thresholds and
// weights.
type Indicator string

const (
	IndBuyBollingerRatio  Indicator = "Buy Bollinger Ratio"
	IndSellBollingerRatio Indicator = "Sell Bollinger Ratio"
	IndBuyBollingerTouch  Indicator = "Buy Bollinger Touch"
	IndSellBollingerTouch Indicator = "Sell Bollinger Touch"
	IndBuyRSI             Indicator = "Buy RSI"
	IndSellRSI            Indicator = "Sell RSI"
	IndBuyROC             Indicator = "Buy ROC"
	IndSellROC            Indicator = "Sell ROC"
	IndBuyMACD            Indicator = "Buy MACD"
	IndSellMACD           Indicator = "Sell MACD"
	IndBuySwing           Indicator = "Buy Swing"
	IndSellSwing          Indicator = "Sell Swing"
	IndBuyWBottom         Indicator = "Buy W-Bottom"
	IndSellMTop           Indicator = "Sell M-Top"
	// IndBuySignal / IndSellSignal are emitted only by the momentum override
	// path; they never enter the weighted score.
	IndBuySignal  Indicator = "Buy Signal"
	IndSellSignal Indicator = "Sell Signal"
)

// BuyIndicators and SellIndicators enumerate the scored components per side,
// in scoring order.
var (
	BuyIndicators = []Indicator{
		IndBuyBollingerRatio, IndBuyBollingerTouch, IndBuyRSI,
		IndBuyROC, IndBuyMACD, IndBuySwing, IndBuyWBottom,
	}
	SellIndicators = []Indicator{
		IndSellBollingerRatio, IndSellBollingerTouch, IndSellRSI,
		IndSellROC, IndSellMACD, IndSellSwing, IndSellMTop,
	}
)

// Annotation is the per-indicator tuple attached to an annotated bar.
// Fired is 0 or 1. Observed and Threshold are nil when the indicator could
// not be evaluated.
type Annotation struct {
	Fired     int      `json:"fired"`
	Observed  *float64 `json:"observed"`
	Threshold *float64 `json:"threshold"`
}

// AnnotatedBar is a Bar plus the indicator tuples and derived scalars
// computed over the rolling window ending at this bar.
type AnnotatedBar struct {
	Bar
	Annotations map[Indicator]Annotation

	RSI      float64
	ROC      float64
	MACDHist float64
	Upper    float64 // upper Bollinger band
	Lower    float64 // lower Bollinger band
	ATR      float64
	ATRPct   float64 // ATR / close
}

// ------------------------------------------------------------------------
// Signal results
// ------------------------------------------------------------------------

// ScoreComponent is one indicator's contribution to a side's score.
type ScoreComponent struct {
	Indicator    Indicator `json:"indicator"`
	Decision     int       `json:"decision"`
	Value        *float64  `json:"value"`
	Threshold    *float64  `json:"threshold"`
	Weight       float64   `json:"weight"`
	Contribution float64   `json:"contribution"`
}

// RawIndicators is the snapshot of raw scalars attached to every score log
// record. Key casing matches the log consumers.
type RawIndicators struct {
	ROC      float64 `json:"ROC"`
	RSI      float64 `json:"RSI"`
	MACDHist float64 `json:"MACD_Hist"`
	Upper    float64 `json:"upper"`
	Lower    float64 `json:"lower"`
}

// SignalResult is the outcome of Score for one symbol at one bar.
type SignalResult struct {
	Symbol         string
	BarIdx         int
	Price          float64
	Action         SignalAction
	Trigger        string // "score", "roc_momo_24h", or a suppression reason
	BuyScore       float64
	SellScore      float64
	TargetBuy      float64 // effective buy target after hysteresis
	TargetSell     float64 // effective sell target after hysteresis
	BuyComponents  []ScoreComponent
	SellComponents []ScoreComponent
	LastSide       string
	CooldownUntil  int
	Raw            RawIndicators
}

// ------------------------------------------------------------------------
// Orders
// ------------------------------------------------------------------------

// Trigger records why an order intent exists.
type Trigger struct {
	Kind   string  `json:"kind"`             // "signal", "position_monitor", "manual", ...
	Detail string  `json:"detail,omitempty"` // e.g. "roc_momo_24h", "HARD_STOP"
	Score  float64 `json:"score,omitempty"`
}

// Precision carries the exchange increments an order must be quantized to.
type Precision struct {
	BaseIncrement  decimal.Decimal
	QuoteIncrement decimal.Decimal
	BaseMinSize    decimal.Decimal
}

// OrderData is an intent to place one order. Built by the order manager,
// adjusted to exchange precision, then submitted. Source and SnapshotID are
// immutable once the order has been placed.
type OrderData struct {
	ClientOrderID string
	Source        OrderSource
	Trigger       Trigger
	ProductID     string // trading pair, e.g. "BTC-USD"
	BaseCurrency  string
	QuoteCurrency string
	Side          Side
	Type          OrderType

	FiatAmount decimal.Decimal // requested quote amount (buys)
	BaseAmount decimal.Decimal // requested base amount (sells)

	AdjustedPrice decimal.Decimal
	AdjustedSize  decimal.Decimal

	Time       time.Time
	SnapshotID string

	AvailableFiat decimal.Decimal // quote balance at build time
	AvailableBase decimal.Decimal // base balance at build time
}

// OrderInfo is the order tracker's view of one submitted order.
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	ProductID     string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Size          decimal.Decimal
	Status        string
	Source        OrderSource
	Trigger       Trigger
	SnapshotID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BracketOrder is the exchange-side entry/stop/take-profit tuple for one
// product. The position monitor reads and coordinates with these; it never
// creates them.
type BracketOrder struct {
	EntryOrderID string
	StopOrderID  string
	TpOrderID    string
	EntryPrice   float64
	StopPrice    float64
	TpPrice      float64
	Status       string
}

// ------------------------------------------------------------------------
// Positions and exits
// ------------------------------------------------------------------------

// SpotPosition is the store's view of one base-currency holding. A position
// is open while TotalBalance exceeds the dust threshold.
type SpotPosition struct {
	Symbol           string
	TotalBalance     float64 // base units held
	AvailableToTrade float64 // base units not locked by open orders
	UnrealizedPnl    float64 // quote units, versus current mid
}

// TrailingStopState is the per-symbol trailing stop. Created the first time
// an open symbol is evaluated; deleted when the position closes or the stop
// triggers. StopPrice is zero until first set and may only be raised.
type TrailingStopState struct {
	LastHigh       float64
	StopPrice      float64
	LastATRPct     float64
	TrailingActive bool
}

// ExitReason labels one exit decision.
type ExitReason string

const (
	ExitEmergency    ExitReason = "EMERGENCY"
	ExitSoftStop     ExitReason = "SOFT_STOP"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitSignal       ExitReason = "SIGNAL_EXIT"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
)

// ExitRecord is one row of the append-only exit tracking list.
type ExitRecord struct {
	Time            time.Time
	Symbol          string
	Reason          ExitReason
	PnlPct          float64
	Mid             float64
	Entry           float64
	Size            float64
	OrderID         string
	UseMarket       bool
	OverrideBracket bool
}

// ------------------------------------------------------------------------
// Ledger rows
// ------------------------------------------------------------------------

// TradeRecord is one settled fill row, keyed by the exchange order id.
// Buy rows own RemainingSize; sell rows leave the FIFO columns null until
// the allocation engine fills them in.
type TradeRecord struct {
	OrderID            string              `db:"order_id"`
	ParentID           *string             `db:"parent_id"`
	ParentIDs          []string            `db:"parent_ids"`
	Symbol             string              `db:"symbol"`
	Side               Side                `db:"side"`
	OrderTime          time.Time           `db:"order_time"`
	Price              decimal.Decimal     `db:"price"`
	Size               decimal.Decimal     `db:"size"`
	TotalFeesUSD       decimal.Decimal     `db:"total_fees_usd"`
	Trigger            Trigger             `db:"-"`
	TriggerJSON        string              `db:"trigger"`
	OrderType          OrderType           `db:"order_type"`
	Status             string              `db:"status"`
	Source             string              `db:"source"`
	CostBasisUSD       decimal.NullDecimal `db:"cost_basis_usd"`
	SaleProceedsUSD    decimal.NullDecimal `db:"sale_proceeds_usd"`
	NetSaleProceedsUSD decimal.NullDecimal `db:"net_sale_proceeds_usd"`
	RemainingSize      decimal.NullDecimal `db:"remaining_size"`
	RealizedProfit     decimal.NullDecimal `db:"realized_profit"`
	IngestVia          string              `db:"ingest_via"`
	LastReconciledAt   *time.Time          `db:"last_reconciled_at"`
	LastReconciledVia  string              `db:"last_reconciled_via"`
}

// FifoAllocation links a slice of one sell fill to one buy fill.
// BuyOrderID is nil for the uncovered residue of a partial sell.
type FifoAllocation struct {
	AllocationVersion      int64               `db:"allocation_version"`
	SellOrderID            string              `db:"sell_order_id"`
	BuyOrderID             *string             `db:"buy_order_id"`
	Symbol                 string              `db:"symbol"`
	AllocatedSize          decimal.Decimal     `db:"allocated_size"`
	AllocationCostBasisUSD decimal.NullDecimal `db:"allocation_cost_basis_usd"`
	AllocationProceedsUSD  decimal.NullDecimal `db:"allocation_proceeds_usd"`
	PnlUSD                 decimal.NullDecimal `db:"pnl_usd"`
	SellTime               time.Time           `db:"sell_time"`
	SellPrice              decimal.Decimal     `db:"sell_price"`
	Notes                  string              `db:"notes"`
}

// StrategySnapshot is an immutable fingerprint of the strategy configuration.
// Exactly one row has ActiveUntil nil at any time.
type StrategySnapshot struct {
	SnapshotID  string     `db:"snapshot_id"`
	ActiveFrom  time.Time  `db:"active_from"`
	ActiveUntil *time.Time `db:"active_until"`
	ConfigHash  string     `db:"config_hash"`
	ConfigJSON  string     `db:"config_json"`
}

// ------------------------------------------------------------------------
// Fill events
// ------------------------------------------------------------------------

// FillEvent is the recorder's input: one settled fill surfaced by the user
// stream or by reconciliation.
type FillEvent struct {
	OrderID      string
	Symbol       string
	Side         Side
	OrderTime    time.Time
	Price        decimal.Decimal
	Size         decimal.Decimal
	TotalFeesUSD decimal.Decimal
	Trigger      Trigger
	OrderType    OrderType
	Status       string
	Source       string
	IngestVia    string
}

// ------------------------------------------------------------------------
// WebSocket wire messages
// ------------------------------------------------------------------------
// These structs map 1:1 to the JSON frames on the exchange WebSocket.
// Outbound: WSSubscribeMsg. Inbound: WSMessage with channel-specific events.

// WSSubscribeMsg is an outbound subscribe or unsubscribe frame. JWT is set
// only for private channels.
type WSSubscribeMsg struct {
	Type       string   `json:"type"` // "subscribe" or "unsubscribe"
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// WSMessage is the envelope of every inbound frame.
type WSMessage struct {
	Channel     string    `json:"channel"`
	ClientID    string    `json:"client_id"`
	Timestamp   time.Time `json:"timestamp"`
	SequenceNum int64     `json:"sequence_num"`
	Events      []WSEvent `json:"events"`
}

// WSEvent is one event inside a frame. Only the fields for the frame's
// channel are populated.
type WSEvent struct {
	Type             string              `json:"type"` // "snapshot" or "update"
	Tickers          []WSTicker          `json:"tickers,omitempty"`
	Orders           []WSUserOrder       `json:"orders,omitempty"`
	Fills            []WSUserFill        `json:"fills,omitempty"`
	CurrentTime      string              `json:"current_time,omitempty"`
	HeartbeatCounter int64               `json:"heartbeat_counter,omitempty"`
	Subscriptions    map[string][]string `json:"subscriptions,omitempty"`
	Message          string              `json:"message,omitempty"` // error channel
}

// WSTicker is one product's entry in a ticker_batch event. All numbers are
// strings on the wire to preserve precision.
type WSTicker struct {
	Type               string `json:"type"`
	ProductID          string `json:"product_id"`
	Price              string `json:"price"`
	Volume24H          string `json:"volume_24_h"`
	Low24H             string `json:"low_24_h"`
	High24H            string `json:"high_24_h"`
	PricePercentChg24H string `json:"price_percent_chg_24_h"`
	BestBid            string `json:"best_bid"`
	BestBidQuantity    string `json:"best_bid_quantity"`
	BestAsk            string `json:"best_ask"`
	BestAskQuantity    string `json:"best_ask_quantity"`
}

// WSUserOrder is an order lifecycle notification on the user channel.
type WSUserOrder struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	LeavesQuantity     string `json:"leaves_quantity"`
	AvgPrice           string `json:"avg_price"`
	TotalFees          string `json:"total_fees"`
	Status             string `json:"status"` // OPEN, FILLED, CANCELLED, ...
	ProductID          string `json:"product_id"`
	CreationTime       string `json:"creation_time"`
	OrderSide          string `json:"order_side"`
	OrderType          string `json:"order_type"`
}

// WSUserFill is a fill notification on the user channel.
type WSUserFill struct {
	TradeID      string `json:"trade_id"`
	OrderID      string `json:"order_id"`
	TradeTime    string `json:"trade_time"`
	ProductID    string `json:"product_id"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Commission   string `json:"commission"`
	Side         string `json:"side"`
	LiquidityInd string `json:"liquidity_indicator"`
	SizeInQuote  bool   `json:"size_in_quote"`
}

// TickerUpdate is the parsed, typed form of one WSTicker that the ingest
// layer hands to the store and the bar builder.
type TickerUpdate struct {
	ProductID          string
	Price              float64
	Bid                float64
	Ask                float64
	Volume24H          float64
	PricePercentChg24H float64
	Time               time.Time
}

// BidAsk is the bid/ask cache entry for one symbol.
type BidAsk struct {
	Bid float64
	Ask float64
}

// Mid returns the midpoint, or 0 when either side is missing.
func (b BidAsk) Mid() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

// PairStats is the USD pairs cache entry for one product: last price and the
// exchange-reported 24-hour statistics.
type PairStats struct {
	Price              float64
	Volume24H          float64
	PricePercentChg24H float64
	UpdatedAt          time.Time
}
