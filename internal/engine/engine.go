// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Scanner validates the configured trading pairs, primes the pair
//     caches, and backfills candle history.
//  2. Engine starts/stops a signal worker per symbol (reconcileSlots); each
//     worker scores closed bars serially for its symbol.
//  3. The ingestion orchestrator runs the market and user streams, folding
//     ticks into bars and routing order updates and fills; the reconciler
//     backfills fills and stale order state over REST.
//  4. The position monitor sweeps open positions for exits; the FIFO engine
//     periodically replays the ledger into allocations.
//  5. A balance loop mirrors exchange accounts into the position cache and
//     values holdings against the ledger's open cost basis.
//
// Lifecycle: New() → Start() → [runs until SIGINT or a fatal stream error]
// → Stop(). Stop follows a fixed order: stop ingest so no new fills arrive,
// drain the recorder queue, cancel everything else, close the database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bottrader/internal/api"
	"bottrader/internal/config"
	"bottrader/internal/exchange"
	"bottrader/internal/ingest"
	"bottrader/internal/ledger"
	"bottrader/internal/market"
	"bottrader/internal/monitor"
	"bottrader/internal/orders"
	"bottrader/internal/risk"
	"bottrader/internal/snapshot"
	"bottrader/internal/store"
	"bottrader/internal/strategy"
	"bottrader/pkg/types"
)

const (
	bootTimeout            = 30 * time.Second
	dbTimeout              = 10 * time.Second
	restTimeout            = 10 * time.Second
	balanceRefreshInterval = 30 * time.Second
	barChanSize            = 8
)

// symbolSlot is one actively-traded symbol. Each slot runs a dedicated
// goroutine consuming closed bars, so signal evaluation never overlaps
// with itself for a symbol.
type symbolSlot struct {
	cancel context.CancelFunc
	barCh  chan types.Bar
}

// Engine orchestrates all components of the trading system. It owns the
// lifecycle of every goroutine and the ordered shutdown sequence.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client     *exchange.Client
	store      *store.Store
	db         *ledger.DB
	recorder   *ledger.Recorder
	fifo       *ledger.FifoEngine
	snapshots  *snapshot.Service
	orders     *orders.Manager
	targets    *risk.Manager
	monitor    *monitor.Monitor
	bars       *market.Bars
	pipeline   *market.Pipeline
	scanner    *market.Scanner
	signals    *strategy.Engine
	scoreLog   *strategy.ScoreLog
	orch       *ingest.Orchestrator
	reconciler *ingest.Reconciler

	version   int64 // FIFO allocation version, fixed for the process
	startedAt time.Time

	// universe is the traded product set; scanner results replace it and
	// stream subscriptions read it on every (re)connect.
	universe   []string
	universeMu sync.RWMutex

	// slots maps symbol → running signal worker. Protected by slotsMu.
	slots   map[string]*symbolSlot
	slotsMu sync.RWMutex

	// fatalCh carries the first unrecoverable error (a dead stream) so the
	// process can stop instead of trading on stale data.
	fatalCh chan error

	// openingOnce guards the once-per-boot opening cash record.
	openingOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// The streams and the reconciler stop first during shutdown and start
	// only after the first scan settles the universe. ingestMu serializes
	// that late start against Stop.
	ingestCtx     context.Context
	ingestCancel  context.CancelFunc
	ingestStarted bool
	ingestMu      sync.Mutex
	ingestWG      sync.WaitGroup

	// The recorder outlives the streams during shutdown so queued fills
	// still land; it gets its own cancel stage.
	recCtx    context.Context
	recCancel context.CancelFunc
}

// New creates and wires all engine components: exchange client, database
// (with migration), strategy snapshot, order manager, recorder, FIFO
// engine, monitor, market data, signal engine, and the ingest streams.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var auth *exchange.Auth
	if cfg.Exchange.APIKey != "" || cfg.Exchange.APISecret != "" {
		a, err := exchange.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		if err != nil {
			return nil, fmt.Errorf("exchange auth: %w", err)
		}
		auth = a
	}
	client := exchange.NewClient(cfg.Exchange, cfg.DryRun, auth, logger)

	st := store.New(cfg.Database.LimiterCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	ingestCtx, ingestCancel := context.WithCancel(ctx)
	recCtx, recCancel := context.WithCancel(ctx)
	fail := func(err error) (*Engine, error) {
		ingestCancel()
		recCancel()
		cancel()
		return nil, err
	}

	bootCtx, bootDone := context.WithTimeout(ctx, bootTimeout)
	defer bootDone()

	db, err := ledger.Open(bootCtx, cfg.Database, st.DB(), logger)
	if err != nil {
		return fail(err)
	}
	if err := db.Migrate(bootCtx); err != nil {
		db.Close()
		return fail(fmt.Errorf("migrate: %w", err))
	}
	version, err := db.AllocationVersion(bootCtx)
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("allocation version: %w", err))
	}
	prevSymbols, err := db.ActiveSymbols(bootCtx)
	if err != nil {
		logger.Warn("previous active symbols unavailable", "error", err)
	}

	snapshots := snapshot.NewService(db, logger)
	fp := snapshot.Fingerprint{
		Trading:    cfg.Trading,
		Risk:       cfg.Risk,
		Indicators: cfg.Indicators,
		Signals:    cfg.Signals,
	}
	if _, err := snapshots.Resolve(bootCtx, fp); err != nil {
		db.Close()
		return fail(fmt.Errorf("resolve strategy snapshot: %w", err))
	}

	logDir := defaultLogDir(cfg.Paths)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.Warn("log dir create failed", "dir", logDir, "error", err)
	}

	om := orders.NewManager(cfg.Trading, client, st, snapshots, db, logger)
	recorder := ledger.NewRecorder(cfg.Recorder, db, om, logger)
	fifo := ledger.NewFifoEngine(db, version, logger)
	targets := risk.NewManager(cfg.Risk, cfg.Trading, st, tpslPath(cfg.Paths), logger)
	mon := monitor.NewMonitor(cfg.Trading, st, om, client, targets, logger)

	bars := market.NewBars(cfg.Indicators.BarInterval, market.WindowBars)
	pipeline := market.NewPipeline(cfg.Indicators, logger)
	scanner := market.NewScanner(client, bars, st, db, cfg, logger)

	scoreLog := strategy.NewScoreLog(scorePath(cfg.Paths), cfg.Paths.ScoreBackups)
	signals := strategy.NewEngine(cfg.Signals, st, scoreLog, logger)

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		client:       client,
		store:        st,
		db:           db,
		recorder:     recorder,
		fifo:         fifo,
		snapshots:    snapshots,
		orders:       om,
		targets:      targets,
		monitor:      mon,
		bars:         bars,
		pipeline:     pipeline,
		scanner:      scanner,
		signals:      signals,
		scoreLog:     scoreLog,
		version:      version,
		slots:        make(map[string]*symbolSlot),
		fatalCh:      make(chan error, 1),
		ctx:          ctx,
		cancel:       cancel,
		ingestCtx:    ingestCtx,
		ingestCancel: ingestCancel,
		recCtx:       recCtx,
		recCancel:    recCancel,
	}
	// Open with the configured list plus the last run's active set, so the
	// first reconciler sweep covers fills that landed while the process was
	// down. The first scan result replaces the union.
	e.setUniverse(mergeSymbols(cfg.Trading.Symbols, prevSymbols))
	e.orch = ingest.NewOrchestrator(cfg.Ingest, cfg.Exchange, client, st, bars, recorder, e.products, e.onBarClose, logger)
	e.reconciler = ingest.NewReconciler(cfg.Ingest, client, recorder, st, e.products, logger)
	return e, nil
}

// Start launches all background goroutines: recorder, scanner, universe
// manager, monitor, FIFO loop, performance refresh, and balance refresh.
// The streams start once the first scan result settles the universe.
func (e *Engine) Start() error {
	e.startedAt = time.Now()

	prodCtx, cancel := context.WithTimeout(e.ctx, restTimeout)
	if err := e.orders.RefreshProducts(prodCtx); err != nil {
		e.logger.Warn("initial product load failed, retrying on next scan", "error", err)
	}
	cancel()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recorder.Run(e.recCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manageUniverse()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fifo.Run(e.ctx, e.cfg.Recorder.FifoInterval, e.db.TradeSymbols)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.performanceLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.balancesLoop()
	}()

	return nil
}

// Fatal yields the first unrecoverable error, such as a stream exhausting
// its reconnect budget. The process should stop when it fires: trading on
// a dead feed is worse than not trading.
func (e *Engine) Fatal() <-chan error {
	return e.fatalCh
}

// Stop shuts down in the fixed order: stop the streams and the reconciler
// so no new fills arrive, drain the recorder queue under its deadline,
// cancel the remaining tasks, then close files and the database pool.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.ingestMu.Lock()
	e.ingestCancel()
	e.ingestMu.Unlock()
	e.ingestWG.Wait()

	e.recCancel()
	<-e.recorder.Done()

	e.cancel()
	e.wg.Wait()

	e.scoreLog.Close()
	e.targets.Close()
	if err := e.db.Close(); err != nil {
		e.logger.Error("database close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// manageUniverse reacts to scanner results: refresh the product universe,
// reconcile the per-symbol workers, and (once) start the streams.
func (e *Engine) manageUniverse() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case res := <-e.scanner.Results():
			e.applyScan(res)
			e.startIngest()
		}
	}
}

func (e *Engine) applyScan(res market.ScanResult) {
	changed := e.setUniverse(res.Symbols)

	ctx, cancel := context.WithTimeout(e.ctx, dbTimeout)
	if err := e.db.RefreshActiveSymbols(ctx, res.Symbols); err != nil {
		e.logger.Warn("active symbols refresh failed", "error", err)
	}
	cancel()

	// Product metadata (precision increments) drifts as listings change;
	// the scan cadence keeps it current and retries a failed initial load.
	ctx, cancel = context.WithTimeout(e.ctx, restTimeout)
	if err := e.orders.RefreshProducts(ctx); err != nil {
		e.logger.Warn("product refresh failed", "error", err)
	}
	cancel()

	e.reconcileSlots(res.Symbols)

	// Live stream sessions re-subscribe so their frames track the new
	// universe; before the streams start this is a no-op.
	if changed {
		e.orch.Resubscribe()
	}
}

// startIngest launches the streams and the reconciler after the first scan,
// so subscribe frames never carry unvalidated symbols. Subsequent calls are
// no-ops.
func (e *Engine) startIngest() {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if e.ingestStarted || e.ingestCtx.Err() != nil {
		return
	}
	e.ingestStarted = true

	e.ingestWG.Add(1)
	go func() {
		defer e.ingestWG.Done()
		if err := e.orch.Run(e.ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("ingest stopped", "error", err)
			e.fatal(fmt.Errorf("ingest: %w", err))
		}
	}()

	e.ingestWG.Add(1)
	go func() {
		defer e.ingestWG.Done()
		if err := e.reconciler.Run(e.ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("reconciler stopped", "error", err)
		}
	}()
}

func (e *Engine) fatal(err error) {
	select {
	case e.fatalCh <- err:
	default:
	}
}

// reconcileSlots diffs the desired symbol set against running workers:
// stops workers for symbols the scanner dropped, starts workers for new
// ones.
func (e *Engine) reconcileSlots(symbols []string) {
	desired := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		desired[sym] = true
	}

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for sym, slot := range e.slots {
		if !desired[sym] {
			slot.cancel()
			delete(e.slots, sym)
			e.logger.Info("symbol stopped", "symbol", sym)
		}
	}
	for _, sym := range symbols {
		if _, ok := e.slots[sym]; !ok {
			e.startSymbolLocked(sym)
		}
	}
}

func (e *Engine) startSymbolLocked(symbol string) {
	ctx, cancel := context.WithCancel(e.ctx)
	slot := &symbolSlot{cancel: cancel, barCh: make(chan types.Bar, barChanSize)}
	e.slots[symbol] = slot

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSymbol(ctx, symbol, slot.barCh)
	}()
	e.logger.Info("symbol started", "symbol", symbol, "bars", e.bars.Len(symbol))
}

// onBarClose routes a completed bar to the symbol's worker. Called from the
// market stream reader; never blocks it.
func (e *Engine) onBarClose(symbol string, bar types.Bar) {
	e.slotsMu.RLock()
	slot, ok := e.slots[symbol]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case slot.barCh <- bar:
	default:
		e.logger.Warn("bar channel full, dropping bar", "symbol", symbol)
	}
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, barCh <-chan types.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar := <-barCh:
			e.handleBar(ctx, symbol, bar)
		}
	}
}

// handleBar persists the closed bar, recomputes indicators over the
// window, and acts on the signal. Buy signals place orders here; sell
// signals reach the position monitor through the signal cache, where exits
// are profit-gated.
func (e *Engine) handleBar(ctx context.Context, symbol string, bar types.Bar) {
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	if err := e.db.UpsertOHLCV(dbCtx, symbol, bar); err != nil {
		e.logger.Warn("bar persist failed", "symbol", symbol, "error", err)
	}
	cancel()

	window := e.bars.Snapshot(symbol)
	if len(window) == 0 {
		return
	}
	annotated := e.pipeline.Annotate(symbol, window)
	last := annotated[len(annotated)-1]
	if last.ATRPct > 0 {
		e.store.SetATR(symbol, last.ATRPct, last.ATR)
	}

	result := e.signals.Score(symbol, annotated, int(e.bars.LastIndex(symbol)))
	if result.Action == types.ActionBuy {
		e.placeBuy(ctx, symbol, result)
	}
}

func (e *Engine) placeBuy(ctx context.Context, symbol string, result types.SignalResult) {
	trigger := types.Trigger{Kind: "signal", Detail: result.Trigger, Score: result.BuyScore}
	od, err := e.orders.BuildOrderData(types.SourceWebsocket, trigger, baseAsset(symbol), symbol, types.BUY, types.OrderTypeLimit)
	if err != nil {
		e.logger.Warn("buy intent dropped", "symbol", symbol, "error", err)
		return
	}
	prec, ok := e.orders.Precision(symbol)
	if !ok {
		e.logger.Warn("no precision for product, skipping buy", "symbol", symbol)
		return
	}
	if _, _, err := e.orders.AdjustPriceAndSize(od, prec); err != nil {
		e.logger.Warn("buy pricing failed", "symbol", symbol, "error", err)
		return
	}
	resp, err := e.orders.PlaceOrder(ctx, od, prec)
	if err != nil {
		e.logger.Error("buy order rejected", "symbol", symbol, "error", err)
		return
	}
	e.logger.Info("buy order placed",
		"symbol", symbol, "order_id", resp.OrderID,
		"price", od.AdjustedPrice, "size", od.AdjustedSize,
		"score", result.BuyScore, "trigger", result.Trigger)
}

// performanceLoop refreshes the per-snapshot realized P&L summary on the
// FIFO cadence, one interval behind the replays it aggregates.
func (e *Engine) performanceLoop() {
	interval := e.cfg.Recorder.FifoInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, dbTimeout)
			if err := e.snapshots.RefreshPerformance(ctx, e.version); err != nil {
				e.logger.Warn("performance refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// balancesLoop mirrors exchange account balances into the position cache.
func (e *Engine) balancesLoop() {
	e.refreshPositions(e.ctx)

	ticker := time.NewTicker(balanceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshPositions(e.ctx)
		}
	}
}

// refreshPositions replaces the spot position cache from GetAccounts.
// Crypto holdings are valued against the ledger's open-buy cost basis;
// assets the exchange no longer reports are dropped from the cache.
func (e *Engine) refreshPositions(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, restTimeout)
	accounts, err := e.client.GetAccounts(callCtx)
	cancel()
	if err != nil {
		e.logger.Warn("account refresh failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		avail := parseBalance(acct.AvailableBalance.Value)
		total := avail + parseBalance(acct.Hold.Value)

		if acct.Currency == "USD" {
			seen["USD"] = true
			e.store.SetSpotPosition("USD", types.SpotPosition{
				Symbol:           "USD",
				TotalBalance:     total,
				AvailableToTrade: avail,
			})
			e.recordOpeningBalance(ctx, total)
			continue
		}
		if total <= 0 {
			continue
		}
		seen[acct.Currency] = true
		e.store.SetSpotPosition(acct.Currency, types.SpotPosition{
			Symbol:           acct.Currency,
			TotalBalance:     total,
			AvailableToTrade: avail,
			UnrealizedPnl:    e.unrealized(ctx, acct.Currency, total),
		})
	}

	for asset := range e.store.SpotPositions() {
		if !seen[asset] {
			e.store.RemoveSpotPosition(asset)
		}
	}
}

// unrealized values a holding at the current mid against the average entry
// of the ledger's open buys. Without a basis or a quote it returns zero,
// which the monitor reads as entry == mid and holds.
func (e *Engine) unrealized(ctx context.Context, asset string, total float64) float64 {
	product := asset + "-USD"
	ba, ok := e.store.BidAsk(product)
	if !ok {
		return 0
	}
	mid := ba.Mid()
	if mid <= 0 {
		return 0
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	buys, err := e.db.FilledBuys(dbCtx, product)
	cancel()
	if err != nil {
		e.logger.Warn("cost basis load failed", "symbol", product, "error", err)
		return 0
	}
	entry, ok := openBasis(buys)
	if !ok {
		return 0
	}
	return (mid - entry) * total
}

// openBasis derives the average entry price of the inventory still open:
// each buy's total cost (fees included) pro-rated by its remaining size.
func openBasis(buys []ledger.TradeRecord) (float64, bool) {
	openSize := decimal.Zero
	openCost := decimal.Zero
	for i := range buys {
		b := &buys[i]
		if !b.RemainingSize.Valid || b.Size.IsZero() {
			continue
		}
		rem := b.RemainingSize.Decimal
		if rem.Sign() <= 0 {
			continue
		}
		openSize = openSize.Add(rem)
		openCost = openCost.Add(b.TotalCost().Mul(rem).Div(b.Size))
	}
	if openSize.IsZero() {
		return 0, false
	}
	return openCost.Div(openSize).InexactFloat64(), true
}

// recordOpeningBalance writes one cash row per boot with the USD balance
// the bot started from, anchoring later P&L reconciliation.
func (e *Engine) recordOpeningBalance(ctx context.Context, usdTotal float64) {
	e.openingOnce.Do(func() {
		dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()
		err := e.db.InsertCashTransaction(dbCtx, ledger.CashTransaction{
			TxType:     "opening_balance",
			AmountUSD:  decimal.NewFromFloat(usdTotal),
			Currency:   "USD",
			OccurredAt: time.Now().UTC(),
			Note:       "usd cash at process start",
		})
		if err != nil {
			e.logger.Warn("opening balance record failed", "error", err)
		}
	})
}

// Status implements api.Provider.
func (e *Engine) Status() api.Status {
	streams := make([]api.StreamStatus, 0, 2)
	for _, s := range []*ingest.Stream{e.orch.MarketStream(), e.orch.UserStream()} {
		streams = append(streams, api.StreamStatus{
			Name:          s.Name(),
			LastActivity:  s.LastActivity(),
			LastHeartbeat: s.LastHeartbeat(),
		})
	}

	open := 0
	for asset, pos := range e.store.SpotPositions() {
		if asset == "USD" || pos.TotalBalance <= e.cfg.Trading.DustThreshold {
			continue
		}
		open++
	}

	return api.Status{
		StartedAt:        e.startedAt,
		Uptime:           time.Since(e.startedAt).Round(time.Second).String(),
		Symbols:          e.products(),
		Streams:          streams,
		RecorderQueue:    e.recorder.QueueDepth(),
		TrackedOrders:    len(e.store.TrackedOrders()),
		OpenPositions:    open,
		PlacementsPaused: e.orders.Paused(),
	}
}

// Performance implements api.Provider: realized P&L per symbol attributed
// to the active strategy snapshot.
func (e *Engine) Performance(ctx context.Context) ([]api.PerformanceRow, error) {
	id := e.snapshots.ActiveID()
	if id == "" {
		return nil, nil
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	rows, err := e.db.PerformanceSummary(dbCtx, id)
	if err != nil {
		return nil, err
	}

	out := make([]api.PerformanceRow, len(rows))
	for i, row := range rows {
		out[i] = api.PerformanceRow{
			SnapshotID:     row.SnapshotID,
			Symbol:         row.Symbol,
			Trades:         row.Trades,
			RealizedPnlUSD: row.RealizedPnlUSD,
			UpdatedAt:      row.UpdatedAt,
		}
	}
	return out, nil
}

// products returns the current trading universe; stream subscriptions and
// reconciler sweeps read it through this accessor.
func (e *Engine) products() []string {
	e.universeMu.RLock()
	defer e.universeMu.RUnlock()
	out := make([]string, len(e.universe))
	copy(out, e.universe)
	return out
}

// setUniverse replaces the traded product set and reports whether the set
// actually changed. Reordering alone is not a change.
func (e *Engine) setUniverse(symbols []string) bool {
	e.universeMu.Lock()
	defer e.universeMu.Unlock()

	changed := len(symbols) != len(e.universe)
	if !changed {
		have := make(map[string]bool, len(e.universe))
		for _, sym := range e.universe {
			have[sym] = true
		}
		for _, sym := range symbols {
			if !have[sym] {
				changed = true
				break
			}
		}
	}
	e.universe = append([]string(nil), symbols...)
	return changed
}

// baseAsset extracts the base currency from a product id ("BTC-USD" →
// "BTC").
func baseAsset(productID string) string {
	if i := strings.IndexByte(productID, '-'); i > 0 {
		return productID[:i]
	}
	return productID
}

// mergeSymbols unions the configured list with the previous run's active
// set, configured order first.
func mergeSymbols(configured, previous []string) []string {
	out := append([]string(nil), configured...)
	seen := make(map[string]bool, len(configured))
	for _, sym := range configured {
		seen[sym] = true
	}
	for _, sym := range previous {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func parseBalance(s string) float64 {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return v.InexactFloat64()
}

func scorePath(p config.PathsConfig) string {
	if p.ScoreJSONL != "" {
		return p.ScoreJSONL
	}
	return filepath.Join(defaultLogDir(p), "scores.jsonl")
}

func tpslPath(p config.PathsConfig) string {
	if p.TPSLLog != "" {
		return p.TPSLLog
	}
	return filepath.Join(defaultLogDir(p), "tp_sl_decisions.jsonl")
}

func defaultLogDir(p config.PathsConfig) string {
	if p.LogDir != "" {
		return p.LogDir
	}
	return "logs"
}
