package trader

import (
	"fmt"
	"sync"
	"time"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/market"
	"PerpForge/meta"
	"PerpForge/metrics"
	"PerpForge/store"
	"PerpForge/strategy"
)

// Trading modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// BotDeps bundles everything a TradingBot needs. The orchestrator builds
// one per symbol with a FRESH strategy list.
type BotDeps struct {
	Symbol     string
	Cfg        *config.Manager
	Venue      Venue
	Store      *store.Store
	Registry   *exchange.Registry
	Strategies []strategy.Strategy
	Stream     *exchange.PrivateStream // optional; nil in paper mode and tests
	Kill       *KillSwitch
}

// pendingLimit tracks a working retest limit order and its TTL in bars.
type pendingLimit struct {
	orderID   string
	strategy  string
	side      string
	ttlBars   int
	barsSeen  int
	lastBar   time.Time
	exitRules *strategy.ExitRules
	atr       float64
}

// TradingBot owns one symbol's trading loop: fetch -> features -> meta ->
// execute -> monitor. Single-threaded per symbol except for the risk
// monitor, reconciler, and private-stream listener, which run as
// background workers sharing the cooperative stop channel.
type TradingBot struct {
	symbol string
	cfg    *config.Manager
	venue  Venue
	st     *store.Store

	pipeline   *market.Pipeline
	mtf        *market.MTFCache
	router     *meta.Router
	strategies []strategy.Strategy
	orders     *OrderManager
	sltp       *SLTPManager
	positions  *PositionManager
	risk       *RiskMonitor
	reconciler *Reconciler
	kill       *KillSwitch
	stream     *exchange.PrivateStream

	mode     string
	interval string
	lookback int

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	consecErrors int

	activeSLTP *store.SLTPLevel
	entryTime  time.Time
	exitRules  *strategy.ExitRules
	pending    *pendingLimit
}

// NewTradingBot assembles a bot for one symbol.
func NewTradingBot(deps BotDeps) *TradingBot {
	normalizer := exchange.NewNormalizer(deps.Registry)
	positions := NewPositionManager(deps.Symbol, deps.Store)

	atrExtreme := deps.Cfg.GetFloat("meta.regime.atr_extreme_pct", 0.03)
	mtf := market.NewMTFCache(atrExtreme)

	return &TradingBot{
		symbol:     deps.Symbol,
		cfg:        deps.Cfg,
		venue:      deps.Venue,
		st:         deps.Store,
		pipeline:   market.NewPipeline(market.PipelineConfig{}),
		mtf:        mtf,
		router:     meta.NewRouter(deps.Cfg, mtf),
		strategies: deps.Strategies,
		orders: NewOrderManager(deps.Venue, normalizer, deps.Store,
			int64(deps.Cfg.GetInt("orders.bucket_seconds", 60))),
		sltp:       NewSLTPManager(deps.Venue, normalizer, deps.Store, deps.Cfg),
		positions:  positions,
		risk:       NewRiskMonitor(deps.Venue, deps.Cfg, deps.Kill, deps.Symbol),
		reconciler: NewReconciler(deps.Venue, deps.Store, positions, deps.Cfg, deps.Symbol),
		kill:       deps.Kill,
		stream:     deps.Stream,
		mode:       deps.Cfg.GetString("mode", ModePaper),
		interval:   deps.Cfg.GetString("bot.interval", "5"),
		lookback:   deps.Cfg.GetInt("bot.lookback_bars", 200),
	}
}

// Symbol returns the bot's instrument.
func (b *TradingBot) Symbol() string { return b.symbol }

// Running reports loop state for the health monitor.
func (b *TradingBot) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Run starts the bot and blocks until Stop. It refuses to start while the
// kill switch is latched or the initial risk check reports stop.
func (b *TradingBot) Run() error {
	active, reason, err := b.kill.Active()
	if err != nil {
		return err
	}
	if active {
		logger.Errorf("[%s] refusing to start: trading_disabled=true (%s)", b.symbol, reason)
		return exchange.NewError(exchange.KindTradingDisabled, reason)
	}

	if b.mode == ModeLive {
		// Synchronous reconciliation before the first trade: adopt whatever
		// the venue says we hold.
		if err := b.reconciler.Reconcile(); err != nil {
			return fmt.Errorf("initial reconcile: %w", err)
		}
		report, err := b.risk.Check()
		if err != nil {
			return fmt.Errorf("initial risk check: %w", err)
		}
		if report.Verdict == RiskStop {
			logger.Errorf("[%s] refusing to start: initial risk check reported stop: %v",
				b.symbol, report.Reasons)
			return exchange.NewError(exchange.KindRiskLimitBreach,
				fmt.Sprintf("initial risk stop: %v", report.Reasons))
		}
	}

	b.mu.Lock()
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	// Background workers
	b.wg.Add(2)
	go b.risk.Run(b.stopCh, &b.wg)
	go b.reconciler.Run(b.stopCh, &b.wg,
		b.cfg.GetDuration("reconcile.interval", 60*time.Second))
	if b.stream != nil {
		b.wg.Add(1)
		go b.streamListener()
	}

	interval := b.cfg.GetDuration("bot.tick_interval", 15*time.Second)
	logger.Infof("[%s] trading bot started: mode=%s interval=%s tick=%v",
		b.symbol, b.mode, b.interval, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			logger.Infof("[%s] stop signal received, leaving trading loop", b.symbol)
			return nil
		case <-ticker.C:
			if err := b.tick(b.mode == ModeLive); err != nil {
				b.consecErrors++
				logger.Errorf("[%s] tick failed (%d consecutive): %v", b.symbol, b.consecErrors, err)
				if logErr := b.st.System().LogError("bot:"+b.symbol, string(exchange.KindOf(err)), err.Error()); logErr != nil {
					logger.Warnf("[%s] persist error row: %v", b.symbol, logErr)
				}
				if exchange.IsAuth(err) &&
					b.consecErrors >= b.cfg.GetInt("meta.hygiene.max_consecutive_errors", 5) {
					b.kill.Activate("bot:"+b.symbol,
						fmt.Sprintf("consecutive auth errors: %v", err))
				}
			} else {
				b.consecErrors = 0
			}
		}
	}
}

// Stop flips the running flag, signals every background task, and joins
// them with a bounded timeout.
func (b *TradingBot) Stop(timeout time.Duration) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warnf("[%s] background tasks did not stop within %v, abandoning", b.symbol, timeout)
	}
	logger.Infof("[%s] trading bot stopped", b.symbol)
}

// RunSingleTick executes one dry-run iteration: identical to a live tick
// up to submission, which is replaced by persisting the order intent. It
// never creates a venue-side order.
func (b *TradingBot) RunSingleTick() (*meta.Decision, *store.OrderIntent, error) {
	return b.process(false)
}

// tick is one loop iteration.
func (b *TradingBot) tick(live bool) error {
	_, _, err := b.process(live)
	return err
}

// process runs the full pipeline for one tick. When live is false, every
// submission is replaced by an order-intent row.
func (b *TradingBot) process(live bool) (*meta.Decision, *store.OrderIntent, error) {
	frame, err := b.buildFrame()
	if err != nil {
		return nil, nil, err
	}

	// Position monitoring comes first so protective exits never wait on
	// signal processing.
	if err := b.monitorPosition(frame, live); err != nil {
		logger.Warnf("[%s] position monitoring: %v", b.symbol, err)
	}
	b.managePendingLimit(frame, live)

	proposals := b.collectProposals(frame)
	decision := b.router.Route(frame, proposals, b.consecErrors)

	if err := b.st.Signal().InsertDecision(decision); err != nil {
		logger.Warnf("[%s] persist signal: %v", b.symbol, err)
	}
	stage := store.StageRejected
	reason := decision.RejectReason
	if decision.Accepted() {
		stage, reason = store.StageAccepted, "accepted"
	} else if reason == "" {
		reason = "no_candidates"
	}
	metrics.SignalsTotal.WithLabelValues(b.symbol, stage, reason).Inc()

	if !decision.Accepted() {
		return decision, nil, nil
	}

	intent, err := b.execute(decision, frame, live)
	if err != nil {
		return decision, intent, err
	}
	return decision, intent, nil
}

// buildFrame fetches market data, refreshes the MTF cache, and assembles
// the feature frame with the symbol attached.
func (b *TradingBot) buildFrame() (*market.Frame, error) {
	candles, err := b.venue.GetKlines(b.symbol, b.interval, b.lookback)
	if err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}
	book, err := b.venue.GetOrderbook(b.symbol, 25)
	if err != nil {
		// the hygiene gate turns a missing book into orderbook_invalid
		logger.Warnf("[%s] orderbook fetch failed: %v", b.symbol, err)
		book = nil
	}
	deriv, err := b.venue.GetDerivatives(b.symbol)
	if err != nil {
		// derivatives are optional features, not an error
		deriv = nil
	}

	for _, tf := range []string{"1", "5", "15"} {
		bars, err := b.venue.GetKlines(b.symbol, tf, 60)
		if err != nil {
			logger.Debugf("[%s] mtf %sm fetch failed: %v", b.symbol, tf, err)
			continue
		}
		b.mtf.Update(b.symbol, tf, bars)
	}

	return b.pipeline.Build(b.symbol, candles, book, deriv)
}

// collectProposals invokes every strategy; strategy errors are logged and
// treated as no opinion.
func (b *TradingBot) collectProposals(frame *market.Frame) []*strategy.Proposal {
	var proposals []*strategy.Proposal
	for _, s := range b.strategies {
		p, err := s.Generate(frame, frame.Orderflow)
		if err != nil {
			logger.Warnf("[%s] strategy %s: %v", b.symbol, s.Name(), err)
			continue
		}
		if p != nil {
			proposals = append(proposals, p)
		}
	}
	return proposals
}

// monitorPosition checks the open position each tick: virtual SL/TP
// trigger, trailing update, and time stop.
func (b *TradingBot) monitorPosition(frame *market.Frame, live bool) error {
	if b.positions.Flat() || b.activeSLTP == nil {
		return nil
	}

	price := frame.LastPrice
	last := frame.Last()

	if reason := b.sltp.CheckVirtual(b.activeSLTP, price); reason != "" {
		logger.Infof("[%s] virtual %s triggered at %.4f (sl=%.4f tp=%.4f)",
			b.symbol, reason, price, b.activeSLTP.StopLoss, b.activeSLTP.TakeProfit)
		return b.closePosition(reason, live)
	}

	if b.exitRules != nil {
		if prev := frame.Prev(); b.exitRules.TimeStopBars > 0 && last != nil && prev != nil {
			barDur := last.CloseTime.Sub(prev.CloseTime)
			if barDur > 0 && time.Since(b.entryTime) > time.Duration(b.exitRules.TimeStopBars)*barDur {
				logger.Infof("[%s] time stop after %d bars", b.symbol, b.exitRules.TimeStopBars)
				return b.closePosition(ExitTimeStop, live)
			}
		}
		if b.exitRules.TimeStopMinutes > 0 &&
			time.Since(b.entryTime) > time.Duration(b.exitRules.TimeStopMinutes)*time.Minute {
			return b.closePosition(ExitTimeStop, live)
		}
		if tp := b.exitRules.TakeProfitAt; tp > 0 {
			pos := b.positions.Get()
			if (pos.Side == "long" && price >= tp) || (pos.Side == "short" && price <= tp) {
				logger.Infof("[%s] reference take-profit reached at %.4f", b.symbol, price)
				return b.closePosition(ExitTPHit, live)
			}
		}
	}

	if last != nil && last.ATR > 0 {
		if _, err := b.sltp.Trail(b.activeSLTP, price, last.ATR); err != nil {
			logger.Warnf("[%s] trailing update: %v", b.symbol, err)
		}
	}
	return nil
}

// managePendingLimit counts closed bars against a working retest order's
// TTL and cancels it when expired.
func (b *TradingBot) managePendingLimit(frame *market.Frame, live bool) {
	if b.pending == nil {
		return
	}
	last := frame.Last()
	if last == nil {
		return
	}
	if last.CloseTime.After(b.pending.lastBar) {
		b.pending.lastBar = last.CloseTime
		b.pending.barsSeen++
	}
	if b.pending.barsSeen < b.pending.ttlBars {
		return
	}

	logger.Infof("[%s] retest limit %s unfilled after %d bars, cancelling",
		b.symbol, b.pending.orderID, b.pending.ttlBars)
	if live && b.pending.orderID != "" {
		if res := b.orders.Cancel(b.symbol, b.pending.orderID); !res.Ok() {
			logger.Warnf("[%s] cancel retest limit: %v", b.symbol, res.Error)
		}
	}
	b.pending = nil
}

// execute turns an accepted decision into an order (live) or an intent row
// (paper / dry-run). Entry signals against an open position consult the
// open-position policy.
func (b *TradingBot) execute(decision *meta.Decision, frame *market.Frame, live bool) (*store.OrderIntent, error) {
	p := decision.Selected.Proposal

	// Close signals
	if p.Direction == strategy.DirCloseLong || p.Direction == strategy.DirCloseShort {
		pos := b.positions.Get()
		want := "long"
		if p.Direction == strategy.DirCloseShort {
			want = "short"
		}
		if pos.Side != want || pos.Size == 0 {
			logger.Infof("[%s] close signal for %s but no such position", b.symbol, want)
			return nil, nil
		}
		return nil, b.closePosition(ExitClosedBySignal, live)
	}

	// Entry signals against an open position
	if !b.positions.Flat() {
		policy := b.cfg.GetString("bot.open_position_policy", PolicyIgnore)
		pos := b.positions.Get()
		sameDir := string(p.Direction) == pos.Side
		switch {
		case policy == PolicyIgnore, policy == PolicyAdd && !sameDir:
			logger.Infof("[%s] position already open (%s), policy=%s, ignoring %s signal",
				b.symbol, pos.Side, policy, p.Direction)
			return nil, nil
		case policy == PolicyFlip && !sameDir:
			logger.Infof("[%s] flip: closing %s before opening %s", b.symbol, pos.Side, p.Direction)
			if err := b.closePosition(ExitClosedBySignal, live); err != nil {
				return nil, err
			}
		case policy == PolicyFlip && sameDir:
			return nil, nil
			// PolicyAdd with the same direction falls through to sizing
		}
	}

	// Risk gate on fresh entries: deny and stop both block submission.
	if report := b.risk.Last(); report != nil && report.Verdict != RiskAllow {
		logger.Infof("[%s] risk verdict %s blocks new trade: %v",
			b.symbol, report.Verdict, report.Reasons)
		return nil, nil
	}

	side := exchange.SideBuy
	posSide := "long"
	if p.Direction == strategy.DirShort {
		side = exchange.SideSell
		posSide = "short"
	}

	last := frame.Last()
	atr := 0.0
	if last != nil {
		atr = last.ATR
	}
	entryPrice := frame.LastPrice
	orderType := exchange.OrderTypeMarket
	tif := ""
	if p.EntryMode == strategy.EntryLimitRetest && p.LimitHint != nil {
		orderType = exchange.OrderTypeLimit
		entryPrice = p.LimitHint.Price
		tif = exchange.TIFPostOnly
	}

	sl, tp := b.sltp.ComputeLevels(posSide, entryPrice, atr)

	equity := b.equity(live)
	qty := positionSize(b.cfg, equity, entryPrice, sl)
	if qty <= 0 {
		logger.Warnf("[%s] sizing produced zero qty (equity=%.2f)", b.symbol, equity)
		return nil, nil
	}

	intent := &store.OrderIntent{
		Symbol:     b.symbol,
		Strategy:   p.Strategy,
		Side:       side,
		OrderType:  orderType,
		Qty:        qty,
		Price:      entryPrice,
		Leverage:   b.cfg.GetFloat("risk.leverage", 3),
		StopLoss:   sl,
		TakeProfit: tp,
		Regime:     string(decision.Regime.Label),
		ATR:        atr,
		Multipliers: map[string]float64{
			"strategy_weight": decision.Selected.Weight,
			"mtf_mult":        decision.Selected.MTFMult,
			"final":           decision.Selected.Final,
		},
		Hygiene: decision.Hygiene.Reasons,
	}
	if id, err := b.st.Intent().Insert(intent); err != nil {
		logger.Warnf("[%s] persist order intent: %v", b.symbol, err)
	} else {
		intent.ID = id
	}

	if !live {
		logger.Infof("[%s] dry-run: intent persisted, no venue call (%s %s qty=%.6f)",
			b.symbol, side, orderType, qty)
		return intent, nil
	}

	req := exchange.OrderRequest{
		Symbol:      b.symbol,
		Side:        side,
		OrderType:   orderType,
		Qty:         qty,
		Price:       entryPrice,
		TimeInForce: tif,
		OrderLinkID: b.orders.LinkID(p.Strategy, b.symbol, side, time.Now()),
	}
	result := b.orders.Submit(req, frame.LastPrice)
	if !result.Ok() {
		return intent, fmt.Errorf("submit %s %s: %w", side, b.symbol, result.Error)
	}

	if orderType == exchange.OrderTypeLimit {
		b.pending = &pendingLimit{
			orderID:   result.OrderID,
			strategy:  p.Strategy,
			side:      side,
			ttlBars:   p.LimitHint.TTLBars,
			exitRules: p.ExitRules,
			atr:       atr,
		}
		logger.Infof("[%s] retest limit working at %.4f (ttl %d bars), order %s",
			b.symbol, entryPrice, p.LimitHint.TTLBars, result.OrderID)
		return intent, nil
	}

	// Market entry: record position and attach SL/TP. The private stream
	// and reconciliation refine entry price and size from actual fills.
	b.positions.SetFromVenue(exchange.Position{
		Symbol:     b.symbol,
		Side:       posSide,
		Size:       qty,
		EntryPrice: entryPrice,
		UpdatedAt:  time.Now(),
	})
	lvl, err := b.sltp.Attach(b.symbol, posSide, entryPrice, qty, atr)
	if err != nil {
		logger.Errorf("[%s] SL/TP attach failed: %v", b.symbol, err)
	} else {
		b.activeSLTP = lvl
	}
	b.entryTime = time.Now()
	b.exitRules = p.ExitRules
	return intent, nil
}

// closePosition exits the open position with a reduce-only market order
// and terminates the SL/TP lifecycle with the exit reason.
func (b *TradingBot) closePosition(exitReason string, live bool) error {
	pos := b.positions.Get()
	if pos.Side == "flat" || pos.Size == 0 {
		return nil
	}

	if live {
		side := exchange.SideSell
		if pos.Side == "short" {
			side = exchange.SideBuy
		}
		req := exchange.OrderRequest{
			Symbol:      b.symbol,
			Side:        side,
			OrderType:   exchange.OrderTypeMarket,
			Qty:         pos.Size,
			ReduceOnly:  true,
			OrderLinkID: b.orders.LinkID("exit_"+exitReason, b.symbol, side, time.Now()),
		}
		refPrice := pos.MarkPrice
		if refPrice == 0 {
			refPrice = pos.EntryPrice
		}
		result := b.orders.Submit(req, refPrice)
		if !result.Ok() {
			return fmt.Errorf("close %s: %w", b.symbol, result.Error)
		}
	}

	if b.activeSLTP != nil {
		if err := b.sltp.Close(b.activeSLTP, exitReason); err != nil {
			logger.Warnf("[%s] close SL/TP lifecycle: %v", b.symbol, err)
		}
		b.activeSLTP = nil
	}
	b.exitRules = nil
	b.positions.MarkFlat()
	logger.Infof("[%s] position closed: exit_reason=%s", b.symbol, exitReason)
	return nil
}

// equity returns account equity for sizing: the venue's in live mode, the
// configured paper balance otherwise.
func (b *TradingBot) equity(live bool) float64 {
	if live {
		if report := b.risk.Last(); report != nil && report.Equity > 0 {
			return report.Equity
		}
		if wallet, err := b.venue.GetWalletBalance(); err == nil {
			return wallet.Equity()
		}
	}
	return b.cfg.GetFloat("paper.equity", 10000)
}

// streamListener folds private-stream events into local state between
// reconciliation passes.
func (b *TradingBot) streamListener() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case evt, ok := <-b.stream.Events():
			if !ok {
				return
			}
			b.applyStreamEvent(evt)
		}
	}
}

func (b *TradingBot) applyStreamEvent(evt exchange.StreamEvent) {
	for _, ord := range evt.Orders {
		if ord.Symbol != b.symbol {
			continue
		}
		if err := b.st.Order().Upsert(&ord); err != nil {
			logger.Warnf("[%s] stream order upsert: %v", b.symbol, err)
		}
		// A filled retest limit becomes the live position.
		if b.pending != nil && ord.OrderID == b.pending.orderID && ord.Status == exchange.StatusFilled {
			posSide := "long"
			if b.pending.side == exchange.SideSell {
				posSide = "short"
			}
			logger.Infof("[%s] retest limit filled at %.4f", b.symbol, ord.Price)
			b.positions.SetFromVenue(exchange.Position{
				Symbol: b.symbol, Side: posSide, Size: ord.Qty,
				EntryPrice: ord.Price, UpdatedAt: time.Now(),
			})
			if lvl, err := b.sltp.Attach(b.symbol, posSide, ord.Price, ord.Qty, b.pending.atr); err == nil {
				b.activeSLTP = lvl
			}
			b.entryTime = time.Now()
			b.exitRules = b.pending.exitRules
			b.pending = nil
		}
	}
	for _, ex := range evt.Executions {
		if ex.Symbol != b.symbol {
			continue
		}
		if err := b.st.Execution().Insert(&ex); err != nil {
			logger.Warnf("[%s] stream execution insert: %v", b.symbol, err)
		}
		b.positions.ApplyExecution(ex)
	}
	for _, pos := range evt.Positions {
		if pos.Symbol != b.symbol {
			continue
		}
		b.positions.UpdateMark(pos.MarkPrice, pos.UnrealizedPnL)
	}
}
