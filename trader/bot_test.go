package trader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/market"
	"PerpForge/store"
	"PerpForge/strategy"
)

// stubStrategy always proposes the configured signal; nil means no opinion.
type stubStrategy struct {
	name     string
	proposal *strategy.Proposal
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) Generate(frame *market.Frame, flow *market.Orderflow) (*strategy.Proposal, error) {
	if s.proposal == nil {
		return nil, nil
	}
	copied := *s.proposal
	return &copied, nil
}

func fakeCandles(n int, base float64, interval time.Duration) []exchange.Candle {
	start := time.Now().Add(-time.Duration(n+1) * interval)
	out := make([]exchange.Candle, n)
	price := base
	for i := 0; i < n; i++ {
		drift := float64(i%5-2) * base * 0.0004
		open := price
		close := price + drift
		out[i] = exchange.Candle{
			Symbol:    "BTCUSDT",
			OpenTime:  start.Add(time.Duration(i) * interval),
			CloseTime: start.Add(time.Duration(i+1) * interval),
			Open:      open,
			High:      maxFloat(open, close) + base*0.0006,
			Low:       minFloat(open, close) - base*0.0006,
			Close:     close,
			Volume:    100,
			Confirmed: true,
		}
		price = close
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func populatedVenue() *fakeVenue {
	venue := newFakeVenue()
	venue.candles["BTCUSDT:5"] = fakeCandles(120, 50000, 5*time.Minute)
	venue.candles["BTCUSDT:1"] = fakeCandles(60, 50000, time.Minute)
	venue.candles["BTCUSDT:15"] = fakeCandles(60, 50000, 15*time.Minute)
	price := venue.candles["BTCUSDT:5"][119].Close
	venue.book = &exchange.OrderbookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []exchange.BookLevel{{Price: price - 2, Size: 5}, {Price: price - 4, Size: 5}},
		Asks:   []exchange.BookLevel{{Price: price + 2, Size: 5}, {Price: price + 4, Size: 5}},
	}
	venue.deriv = &exchange.DerivativesSnapshot{
		Symbol: "BTCUSDT", LastPrice: price, MarkPrice: price, IndexPrice: price,
	}
	return venue
}

func botConfig(extra map[string]interface{}) *config.Manager {
	doc := map[string]interface{}{
		"mode":                  ModePaper,
		"bot.interval":          "5",
		"bot.lookback_bars":     200,
		"paper.equity":          10000,
		"risk.risk_per_trade_pct": 0.01,
	}
	for k, v := range extra {
		doc[k] = v
	}
	return config.NewFromMap(doc)
}

func newBotForTest(t *testing.T, venue Venue, cfg *config.Manager, strategies []strategy.Strategy) (*TradingBot, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := exchange.NewStaticRegistry(exchange.Instrument{
		Symbol: "BTCUSDT", TickSize: 0.1, QtyStep: 0.001,
		MinOrderQty: 0.001, MaxOrderQty: 100, MinNotional: 5,
	})
	bot := NewTradingBot(BotDeps{
		Symbol:     "BTCUSDT",
		Cfg:        cfg,
		Venue:      venue,
		Store:      st,
		Registry:   registry,
		Strategies: strategies,
		Kill:       NewKillSwitch(st),
	})
	return bot, st
}

// Dry-run purity: run-once never creates a venue-side order and appends
// exactly one order intent when the signal is accepted.
func TestRunSingleTickIsPure(t *testing.T) {
	venue := populatedVenue()
	always := &stubStrategy{name: "stub_long", proposal: &strategy.Proposal{
		Strategy: "stub_long", Direction: strategy.DirLong, Confidence: 0.9,
		EntryMode: strategy.EntryImmediate,
	}}
	bot, st := newBotForTest(t, venue, botConfig(nil), []strategy.Strategy{always})

	decision, intent, err := bot.RunSingleTick()
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.True(t, decision.Accepted(), "stub signal should be accepted: %+v", decision)
	require.NotNil(t, intent)

	assert.Equal(t, 0, venue.createCalls, "dry run must not touch the venue")
	count, err := st.Intent().Count("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "exactly one order_intent row")

	// signal record persisted with the full decision trail
	signals, err := st.Signal().ListRecent("BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, store.StageAccepted, signals[0].Stage)
	assert.Equal(t, "stub_long", signals[0].Strategy)
}

func TestRunSingleTickRejectedAppendsNoIntent(t *testing.T) {
	venue := populatedVenue()
	silent := &stubStrategy{name: "stub_silent"}
	bot, st := newBotForTest(t, venue, botConfig(nil), []strategy.Strategy{silent})

	decision, intent, err := bot.RunSingleTick()
	require.NoError(t, err)
	assert.False(t, decision.Accepted())
	assert.Nil(t, intent)

	count, err := st.Intent().Count("BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 0, venue.createCalls)
}

// Rejections are recorded with Stage=REJECTED, a structured reason, and a
// real symbol.
func TestRejectedSignalPersistedWithReason(t *testing.T) {
	venue := populatedVenue()
	// crossed book forces orderbook_invalid through the hygiene gate
	venue.book = &exchange.OrderbookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []exchange.BookLevel{{Price: 50010, Size: 1}},
		Asks:   []exchange.BookLevel{{Price: 50000, Size: 1}},
	}
	always := &stubStrategy{name: "stub_long", proposal: &strategy.Proposal{
		Strategy: "stub_long", Direction: strategy.DirLong, Confidence: 0.9,
	}}
	bot, st := newBotForTest(t, venue, botConfig(nil), []strategy.Strategy{always})

	decision, _, err := bot.RunSingleTick()
	require.NoError(t, err)
	assert.False(t, decision.Accepted())

	signals, err := st.Signal().ListRecent("BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, store.StageRejected, signals[0].Stage)
	assert.Equal(t, "BTCUSDT", signals[0].Symbol)
	assert.Contains(t, signals[0].Reason, "orderbook_invalid")
}

// The kill-switch gate: while trading_disabled is set the bot refuses to
// start.
func TestBotRefusesToStartWhenKillSwitchActive(t *testing.T) {
	venue := populatedVenue()
	bot, st := newBotForTest(t, venue, botConfig(nil), nil)

	require.NoError(t, st.System().SetValue("trading_disabled", "true"))

	err := bot.Run()
	require.Error(t, err)
	assert.Equal(t, exchange.KindTradingDisabled, exchange.KindOf(err))
	assert.False(t, bot.Running())
	assert.Equal(t, 0, venue.createCalls)
}

// Live start aborts when the initial risk check reports stop.
func TestBotRefusesToStartOnInitialRiskStop(t *testing.T) {
	venue := populatedVenue()
	// a catastrophic realized loss today: 10% of equity, beyond 1.5x the 3%
	// limit, which escalates to stop
	venue.closed = []exchange.Execution{{Symbol: "BTCUSDT", ClosedPnL: -1000}}

	cfg := botConfig(map[string]interface{}{
		"mode":                    ModeLive,
		"risk.max_daily_loss_pct": 0.03,
	})
	bot, _ := newBotForTest(t, venue, cfg, nil)

	err := bot.Run()
	require.Error(t, err)
	assert.Equal(t, exchange.KindRiskLimitBreach, exchange.KindOf(err))
}

// Scenario: restart with an open venue position. The live bot adopts it
// during the initial reconcile, and a same-direction entry signal is
// ignored under the default policy instead of stacking.
func TestLiveTickIgnoresSignalWhenPositionAdopted(t *testing.T) {
	venue := populatedVenue()
	venue.positions = []exchange.Position{{
		Symbol: "BTCUSDT", Side: "long", Size: 0.01, EntryPrice: 50000, MarkPrice: 50050,
	}}
	always := &stubStrategy{name: "stub_long", proposal: &strategy.Proposal{
		Strategy: "stub_long", Direction: strategy.DirLong, Confidence: 0.9,
	}}
	cfg := botConfig(map[string]interface{}{"mode": ModeLive})
	bot, _ := newBotForTest(t, venue, cfg, []strategy.Strategy{always})

	require.NoError(t, bot.reconciler.Reconcile())
	require.False(t, bot.positions.Flat())

	_, intent, err := bot.process(true)
	require.NoError(t, err)
	assert.Nil(t, intent, "open position + ignore policy submits nothing")
	assert.Equal(t, 0, venue.createCalls)
}

func TestLiveTickSubmitsAndAttachesSLTP(t *testing.T) {
	venue := populatedVenue()
	always := &stubStrategy{name: "stub_long", proposal: &strategy.Proposal{
		Strategy: "stub_long", Direction: strategy.DirLong, Confidence: 0.9,
	}}
	cfg := botConfig(map[string]interface{}{"mode": ModeLive})
	bot, st := newBotForTest(t, venue, cfg, []strategy.Strategy{always})

	_, intent, err := bot.process(true)
	require.NoError(t, err)
	require.NotNil(t, intent)

	assert.Equal(t, 1, venue.createCalls)
	require.Len(t, venue.tradingStops, 1, "SL/TP attached via trading-stop after the fill")
	assert.Greater(t, venue.tradingStops[0].TakeProfit, venue.tradingStops[0].StopLoss)

	lvl, err := st.SLTP().GetActive("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, lvl)
	assert.Equal(t, "long", lvl.Side)
	assert.Less(t, lvl.StopLoss, lvl.Entry)
	assert.Greater(t, lvl.TakeProfit, lvl.Entry)
}
