package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/config"
	"PerpForge/market"
)

func testConfig() *config.Manager {
	return config.NewFromMap(map[string]interface{}{})
}

// Strategy instances must never be shared across symbols: every factory
// build returns fresh object identities.
func TestFactoryReturnsDisjointInstances(t *testing.T) {
	factory := NewFactory(testConfig())

	listA := factory.Build()
	listB := factory.Build()
	require.Len(t, listA, 3)
	require.Len(t, listB, 3)

	seen := make(map[Strategy]bool)
	for _, s := range listA {
		seen[s] = true
	}
	for _, s := range listB {
		assert.False(t, seen[s], "strategy %s aliased across factory builds", s.Name())
	}
}

func TestFactoryHonorsEnabledList(t *testing.T) {
	cfg := config.NewFromMap(map[string]interface{}{
		"strategies.enabled": []string{"mean_reversion"},
	})
	list := NewFactory(cfg).Build()
	require.Len(t, list, 1)
	assert.Equal(t, "mean_reversion", list[0].Name())
}

func TestScalerAffineAndOverrides(t *testing.T) {
	cfg := config.NewFromMap(map[string]interface{}{
		"meta.confidence_scaling.trend_pullback.a":                    0.8,
		"meta.confidence_scaling.trend_pullback.b":                    0.1,
		"meta.confidence_scaling.overrides.ETHUSDT.trend_pullback.a": 0.5,
		"meta.confidence_scaling.overrides.ETHUSDT.trend_pullback.b": 0.0,
	})
	scaler := NewScaler(cfg)

	assert.InDelta(t, 0.8*0.7+0.1, scaler.Scale("trend_pullback", "BTCUSDT", 0.7), 1e-9)
	assert.InDelta(t, 0.5*0.7, scaler.Scale("trend_pullback", "ETHUSDT", 0.7), 1e-9)

	// identity when unconfigured, clamped to [0,1]
	assert.Equal(t, 1.0, scaler.Scale("unknown", "BTCUSDT", 1.5))
	assert.Equal(t, 0.0, scaler.Scale("unknown", "BTCUSDT", -0.2))
}

func frameWith(rows []market.Row, vwap float64) *market.Frame {
	return &market.Frame{
		Symbol:    "BTCUSDT",
		Rows:      rows,
		VWAP:      vwap,
		LastPrice: rows[len(rows)-1].Close,
		Orderflow: &market.Orderflow{BookValid: true, SpreadPct: 0.0002},
	}
}

func TestTrendPullbackLongSetup(t *testing.T) {
	s := NewTrendPullback(testConfig())
	now := time.Now()

	// uptrend, previous bar dipped to the fast EMA, current closed back
	// above it
	rows := []market.Row{
		{CloseTime: now.Add(-5 * time.Minute), Open: 50200, High: 50250, Low: 49940,
			Close: 49990, EMAFast: 50000, EMASlow: 49700, ADX: 30, ATR: 150},
		{CloseTime: now, Open: 49990, High: 50220, Low: 49980,
			Close: 50200, EMAFast: 50010, EMASlow: 49710, ADX: 30, ATR: 150, MACDHist: 12},
	}
	p, err := s.Generate(frameWith(rows, 50000), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, DirLong, p.Direction)
	assert.Contains(t, p.Reasons, "pullback_to_ema_long")
	assert.Contains(t, p.Reasons, "macd_hist_aligned")
	assert.Greater(t, p.Confidence, 0.5)
	require.NotNil(t, p.ExitRules)
	assert.Equal(t, 48, p.ExitRules.TimeStopBars)
}

func TestTrendPullbackNoSignalInWeakTrend(t *testing.T) {
	s := NewTrendPullback(testConfig())
	now := time.Now()
	rows := []market.Row{
		{CloseTime: now.Add(-5 * time.Minute), Close: 50000, EMAFast: 50000, EMASlow: 49990, ADX: 10, ATR: 150},
		{CloseTime: now, Close: 50010, EMAFast: 50005, EMASlow: 49995, ADX: 10, ATR: 150},
	}
	p, err := s.Generate(frameWith(rows, 50000), nil)
	require.NoError(t, err)
	assert.Nil(t, p, "low ADX must yield no opinion, not an error")
}

func TestMeanReversionFadesStretch(t *testing.T) {
	s := NewMeanReversion(testConfig())
	now := time.Now()

	// price 2 ATR above VWAP in a quiet market, rejection pair: green then
	// red close
	rows := []market.Row{
		{CloseTime: now.Add(-5 * time.Minute), Open: 50350, Close: 50450,
			EMAFast: 50100, EMASlow: 50090, ADX: 12, ATR: 200},
		{CloseTime: now, Open: 50450, Close: 50400,
			EMAFast: 50110, EMASlow: 50095, ADX: 12, ATR: 200},
	}
	p, err := s.Generate(frameWith(rows, 50000), &market.Orderflow{BookValid: true, DepthImbalance: -0.3})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, DirShort, p.Direction)
	assert.Contains(t, p.Reasons, "depth_imbalance_aligned")
	require.NotNil(t, p.ExitRules)
	assert.Equal(t, 50000.0, p.ExitRules.TakeProfitAt)
}

func TestMeanReversionToleratesMissingOrderflow(t *testing.T) {
	s := NewMeanReversion(testConfig())
	now := time.Now()
	rows := []market.Row{
		{CloseTime: now.Add(-5 * time.Minute), Open: 50350, Close: 50450, ADX: 12, ATR: 200},
		{CloseTime: now, Open: 50450, Close: 50400, ADX: 12, ATR: 200},
	}
	p, err := s.Generate(frameWith(rows, 50000), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotContains(t, p.Reasons, "depth_imbalance_aligned")
}

func TestBreakoutRetestEmitsLimitHint(t *testing.T) {
	s := NewBreakoutRetest(testConfig())
	now := time.Now()

	rows := make([]market.Row, 0, 24)
	for i := 0; i < 23; i++ {
		rows = append(rows, market.Row{
			CloseTime: now.Add(time.Duration(i-24) * 5 * time.Minute),
			Open:      50000, High: 50100, Low: 49900, Close: 50000 + float64(i%3)*10,
			ATR: 120,
		})
	}
	// breakout bar: closes above the 20-bar high on a volume spike
	rows = append(rows, market.Row{
		CloseTime: now, Open: 50050, High: 50260, Low: 50020, Close: 50250,
		ATR: 120, VolumeZ: 2.5,
	})

	p, err := s.Generate(frameWith(rows, 50000), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, DirLong, p.Direction)
	assert.Equal(t, EntryLimitRetest, p.EntryMode)
	require.NotNil(t, p.LimitHint)
	assert.Equal(t, 50100.0, p.LimitHint.Price)
	assert.Equal(t, 6, p.LimitHint.TTLBars)
}
