package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/config"
	"PerpForge/market"
	"PerpForge/strategy"
)

func routerConfig(extra map[string]interface{}) *config.Manager {
	doc := map[string]interface{}{
		"meta.acceptance_floor":                        0.1,
		"meta.regime.atr_extreme_pct":                  0.03,
		"meta.regime.adx_full_scale":                   50,
		"meta.hygiene.max_spread_pct":                  0.0008,
		"meta.hygiene.max_depth_imbalance":             0.85,
		"meta.hygiene.max_consecutive_errors":          5,
		"meta.mtf.threshold":                           0.4,
		"meta.strategy_weights.trend_pullback.trend_up": 1.5,
		"meta.strategy_weights.mean_reversion.trend_up": 0.3,
	}
	for k, v := range extra {
		doc[k] = v
	}
	return config.NewFromMap(doc)
}

// trendUpFrame assesses as trend_up and passes every hygiene gate.
func trendUpFrame() *market.Frame {
	now := time.Now()
	rows := []market.Row{
		{
			CloseTime: now.Add(-5 * time.Minute),
			Open:      50300, High: 50480, Low: 50250, Close: 50450, Volume: 120,
			EMAFast: 50480, EMASlow: 49990, ADX: 40, ATR: 200, ATRPct: 0.004,
		},
		{
			CloseTime: now,
			Open:      50450, High: 50620, Low: 50400, Close: 50600, Volume: 130,
			EMAFast: 50500, EMASlow: 50000, ADX: 40, ATR: 200, ATRPct: 0.004,
		},
	}
	return &market.Frame{
		Symbol:    "BTCUSDT",
		Rows:      rows,
		LastPrice: 50600,
		VWAP:      50300,
		Orderflow: &market.Orderflow{BookValid: true, SpreadPct: 0.0002, DepthImbalance: 0.1},
	}
}

func TestWeightedRoutingInTrend(t *testing.T) {
	// MTF multiplier pinned to 0.85 via the affine map; scaling identity.
	cfg := routerConfig(map[string]interface{}{
		"meta.mtf.mult_a": 0.0,
		"meta.mtf.mult_b": 0.85,
	})
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	proposals := []*strategy.Proposal{
		{Strategy: "trend_pullback", Direction: strategy.DirLong, Confidence: 0.70},
		{Strategy: "mean_reversion", Direction: strategy.DirLong, Confidence: 0.65},
	}

	decision := router.Route(trendUpFrame(), proposals, 0)

	require.True(t, decision.Accepted())
	assert.Equal(t, RegimeTrendUp, decision.Regime.Label)
	assert.Equal(t, "trend_pullback", decision.Selected.Proposal.Strategy)
	assert.InDelta(t, 0.8925, decision.Selected.Final, 1e-6)

	// both candidates appear with their full scoring trail; the loser
	// carries a rejection reason
	require.Len(t, decision.Candidates, 2)
	var loser *Candidate
	for i := range decision.Candidates {
		if decision.Candidates[i].Proposal.Strategy == "mean_reversion" {
			loser = &decision.Candidates[i]
		}
	}
	require.NotNil(t, loser)
	assert.True(t, loser.Rejected)
	assert.Contains(t, loser.Reasons, ReasonOutscored)
	assert.InDelta(t, 0.16575, loser.Final, 1e-6)
}

func TestConflictingSignalsBothRejected(t *testing.T) {
	cfg := routerConfig(nil)
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	proposals := []*strategy.Proposal{
		{Strategy: "trend_pullback", Direction: strategy.DirLong, Confidence: 0.7},
		{Strategy: "mean_reversion", Direction: strategy.DirShort, Confidence: 0.8},
	}

	decision := router.Route(trendUpFrame(), proposals, 0)

	assert.False(t, decision.Accepted())
	assert.Equal(t, ReasonAllRejected, decision.RejectReason)
	require.Len(t, decision.Candidates, 2)
	for _, c := range decision.Candidates {
		assert.True(t, c.Rejected)
		assert.Contains(t, c.Reasons, ReasonMetaConflict)
	}
}

func TestHygieneBlocksAllCandidatesWithSubAnomaly(t *testing.T) {
	cfg := routerConfig(nil)
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	frame := trendUpFrame()
	frame.Rows[len(frame.Rows)-1].AnomalyWick = true

	proposals := []*strategy.Proposal{
		{Strategy: "trend_pullback", Direction: strategy.DirLong, Confidence: 0.9},
		{Strategy: "breakout_retest", Direction: strategy.DirLong, Confidence: 0.8},
	}

	decision := router.Route(frame, proposals, 0)

	assert.False(t, decision.Accepted())
	assert.True(t, decision.Hygiene.Blocked)
	assert.Contains(t, decision.Hygiene.Reasons, ReasonAnomalyBlock)
	assert.Contains(t, decision.Hygiene.Reasons, "anomaly_wick=1")
	for _, c := range decision.Candidates {
		assert.True(t, c.Rejected)
		assert.Contains(t, c.Reasons, ReasonAnomalyBlock)
	}
}

func TestExcessiveSpreadBlocks(t *testing.T) {
	cfg := routerConfig(nil)
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	frame := trendUpFrame()
	frame.Orderflow.SpreadPct = 0.002

	decision := router.Route(frame, nil, 0)
	assert.True(t, decision.Hygiene.Blocked)
	assert.Contains(t, decision.Hygiene.Reasons, ReasonExcessiveSpread)
}

func TestTooManyErrorsBlocks(t *testing.T) {
	cfg := routerConfig(nil)
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	decision := router.Route(trendUpFrame(), nil, 6)
	assert.True(t, decision.Hygiene.Blocked)
	assert.Contains(t, decision.Hygiene.Reasons, ReasonTooManyErrors)
}

func TestAcceptanceFloorRejects(t *testing.T) {
	cfg := routerConfig(map[string]interface{}{
		"meta.mtf.mult_a": 0.0,
		"meta.mtf.mult_b": 1.0,
	})
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	// weight 0.3 in trend: 0.2 * 0.3 = 0.06 < floor 0.1
	proposals := []*strategy.Proposal{
		{Strategy: "mean_reversion", Direction: strategy.DirLong, Confidence: 0.2},
	}
	decision := router.Route(trendUpFrame(), proposals, 0)

	assert.False(t, decision.Accepted())
	require.Len(t, decision.Candidates, 1)
	assert.Contains(t, decision.Candidates[0].Reasons, ReasonBelowFloor)
}

func TestTieBreakPrefersHigherRaw(t *testing.T) {
	cfg := routerConfig(map[string]interface{}{
		"meta.mtf.mult_a":                               0.0,
		"meta.mtf.mult_b":                               1.0,
		"meta.strategy_weights.trend_pullback.trend_up": 0.5,
		"meta.strategy_weights.mean_reversion.trend_up": 1.0,
	})
	router := NewRouter(cfg, market.NewMTFCache(0.03))

	// finals: 0.8*0.5 = 0.4 and 0.4*1.0 = 0.4 — tie; higher raw wins
	proposals := []*strategy.Proposal{
		{Strategy: "trend_pullback", Direction: strategy.DirLong, Confidence: 0.8},
		{Strategy: "mean_reversion", Direction: strategy.DirLong, Confidence: 0.4},
	}
	decision := router.Route(trendUpFrame(), proposals, 0)

	require.True(t, decision.Accepted())
	assert.Equal(t, "trend_pullback", decision.Selected.Proposal.Strategy)
}

func TestRegimeHighVolPriority(t *testing.T) {
	cfg := routerConfig(nil)
	scorer := NewScorer(cfg)

	frame := trendUpFrame()
	frame.Rows[len(frame.Rows)-1].ATRPct = 0.05 // beyond the extreme threshold

	assessment := scorer.Assess(frame)
	assert.Equal(t, RegimeHighVol, assessment.Label)
	assert.Equal(t, 1.0, assessment.Scores.Volatility)
}

func TestRegimeUnknownOnEmptyFrame(t *testing.T) {
	cfg := routerConfig(nil)
	scorer := NewScorer(cfg)
	assert.Equal(t, RegimeUnknown, scorer.Assess(&market.Frame{Symbol: "BTCUSDT"}).Label)
}
