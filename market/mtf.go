package market

import (
	"sync"

	"PerpForge/exchange"
)

// Default confluence weights: one-minute trend, five-minute trend,
// fifteen-minute volatility regime.
const (
	mtfWeight1m  = 0.5
	mtfWeight5m  = 0.3
	mtfWeight15m = 0.2

	// A missing timeframe contributes a neutral 0.5 at half its weight, so
	// thin data drags the score toward neutral instead of deciding it.
	mtfNeutral       = 0.5
	mtfMissingFactor = 0.5

	mtfWindowSize = 120
)

// MTFCache holds thread-safe rolling windows of closed bars per
// (symbol, timeframe) and scores cross-timeframe confluence.
type MTFCache struct {
	mu      sync.RWMutex
	windows map[string][]exchange.Candle
	atrExtremePct float64
}

// NewMTFCache builds a cache. atrExtremePct is the ATR% above which the
// fifteen-minute volatility sub-signal reads unfavorable.
func NewMTFCache(atrExtremePct float64) *MTFCache {
	if atrExtremePct <= 0 {
		atrExtremePct = 0.03
	}
	return &MTFCache{
		windows:       make(map[string][]exchange.Candle),
		atrExtremePct: atrExtremePct,
	}
}

func key(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

// Update appends closed bars to the (symbol, timeframe) window, dropping
// unconfirmed bars and duplicates.
func (c *MTFCache) Update(symbol, timeframe string, candles []exchange.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(symbol, timeframe)
	window := c.windows[k]
	for _, cd := range candles {
		if !cd.Confirmed {
			continue
		}
		if len(window) > 0 && !cd.OpenTime.After(window[len(window)-1].OpenTime) {
			continue
		}
		window = append(window, cd)
	}
	if len(window) > mtfWindowSize {
		window = window[len(window)-mtfWindowSize:]
	}
	c.windows[k] = window
}

// Bars returns a copy of the (symbol, timeframe) window.
func (c *MTFCache) Bars(symbol, timeframe string) []exchange.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	window := c.windows[key(symbol, timeframe)]
	out := make([]exchange.Candle, len(window))
	copy(out, window)
	return out
}

// Score returns the confluence score in [0,1] for a trade in the given
// direction ("long" or "short"), plus a per-sub-signal breakdown for
// observability. The meta-layer converts the score into a confidence
// multiplier; it never hard-rejects on the score alone.
func (c *MTFCache) Score(symbol, direction string) (float64, map[string]float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	breakdown := make(map[string]float64)
	var weighted, totalWeight float64

	add := func(name string, value float64, weight float64, present bool) {
		if !present {
			value = mtfNeutral
			weight *= mtfMissingFactor
		}
		breakdown[name] = value
		weighted += value * weight
		totalWeight += weight
	}

	v1, ok1 := c.trendScore(symbol, "1", direction)
	add("trend_1m", v1, mtfWeight1m, ok1)

	v5, ok5 := c.trendScore(symbol, "5", direction)
	add("trend_5m", v5, mtfWeight5m, ok5)

	v15, ok15 := c.volatilityScore(symbol, "15")
	add("vol_regime_15m", v15, mtfWeight15m, ok15)

	if totalWeight == 0 {
		return mtfNeutral, breakdown
	}
	score := weighted / totalWeight
	breakdown["score"] = score
	return score, breakdown
}

// trendScore maps EMA alignment on one timeframe to [0,1] in favor of the
// direction: 1.0 fully aligned, 0.0 fully against, graded by separation.
func (c *MTFCache) trendScore(symbol, timeframe, direction string) (float64, bool) {
	window := c.windows[key(symbol, timeframe)]
	if len(window) < 23 {
		return 0, false
	}

	closes := make([]float64, len(window))
	for i, cd := range window {
		closes[i] = cd.Close
	}
	fast := emaSeries(closes, 9)
	slow := emaSeries(closes, 21)
	f, s := fast[len(fast)-1], slow[len(slow)-1]
	if s == 0 {
		return 0, false
	}

	// separation in fractions of price, saturating at ±0.5%
	sep := (f - s) / s
	const sat = 0.005
	if sep > sat {
		sep = sat
	}
	if sep < -sat {
		sep = -sat
	}
	up := 0.5 + 0.5*(sep/sat)

	if direction == "short" {
		return 1 - up, true
	}
	return up, true
}

// volatilityScore reads the fifteen-minute regime: calm volatility scores
// high, extreme ATR% scores low.
func (c *MTFCache) volatilityScore(symbol, timeframe string) (float64, bool) {
	window := c.windows[key(symbol, timeframe)]
	if len(window) < 16 {
		return 0, false
	}
	atr := atrSeries(window, 14)
	last := window[len(window)-1]
	if last.Close <= 0 {
		return 0, false
	}
	atrPct := atr[len(atr)-1] / last.Close
	if atrPct >= c.atrExtremePct {
		return 0, true
	}
	return 1 - atrPct/c.atrExtremePct, true
}
