package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"PerpForge/exchange"
)

func trendBars(n int, start, step float64, interval time.Duration) []exchange.Candle {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		out[i] = exchange.Candle{
			Symbol:    "BTCUSDT",
			OpenTime:  t0.Add(time.Duration(i) * interval),
			CloseTime: t0.Add(time.Duration(i+1) * interval),
			Open:      price,
			High:      price + step + 5,
			Low:       price - 5,
			Close:     price + step,
			Volume:    10,
			Confirmed: true,
		}
		price += step
	}
	return out
}

func TestScoreNeutralWhenEmpty(t *testing.T) {
	cache := NewMTFCache(0.03)
	score, breakdown := cache.Score("BTCUSDT", "long")

	// every sub-signal missing: neutral value at reduced weight
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.Equal(t, 0.5, breakdown["trend_1m"])
	assert.Equal(t, 0.5, breakdown["trend_5m"])
	assert.Equal(t, 0.5, breakdown["vol_regime_15m"])
}

func TestScoreFavorsAlignedTrend(t *testing.T) {
	cache := NewMTFCache(0.03)
	cache.Update("BTCUSDT", "1", trendBars(60, 50000, 25, time.Minute))
	cache.Update("BTCUSDT", "5", trendBars(60, 50000, 40, 5*time.Minute))
	cache.Update("BTCUSDT", "15", trendBars(60, 50000, 20, 15*time.Minute))

	longScore, breakdown := cache.Score("BTCUSDT", "long")
	shortScore, _ := cache.Score("BTCUSDT", "short")

	assert.Greater(t, longScore, 0.6, "steady uptrend should score high for longs: %v", breakdown)
	assert.Less(t, shortScore, 0.5, "steady uptrend should score low for shorts")
	assert.GreaterOrEqual(t, longScore, 0.0)
	assert.LessOrEqual(t, longScore, 1.0)
}

func TestMissingTimeframeReducesItsWeight(t *testing.T) {
	full := NewMTFCache(0.03)
	full.Update("BTCUSDT", "1", trendBars(60, 50000, 25, time.Minute))
	full.Update("BTCUSDT", "5", trendBars(60, 50000, 40, 5*time.Minute))
	full.Update("BTCUSDT", "15", trendBars(60, 50000, 20, 15*time.Minute))
	fullScore, _ := full.Score("BTCUSDT", "long")

	partial := NewMTFCache(0.03)
	partial.Update("BTCUSDT", "1", trendBars(60, 50000, 25, time.Minute))
	partialScore, _ := partial.Score("BTCUSDT", "long")

	// with only the 1m window populated, the missing inputs pull toward
	// neutral but do not dominate
	assert.Greater(t, partialScore, 0.5)
	assert.Less(t, partialScore, fullScore+1e-9)
}

func TestUpdateIgnoresUnconfirmedAndStale(t *testing.T) {
	cache := NewMTFCache(0.03)
	bars := trendBars(30, 50000, 10, time.Minute)

	open := bars[29]
	open.Confirmed = false
	bars[29] = open

	cache.Update("BTCUSDT", "1", bars)
	assert.Len(t, cache.Bars("BTCUSDT", "1"), 29)

	// re-applying the same window adds nothing
	cache.Update("BTCUSDT", "1", bars)
	assert.Len(t, cache.Bars("BTCUSDT", "1"), 29)
}
