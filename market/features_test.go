package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/exchange"
)

// makeCandles builds n confirmed bars of mild noise around base.
func makeCandles(n int, base float64) []exchange.Candle {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	price := base
	for i := 0; i < n; i++ {
		drift := float64(i%7-3) * base * 0.0005
		open := price
		close := price + drift
		high := maxF(open, close) + base*0.0008
		low := minF(open, close) - base*0.0008
		out[i] = exchange.Candle{
			Symbol:    "BTCUSDT",
			Interval:  "5",
			OpenTime:  start.Add(time.Duration(i) * 5 * time.Minute),
			CloseTime: start.Add(time.Duration(i+1) * 5 * time.Minute),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    100 + float64(i%10),
			Confirmed: true,
		}
		price = close
	}
	return out
}

func validBook(price float64) *exchange.OrderbookSnapshot {
	return &exchange.OrderbookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []exchange.BookLevel{{Price: price - 5, Size: 3}, {Price: price - 10, Size: 5}},
		Asks:   []exchange.BookLevel{{Price: price + 5, Size: 3}, {Price: price + 10, Size: 5}},
	}
}

func TestBuildFrameBasics(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(120, 50000)

	frame, err := p.Build("BTCUSDT", candles, validBook(candles[len(candles)-1].Close), &exchange.DerivativesSnapshot{
		Symbol: "BTCUSDT", LastPrice: 50010, MarkPrice: 50011, IndexPrice: 50000,
		FundingRate: 0.0001, OpenInterest: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", frame.Symbol)
	assert.Len(t, frame.Rows, 120)
	last := frame.Last()
	require.NotNil(t, last)
	assert.Greater(t, last.ATR, 0.0)
	assert.Greater(t, last.EMAFast, 0.0)

	// orderflow attached to the last row only, computed by the pipeline
	require.NotNil(t, frame.Orderflow)
	assert.True(t, frame.Orderflow.BookValid)
	assert.Greater(t, frame.Orderflow.SpreadPct, 0.0)

	require.NotNil(t, frame.Derivatives)
	assert.True(t, frame.Derivatives.Present)
	assert.InDelta(t, 11.0/50000.0, frame.Derivatives.MarkIndexDevPct, 1e-6)
}

func TestBuildFrameDropsUnconfirmedBars(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(80, 50000)
	open := candles[79]
	open.Confirmed = false
	candles[79] = open

	frame, err := p.Build("BTCUSDT", candles, validBook(50000), nil)
	require.NoError(t, err)
	assert.Len(t, frame.Rows, 79)
}

func TestMissingDerivativesIsNotAnError(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	frame, err := p.Build("BTCUSDT", makeCandles(80, 50000), validBook(50000), nil)
	require.NoError(t, err)
	require.NotNil(t, frame.Derivatives)
	assert.False(t, frame.Derivatives.Present)
}

// A doji with tiny symmetric wicks must NOT be flagged as a wick anomaly:
// the wick has to beat BOTH the floor-protected body ratio and the
// percent-of-price threshold.
func TestDojiDoesNotTriggerWickAnomaly(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(80, 50000)

	doji := candles[79]
	doji.Open = 50000
	doji.Close = 50000
	doji.High = 50040
	doji.Low = 49960
	doji.Volume = 100
	candles[79] = doji

	frame, err := p.Build("BTCUSDT", candles, validBook(50000), nil)
	require.NoError(t, err)

	last := frame.Last()
	// wick = 40 = 0.08% of price, far under the 2% threshold
	assert.False(t, last.AnomalyWick, "doji alone must not trigger anomaly_wick")
}

func TestExtremeWickTriggersAnomaly(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(80, 50000)

	spike := candles[79]
	spike.Open = 50000
	spike.Close = 50050 // small body
	spike.High = 51500  // upper wick 1450 = 2.9% of price, >3x body
	spike.Low = 49990
	candles[79] = spike

	frame, err := p.Build("BTCUSDT", candles, validBook(50000), nil)
	require.NoError(t, err)
	assert.True(t, frame.Last().AnomalyWick)
	assert.Contains(t, frame.Last().AnomalyReasons(), "anomaly_wick")
}

func TestGapAnomaly(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(80, 50000)

	gap := candles[79]
	prevClose := candles[78].Close
	gap.Open = prevClose * 1.02
	gap.Close = gap.Open + 10
	gap.High = gap.Close + 20
	gap.Low = gap.Open - 20
	candles[79] = gap

	frame, err := p.Build("BTCUSDT", candles, validBook(50000), nil)
	require.NoError(t, err)
	assert.True(t, frame.Last().AnomalyGap)
}

func TestCrossedBookIsInvalid(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	book := &exchange.OrderbookSnapshot{
		Bids: []exchange.BookLevel{{Price: 50010, Size: 1}},
		Asks: []exchange.BookLevel{{Price: 50000, Size: 1}},
	}
	frame, err := p.Build("BTCUSDT", makeCandles(80, 50000), book, nil)
	require.NoError(t, err)
	assert.False(t, frame.Orderflow.BookValid)
	assert.Equal(t, "orderbook_crossed", frame.Orderflow.InvalidReason)
}

func TestBookDeviationFromLastTrade(t *testing.T) {
	p := NewPipeline(PipelineConfig{})
	candles := makeCandles(80, 50000)
	// book mid far away from the last close
	frame, err := p.Build("BTCUSDT", candles, validBook(58000), nil)
	require.NoError(t, err)
	assert.False(t, frame.Orderflow.BookValid)
	assert.Equal(t, "orderbook_deviates_from_last", frame.Orderflow.InvalidReason)
}
