// Package market builds per-bar feature frames from raw candles, the latest
// orderbook, and the derivatives snapshot, and maintains the multi-timeframe
// confluence cache.
package market

import (
	"fmt"
	"time"

	"PerpForge/exchange"
)

// PipelineConfig tunes the feature pipeline. Zero values fall back to the
// defaults below.
type PipelineConfig struct {
	EMAFastPeriod  int
	EMASlowPeriod  int
	ATRPeriod      int
	ADXPeriod      int
	BBPeriod       int
	VolumeLookback int

	// Anomaly thresholds
	WickBodyRatio    float64 // wick must exceed this multiple of the body
	WickPricePct     float64 // and this fraction of price
	LowVolumeRatio   float64 // volume below this multiple of the average
	GapPct           float64 // open vs previous close
	LiquidationWickATR float64 // wick longer than this many ATRs

	// Orderbook sanity
	MaxBookDeviationPct float64 // best-of-book vs last trade
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.EMAFastPeriod == 0 {
		c.EMAFastPeriod = 9
	}
	if c.EMASlowPeriod == 0 {
		c.EMASlowPeriod = 21
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.ADXPeriod == 0 {
		c.ADXPeriod = 14
	}
	if c.BBPeriod == 0 {
		c.BBPeriod = 20
	}
	if c.VolumeLookback == 0 {
		c.VolumeLookback = 20
	}
	if c.WickBodyRatio == 0 {
		c.WickBodyRatio = 3.0
	}
	if c.WickPricePct == 0 {
		c.WickPricePct = 0.02
	}
	if c.LowVolumeRatio == 0 {
		c.LowVolumeRatio = 0.2
	}
	if c.GapPct == 0 {
		c.GapPct = 0.015
	}
	if c.LiquidationWickATR == 0 {
		c.LiquidationWickATR = 4.0
	}
	if c.MaxBookDeviationPct == 0 {
		c.MaxBookDeviationPct = 0.01
	}
	return c
}

// Row is one bar of the feature frame, keyed by close time.
type Row struct {
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	// Trend
	EMAFast    float64
	EMASlow    float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	ADX        float64

	// Volatility
	ATR           float64
	ATRPct        float64
	ATRSlope      float64
	BBWidth       float64
	BBWidthChange float64

	// Volume
	VolumeZ      float64
	VolumePctile float64

	// Anomaly flags
	AnomalyWick      bool
	AnomalyLowVolume bool
	AnomalyGap       bool
	LiquidationWick  bool
}

// Anomalous reports whether any anomaly flag is set.
func (r Row) Anomalous() bool {
	return r.AnomalyWick || r.AnomalyLowVolume || r.AnomalyGap || r.LiquidationWick
}

// AnomalyReasons returns the stable reason codes of the set flags.
func (r Row) AnomalyReasons() []string {
	var reasons []string
	if r.AnomalyWick {
		reasons = append(reasons, "anomaly_wick")
	}
	if r.AnomalyLowVolume {
		reasons = append(reasons, "anomaly_low_volume")
	}
	if r.AnomalyGap {
		reasons = append(reasons, "anomaly_gap")
	}
	if r.LiquidationWick {
		reasons = append(reasons, "liquidation_wick")
	}
	return reasons
}

// Orderflow is the current-bar book state; computed exactly once per
// iteration inside the pipeline and attached to the frame. Callers must not
// recompute it.
type Orderflow struct {
	SpreadPct      float64
	DepthImbalance float64
	BookValid      bool
	InvalidReason  string
}

// Derivatives carries the contract-level features; Present is false when the
// venue did not supply them, which is not an error.
type Derivatives struct {
	Present          bool
	MarkIndexDevPct  float64
	FundingRate      float64
	OpenInterest     float64
	OIChangePct      float64
}

// Frame is the tabular feature structure handed to strategies.
type Frame struct {
	Symbol      string
	Rows        []Row
	Orderflow   *Orderflow
	Derivatives *Derivatives
	VWAP        float64
	LastPrice   float64
}

// Last returns the newest row, or nil for an empty frame.
func (f *Frame) Last() *Row {
	if len(f.Rows) == 0 {
		return nil
	}
	return &f.Rows[len(f.Rows)-1]
}

// Prev returns the second-newest row, or nil.
func (f *Frame) Prev() *Row {
	if len(f.Rows) < 2 {
		return nil
	}
	return &f.Rows[len(f.Rows)-2]
}

// Pipeline builds feature frames. It is stateless apart from the last seen
// open interest per symbol (for OI change).
type Pipeline struct {
	cfg    PipelineConfig
	lastOI map[string]float64
}

// NewPipeline builds a pipeline with cfg (zero fields defaulted).
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults(), lastOI: make(map[string]float64)}
}

// Build assembles the frame from closed candles plus the latest book and
// derivatives snapshot. Unconfirmed bars are dropped; book and derivatives
// attach to the last row only.
func (p *Pipeline) Build(symbol string, candles []exchange.Candle, book *exchange.OrderbookSnapshot, deriv *exchange.DerivativesSnapshot) (*Frame, error) {
	closed := make([]exchange.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Confirmed {
			continue
		}
		if !c.Valid() {
			return nil, fmt.Errorf("invalid candle for %s at %s", symbol, c.OpenTime)
		}
		closed = append(closed, c)
	}
	if len(closed) < p.cfg.EMASlowPeriod+2 {
		return nil, fmt.Errorf("not enough closed bars for %s: %d", symbol, len(closed))
	}

	closes := make([]float64, len(closed))
	volumes := make([]float64, len(closed))
	for i, c := range closed {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	emaFast := emaSeries(closes, p.cfg.EMAFastPeriod)
	emaSlow := emaSeries(closes, p.cfg.EMASlowPeriod)
	macd, macdSig, macdHist := macdSeries(closes)
	atr := atrSeries(closed, p.cfg.ATRPeriod)
	adx := adxSeries(closed, p.cfg.ADXPeriod)
	bbWidth := bollingerWidthSeries(closes, p.cfg.BBPeriod, 2.0)

	rows := make([]Row, len(closed))
	for i, c := range closed {
		row := Row{
			CloseTime:  c.CloseTime,
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
			EMAFast:    emaFast[i],
			EMASlow:    emaSlow[i],
			MACD:       macd[i],
			MACDSignal: macdSig[i],
			MACDHist:   macdHist[i],
			ADX:        adx[i],
			ATR:        atr[i],
			BBWidth:    bbWidth[i],
		}
		if c.Close > 0 {
			row.ATRPct = atr[i] / c.Close
		}
		if i > 0 {
			row.ATRSlope = atr[i] - atr[i-1]
			if bbWidth[i-1] > 0 {
				row.BBWidthChange = (bbWidth[i] - bbWidth[i-1]) / bbWidth[i-1]
			}
		}
		p.flagAnomalies(&row, closed, i)
		rows[i] = row
	}

	last := &rows[len(rows)-1]
	last.VolumeZ = volumeZScore(volumes, p.cfg.VolumeLookback)
	last.VolumePctile = percentileRank(volumes, p.cfg.VolumeLookback)

	frame := &Frame{
		Symbol:    symbol,
		Rows:      rows,
		VWAP:      vwapOf(closed),
		LastPrice: last.Close,
	}

	frame.Orderflow = p.buildOrderflow(book, last.Close)
	frame.Derivatives = p.buildDerivatives(symbol, deriv)
	if deriv != nil && deriv.LastPrice > 0 {
		frame.LastPrice = deriv.LastPrice
	}
	return frame, nil
}

// flagAnomalies applies the anomaly rules to one bar.
func (p *Pipeline) flagAnomalies(row *Row, candles []exchange.Candle, i int) {
	c := candles[i]

	// A wick is anomalous only when it dwarfs a floor-protected body AND is
	// material relative to price. A doji alone never trips this.
	body := c.Open - c.Close
	if body < 0 {
		body = -body
	}
	bodyFloor := c.Close * 0.001
	if body < bodyFloor {
		body = bodyFloor
	}
	upperWick := c.High - maxF(c.Open, c.Close)
	lowerWick := minF(c.Open, c.Close) - c.Low
	wick := maxF(upperWick, lowerWick)
	if wick > p.cfg.WickBodyRatio*body && c.Close > 0 && wick > p.cfg.WickPricePct*c.Close {
		row.AnomalyWick = true
	}

	// Liquidation wick: wick stretched far beyond current volatility
	if row.ATR > 0 && wick > p.cfg.LiquidationWickATR*row.ATR {
		row.LiquidationWick = true
	}

	if i >= p.cfg.VolumeLookback {
		var sum float64
		for j := i - p.cfg.VolumeLookback; j < i; j++ {
			sum += candles[j].Volume
		}
		avg := sum / float64(p.cfg.VolumeLookback)
		if avg > 0 && c.Volume < p.cfg.LowVolumeRatio*avg {
			row.AnomalyLowVolume = true
		}
	}

	if i > 0 {
		prevClose := candles[i-1].Close
		if prevClose > 0 {
			gap := (c.Open - prevClose) / prevClose
			if gap < 0 {
				gap = -gap
			}
			if gap > p.cfg.GapPct {
				row.AnomalyGap = true
			}
		}
	}
}

func (p *Pipeline) buildOrderflow(book *exchange.OrderbookSnapshot, lastClose float64) *Orderflow {
	if book == nil {
		return &Orderflow{BookValid: false, InvalidReason: "orderbook_missing"}
	}

	of := &Orderflow{}
	bid, ask := book.BestBid(), book.BestAsk()
	switch {
	case bid <= 0 || ask <= 0:
		of.InvalidReason = "orderbook_empty"
	case bid >= ask:
		of.InvalidReason = "orderbook_crossed"
	default:
		mid := (bid + ask) / 2
		if lastClose > 0 {
			dev := (mid - lastClose) / lastClose
			if dev < 0 {
				dev = -dev
			}
			if dev > p.cfg.MaxBookDeviationPct {
				of.InvalidReason = "orderbook_deviates_from_last"
			}
		}
	}

	if of.InvalidReason == "" {
		of.BookValid = true
		of.SpreadPct = book.SpreadPct()
		of.DepthImbalance = book.DepthImbalance(5)
	}
	return of
}

func (p *Pipeline) buildDerivatives(symbol string, deriv *exchange.DerivativesSnapshot) *Derivatives {
	if deriv == nil {
		return &Derivatives{Present: false}
	}

	d := &Derivatives{
		Present:      true,
		FundingRate:  deriv.FundingRate,
		OpenInterest: deriv.OpenInterest,
	}
	if deriv.IndexPrice > 0 && deriv.MarkPrice > 0 {
		d.MarkIndexDevPct = (deriv.MarkPrice - deriv.IndexPrice) / deriv.IndexPrice
	}
	if prev := p.lastOI[symbol]; prev > 0 && deriv.OpenInterest > 0 {
		d.OIChangePct = (deriv.OpenInterest - prev) / prev
	}
	if deriv.OpenInterest > 0 {
		p.lastOI[symbol] = deriv.OpenInterest
	}
	return d
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
