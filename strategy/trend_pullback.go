package strategy

import (
	"PerpForge/config"
	"PerpForge/market"
)

// TrendPullback enters with the trend after a pullback to the fast EMA.
// Long setup: fast EMA above slow, ADX confirms the trend, price dipped to
// the fast EMA and the current bar closed back above it (rejection). Short
// is the mirror image.
type TrendPullback struct {
	adxThreshold   float64
	pullbackATR    float64 // how close to the fast EMA the dip must come
	timeStopBars   int
	atrStopMult    float64
	confirmClose   bool
}

// NewTrendPullback reads its parameters from the config document.
func NewTrendPullback(cfg *config.Manager) *TrendPullback {
	return &TrendPullback{
		adxThreshold: cfg.GetFloat("strategies.trend_pullback.adx_threshold", 22),
		pullbackATR:  cfg.GetFloat("strategies.trend_pullback.pullback_atr", 0.75),
		timeStopBars: cfg.GetInt("strategies.trend_pullback.time_stop_bars", 48),
		atrStopMult:  cfg.GetFloat("strategies.trend_pullback.atr_stop_mult", 1.5),
		confirmClose: cfg.GetBool("strategies.trend_pullback.confirm_close", true),
	}
}

func (s *TrendPullback) Name() string { return "trend_pullback" }

func (s *TrendPullback) Generate(frame *market.Frame, flow *market.Orderflow) (*Proposal, error) {
	last := frame.Last()
	prev := frame.Prev()
	if last == nil || prev == nil || last.EMASlow == 0 || last.ATR == 0 {
		return nil, nil
	}
	if last.ADX < s.adxThreshold {
		return nil, nil
	}

	uptrend := last.EMAFast > last.EMASlow
	downtrend := last.EMAFast < last.EMASlow

	var dir Direction
	reasons := []string{"adx_trend_confirmed"}
	switch {
	case uptrend && s.longSetup(last, prev):
		dir = DirLong
		reasons = append(reasons, "pullback_to_ema_long")
	case downtrend && s.shortSetup(last, prev):
		dir = DirShort
		reasons = append(reasons, "pullback_to_ema_short")
	default:
		return nil, nil
	}

	// Confidence grows with trend strength and MACD agreement.
	conf := 0.45 + clamp01((last.ADX-s.adxThreshold)/40)*0.35
	if (dir == DirLong && last.MACDHist > 0) || (dir == DirShort && last.MACDHist < 0) {
		conf += 0.1
		reasons = append(reasons, "macd_hist_aligned")
	}

	mode := EntryImmediate
	if s.confirmClose {
		mode = EntryConfirmClose
	}

	return &Proposal{
		Strategy:   s.Name(),
		Direction:  dir,
		Confidence: clamp01(conf),
		Reasons:    reasons,
		Values: map[string]float64{
			"adx":      last.ADX,
			"ema_fast": last.EMAFast,
			"ema_slow": last.EMASlow,
			"atr":      last.ATR,
		},
		EntryMode: mode,
		ExitRules: &ExitRules{
			TimeStopBars: s.timeStopBars,
			ATRStopMult:  s.atrStopMult,
		},
	}, nil
}

// longSetup: the previous bar dipped to (or through) the fast EMA and the
// current bar closed back above it.
func (s *TrendPullback) longSetup(last, prev *market.Row) bool {
	touched := prev.Low <= prev.EMAFast+s.pullbackATR*prev.ATR*0.1 ||
		prev.Close <= prev.EMAFast
	nearEMA := last.Low <= last.EMAFast+s.pullbackATR*last.ATR
	return touched && nearEMA && last.Close > last.EMAFast
}

func (s *TrendPullback) shortSetup(last, prev *market.Row) bool {
	touched := prev.High >= prev.EMAFast-s.pullbackATR*prev.ATR*0.1 ||
		prev.Close >= prev.EMAFast
	nearEMA := last.High >= last.EMAFast-s.pullbackATR*last.ATR
	return touched && nearEMA && last.Close < last.EMAFast
}
