// Package meta is the arbitration layer over strategy candidates: regime
// scoring, hygiene gating, confidence scaling, and weighted routing.
package meta

import (
	"PerpForge/config"
	"PerpForge/market"
)

// Label summarizes the current market character.
type Label string

const (
	RegimeTrendUp   Label = "trend_up"
	RegimeTrendDown Label = "trend_down"
	RegimeRange     Label = "range"
	RegimeHighVol   Label = "high_vol"
	RegimeChoppy    Label = "choppy"
	RegimeUnknown   Label = "unknown"
)

// Scores are the four continuous regime components, each in [0,1].
type Scores struct {
	Trend      float64 `json:"trend"`
	Range      float64 `json:"range"`
	Volatility float64 `json:"volatility"`
	Chop       float64 `json:"chop"`
}

// Assessment is a scored, labeled regime read.
type Assessment struct {
	Label  Label  `json:"label"`
	Scores Scores `json:"scores"`
}

// Scorer computes regime scores from the feature frame.
type Scorer struct {
	atrExtremePct float64
	adxFullScale  float64
}

// NewScorer reads thresholds from config.
func NewScorer(cfg *config.Manager) *Scorer {
	return &Scorer{
		atrExtremePct: cfg.GetFloat("meta.regime.atr_extreme_pct", 0.03),
		adxFullScale:  cfg.GetFloat("meta.regime.adx_full_scale", 50),
	}
}

// Assess scores the frame and elects the dominant label. high_vol has
// priority whenever the extreme-ATR condition holds; otherwise the highest
// score wins, with ties broken in the fixed order trend > range > choppy
// (and trend direction by EMA alignment).
func (s *Scorer) Assess(frame *market.Frame) Assessment {
	last := frame.Last()
	if last == nil || last.EMASlow == 0 || last.ATR == 0 {
		return Assessment{Label: RegimeUnknown}
	}

	trend := clamp01(last.ADX / s.adxFullScale)
	// EMA separation reinforces the ADX read
	sep := (last.EMAFast - last.EMASlow) / last.EMASlow
	if sep < 0 {
		sep = -sep
	}
	trend = clamp01(0.7*trend + 0.3*clamp01(sep/0.01))

	vol := clamp01(last.ATRPct / s.atrExtremePct)

	// Chop: weak trend with expanding band width — direction changes faster
	// than it persists.
	chop := clamp01((1 - trend) * clamp01(0.5+last.BBWidthChange*5))

	rng := clamp01((1 - trend) * (1 - vol))

	scores := Scores{Trend: trend, Range: rng, Volatility: vol, Chop: chop}

	if last.ATRPct >= s.atrExtremePct {
		return Assessment{Label: RegimeHighVol, Scores: scores}
	}

	label := RegimeRange
	best := rng
	if trend >= best {
		best = trend
		if last.EMAFast >= last.EMASlow {
			label = RegimeTrendUp
		} else {
			label = RegimeTrendDown
		}
	}
	if chop > best {
		label = RegimeChoppy
	}
	return Assessment{Label: label, Scores: scores}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
