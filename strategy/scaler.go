package strategy

import (
	"PerpForge/config"
)

// Scaler applies the affine confidence calibration
// scaled = clamp(a*raw + b, 0, 1) with per-strategy coefficients and
// optional per-symbol overrides, all read live from the config document:
//
//	meta.confidence_scaling.<strategy>.a / .b
//	meta.confidence_scaling.overrides.<symbol>.<strategy>.a / .b
type Scaler struct {
	cfg *config.Manager
}

// NewScaler builds a scaler over the config manager.
func NewScaler(cfg *config.Manager) *Scaler {
	return &Scaler{cfg: cfg}
}

// Scale calibrates a raw confidence for (strategy, symbol).
func (s *Scaler) Scale(strategyName, symbol string, raw float64) float64 {
	a, b := s.coefficients(strategyName, symbol)
	return clamp01(a*raw + b)
}

func (s *Scaler) coefficients(strategyName, symbol string) (float64, float64) {
	override := "meta.confidence_scaling.overrides." + symbol + "." + strategyName
	if s.cfg.Get(override+".a", nil) != nil || s.cfg.Get(override+".b", nil) != nil {
		return s.cfg.GetFloat(override+".a", 1), s.cfg.GetFloat(override+".b", 0)
	}
	base := "meta.confidence_scaling." + strategyName
	return s.cfg.GetFloat(base+".a", 1), s.cfg.GetFloat(base+".b", 0)
}
