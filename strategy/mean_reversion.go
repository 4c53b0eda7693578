package strategy

import (
	"PerpForge/config"
	"PerpForge/market"
)

// MeanReversion fades stretched moves back toward VWAP in quiet markets.
// It requires a weak trend (low ADX), a price displaced from VWAP by more
// than a configured number of ATRs, and a rejection close back toward the
// mean. Take-profit targets the VWAP itself.
type MeanReversion struct {
	maxADX        float64
	minStretchATR float64
	maxStretchATR float64
	timeStopBars  int
	atrStopMult   float64
}

// NewMeanReversion reads its parameters from the config document.
func NewMeanReversion(cfg *config.Manager) *MeanReversion {
	return &MeanReversion{
		maxADX:        cfg.GetFloat("strategies.mean_reversion.max_adx", 20),
		minStretchATR: cfg.GetFloat("strategies.mean_reversion.min_stretch_atr", 1.5),
		maxStretchATR: cfg.GetFloat("strategies.mean_reversion.max_stretch_atr", 3.5),
		timeStopBars:  cfg.GetInt("strategies.mean_reversion.time_stop_bars", 24),
		atrStopMult:   cfg.GetFloat("strategies.mean_reversion.atr_stop_mult", 1.2),
	}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Generate(frame *market.Frame, flow *market.Orderflow) (*Proposal, error) {
	last := frame.Last()
	prev := frame.Prev()
	if last == nil || prev == nil || last.ATR == 0 || frame.VWAP == 0 {
		return nil, nil
	}
	if last.ADX > s.maxADX {
		return nil, nil
	}

	stretch := (last.Close - frame.VWAP) / last.ATR
	absStretch := stretch
	if absStretch < 0 {
		absStretch = -absStretch
	}
	// Too little stretch is noise; too much is usually a real move, not an
	// overextension worth fading.
	if absStretch < s.minStretchATR || absStretch > s.maxStretchATR {
		return nil, nil
	}

	var dir Direction
	reasons := []string{"range_regime", "vwap_stretch"}
	if stretch > 0 {
		// price above VWAP: fade short, but only after a rejection close
		if !(prev.Close > prev.Open && last.Close < last.Open) {
			return nil, nil
		}
		dir = DirShort
		reasons = append(reasons, "rejection_close_short")
	} else {
		if !(prev.Close < prev.Open && last.Close > last.Open) {
			return nil, nil
		}
		dir = DirLong
		reasons = append(reasons, "rejection_close_long")
	}

	// Depth imbalance leaning with the reversion adds conviction; missing
	// orderflow degrades to the base confidence.
	conf := 0.4 + clamp01((absStretch-s.minStretchATR)/(s.maxStretchATR-s.minStretchATR))*0.35
	if flow != nil && flow.BookValid {
		if (dir == DirLong && flow.DepthImbalance > 0.1) ||
			(dir == DirShort && flow.DepthImbalance < -0.1) {
			conf += 0.1
			reasons = append(reasons, "depth_imbalance_aligned")
		}
	}

	return &Proposal{
		Strategy:   s.Name(),
		Direction:  dir,
		Confidence: clamp01(conf),
		Reasons:    reasons,
		Values: map[string]float64{
			"stretch_atr": stretch,
			"vwap":        frame.VWAP,
			"adx":         last.ADX,
			"atr":         last.ATR,
		},
		EntryMode: EntryConfirmClose,
		ExitRules: &ExitRules{
			TimeStopBars: s.timeStopBars,
			ATRStopMult:  s.atrStopMult,
			TakeProfitAt: frame.VWAP,
		},
	}, nil
}
