package strategy

import (
	"PerpForge/config"
	"PerpForge/market"
)

// BreakoutRetest trades the retest of a broken range boundary. When the
// last bar closes beyond the prior N-bar extreme on expanding volume, it
// emits a limit-order hint at the broken level with a finite TTL: fill on
// the retest or stand down.
type BreakoutRetest struct {
	lookback     int
	minVolumeZ   float64
	ttlBars      int
	timeStopBars int
	atrStopMult  float64
}

// NewBreakoutRetest reads its parameters from the config document.
func NewBreakoutRetest(cfg *config.Manager) *BreakoutRetest {
	return &BreakoutRetest{
		lookback:     cfg.GetInt("strategies.breakout_retest.lookback", 20),
		minVolumeZ:   cfg.GetFloat("strategies.breakout_retest.min_volume_z", 1.0),
		ttlBars:      cfg.GetInt("strategies.breakout_retest.ttl_bars", 6),
		timeStopBars: cfg.GetInt("strategies.breakout_retest.time_stop_bars", 60),
		atrStopMult:  cfg.GetFloat("strategies.breakout_retest.atr_stop_mult", 1.8),
	}
}

func (s *BreakoutRetest) Name() string { return "breakout_retest" }

func (s *BreakoutRetest) Generate(frame *market.Frame, flow *market.Orderflow) (*Proposal, error) {
	rows := frame.Rows
	if len(rows) < s.lookback+2 {
		return nil, nil
	}
	last := frame.Last()
	if last.ATR == 0 {
		return nil, nil
	}
	if last.VolumeZ < s.minVolumeZ {
		return nil, nil
	}

	// Range extremes over the lookback, excluding the breakout bar.
	var rangeHigh, rangeLow float64
	rangeLow = rows[len(rows)-1-s.lookback].Low
	for _, r := range rows[len(rows)-1-s.lookback : len(rows)-1] {
		if r.High > rangeHigh {
			rangeHigh = r.High
		}
		if r.Low < rangeLow {
			rangeLow = r.Low
		}
	}

	var dir Direction
	var level float64
	reasons := []string{"volume_expansion"}
	switch {
	case last.Close > rangeHigh:
		dir = DirLong
		level = rangeHigh
		reasons = append(reasons, "range_breakout_up")
	case last.Close < rangeLow:
		dir = DirShort
		level = rangeLow
		reasons = append(reasons, "range_breakout_down")
	default:
		return nil, nil
	}

	// Don't chase: the close must still be within striking distance of the
	// level or the retest limit will never fill inside its TTL.
	dist := last.Close - level
	if dist < 0 {
		dist = -dist
	}
	if dist > 2*last.ATR {
		return nil, nil
	}

	conf := 0.45 + clamp01(last.VolumeZ/4)*0.3 + clamp01(1-dist/(2*last.ATR))*0.15

	return &Proposal{
		Strategy:   s.Name(),
		Direction:  dir,
		Confidence: clamp01(conf),
		Reasons:    reasons,
		Values: map[string]float64{
			"breakout_level": level,
			"volume_z":       last.VolumeZ,
			"atr":            last.ATR,
		},
		EntryMode: EntryLimitRetest,
		LimitHint: &LimitHint{Price: level, TTLBars: s.ttlBars},
		ExitRules: &ExitRules{
			TimeStopBars: s.timeStopBars,
			ATRStopMult:  s.atrStopMult,
		},
	}, nil
}
