package strategy

import (
	"PerpForge/config"
)

// Factory constructs the strategy list for one symbol. Every call returns
// freshly constructed instances, so no strategy object is ever shared
// between symbol bots — the isolation the orchestrator depends on is
// enforced here structurally.
type Factory struct {
	cfg *config.Manager
}

// NewFactory builds a factory over the config manager.
func NewFactory(cfg *config.Manager) *Factory {
	return &Factory{cfg: cfg}
}

// Build returns a fresh strategy list. The enabled set comes from
// strategies.enabled; an empty list enables all shipped strategies.
func (f *Factory) Build() []Strategy {
	enabled := f.cfg.GetStringSlice("strategies.enabled")
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[name] = true
	}
	all := len(want) == 0

	var out []Strategy
	if all || want["trend_pullback"] {
		out = append(out, NewTrendPullback(f.cfg))
	}
	if all || want["mean_reversion"] {
		out = append(out, NewMeanReversion(f.cfg))
	}
	if all || want["breakout_retest"] {
		out = append(out, NewBreakoutRetest(f.cfg))
	}
	return out
}
