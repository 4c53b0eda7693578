package trader

import (
	"PerpForge/config"
)

// positionSize computes a volatility-based order quantity: the configured
// risk fraction of equity divided by the stop distance, capped by the max
// notional fraction of equity. Returns 0 when inputs are unusable; the
// normalizer applies step/min/notional constraints afterwards.
func positionSize(cfg *config.Manager, equity, entry, stopLoss float64) float64 {
	if equity <= 0 || entry <= 0 {
		return 0
	}

	riskPct := cfg.GetFloat("risk.risk_per_trade_pct", 0.01)
	maxNotionalPct := cfg.GetFloat("risk.max_position_equity_pct", 0.25)

	stopDist := entry - stopLoss
	if stopDist < 0 {
		stopDist = -stopDist
	}
	if stopDist == 0 {
		return 0
	}

	qty := equity * riskPct / stopDist

	maxQty := equity * maxNotionalPct / entry
	if qty > maxQty {
		qty = maxQty
	}
	return qty
}
