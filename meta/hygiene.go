package meta

import (
	"fmt"

	"PerpForge/config"
	"PerpForge/market"
)

// Stable rejection reason codes emitted by the hygiene gate and router.
// These are decisions, not errors.
const (
	ReasonExcessiveSpread       = "no_trade_zone_spread"
	ReasonExtremeVolatility     = "no_trade_zone_atr"
	ReasonOrderbookInvalid      = "orderbook_invalid"
	ReasonDepthImbalanceExtreme = "depth_imbalance_extreme"
	ReasonAnomalyBlock          = "anomaly_block"
	ReasonTooManyErrors         = "too_many_errors"
	ReasonMetaConflict          = "meta_conflict"
	ReasonBelowFloor            = "below_acceptance_floor"
	ReasonOutscored             = "outscored"
	ReasonMTFBelowThreshold     = "mtf_score_below_threshold"
	ReasonAllRejected           = "all_candidates_rejected"
)

// HygieneResult is the outcome of the no-trade-zone check. When blocked,
// Reasons names every gate that fired, including the specific sub-anomaly
// flags (e.g. "anomaly_wick=1").
type HygieneResult struct {
	Blocked bool
	Reasons []string
}

// Hygiene gates every tick on data quality and market condition. A block
// applies to all candidates of the tick, not just one.
type Hygiene struct {
	maxSpreadPct     float64
	atrExtremePct    float64
	maxDepthImb      float64
	maxConsecErrors  int
}

// NewHygiene reads gate thresholds from config.
func NewHygiene(cfg *config.Manager) *Hygiene {
	return &Hygiene{
		maxSpreadPct:    cfg.GetFloat("meta.hygiene.max_spread_pct", 0.0008),
		atrExtremePct:   cfg.GetFloat("meta.regime.atr_extreme_pct", 0.03),
		maxDepthImb:     cfg.GetFloat("meta.hygiene.max_depth_imbalance", 0.85),
		maxConsecErrors: cfg.GetInt("meta.hygiene.max_consecutive_errors", 5),
	}
}

// Check runs all gates. consecErrors is the bot's current consecutive
// transport/auth error count.
func (h *Hygiene) Check(frame *market.Frame, consecErrors int) HygieneResult {
	var reasons []string

	flow := frame.Orderflow
	if flow == nil || !flow.BookValid {
		reason := ReasonOrderbookInvalid
		if flow != nil && flow.InvalidReason != "" {
			reason = fmt.Sprintf("%s:%s", ReasonOrderbookInvalid, flow.InvalidReason)
		}
		reasons = append(reasons, reason)
	} else {
		if flow.SpreadPct > h.maxSpreadPct {
			reasons = append(reasons, ReasonExcessiveSpread)
		}
		imb := flow.DepthImbalance
		if imb < 0 {
			imb = -imb
		}
		if imb > h.maxDepthImb {
			reasons = append(reasons, ReasonDepthImbalanceExtreme)
		}
	}

	if last := frame.Last(); last != nil {
		if last.ATRPct > h.atrExtremePct {
			reasons = append(reasons, ReasonExtremeVolatility)
		}
		if last.Anomalous() {
			reasons = append(reasons, ReasonAnomalyBlock)
			for _, sub := range last.AnomalyReasons() {
				reasons = append(reasons, sub+"=1")
			}
		}
	}

	if consecErrors >= h.maxConsecErrors {
		reasons = append(reasons, ReasonTooManyErrors)
	}

	return HygieneResult{Blocked: len(reasons) > 0, Reasons: reasons}
}
