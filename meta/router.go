package meta

import (
	"PerpForge/config"
	"PerpForge/logger"
	"PerpForge/market"
	"PerpForge/strategy"
)

// Candidate is one strategy proposal with its full scoring trail.
type Candidate struct {
	Proposal *strategy.Proposal `json:"proposal"`
	Raw      float64            `json:"raw"`
	Scaled   float64            `json:"scaled"`
	Weight   float64            `json:"weight"`
	MTFMult  float64            `json:"mtf_mult"`
	Final    float64            `json:"final"`
	Rejected bool               `json:"rejected"`
	Reasons  []string           `json:"reasons,omitempty"`
}

// Decision is the structured record of one arbitration pass. Every tick
// emits exactly one, accepted or not.
type Decision struct {
	Symbol       string             `json:"symbol"`
	Regime       Assessment         `json:"regime"`
	MTFScore     float64            `json:"mtf_score"`
	MTFBreakdown map[string]float64 `json:"mtf_breakdown,omitempty"`
	Hygiene      HygieneResult      `json:"hygiene"`
	Candidates   []Candidate        `json:"candidates"`
	Selected     *Candidate         `json:"selected,omitempty"`
	RejectReason string             `json:"reject_reason,omitempty"`
}

// Accepted reports whether the pass selected a candidate.
func (d *Decision) Accepted() bool { return d.Selected != nil }

// Router runs the full arbitration pipeline: regime, hygiene, candidate
// collection, conflict discard, confidence scaling, weighted routing, and
// selection.
type Router struct {
	cfg     *config.Manager
	scorer  *Scorer
	hygiene *Hygiene
	scaler  *strategy.Scaler
	mtf     *market.MTFCache
}

// NewRouter wires the arbitration pipeline.
func NewRouter(cfg *config.Manager, mtf *market.MTFCache) *Router {
	return &Router{
		cfg:     cfg,
		scorer:  NewScorer(cfg),
		hygiene: NewHygiene(cfg),
		scaler:  strategy.NewScaler(cfg),
		mtf:     mtf,
	}
}

// Route arbitrates the tick's proposals. Each step logs its inputs and
// outcome; the returned Decision carries the complete trail for
// persistence.
func (r *Router) Route(frame *market.Frame, proposals []*strategy.Proposal, consecErrors int) *Decision {
	symbol := frame.Symbol
	decision := &Decision{Symbol: symbol}

	// 1. Regime
	decision.Regime = r.scorer.Assess(frame)
	logger.Debugf("[%s] regime=%s trend=%.2f range=%.2f vol=%.2f chop=%.2f",
		symbol, decision.Regime.Label,
		decision.Regime.Scores.Trend, decision.Regime.Scores.Range,
		decision.Regime.Scores.Volatility, decision.Regime.Scores.Chop)

	// 2. Hygiene — a block rejects every candidate of the tick
	decision.Hygiene = r.hygiene.Check(frame, consecErrors)
	if decision.Hygiene.Blocked {
		decision.RejectReason = decision.Hygiene.Reasons[0]
		for _, p := range proposals {
			decision.Candidates = append(decision.Candidates, Candidate{
				Proposal: p, Raw: p.Confidence, Rejected: true,
				Reasons: decision.Hygiene.Reasons,
			})
		}
		logger.Infof("[%s] no-trade zone: %v", symbol, decision.Hygiene.Reasons)
		return decision
	}

	if len(proposals) == 0 {
		return decision
	}

	// 3. Conflict discard: opposite directions on the same tick cancel out
	conflicted := r.findConflicts(proposals)

	// 4–5. Scaling and weighted routing
	for _, p := range proposals {
		cand := Candidate{Proposal: p, Raw: p.Confidence}

		if conflicted[p] {
			cand.Rejected = true
			cand.Reasons = append(cand.Reasons, ReasonMetaConflict)
			decision.Candidates = append(decision.Candidates, cand)
			continue
		}

		cand.Scaled = r.scaler.Scale(p.Strategy, symbol, p.Confidence)
		cand.Weight = r.strategyWeight(p.Strategy, decision.Regime.Label)

		score, breakdown := r.mtf.Score(symbol, string(p.Direction))
		cand.MTFMult = r.mtfMultiplier(score)
		if decision.MTFBreakdown == nil {
			decision.MTFScore = score
			decision.MTFBreakdown = breakdown
		}
		if score < r.cfg.GetFloat("meta.mtf.threshold", 0.4) {
			// recorded, never a hard rejection by itself
			cand.Reasons = append(cand.Reasons, ReasonMTFBelowThreshold)
		}

		cand.Final = cand.Scaled * cand.Weight * cand.MTFMult
		if cand.Final < r.cfg.GetFloat("meta.acceptance_floor", 0.1) {
			cand.Rejected = true
			cand.Reasons = append(cand.Reasons, ReasonBelowFloor)
		}
		decision.Candidates = append(decision.Candidates, cand)
	}

	// 6. Selection: highest final wins; ties prefer the higher raw
	// confidence.
	best := -1
	for i := range decision.Candidates {
		c := &decision.Candidates[i]
		if c.Rejected {
			continue
		}
		if best == -1 ||
			c.Final > decision.Candidates[best].Final ||
			(c.Final == decision.Candidates[best].Final && c.Raw > decision.Candidates[best].Raw) {
			best = i
		}
	}

	if best == -1 {
		decision.RejectReason = ReasonAllRejected
		logger.Infof("[%s] all candidates rejected", symbol)
	} else {
		for i := range decision.Candidates {
			c := &decision.Candidates[i]
			if i != best && !c.Rejected {
				c.Rejected = true
				c.Reasons = append(c.Reasons, ReasonOutscored)
			}
		}
		decision.Selected = &decision.Candidates[best]
		logger.Infof("[%s] selected %s %s raw=%.2f scaled=%.2f weight=%.2f mtf=%.2f final=%.3f",
			symbol, decision.Selected.Proposal.Strategy, decision.Selected.Proposal.Direction,
			decision.Selected.Raw, decision.Selected.Scaled, decision.Selected.Weight,
			decision.Selected.MTFMult, decision.Selected.Final)
	}
	return decision
}

// findConflicts marks every proposal whose direction is opposed by another
// proposal from the same tick. Both sides of a conflict are discarded.
func (r *Router) findConflicts(proposals []*strategy.Proposal) map[*strategy.Proposal]bool {
	conflicted := make(map[*strategy.Proposal]bool)
	for i, a := range proposals {
		for _, b := range proposals[i+1:] {
			if a.Direction.Opposes(b.Direction) {
				conflicted[a] = true
				conflicted[b] = true
			}
		}
	}
	return conflicted
}

// strategyWeight reads the per-regime weight table, defaulting to 1.
func (r *Router) strategyWeight(strategyName string, regime Label) float64 {
	return r.cfg.GetFloat("meta.strategy_weights."+strategyName+"."+string(regime), 1.0)
}

// mtfMultiplier maps the confluence score to a confidence multiplier with
// the affine clamp(a*score + b, 0, 1).
func (r *Router) mtfMultiplier(score float64) float64 {
	a := r.cfg.GetFloat("meta.mtf.mult_a", 1.0)
	b := r.cfg.GetFloat("meta.mtf.mult_b", 0.0)
	return clamp01(a*score + b)
}
