package trader

import (
	"fmt"

	"github.com/google/uuid"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/store"
)

// Exit reason codes for the SL/TP state machine:
// active -> (sl_hit | tp_hit | time_stop | closed_by_signal) -> closed.
const (
	ExitSLHit          = "sl_hit"
	ExitTPHit          = "tp_hit"
	ExitTimeStop       = "time_stop"
	ExitClosedBySignal = "closed_by_signal"
)

// SLTPManager computes protective levels from ATR, attaches them to the
// position through the venue's trading-stop operation, tracks them
// virtually as a safety net, and ratchets the trailing stop.
type SLTPManager struct {
	venue      Venue
	normalizer *exchange.Normalizer
	st         *store.Store

	kSL           float64
	kTP           float64
	trailingMult  float64
	minDistPct    float64
	fallbackSLPct float64
	fallbackTPPct float64
	// trailing updates below this fraction of ATR are skipped to avoid
	// churning the venue on every tick
	minTrailStepATR float64
	virtualOnly     bool
}

// NewSLTPManager reads multipliers from config and wires the venue path.
func NewSLTPManager(venue Venue, normalizer *exchange.Normalizer, st *store.Store, cfg *config.Manager) *SLTPManager {
	return &SLTPManager{
		venue:           venue,
		normalizer:      normalizer,
		st:              st,
		kSL:             cfg.GetFloat("sltp.k_sl", 1.5),
		kTP:             cfg.GetFloat("sltp.k_tp", 2.0),
		trailingMult:    cfg.GetFloat("sltp.trailing_mult", 0.5),
		minDistPct:      cfg.GetFloat("sltp.min_distance_pct", 0.002),
		fallbackSLPct:   cfg.GetFloat("sltp.fallback_sl_pct", 0.01),
		fallbackTPPct:   cfg.GetFloat("sltp.fallback_tp_pct", 0.015),
		minTrailStepATR: cfg.GetFloat("sltp.min_trail_step_atr", 0.1),
		virtualOnly:     cfg.GetBool("sltp.virtual_only", false),
	}
}

// ComputeLevels derives SL/TP from the entry and ATR. When ATR is
// unavailable it falls back to percent distances. Distances are clamped to
// the configured minimum, and the geometry invariant always holds: for a
// long SL < entry < TP, for a short TP < entry < SL.
func (m *SLTPManager) ComputeLevels(side string, entry, atr float64) (sl, tp float64) {
	slDist := m.kSL * atr
	tpDist := m.kTP * atr
	if atr <= 0 {
		slDist = entry * m.fallbackSLPct
		tpDist = entry * m.fallbackTPPct
	}
	minDist := entry * m.minDistPct
	if slDist < minDist {
		slDist = minDist
	}
	if tpDist < minDist {
		tpDist = minDist
	}

	if side == "long" {
		return entry - slDist, entry + tpDist
	}
	return entry + slDist, entry - tpDist
}

// Attach computes levels for a freshly entered position, persists the
// lifecycle row, and sets the exchange-side trading stop (one call covers
// both levels and is inherently reduce-only).
func (m *SLTPManager) Attach(symbol, side string, entry, qty, atr float64) (*store.SLTPLevel, error) {
	sl, tp := m.ComputeLevels(side, entry, atr)
	sl, err := m.normalizer.RoundPrice(symbol, sl)
	if err != nil {
		return nil, err
	}
	tp, err = m.normalizer.RoundPrice(symbol, tp)
	if err != nil {
		return nil, err
	}

	lvl := &store.SLTPLevel{
		PositionID: fmt.Sprintf("%s_%s", symbol, uuid.NewString()[:8]),
		Symbol:     symbol,
		Side:       side,
		Entry:      entry,
		Qty:        qty,
		ATR:        atr,
		StopLoss:   sl,
		TakeProfit: tp,
		Status:     store.SLTPActive,
	}
	id, err := m.st.SLTP().Insert(lvl)
	if err != nil {
		return nil, fmt.Errorf("persist sl/tp level: %w", err)
	}
	lvl.ID = id

	if !m.virtualOnly {
		res := m.venue.SetTradingStop(exchange.TradingStopRequest{
			Symbol:     symbol,
			StopLoss:   sl,
			TakeProfit: tp,
		})
		if !res.Ok() {
			// Venue path unavailable: the virtual path still protects the
			// position and will market-close on trigger.
			logger.Warnf("[%s] trading-stop failed, virtual tracking only: %v", symbol, res.Error)
		}
	}

	logger.Infof("[%s] SL/TP attached: side=%s entry=%.4f sl=%.4f tp=%.4f atr=%.4f",
		symbol, side, entry, sl, tp, atr)
	return lvl, nil
}

// CheckVirtual evaluates the safety-net trigger for the level against the
// live price: a long stops out at price <= SL and takes profit at
// price >= TP, reflected for a short. Returns the exit reason, or "".
func (m *SLTPManager) CheckVirtual(lvl *store.SLTPLevel, price float64) string {
	if lvl == nil || price <= 0 {
		return ""
	}
	if lvl.Side == "long" {
		if price <= lvl.StopLoss {
			return ExitSLHit
		}
		if price >= lvl.TakeProfit {
			return ExitTPHit
		}
		return ""
	}
	if price >= lvl.StopLoss {
		return ExitSLHit
	}
	if price <= lvl.TakeProfit {
		return ExitTPHit
	}
	return ""
}

// Trail recomputes a tighter stop on favorable movement and ratchets it:
// the stop only ever moves in the favorable direction, never widens.
// Updates smaller than minTrailStepATR ATRs are skipped.
func (m *SLTPManager) Trail(lvl *store.SLTPLevel, price, atr float64) (bool, error) {
	if lvl == nil || atr <= 0 || price <= 0 {
		return false, nil
	}

	var candidate float64
	if lvl.Side == "long" {
		candidate = price - m.trailingMult*atr
		if candidate <= lvl.StopLoss+m.minTrailStepATR*atr {
			return false, nil
		}
	} else {
		candidate = price + m.trailingMult*atr
		if candidate >= lvl.StopLoss-m.minTrailStepATR*atr {
			return false, nil
		}
	}

	rounded, err := m.normalizer.RoundPrice(lvl.Symbol, candidate)
	if err != nil {
		return false, err
	}
	// Re-check the ratchet after rounding
	if lvl.Side == "long" && rounded <= lvl.StopLoss {
		return false, nil
	}
	if lvl.Side == "short" && rounded >= lvl.StopLoss {
		return false, nil
	}

	if !m.virtualOnly {
		res := m.venue.SetTradingStop(exchange.TradingStopRequest{
			Symbol:     lvl.Symbol,
			StopLoss:   rounded,
			TakeProfit: lvl.TakeProfit,
		})
		if !res.Ok() {
			return false, res.Error
		}
	}

	old := lvl.StopLoss
	lvl.StopLoss = rounded
	if err := m.st.SLTP().UpdateLevels(lvl.ID, rounded, lvl.TakeProfit); err != nil {
		return false, err
	}
	logger.Infof("[%s] trailing stop ratcheted %.4f -> %.4f (price %.4f)",
		lvl.Symbol, old, rounded, price)
	return true, nil
}

// RecordPartialClose accumulates closed quantity on a partial fill of the
// exit. The venue trading stop stays in force for the remainder.
func (m *SLTPManager) RecordPartialClose(lvl *store.SLTPLevel, qty float64) error {
	lvl.ClosedQty += qty
	return m.st.SLTP().AddClosedQty(lvl.ID, qty)
}

// Close terminates the lifecycle with the exit reason and clears the
// exchange-side levels.
func (m *SLTPManager) Close(lvl *store.SLTPLevel, exitReason string) error {
	if lvl == nil {
		return nil
	}
	if !m.virtualOnly {
		if res := m.venue.SetTradingStop(exchange.TradingStopRequest{Symbol: lvl.Symbol}); !res.Ok() {
			logger.Warnf("[%s] clear trading-stop: %v", lvl.Symbol, res.Error)
		}
	}
	lvl.Status = store.SLTPClosed
	lvl.ExitReason = exitReason
	return m.st.SLTP().MarkClosed(lvl.ID, exitReason)
}
