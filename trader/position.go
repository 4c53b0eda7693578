package trader

import (
	"sync"

	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/metrics"
	"PerpForge/store"
)

// Open-position policies applied when a new signal arrives while a
// position is already open.
const (
	PolicyIgnore = "ignore"
	PolicyAdd    = "add"
	PolicyFlip   = "flip"
)

// PositionManager holds one symbol's position state in memory, updated
// from execution events and overwritten authoritatively by reconciliation.
type PositionManager struct {
	mu     sync.RWMutex
	symbol string
	st     *store.Store
	pos    exchange.Position
}

// NewPositionManager starts flat; reconciliation seeds real state before
// trading begins.
func NewPositionManager(symbol string, st *store.Store) *PositionManager {
	return &PositionManager{
		symbol: symbol,
		st:     st,
		pos:    exchange.Position{Symbol: symbol, Side: "flat"},
	}
}

// Get returns a copy of the current position.
func (pm *PositionManager) Get() exchange.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pos
}

// Flat reports whether there is no open position.
func (pm *PositionManager) Flat() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pos.Side == "flat" || pm.pos.Size == 0
}

// SetFromVenue overwrites local state with the venue's authoritative row.
func (pm *PositionManager) SetFromVenue(pos exchange.Position) {
	pm.mu.Lock()
	pm.pos = pos
	pm.mu.Unlock()
	pm.persist()
}

// MarkFlat transitions to flat (reduce-only close filled, or the venue
// reports no position).
func (pm *PositionManager) MarkFlat() {
	pm.mu.Lock()
	pm.pos = exchange.Position{Symbol: pm.symbol, Side: "flat"}
	pm.mu.Unlock()
	pm.persist()
}

// ApplyExecution folds one fill into the position: same-direction fills
// extend with a recomputed average entry, opposite-direction (reduce-only)
// fills shrink and flatten at zero.
func (pm *PositionManager) ApplyExecution(ex exchange.Execution) {
	pm.mu.Lock()

	fillSide := "long"
	if ex.Side == exchange.SideSell {
		fillSide = "short"
	}

	switch {
	case pm.pos.Side == "flat" || pm.pos.Size == 0:
		pm.pos = exchange.Position{
			Symbol:     pm.symbol,
			Side:       fillSide,
			Size:       ex.Qty,
			EntryPrice: ex.Price,
			UpdatedAt:  ex.ExecTime,
		}
	case pm.pos.Side == fillSide:
		total := pm.pos.Size + ex.Qty
		pm.pos.EntryPrice = (pm.pos.EntryPrice*pm.pos.Size + ex.Price*ex.Qty) / total
		pm.pos.Size = total
		pm.pos.UpdatedAt = ex.ExecTime
	default:
		// opposite-direction fill reduces
		if ex.Qty >= pm.pos.Size {
			pm.pos = exchange.Position{Symbol: pm.symbol, Side: "flat", UpdatedAt: ex.ExecTime}
		} else {
			pm.pos.Size -= ex.Qty
			pm.pos.UpdatedAt = ex.ExecTime
		}
	}
	pm.mu.Unlock()
	pm.persist()
}

// UpdateMark refreshes mark price and unrealized PnL from a stream or
// reconciliation read without touching size/entry.
func (pm *PositionManager) UpdateMark(markPrice, unrealized float64) {
	pm.mu.Lock()
	pm.pos.MarkPrice = markPrice
	pm.pos.UnrealizedPnL = unrealized
	pm.mu.Unlock()
}

func (pm *PositionManager) persist() {
	pos := pm.Get()
	if err := pm.st.Position().Upsert(&pos); err != nil {
		logger.Warnf("[%s] persist position: %v", pm.symbol, err)
	}
	metrics.PositionSize.WithLabelValues(pm.symbol, pos.Side).Set(pos.Size)
	metrics.PositionUnrealizedPnL.WithLabelValues(pm.symbol).Set(pos.UnrealizedPnL)
}
