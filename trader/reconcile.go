package trader

import (
	"sync"
	"time"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/metrics"
	"PerpForge/store"
)

// Reconciler resynchronizes local state with the venue: positions, open
// orders, and executions. It runs synchronously before trading starts and
// periodically afterwards; every mismatch it corrects is a WARNING.
// Failures are logged and retried on the next interval — they never crash
// the bot.
type Reconciler struct {
	venue     Venue
	st        *store.Store
	positions *PositionManager
	symbol    string
	execDepth int
}

// NewReconciler wires a reconciler for one symbol.
func NewReconciler(venue Venue, st *store.Store, positions *PositionManager, cfg *config.Manager, symbol string) *Reconciler {
	return &Reconciler{
		venue:     venue,
		st:        st,
		positions: positions,
		symbol:    symbol,
		execDepth: cfg.GetInt("reconcile.execution_depth", 50),
	}
}

// Run is the periodic background loop.
func (r *Reconciler) Run(stopCh <-chan struct{}, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				logger.Warnf("[%s] reconcile failed, retrying next interval: %v", r.symbol, err)
			}
		}
	}
}

// Reconcile runs one full pass. After it returns nil, the local position
// and open-order sets equal the venue snapshots that were observed.
func (r *Reconciler) Reconcile() error {
	if err := r.reconcilePositions(); err != nil {
		return err
	}
	if err := r.reconcileOrders(); err != nil {
		return err
	}
	return r.reconcileExecutions()
}

func (r *Reconciler) reconcilePositions() error {
	venuePositions, err := r.venue.GetPositions(r.symbol)
	if err != nil {
		return err
	}

	var venuePos *exchange.Position
	for i := range venuePositions {
		if venuePositions[i].Symbol == r.symbol && venuePositions[i].Size > 0 {
			venuePos = &venuePositions[i]
			break
		}
	}

	local := r.positions.Get()
	localOpen := local.Side != "flat" && local.Size > 0

	switch {
	case venuePos != nil && !localOpen:
		logger.Warnf("[%s] reconcile: venue position missing locally (side=%s size=%.6f entry=%.4f), adopting",
			r.symbol, venuePos.Side, venuePos.Size, venuePos.EntryPrice)
		metrics.ReconcileCorrections.WithLabelValues(r.symbol, "position_added").Inc()
		r.positions.SetFromVenue(*venuePos)

	case venuePos == nil && localOpen:
		logger.Warnf("[%s] reconcile: local position (side=%s size=%.6f) missing on venue, closing locally",
			r.symbol, local.Side, local.Size)
		metrics.ReconcileCorrections.WithLabelValues(r.symbol, "position_closed").Inc()
		r.positions.MarkFlat()

	case venuePos != nil && localOpen &&
		(venuePos.Size != local.Size || venuePos.EntryPrice != local.EntryPrice || venuePos.Side != local.Side):
		logger.Warnf("[%s] reconcile: position mismatch local(%s %.6f@%.4f) venue(%s %.6f@%.4f), overwriting local",
			r.symbol, local.Side, local.Size, local.EntryPrice,
			venuePos.Side, venuePos.Size, venuePos.EntryPrice)
		metrics.ReconcileCorrections.WithLabelValues(r.symbol, "position_overwritten").Inc()
		r.positions.SetFromVenue(*venuePos)

	case venuePos != nil:
		// in sync; refresh mark data quietly
		r.positions.UpdateMark(venuePos.MarkPrice, venuePos.UnrealizedPnL)
	}
	return nil
}

func (r *Reconciler) reconcileOrders() error {
	venueOrders, err := r.venue.GetOpenOrders(r.symbol)
	if err != nil {
		return err
	}
	onVenue := make(map[string]*exchange.Order, len(venueOrders))
	for i := range venueOrders {
		onVenue[venueOrders[i].OrderID] = &venueOrders[i]
	}

	localActive, err := r.st.Order().ListActive(r.symbol)
	if err != nil {
		return err
	}
	localByID := make(map[string]bool, len(localActive))

	// Active locally but gone on the venue: mark cancelled.
	for _, ord := range localActive {
		localByID[ord.OrderID] = true
		if _, ok := onVenue[ord.OrderID]; !ok {
			logger.Warnf("[%s] reconcile: order %s active locally but not on venue, marking cancelled",
				r.symbol, ord.OrderID)
			metrics.ReconcileCorrections.WithLabelValues(r.symbol, "order_cancelled").Inc()
			if err := r.st.Order().UpdateStatus(ord.OrderID, exchange.StatusCancelled); err != nil {
				return err
			}
		}
	}

	// On the venue but unknown locally: insert.
	for id, ord := range onVenue {
		if !localByID[id] {
			logger.Warnf("[%s] reconcile: venue order %s unknown locally, inserting", r.symbol, id)
			metrics.ReconcileCorrections.WithLabelValues(r.symbol, "order_inserted").Inc()
			if err := r.st.Order().Upsert(ord); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileExecutions() error {
	execs, err := r.venue.GetExecutions(r.symbol, r.execDepth)
	if err != nil {
		return err
	}
	for i := range execs {
		exists, err := r.st.Execution().Exists(execs[i].ExecID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		logger.Warnf("[%s] reconcile: execution %s missing locally, inserting", r.symbol, execs[i].ExecID)
		metrics.ReconcileCorrections.WithLabelValues(r.symbol, "execution_inserted").Inc()
		if err := r.st.Execution().Insert(&execs[i]); err != nil {
			return err
		}
	}
	return nil
}
