package trader

import (
	"fmt"
	"time"

	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/metrics"
	"PerpForge/store"
)

// OrderManager is the idempotent submission path. Each trading intent maps
// to a deterministic order_link_id within its temporal bucket; a retry of
// the same intent regenerates the identical id, the duplicate check finds
// the first order, and the caller gets that order's result back instead of
// a second venue-side order.
type OrderManager struct {
	venue         Venue
	normalizer    *exchange.Normalizer
	st            *store.Store
	bucketSeconds int64
}

// NewOrderManager wires the submission path. bucketSeconds defines the
// idempotency window.
func NewOrderManager(venue Venue, normalizer *exchange.Normalizer, st *store.Store, bucketSeconds int64) *OrderManager {
	if bucketSeconds <= 0 {
		bucketSeconds = 60
	}
	return &OrderManager{
		venue:         venue,
		normalizer:    normalizer,
		st:            st,
		bucketSeconds: bucketSeconds,
	}
}

// LinkID builds the deterministic client order id:
// {strategy}_{symbol}_{floor(ts/bucket)}_{L|S}. Buy-side intents carry L,
// sell-side S.
func (m *OrderManager) LinkID(strategyName, symbol, side string, ts time.Time) string {
	letter := "L"
	if side == exchange.SideSell {
		letter = "S"
	}
	return fmt.Sprintf("%s_%s_%d_%s", strategyName, symbol, ts.Unix()/m.bucketSeconds, letter)
}

// Submit normalizes and submits the order through the idempotent path.
// refPrice is the price used for the notional check on market orders.
// Size violations fail locally with invalid_size-family errors and never
// reach the venue.
func (m *OrderManager) Submit(req exchange.OrderRequest, refPrice float64) exchange.OrderResult {
	if req.OrderLinkID == "" {
		return exchange.OrderResult{
			Success: false,
			Error:   exchange.NewError(exchange.KindInvalidPrice, "order_link_id is required"),
		}
	}

	if err := m.normalizer.Normalize(&req, refPrice); err != nil {
		metrics.OrdersRejected.WithLabelValues(req.Symbol, string(exchange.KindOf(err))).Inc()
		return exchange.OrderResult{Success: false, Error: err}
	}

	// Duplicate check, local first, then the venue by order_link_id. Either
	// hit means the intent was already submitted inside this bucket.
	if existing, err := m.st.Order().GetByLinkID(req.OrderLinkID); err == nil && existing != nil {
		logger.Infof("[%s] duplicate intent %s found locally (order %s), returning existing result",
			req.Symbol, req.OrderLinkID, existing.OrderID)
		metrics.OrdersDeduplicated.WithLabelValues(req.Symbol).Inc()
		return exchange.OrderResult{Success: true, OrderID: existing.OrderID}
	} else if err != nil {
		logger.Warnf("[%s] local duplicate check failed: %v", req.Symbol, err)
	}

	if existing, err := m.venue.GetOrderByLinkID(req.Symbol, req.OrderLinkID); err == nil && existing != nil {
		logger.Infof("[%s] duplicate intent %s found on venue (order %s), adopting",
			req.Symbol, req.OrderLinkID, existing.OrderID)
		metrics.OrdersDeduplicated.WithLabelValues(req.Symbol).Inc()
		if err := m.st.Order().Upsert(existing); err != nil {
			logger.Warnf("[%s] persist adopted order: %v", req.Symbol, err)
		}
		return exchange.OrderResult{Success: true, OrderID: existing.OrderID}
	} else if err != nil && exchange.KindOf(err) != exchange.KindOrderNotFound {
		logger.Warnf("[%s] venue duplicate check failed: %v", req.Symbol, err)
	}

	result := m.venue.CreateOrder(req)
	if !result.Ok() {
		metrics.OrdersRejected.WithLabelValues(req.Symbol, string(exchange.KindOf(result.Error))).Inc()
		return result
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Symbol, req.Side).Inc()
	ord := &exchange.Order{
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         req.Qty,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.OrderLinkID,
		OrderID:     result.OrderID,
		Status:      exchange.StatusNew,
	}
	if err := m.st.Order().Insert(ord); err != nil {
		// The venue accepted the order; the row will land via the private
		// stream or reconciliation.
		logger.Warnf("[%s] persist order %s: %v", req.Symbol, result.OrderID, err)
	}
	return result
}

// Cancel cancels by venue order id and records the transition.
func (m *OrderManager) Cancel(symbol, orderID string) exchange.OrderResult {
	result := m.venue.CancelOrder(symbol, orderID)
	if result.Ok() {
		if err := m.st.Order().UpdateStatus(orderID, exchange.StatusCancelled); err != nil {
			logger.Warnf("[%s] persist cancel of %s: %v", symbol, orderID, err)
		}
	}
	return result
}
