// Package trader is the execution control plane: order management with
// idempotency, SL/TP lifecycle, position state, risk monitoring, the kill
// switch, reconciliation, the per-symbol trading bot, and the multi-symbol
// orchestrator.
package trader

import (
	"time"

	"PerpForge/exchange"
)

// Venue is the slice of the exchange client the trading engine consumes.
// Tests substitute a fake implementation.
type Venue interface {
	GetKlines(symbol, interval string, limit int) ([]exchange.Candle, error)
	GetOrderbook(symbol string, depth int) (*exchange.OrderbookSnapshot, error)
	GetDerivatives(symbol string) (*exchange.DerivativesSnapshot, error)

	GetWalletBalance() (*exchange.WalletBalance, error)
	GetPositions(symbol string) ([]exchange.Position, error)
	GetOpenOrders(symbol string) ([]exchange.Order, error)
	GetOrderByLinkID(symbol, orderLinkID string) (*exchange.Order, error)
	GetExecutions(symbol string, limit int) ([]exchange.Execution, error)
	GetClosedPnL(symbol string, startTime time.Time) ([]exchange.Execution, error)

	CreateOrder(req exchange.OrderRequest) exchange.OrderResult
	CancelOrder(symbol, orderID string) exchange.OrderResult
	CancelAll(symbol string) exchange.OrderResult
	SetTradingStop(req exchange.TradingStopRequest) exchange.OrderResult
}
