// Package metrics holds the prometheus registry and the trading gauges and
// counters exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for PerpForge metrics.
var Registry = prometheus.NewRegistry()

var (
	// ============================================
	// Account / position state
	// ============================================

	Equity = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpforge",
		Subsystem: "account",
		Name:      "equity",
		Help:      "Wallet balance plus unrealized PnL in USDT",
	})

	DailyRealizedPnL = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpforge",
		Subsystem: "account",
		Name:      "daily_realized_pnl",
		Help:      "Realized PnL net of fees since UTC midnight",
	})

	PositionSize = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpforge",
		Subsystem: "position",
		Name:      "size",
		Help:      "Current position size",
	}, []string{"symbol", "side"})

	PositionUnrealizedPnL = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpforge",
		Subsystem: "position",
		Name:      "unrealized_pnl",
		Help:      "Unrealized PnL per position",
	}, []string{"symbol"})

	// ============================================
	// Signals and orders
	// ============================================

	SignalsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "meta",
		Name:      "signals_total",
		Help:      "Arbitration outcomes by stage and reason",
	}, []string{"symbol", "stage", "reason"})

	OrdersSubmitted = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Orders submitted to the venue",
	}, []string{"symbol", "side"})

	OrdersDeduplicated = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "orders",
		Name:      "deduplicated_total",
		Help:      "Submissions short-circuited by the idempotency check",
	}, []string{"symbol"})

	OrdersRejected = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "Orders rejected locally or by the venue",
	}, []string{"symbol", "kind"})

	// ============================================
	// Safety
	// ============================================

	RiskVerdicts = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "risk",
		Name:      "verdicts_total",
		Help:      "Risk monitor verdicts",
	}, []string{"symbol", "verdict"})

	KillSwitchActivations = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "risk",
		Name:      "kill_switch_activations_total",
		Help:      "Times the kill switch fired",
	})

	ReconcileCorrections = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpforge",
		Subsystem: "reconcile",
		Name:      "corrections_total",
		Help:      "Mismatches corrected against the venue",
	}, []string{"symbol", "kind"})
)
