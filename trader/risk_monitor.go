package trader

import (
	"fmt"
	"sync"
	"time"

	"PerpForge/config"
	"PerpForge/logger"
	"PerpForge/metrics"
)

// Risk verdicts. allow is the normal path; deny blocks new trades without
// halting; stop is a critical breach that trips the kill switch.
const (
	RiskAllow = "allow"
	RiskDeny  = "deny"
	RiskStop  = "stop"
)

// RiskReport is the structured outcome of one check cycle.
type RiskReport struct {
	Verdict       string    `json:"verdict"`
	Reasons       []string  `json:"reasons,omitempty"`
	Equity        float64   `json:"equity"`
	DailyPnL      float64   `json:"daily_pnl"`
	Leverage      float64   `json:"leverage"`
	Notional      float64   `json:"notional"`
	OpenOrders    int       `json:"open_orders"`
	CheckedAt     time.Time `json:"checked_at"`
}

// RiskMonitor periodically evaluates limits against EXCHANGE state, not
// local counters. A stop verdict activates the kill switch synchronously.
type RiskMonitor struct {
	venue  Venue
	cfg    *config.Manager
	kill   *KillSwitch
	symbol string

	mu         sync.RWMutex
	last       *RiskReport
	peakEquity float64
}

// NewRiskMonitor wires a monitor for one symbol.
func NewRiskMonitor(venue Venue, cfg *config.Manager, kill *KillSwitch, symbol string) *RiskMonitor {
	return &RiskMonitor{venue: venue, cfg: cfg, kill: kill, symbol: symbol}
}

// Last returns the most recent report, or nil before the first check.
func (rm *RiskMonitor) Last() *RiskReport {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.last
}

// Run is the background loop; interval defaults to 30s. It checks the stop
// channel every iteration.
func (rm *RiskMonitor) Run(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := rm.cfg.GetDuration("risk.check_interval", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := rm.Check(); err != nil {
				logger.Warnf("[%s] risk check failed: %v", rm.symbol, err)
			}
		}
	}
}

// Check runs one evaluation cycle and returns the report. A stop verdict
// trips the kill switch before returning.
func (rm *RiskMonitor) Check() (*RiskReport, error) {
	report := &RiskReport{Verdict: RiskAllow, CheckedAt: time.Now()}

	wallet, err := rm.venue.GetWalletBalance()
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	report.Equity = wallet.Equity()

	// Daily realized PnL: closed PnL minus fees since UTC midnight.
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	closed, err := rm.venue.GetClosedPnL(rm.symbol, midnight)
	if err != nil {
		return nil, fmt.Errorf("closed pnl: %w", err)
	}
	for _, rec := range closed {
		report.DailyPnL += rec.ClosedPnL - rec.Fee
	}

	positions, err := rm.venue.GetPositions(rm.symbol)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Size > 0 {
			report.Notional += pos.Size * pos.MarkPrice
			if pos.Leverage > report.Leverage {
				report.Leverage = pos.Leverage
			}
		}
	}

	open, err := rm.venue.GetOpenOrders(rm.symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	report.OpenOrders = len(open)

	rm.evaluate(report)

	rm.mu.Lock()
	rm.last = report
	if report.Equity > rm.peakEquity {
		rm.peakEquity = report.Equity
	}
	rm.mu.Unlock()

	metrics.Equity.Set(report.Equity)
	metrics.DailyRealizedPnL.Set(report.DailyPnL)
	metrics.RiskVerdicts.WithLabelValues(rm.symbol, report.Verdict).Inc()
	logger.Event().
		Str("symbol", rm.symbol).
		Str("verdict", report.Verdict).
		Float64("equity", report.Equity).
		Float64("daily_pnl", report.DailyPnL).
		Float64("leverage", report.Leverage).
		Int("open_orders", report.OpenOrders).
		Strs("reasons", report.Reasons).
		Msg("risk check")

	if report.Verdict == RiskStop {
		if err := rm.kill.Activate("risk_monitor", fmt.Sprintf("%v", report.Reasons)); err != nil {
			logger.Errorf("[%s] kill switch activation failed: %v", rm.symbol, err)
		}
	}
	return report, nil
}

// evaluate applies the configured limits with severity escalation: a limit
// breach denies, a deep breach stops.
func (rm *RiskMonitor) evaluate(report *RiskReport) {
	deny := func(reason string) {
		report.Reasons = append(report.Reasons, reason)
		if report.Verdict == RiskAllow {
			report.Verdict = RiskDeny
		}
	}
	stop := func(reason string) {
		report.Reasons = append(report.Reasons, reason)
		report.Verdict = RiskStop
	}

	maxDailyLossPct := rm.cfg.GetFloat("risk.max_daily_loss_pct", 0.03)
	if report.Equity > 0 && report.DailyPnL < 0 {
		lossPct := -report.DailyPnL / report.Equity
		switch {
		case lossPct > maxDailyLossPct*1.5:
			stop(fmt.Sprintf("risk_limit_breach: daily loss %.2f%% > %.2f%% critical", lossPct*100, maxDailyLossPct*150))
		case lossPct > maxDailyLossPct:
			deny(fmt.Sprintf("risk_limit_breach: daily loss %.2f%% > %.2f%%", lossPct*100, maxDailyLossPct*100))
		}
	}

	maxLeverage := rm.cfg.GetFloat("risk.max_leverage", 10)
	switch {
	case report.Leverage > maxLeverage*2:
		stop(fmt.Sprintf("risk_limit_breach: leverage %.1fx > 2x limit %.1fx", report.Leverage, maxLeverage))
	case report.Leverage > maxLeverage:
		deny(fmt.Sprintf("risk_limit_breach: leverage %.1fx > %.1fx", report.Leverage, maxLeverage))
	}

	maxNotional := rm.cfg.GetFloat("risk.max_position_notional", 0)
	if maxNotional > 0 && report.Notional > maxNotional {
		deny(fmt.Sprintf("risk_limit_breach: notional %.0f > %.0f", report.Notional, maxNotional))
	}

	maxOpenOrders := rm.cfg.GetInt("risk.max_open_orders", 10)
	if report.OpenOrders > maxOpenOrders {
		deny(fmt.Sprintf("risk_limit_breach: %d open orders > %d", report.OpenOrders, maxOpenOrders))
	}

	// Drawdown against the peak equity seen this run; a stop fires at 80%
	// of the cap so the account never reaches the full drawdown.
	maxDDPct := rm.cfg.GetFloat("risk.max_drawdown_pct", 0.2)
	rm.mu.RLock()
	peak := rm.peakEquity
	rm.mu.RUnlock()
	if peak > 0 && report.Equity < peak {
		dd := (peak - report.Equity) / peak
		if dd > maxDDPct*0.8 {
			stop(fmt.Sprintf("risk_limit_breach: drawdown %.2f%% > 80%% of %.2f%% cap", dd*100, maxDDPct*100))
		}
	}
}
