package trader

import (
	"fmt"

	"PerpForge/logger"
	"PerpForge/metrics"
	"PerpForge/store"
)

// KillSwitch is the persistent safety latch. Two signals participate: the
// append-only activation rows in the error log, and the trading_disabled
// flag in the config table. Trading may start only when BOTH are clear;
// activation sets both atomically, and reset clears both and requires an
// explicit confirmation token.
type KillSwitch struct {
	st *store.Store
}

// NewKillSwitch builds the latch over the store.
func NewKillSwitch(st *store.Store) *KillSwitch {
	return &KillSwitch{st: st}
}

// Active reports whether trading is latched off, with the gating condition
// spelled out for the refusal log line.
func (k *KillSwitch) Active() (bool, string, error) {
	disabled, err := k.st.System().TradingDisabled()
	if err != nil {
		return true, "", fmt.Errorf("read trading_disabled: %w", err)
	}
	unreset, err := k.st.System().UnresetActivations()
	if err != nil {
		return true, "", fmt.Errorf("read kill-switch rows: %w", err)
	}

	switch {
	case disabled && unreset > 0:
		return true, fmt.Sprintf("trading_disabled=true and %d unreset kill-switch activation(s)", unreset), nil
	case disabled:
		return true, "trading_disabled=true", nil
	case unreset > 0:
		return true, fmt.Sprintf("%d unreset kill-switch activation(s)", unreset), nil
	}
	return false, "", nil
}

// Activate latches trading off. Critical paths call this synchronously
// before the next submission.
func (k *KillSwitch) Activate(source, reason string) error {
	logger.Errorf("KILL SWITCH [%s]: %s", source, reason)
	metrics.KillSwitchActivations.Inc()
	return k.st.System().ActivateKillSwitch(source, reason)
}

// Reset clears the latch. The confirmation token is recorded against every
// acknowledged activation row.
func (k *KillSwitch) Reset(token string) error {
	if token == "" {
		return fmt.Errorf("kill-switch reset requires a confirmation token")
	}
	if err := k.st.System().ResetKillSwitch(token); err != nil {
		return err
	}
	logger.Infof("kill switch reset (token %s)", token)
	return nil
}
