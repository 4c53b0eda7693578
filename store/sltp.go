package store

import (
	"database/sql"
	"time"
)

// SLTP level statuses.
const (
	SLTPActive = "active"
	SLTPClosed = "closed"
)

// SLTPLevel is the persisted stop-loss/take-profit state for one position.
type SLTPLevel struct {
	ID         int64
	PositionID string // symbol + "_" + first 8 chars of a uuid
	Symbol     string
	Side       string
	Entry      float64
	Qty        float64
	ATR        float64
	StopLoss   float64
	TakeProfit float64
	ClosedQty  float64
	SLHit      bool
	TPHit      bool
	Status     string
	ExitReason string
	CreatedAt  time.Time
}

// SLTPStore persists SL/TP lifecycles.
type SLTPStore struct {
	s *Store
}

func (st *SLTPStore) initTables() error {
	_, err := st.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sl_tp_levels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry REAL NOT NULL,
			qty REAL NOT NULL,
			atr REAL DEFAULT 0,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			closed_qty REAL DEFAULT 0,
			sl_hit BOOLEAN DEFAULT 0,
			tp_hit BOOLEAN DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			exit_reason TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = st.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sltp_symbol_status ON sl_tp_levels(symbol, status)`)
	return nil
}

// Insert persists a new active level and returns its row id.
func (st *SLTPStore) Insert(lvl *SLTPLevel) (int64, error) {
	res, err := st.s.exec(`
		INSERT INTO sl_tp_levels (position_id, symbol, side, entry, qty, atr, stop_loss, take_profit, closed_qty, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active')
	`, lvl.PositionID, lvl.Symbol, lvl.Side, lvl.Entry, lvl.Qty, lvl.ATR,
		lvl.StopLoss, lvl.TakeProfit, lvl.ClosedQty)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateLevels rewrites the live SL/TP prices (trailing updates).
func (st *SLTPStore) UpdateLevels(id int64, stopLoss, takeProfit float64) error {
	_, err := st.s.exec(`
		UPDATE sl_tp_levels SET stop_loss = ?, take_profit = ? WHERE id = ?
	`, stopLoss, takeProfit, id)
	return err
}

// AddClosedQty accumulates partially closed quantity.
func (st *SLTPStore) AddClosedQty(id int64, qty float64) error {
	_, err := st.s.exec(`
		UPDATE sl_tp_levels SET closed_qty = closed_qty + ? WHERE id = ?
	`, qty, id)
	return err
}

// MarkClosed terminates the level with its exit reason, setting the hit
// flag that matches the reason.
func (st *SLTPStore) MarkClosed(id int64, exitReason string) error {
	_, err := st.s.exec(`
		UPDATE sl_tp_levels SET
			status = 'closed',
			exit_reason = ?,
			sl_hit = CASE WHEN ? = 'sl_hit' THEN 1 ELSE sl_hit END,
			tp_hit = CASE WHEN ? = 'tp_hit' THEN 1 ELSE tp_hit END
		WHERE id = ?
	`, exitReason, exitReason, exitReason, id)
	return err
}

// GetActive returns the live level for a symbol, or nil.
func (st *SLTPStore) GetActive(symbol string) (*SLTPLevel, error) {
	row := st.s.db.QueryRow(`
		SELECT id, position_id, symbol, side, entry, qty, atr, stop_loss, take_profit,
			closed_qty, sl_hit, tp_hit, status, exit_reason, created_at
		FROM sl_tp_levels WHERE symbol = ? AND status = 'active'
		ORDER BY id DESC LIMIT 1
	`, symbol)

	var lvl SLTPLevel
	var createdAt string
	err := row.Scan(&lvl.ID, &lvl.PositionID, &lvl.Symbol, &lvl.Side, &lvl.Entry,
		&lvl.Qty, &lvl.ATR, &lvl.StopLoss, &lvl.TakeProfit, &lvl.ClosedQty,
		&lvl.SLHit, &lvl.TPHit, &lvl.Status, &lvl.ExitReason, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lvl.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &lvl, nil
}
