package store

import (
	"encoding/json"
	"time"

	"PerpForge/meta"
)

// Signal stages.
const (
	StageAccepted = "ACCEPTED"
	StageRejected = "REJECTED"
)

// SignalRecord is one persisted arbitration outcome. Rejections are
// decisions, not errors: they carry a structured reason and a real symbol,
// never UNKNOWN.
type SignalRecord struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	Regime     string    `json:"regime"`
	Decision   string    `json:"decision"` // full meta.Decision as JSON
	CreatedAt  time.Time `json:"created_at"`
}

// SignalStore persists arbitration outcomes for audit and the UI.
type SignalStore struct {
	s *Store
}

func (st *SignalStore) initTables() error {
	_, err := st.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			strategy TEXT DEFAULT '',
			direction TEXT DEFAULT '',
			confidence REAL DEFAULT 0,
			stage TEXT NOT NULL,
			reason TEXT DEFAULT '',
			regime TEXT DEFAULT '',
			decision TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = st.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_signals_symbol_time ON signals(symbol, created_at)`)
	return nil
}

// InsertDecision persists one arbitration pass.
func (st *SignalStore) InsertDecision(d *meta.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}

	rec := SignalRecord{
		Symbol:   d.Symbol,
		Stage:    StageRejected,
		Reason:   d.RejectReason,
		Regime:   string(d.Regime.Label),
		Decision: string(payload),
	}
	if d.Accepted() {
		rec.Stage = StageAccepted
		rec.Reason = ""
		rec.Strategy = d.Selected.Proposal.Strategy
		rec.Direction = string(d.Selected.Proposal.Direction)
		rec.Confidence = d.Selected.Final
	}

	_, err = st.s.exec(`
		INSERT INTO signals (symbol, strategy, direction, confidence, stage, reason, regime, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Symbol, rec.Strategy, rec.Direction, rec.Confidence, rec.Stage, rec.Reason, rec.Regime, rec.Decision)
	return err
}

// ListRecent returns the newest signal records for a symbol.
func (st *SignalStore) ListRecent(symbol string, limit int) ([]*SignalRecord, error) {
	rows, err := st.s.db.Query(`
		SELECT id, symbol, strategy, direction, confidence, stage, reason, regime, decision, created_at
		FROM signals WHERE symbol = ?
		ORDER BY id DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SignalRecord
	for rows.Next() {
		var rec SignalRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Strategy, &rec.Direction,
			&rec.Confidence, &rec.Stage, &rec.Reason, &rec.Regime, &rec.Decision, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
