package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OrderIntent is the append-only dry-run record: the order the bot would
// have placed, with everything that went into the decision.
type OrderIntent struct {
	ID         int64              `json:"id"`
	Symbol     string             `json:"symbol"`
	Strategy   string             `json:"strategy"`
	Side       string             `json:"side"`
	OrderType  string             `json:"order_type"`
	Qty        float64            `json:"qty"`
	Price      float64            `json:"price"`
	Leverage   float64            `json:"leverage"`
	StopLoss   float64            `json:"stop_loss"`
	TakeProfit float64            `json:"take_profit"`
	Regime     string             `json:"regime"`
	ATR        float64            `json:"atr"`
	Multipliers map[string]float64 `json:"multipliers,omitempty"`
	Hygiene    []string           `json:"hygiene,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// IntentStore persists order intents for auditing and UI introspection.
type IntentStore struct {
	s *Store
}

func (st *IntentStore) initTables() error {
	_, err := st.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS order_intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL DEFAULT 0,
			leverage REAL DEFAULT 0,
			stop_loss REAL DEFAULT 0,
			take_profit REAL DEFAULT 0,
			regime TEXT DEFAULT '',
			atr REAL DEFAULT 0,
			multipliers TEXT DEFAULT '{}',
			hygiene TEXT DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = st.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_intents_symbol_time ON order_intents(symbol, created_at)`)
	return nil
}

// Insert appends an intent row and returns its id.
func (st *IntentStore) Insert(in *OrderIntent) (int64, error) {
	mults, _ := json.Marshal(in.Multipliers)
	hyg, _ := json.Marshal(in.Hygiene)
	res, err := st.s.exec(`
		INSERT INTO order_intents (symbol, strategy, side, order_type, qty, price, leverage,
			stop_loss, take_profit, regime, atr, multipliers, hygiene)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.Symbol, in.Strategy, in.Side, in.OrderType, in.Qty, in.Price, in.Leverage,
		in.StopLoss, in.TakeProfit, in.Regime, in.ATR, string(mults), string(hyg))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Last returns the most recent intent (optionally scoped to a symbol), or
// nil when none exist.
func (st *IntentStore) Last(symbol string) (*OrderIntent, error) {
	query := `
		SELECT id, symbol, strategy, side, order_type, qty, price, leverage,
			stop_loss, take_profit, regime, atr, multipliers, hygiene, created_at
		FROM order_intents`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	row := st.s.db.QueryRow(query, args...)
	var in OrderIntent
	var mults, hyg, createdAt string
	err := row.Scan(&in.ID, &in.Symbol, &in.Strategy, &in.Side, &in.OrderType,
		&in.Qty, &in.Price, &in.Leverage, &in.StopLoss, &in.TakeProfit,
		&in.Regime, &in.ATR, &mults, &hyg, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(mults), &in.Multipliers)
	json.Unmarshal([]byte(hyg), &in.Hygiene)
	in.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &in, nil
}

// Count returns the number of intents for the symbol.
func (st *IntentStore) Count(symbol string) (int, error) {
	var n int
	err := st.s.db.QueryRow(`SELECT COUNT(*) FROM order_intents WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}
