package store

import (
	"time"

	"PerpForge/exchange"
)

// ExecutionStore persists fills. exec_id is the natural key; inserting the
// same fill twice is a silent no-op so reconciliation stays idempotent.
type ExecutionStore struct {
	s *Store
}

func (e *ExecutionStore) initTables() error {
	_, err := e.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exec_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			fee REAL DEFAULT 0,
			is_maker BOOLEAN DEFAULT 0,
			exec_time DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = e.s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_exec_id ON executions(exec_id)`)
	_, _ = e.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_executions_symbol_time ON executions(symbol, exec_time)`)
	return nil
}

// Insert persists a fill, ignoring duplicates by exec id.
func (e *ExecutionStore) Insert(ex *exchange.Execution) error {
	_, err := e.s.exec(`
		INSERT OR IGNORE INTO executions (exec_id, order_id, symbol, side, price, qty, fee, is_maker, exec_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ex.ExecID, ex.OrderID, ex.Symbol, ex.Side, ex.Price, ex.Qty, ex.Fee, ex.IsMaker,
		ex.ExecTime.UTC().Format(timeLayout))
	return err
}

// Exists reports whether a fill is already persisted.
func (e *ExecutionStore) Exists(execID string) (bool, error) {
	var n int
	err := e.s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE exec_id = ?`, execID).Scan(&n)
	return n > 0, err
}

// ListRecent returns the newest fills for a symbol.
func (e *ExecutionStore) ListRecent(symbol string, limit int) ([]*exchange.Execution, error) {
	rows, err := e.s.db.Query(`
		SELECT exec_id, order_id, symbol, side, price, qty, fee, is_maker, exec_time
		FROM executions WHERE symbol = ?
		ORDER BY exec_time DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Execution
	for rows.Next() {
		var ex exchange.Execution
		var execTime string
		if err := rows.Scan(&ex.ExecID, &ex.OrderID, &ex.Symbol, &ex.Side,
			&ex.Price, &ex.Qty, &ex.Fee, &ex.IsMaker, &execTime); err != nil {
			return nil, err
		}
		ex.ExecTime, _ = time.Parse(timeLayout, execTime)
		out = append(out, &ex)
	}
	return out, rows.Err()
}
