package store

import (
	"database/sql"
	"time"

	"PerpForge/exchange"
)

// PositionStore persists per-symbol position state. One live row per
// symbol; closed positions keep their final row with side 'flat'.
type PositionStore struct {
	s *Store
}

func (p *PositionStore) initTables() error {
	_, err := p.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL DEFAULT 'flat',
			size REAL NOT NULL DEFAULT 0,
			entry_price REAL NOT NULL DEFAULT 0,
			leverage REAL NOT NULL DEFAULT 0,
			mark_price REAL DEFAULT 0,
			unrealized_pnl REAL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Upsert writes the position row for the symbol.
func (p *PositionStore) Upsert(pos *exchange.Position) error {
	_, err := p.s.exec(`
		INSERT INTO positions (symbol, side, size, entry_price, leverage, mark_price, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			leverage = excluded.leverage,
			mark_price = excluded.mark_price,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, pos.Symbol, pos.Side, pos.Size, pos.EntryPrice, pos.Leverage, pos.MarkPrice, pos.UnrealizedPnL)
	return err
}

// Get returns the stored position for symbol, or nil.
func (p *PositionStore) Get(symbol string) (*exchange.Position, error) {
	var pos exchange.Position
	var updatedAt string
	err := p.s.db.QueryRow(`
		SELECT symbol, side, size, entry_price, leverage, mark_price, unrealized_pnl, updated_at
		FROM positions WHERE symbol = ?
	`, symbol).Scan(&pos.Symbol, &pos.Side, &pos.Size, &pos.EntryPrice,
		&pos.Leverage, &pos.MarkPrice, &pos.UnrealizedPnL, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &pos, nil
}

// Close flattens the stored position for symbol.
func (p *PositionStore) Close(symbol string) error {
	_, err := p.s.exec(`
		UPDATE positions SET side = 'flat', size = 0, unrealized_pnl = 0, updated_at = CURRENT_TIMESTAMP
		WHERE symbol = ?
	`, symbol)
	return err
}
