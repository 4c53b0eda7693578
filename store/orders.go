package store

import (
	"database/sql"
	"time"

	"PerpForge/exchange"
)

// OrderStore persists the normalized order rows. Natural keys are enforced
// by unique indexes on order_id and order_link_id.
type OrderStore struct {
	s *Store
}

func (o *OrderStore) initTables() error {
	_, err := o.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			order_link_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL DEFAULT 0,
			time_in_force TEXT DEFAULT 'GTC',
			reduce_only BOOLEAN DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'new',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = o.s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_order_id ON orders(order_id)`)
	_, _ = o.s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_link_id ON orders(order_link_id)`)
	_, _ = o.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status)`)
	return nil
}

// Insert persists a new order row; a duplicate natural key is an error.
func (o *OrderStore) Insert(ord *exchange.Order) error {
	_, err := o.s.exec(`
		INSERT INTO orders (order_id, order_link_id, symbol, side, order_type, qty, price, time_in_force, reduce_only, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ord.OrderID, ord.OrderLinkID, ord.Symbol, ord.Side, ord.OrderType,
		ord.Qty, ord.Price, ord.TimeInForce, ord.ReduceOnly, ord.Status)
	return err
}

// Upsert inserts the order or refreshes its mutable fields; used by the
// reconciler and the private stream.
func (o *OrderStore) Upsert(ord *exchange.Order) error {
	_, err := o.s.exec(`
		INSERT INTO orders (order_id, order_link_id, symbol, side, order_type, qty, price, time_in_force, reduce_only, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status,
			qty = excluded.qty,
			price = excluded.price,
			updated_at = CURRENT_TIMESTAMP
	`, ord.OrderID, ord.OrderLinkID, ord.Symbol, ord.Side, ord.OrderType,
		ord.Qty, ord.Price, ord.TimeInForce, ord.ReduceOnly, ord.Status)
	return err
}

// UpdateStatus transitions an order's status by venue order id.
func (o *OrderStore) UpdateStatus(orderID, status string) error {
	_, err := o.s.exec(`
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE order_id = ?
	`, status, orderID)
	return err
}

// GetByLinkID returns the order with the given client order-link id, or
// nil when absent.
func (o *OrderStore) GetByLinkID(orderLinkID string) (*exchange.Order, error) {
	return o.getOne(`SELECT order_id, order_link_id, symbol, side, order_type, qty, price,
		time_in_force, reduce_only, status, created_at, updated_at
		FROM orders WHERE order_link_id = ?`, orderLinkID)
}

// GetByOrderID returns the order with the given venue id, or nil.
func (o *OrderStore) GetByOrderID(orderID string) (*exchange.Order, error) {
	return o.getOne(`SELECT order_id, order_link_id, symbol, side, order_type, qty, price,
		time_in_force, reduce_only, status, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID)
}

func (o *OrderStore) getOne(query string, arg interface{}) (*exchange.Order, error) {
	row := o.s.db.QueryRow(query, arg)
	ord, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ord, nil
}

// ListActive returns orders still working on the venue for a symbol.
func (o *OrderStore) ListActive(symbol string) ([]*exchange.Order, error) {
	rows, err := o.s.db.Query(`
		SELECT order_id, order_link_id, symbol, side, order_type, qty, price,
			time_in_force, reduce_only, status, created_at, updated_at
		FROM orders
		WHERE symbol = ? AND status IN ('new', 'partially_filled')
		ORDER BY created_at
	`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Order
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ord)
	}
	return out, rows.Err()
}

// OpenOrderCount counts working orders for the symbol.
func (o *OrderStore) OpenOrderCount(symbol string) (int, error) {
	var n int
	err := o.s.db.QueryRow(`
		SELECT COUNT(*) FROM orders WHERE symbol = ? AND status IN ('new', 'partially_filled')
	`, symbol).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(r rowScanner) (*exchange.Order, error) {
	var ord exchange.Order
	var createdAt, updatedAt string
	err := r.Scan(&ord.OrderID, &ord.OrderLinkID, &ord.Symbol, &ord.Side, &ord.OrderType,
		&ord.Qty, &ord.Price, &ord.TimeInForce, &ord.ReduceOnly, &ord.Status,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ord.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	ord.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &ord, nil
}
