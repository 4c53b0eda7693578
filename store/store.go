// Package store is the embedded persistence layer: a single sqlite file
// accessed through one process-wide connection in WAL mode with a busy
// timeout, writes serialized at this layer so symbol bots never observe
// "database is locked".
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

// Store owns the connection and hands out the per-domain sub-stores.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes across symbol goroutines

	orders     *OrderStore
	executions *ExecutionStore
	signals    *SignalStore
	positions  *PositionStore
	sltp       *SLTPStore
	intents    *IntentStore
	system     *SystemStore
}

// Open opens (creating if needed) the sqlite file and initializes all
// tables.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One connection: sqlite has a single writer anyway, and a single
	// shared connection keeps WAL bookkeeping simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	s.orders = &OrderStore{s}
	s.executions = &ExecutionStore{s}
	s.signals = &SignalStore{s}
	s.positions = &PositionStore{s}
	s.sltp = &SLTPStore{s}
	s.intents = &IntentStore{s}
	s.system = &SystemStore{s}

	for _, init := range []func() error{
		s.orders.initTables,
		s.executions.initTables,
		s.signals.initTables,
		s.positions.initTables,
		s.sltp.initTables,
		s.intents.initTables,
		s.system.initTables,
	} {
		if err := init(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init tables: %w", err)
		}
	}
	return s, nil
}

// OpenInMemory opens a private in-memory store; used by tests and dry runs.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Order() *OrderStore         { return s.orders }
func (s *Store) Execution() *ExecutionStore { return s.executions }
func (s *Store) Signal() *SignalStore       { return s.signals }
func (s *Store) Position() *PositionStore   { return s.positions }
func (s *Store) SLTP() *SLTPStore           { return s.sltp }
func (s *Store) Intent() *IntentStore       { return s.intents }
func (s *Store) System() *SystemStore       { return s.system }

// exec runs a write statement under the store-wide write lock.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// withTx runs fn in a transaction under the write lock.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
