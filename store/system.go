package store

import (
	"database/sql"
	"strconv"
	"time"
)

// Error-log kind for kill-switch activations.
const KindKillSwitchActivated = "kill_switch_activated"

// config key holding the persistent trading-disabled latch.
const keyTradingDisabled = "trading_disabled"

// SystemStore holds the config key/value table and the append-only error
// log, including kill-switch activation rows.
type SystemStore struct {
	s *Store
}

func (st *SystemStore) initTables() error {
	_, err := st.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = st.s.db.Exec(`
		CREATE TABLE IF NOT EXISTS errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			reset_token TEXT NOT NULL DEFAULT '',
			reset_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = st.s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_errors_kind ON errors(kind, reset_at)`)
	return nil
}

// SetValue writes a config key, bumping the document version counter.
func (st *SystemStore) SetValue(key, value string) error {
	return st.s.withTx(func(tx *sql.Tx) error {
		if err := upsertConfig(tx, key, value); err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}

func upsertConfig(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func bumpVersion(tx *sql.Tx) error {
	var current int64
	err := tx.QueryRow(`SELECT value FROM config WHERE key = '_version'`).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err := upsertConfig(tx, "_version", strconv.FormatInt(current+1, 10)); err != nil {
		return err
	}
	return upsertConfig(tx, "_updated_at", time.Now().UTC().Format(time.RFC3339))
}

// GetValue reads a config key; missing keys return "".
func (st *SystemStore) GetValue(key string) (string, error) {
	var value string
	err := st.s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// TradingDisabled reads the persistent latch.
func (st *SystemStore) TradingDisabled() (bool, error) {
	value, err := st.GetValue(keyTradingDisabled)
	if err != nil {
		return false, err
	}
	return value == "true" || value == "1", nil
}

// LogError appends a row to the error log.
func (st *SystemStore) LogError(source, kind, message string) error {
	_, err := st.s.exec(`
		INSERT INTO errors (source, kind, message) VALUES (?, ?, ?)
	`, source, kind, message)
	return err
}

// ActivateKillSwitch appends an activation row AND sets the persistent
// trading_disabled flag in one transaction.
func (st *SystemStore) ActivateKillSwitch(source, reason string) error {
	return st.s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO errors (source, kind, message) VALUES (?, ?, ?)
		`, source, KindKillSwitchActivated, reason); err != nil {
			return err
		}
		if err := upsertConfig(tx, keyTradingDisabled, "true"); err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}

// UnresetActivations counts kill-switch rows that have not been reset.
func (st *SystemStore) UnresetActivations() (int, error) {
	var n int
	err := st.s.db.QueryRow(`
		SELECT COUNT(*) FROM errors WHERE kind = ? AND reset_at IS NULL
	`, KindKillSwitchActivated).Scan(&n)
	return n, err
}

// ResetKillSwitch clears the latch and acknowledges all activation rows
// with the confirmation token, atomically.
func (st *SystemStore) ResetKillSwitch(token string) error {
	return st.s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE errors SET reset_token = ?, reset_at = CURRENT_TIMESTAMP
			WHERE kind = ? AND reset_at IS NULL
		`, token, KindKillSwitchActivated); err != nil {
			return err
		}
		if err := upsertConfig(tx, keyTradingDisabled, "false"); err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}
