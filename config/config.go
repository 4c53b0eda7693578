// Package config owns the versioned configuration document. Every tuning
// parameter in the process is read through Manager; there is no second copy
// of the environment selection logic anywhere else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// EnvVar is the environment selector. It takes priority over the config
// file's "environment" field. Anything other than "mainnet" means testnet.
const EnvVar = "PERPFORGE_ENV"

const (
	EnvTestnet = "testnet"
	EnvMainnet = "mainnet"
)

// Manager wraps a viper document with version bookkeeping. Reads are cheap
// and lock-free on viper's side; Set/Save serialize through mu.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	path    string
	version int64
}

// Load reads the config document from path. A missing file is an error:
// the bot refuses to run on an implicit config.
func Load(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	m := &Manager{v: v, path: path}
	m.version = v.GetInt64("_version")
	if m.version == 0 {
		m.version = 1
	}
	return m, nil
}

// NewFromMap builds a manager from an in-memory document. Used by tests and
// by the dry-run tooling; Save is disabled (no backing file).
func NewFromMap(doc map[string]interface{}) *Manager {
	v := viper.New()
	for key, val := range doc {
		v.Set(key, val)
	}
	m := &Manager{v: v}
	m.version = v.GetInt64("_version")
	if m.version == 0 {
		m.version = 1
	}
	return m
}

// Get returns the value at a dotted path, or def when unset.
func (m *Manager) Get(path string, def interface{}) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.Get(path)
}

func (m *Manager) GetString(path, def string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.GetString(path)
}

func (m *Manager) GetFloat(path string, def float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.GetFloat64(path)
}

func (m *Manager) GetInt(path string, def int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.GetInt(path)
}

func (m *Manager) GetBool(path string, def bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.GetBool(path)
}

func (m *Manager) GetDuration(path string, def time.Duration) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(path) {
		return def
	}
	return m.v.GetDuration(path)
}

func (m *Manager) GetStringSlice(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetStringSlice(path)
}

// GetFloatMap returns a nested table of float values, e.g. the per-regime
// strategy weight table under meta.strategy_weights.<strategy>.<regime>.
func (m *Manager) GetFloatMap(path string) map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw := m.v.GetStringMap(path)
	out := make(map[string]float64, len(raw))
	for k := range raw {
		out[k] = m.v.GetFloat64(path + "." + k)
	}
	return out
}

// Set updates a value in the live document. The change is visible to all
// readers immediately; it is not durable until Save.
func (m *Manager) Set(path string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.Set(path, value)
}

// Save writes the document atomically (temp file + rename), bumping
// _version and stamping _updated_at.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return fmt.Errorf("config has no backing file")
	}

	m.version++
	m.v.Set("_version", m.version)
	m.v.Set("_updated_at", time.Now().UTC().Format(time.RFC3339))

	// viper infers the output format from the extension, so the temp file
	// keeps it: config.yaml -> config.tmp.yaml
	ext := filepath.Ext(m.path)
	tmp := strings.TrimSuffix(m.path, ext) + ".tmp" + ext
	if err := m.v.WriteConfigAs(tmp); err != nil {
		m.version--
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.version--
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Version returns the current document version.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Environment resolves the trading environment with priority:
// environment variable > config field > testnet.
func (m *Manager) Environment() string {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar))); env != "" {
		if env == EnvMainnet {
			return EnvMainnet
		}
		return EnvTestnet
	}
	if m.GetString("environment", "") == EnvMainnet {
		return EnvMainnet
	}
	return EnvTestnet
}

// IsTestnet is the canonical environment check. Every component consults
// this method; no parallel implementation is permitted.
func (m *Manager) IsTestnet() bool {
	return m.Environment() == EnvTestnet
}

// Effective returns the live document plus its version so the UI can prove
// a change has taken effect.
func (m *Manager) Effective() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := m.v.AllSettings()
	doc["_version"] = m.version
	return doc
}

// Path returns the backing file path (empty for in-memory managers).
func (m *Manager) Path() string {
	return m.path
}

// StorePath resolves the sqlite file location: env override, then config,
// then a file next to the config document.
func (m *Manager) StorePath() string {
	if p := os.Getenv("PERPFORGE_STORE_PATH"); p != "" {
		return p
	}
	if p := m.GetString("store.path", ""); p != "" {
		return p
	}
	if m.path != "" {
		return filepath.Join(filepath.Dir(m.path), "perpforge.db")
	}
	return "perpforge.db"
}
