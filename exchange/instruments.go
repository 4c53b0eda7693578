package exchange

import (
	"sync"

	"PerpForge/logger"
)

// instrumentSource is the slice of the client the registry needs; tests
// substitute a fake.
type instrumentSource interface {
	GetInstruments(symbol string) ([]Instrument, error)
}

// Registry caches per-symbol trading rules. Loaded once at startup and
// refreshed rarely; reads are lock-cheap and safe across symbol bots.
type Registry struct {
	mu     sync.RWMutex
	source instrumentSource
	rules  map[string]Instrument
}

// NewRegistry builds an empty registry backed by src.
func NewRegistry(src instrumentSource) *Registry {
	return &Registry{source: src, rules: make(map[string]Instrument)}
}

// NewStaticRegistry builds a registry from fixed rules; used by tests and
// the paper mode bootstrap.
func NewStaticRegistry(instruments ...Instrument) *Registry {
	r := &Registry{rules: make(map[string]Instrument, len(instruments))}
	for _, ins := range instruments {
		r.rules[ins.Symbol] = ins
	}
	return r
}

// Refresh reloads all linear-contract rules from the venue.
func (r *Registry) Refresh() error {
	instruments, err := r.source.GetInstruments("")
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ins := range instruments {
		r.rules[ins.Symbol] = ins
	}
	logger.Infof("instrument registry refreshed: %d symbols", len(r.rules))
	return nil
}

// Get returns the trading rules for symbol, fetching them on first use when
// a source is configured.
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	ins, ok := r.rules[symbol]
	r.mu.RUnlock()
	if ok {
		return ins, nil
	}

	if r.source == nil {
		return Instrument{}, NewError(KindMissingInstrument, symbol)
	}
	fetched, err := r.source.GetInstruments(symbol)
	if err != nil {
		return Instrument{}, err
	}
	if len(fetched) == 0 {
		return Instrument{}, NewError(KindMissingInstrument, symbol)
	}

	r.mu.Lock()
	r.rules[symbol] = fetched[0]
	r.mu.Unlock()
	return fetched[0], nil
}

// Symbols returns the cached symbol set.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for sym := range r.rules {
		out = append(out, sym)
	}
	return out
}
