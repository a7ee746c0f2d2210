// Package strategy defines the Strategy interface for trading strategies,
// a Registry of strategy factories and the day-stepped Backtester.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quantdesk/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// SelectUniverse picks the symbols the strategy wants to trade from the
	// universe snapshot taken on date.
	SelectUniverse(ctx context.Context, date time.Time, universe []domain.StockInfo) []string

	// GenerateSignals returns one signal per symbol in w that has enough
	// history. Symbols with too little history are omitted, never an error.
	GenerateSignals(ctx context.Context, w Window) (map[string]domain.SignalType, error)
}

// Parameterized is implemented by strategies that can report their effective
// parameters, which are stored with each run.
type Parameterized interface {
	Params() map[string]any
}

// Window is the data visible to a strategy on one simulated day: the bars of
// each symbol between Date minus the lookback and Date, ascending.
type Window struct {
	Date time.Time
	Bars map[string][]domain.Bar
}

// Symbols returns the symbols in the window in sorted order.
func (w Window) Symbols() []string {
	out := make([]string, 0, len(w.Bars))
	for sym := range w.Bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Latest returns the last bar of symbol, if any.
func (w Window) Latest(symbol string) (domain.Bar, bool) {
	bars := w.Bars[symbol]
	if len(bars) == 0 {
		return domain.Bar{}, false
	}
	return bars[len(bars)-1], true
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Factory builds a fresh strategy instance. overrides holds parameter values
// that replace the configured defaults; nil means use the defaults. Every
// backtest run gets its own instance so strategy state never leaks between
// runs.
type Factory func(overrides map[string]any) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// New builds a strategy instance by name.
func (r *Registry) New(name string, overrides map[string]any) (Strategy, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(overrides)
	if err != nil {
		return nil, fmt.Errorf("building strategy %s: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
