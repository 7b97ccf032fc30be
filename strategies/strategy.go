// Package strategies defines the strategy plugin contract, the typed
// registry the orchestrator resolves strategies from, and the built-in
// strategies.
package strategies

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/trading"
)

// Strategy is called by exactly one goroutine per instance. A callback
// returns at most one signal; nil means no action.
type Strategy interface {
	Initialize(env Env, p Params) error
	OnTick(t market.Tick, snap mtf.Snapshot) (*trading.Signal, error)
	OnCandleComplete(c market.Candle, snap mtf.Snapshot) (*trading.Signal, error)
	Cleanup() error
}

// IndicatorRequirer is implemented by strategies that need indicator values
// in their snapshots. It is consulted after Initialize.
type IndicatorRequirer interface {
	Indicators() []indicators.Spec
}

// PositionView reads the calling instance's own open positions.
type PositionView interface {
	Position(symbol string) (positions.Position, bool)
}

// Env is what an instance knows about where it runs.
type Env struct {
	InstanceID string
	Account    string
	Mode       trading.Mode
	Positions  PositionView
	Log        *zap.Logger
}

// Descriptor registers one strategy under a name.
type Descriptor struct {
	Name        string
	Description string
	Schema      Schema
	New         func() Strategy
}

// Registry is built at startup and read concurrently afterwards.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Descriptor
}

func NewRegistry(ds ...Descriptor) (*Registry, error) {
	r := &Registry{m: make(map[string]Descriptor)}
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d Descriptor) error {
	name := strings.ToLower(strings.TrimSpace(d.Name))
	if name == "" || d.New == nil {
		return fmt.Errorf("strategy descriptor needs a name and a constructor")
	}
	if err := d.Schema.check(); err != nil {
		return fmt.Errorf("strategy %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[name]; dup {
		return fmt.Errorf("strategy %q already registered", name)
	}
	d.Name = name
	r.m[name] = d
	return nil
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Builtins returns a registry holding the strategies shipped with the
// engine.
func Builtins() *Registry {
	r, err := NewRegistry(
		NoopDescriptor(),
		OpenOnceDescriptor(),
		EMACrossDescriptor(),
		RSIReversionDescriptor(),
	)
	if err != nil {
		panic(err)
	}
	return r
}
