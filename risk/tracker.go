// Package risk tracks account-level loss limits and sizes positions.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/trading"
)

// ErrBreached refuses activations while a loss-limit breach is
// unacknowledged.
var ErrBreached = errors.New("loss limit breached and not acknowledged")

type Key struct {
	Account string
	Mode    trading.Mode
}

func (k Key) String() string { return k.Account + "/" + string(k.Mode) }

// State is the risk view of one (account, mode). CurrentLoss is positive
// when the account is losing.
type State struct {
	Account      string       `json:"account"`
	Mode         trading.Mode `json:"mode"`
	MaxLossLimit float64      `json:"max_loss_limit"`
	CurrentLoss  float64      `json:"current_loss"`
	Realized     float64      `json:"realized"`
	Unrealized   float64      `json:"unrealized"`
	Breached     bool         `json:"breached"`
	Acknowledged bool         `json:"acknowledged"`
	BreachedAt   time.Time    `json:"breached_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Limits are the default max loss per mode for accounts without an
// explicit limit. 0 disables the limit.
type Limits struct {
	Paper float64 `yaml:"paper" json:"paper"`
	Live  float64 `yaml:"live" json:"live"`
}

func (l Limits) For(m trading.Mode) float64 {
	if m == trading.Live {
		return l.Live
	}
	return l.Paper
}

// Tracker serializes read-modify-write per (account, mode).
type Tracker struct {
	mu       sync.Mutex
	states   map[Key]*entry
	defaults Limits
	now      func() time.Time
}

type entry struct {
	mu sync.Mutex
	State
}

func NewTracker(defaults Limits) *Tracker {
	return &Tracker{states: make(map[Key]*entry), defaults: defaults, now: time.Now}
}

func (t *Tracker) entry(account string, mode trading.Mode) *entry {
	k := Key{account, mode}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.states[k]
	if !ok {
		e = &entry{State: State{Account: account, Mode: mode, MaxLossLimit: t.defaults.For(mode)}}
		t.states[k] = e
	}
	return e
}

// evaluate sets Breached when the loss reaches a positive limit. It returns
// true on the transition into breach. Caller holds e.mu.
func (e *entry) evaluate(now time.Time) bool {
	if e.Breached || e.MaxLossLimit <= 0 || e.CurrentLoss < e.MaxLossLimit {
		return false
	}
	e.Breached = true
	e.Acknowledged = false
	e.BreachedAt = now
	return true
}

// Update records the current realized and unrealized P&L totals for
// (account, mode) and reports whether this update caused a breach.
func (t *Tracker) Update(account string, mode trading.Mode, realized, unrealized float64) (State, bool) {
	e := t.entry(account, mode)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	e.Realized, e.Unrealized = realized, unrealized
	e.CurrentLoss = -(realized + unrealized)
	e.UpdatedAt = now
	return e.State, e.evaluate(now)
}

// SetLimit changes the max loss limit. It never clears an existing breach;
// a limit at or below the current loss breaches immediately.
func (t *Tracker) SetLimit(account string, mode trading.Mode, limit float64) (State, bool, error) {
	if limit < 0 {
		return State{}, false, errs.Errorf(errs.UserInput, "risk.SetLimit", "limit must be >= 0, got %v", limit)
	}
	e := t.entry(account, mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MaxLossLimit = limit
	return e.State, e.evaluate(t.now()), nil
}

// Acknowledge clears a breach, optionally installing a new limit. If the
// loss is still at or above the limit the next Update breaches again.
func (t *Tracker) Acknowledge(account string, mode trading.Mode, newLimit *float64) (State, error) {
	if newLimit != nil && *newLimit < 0 {
		return State{}, errs.Errorf(errs.UserInput, "risk.Acknowledge", "limit must be >= 0, got %v", *newLimit)
	}
	e := t.entry(account, mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	if newLimit != nil {
		e.MaxLossLimit = *newLimit
	}
	if e.Breached {
		e.Breached = false
		e.Acknowledged = true
	}
	return e.State, nil
}

// CanActivate refuses while a breach is outstanding for (account, mode).
func (t *Tracker) CanActivate(account string, mode trading.Mode) error {
	s := t.State(account, mode)
	if s.Breached {
		return errs.E(errs.RiskBreach, "risk.CanActivate",
			fmt.Errorf("%w: %s loss %.2f >= limit %.2f", ErrBreached, Key{account, mode}, s.CurrentLoss, s.MaxLossLimit))
	}
	return nil
}

func (t *Tracker) State(account string, mode trading.Mode) State {
	e := t.entry(account, mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

// Restore installs a persisted state, e.g. after a restart.
func (t *Tracker) Restore(s State) {
	e := t.entry(s.Account, s.Mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.State = s
}
