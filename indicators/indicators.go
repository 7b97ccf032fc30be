// Package indicators provides technical analysis indicators computed from
// completed candle history.
package indicators

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/market"
)

// ErrInsufficientHistory is returned when fewer candles exist than the
// indicator's minimum window.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Indicator computes a single streaming value from candles.
// It is deterministic and safe to use in live and replay runs.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)" or "ATR(14)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next *closed* candle and updates internal state.
	Update(c market.Candle)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current indicator value, 0 if !Ready().
	Value() float64

	// Peek returns the value the indicator would have if c were the next
	// closed candle, without changing state. Used for forming candles.
	Peek(c market.Candle) (float64, bool)
}

type Kind string

const (
	SMA    Kind = "sma"
	EMA    Kind = "ema"
	ATR    Kind = "atr"
	ADX    Kind = "adx"
	RSI    Kind = "rsi"
	BBands Kind = "bbands"
	MACD   Kind = "macd"
)

// Spec describes one indicator configuration. Unused fields are ignored by
// kinds that do not need them.
type Spec struct {
	Kind   Kind    `yaml:"kind" json:"kind"`
	Period int     `yaml:"period,omitempty" json:"period,omitempty"`
	Fast   int     `yaml:"fast,omitempty" json:"fast,omitempty"`
	Slow   int     `yaml:"slow,omitempty" json:"slow,omitempty"`
	Signal int     `yaml:"signal,omitempty" json:"signal,omitempty"`
	StdDev float64 `yaml:"stddev,omitempty" json:"stddev,omitempty"`

	// Live asks for recomputation on every forming-candle mutation, not
	// only on completion.
	Live bool `yaml:"live,omitempty" json:"live,omitempty"`
}

// withDefaults fills the conventional parameters (MACD 12/26/9, BBands 2σ).
func (s Spec) withDefaults() Spec {
	s.Kind = Kind(strings.ToLower(string(s.Kind)))
	switch s.Kind {
	case MACD:
		if s.Fast == 0 {
			s.Fast = 12
		}
		if s.Slow == 0 {
			s.Slow = 26
		}
		if s.Signal == 0 {
			s.Signal = 9
		}
	case BBands:
		if s.StdDev == 0 {
			s.StdDev = 2
		}
	}
	return s
}

func (s Spec) Validate() error {
	s = s.withDefaults()
	switch s.Kind {
	case SMA, EMA, ATR, ADX, RSI, BBands:
		if s.Period <= 0 {
			return fmt.Errorf("%s: period must be positive, got %d", s.Kind, s.Period)
		}
	case MACD:
		if s.Fast <= 0 || s.Slow <= s.Fast || s.Signal <= 0 {
			return fmt.Errorf("macd: need 0 < fast < slow and signal > 0, got %d/%d/%d", s.Fast, s.Slow, s.Signal)
		}
	default:
		return fmt.Errorf("unknown indicator kind %q", s.Kind)
	}
	if s.Kind == BBands && s.StdDev <= 0 {
		return fmt.Errorf("bbands: stddev must be positive, got %v", s.StdDev)
	}
	return nil
}

// Name is the key the indicator's value is stored and looked up under.
func (s Spec) Name() string {
	s = s.withDefaults()
	switch s.Kind {
	case MACD:
		return fmt.Sprintf("MACD(%d,%d,%d)", s.Fast, s.Slow, s.Signal)
	case BBands:
		return fmt.Sprintf("BBANDS(%d,%g)", s.Period, s.StdDev)
	default:
		return fmt.Sprintf("%s(%d)", strings.ToUpper(string(s.Kind)), s.Period)
	}
}

// MinWindow is the number of completed candles needed for a value.
func (s Spec) MinWindow() int {
	s = s.withDefaults()
	switch s.Kind {
	case ATR, RSI:
		return s.Period + 1
	case ADX:
		return 2*s.Period + 1
	case MACD:
		return s.Slow + s.Signal - 1
	default:
		return s.Period
	}
}

// Streaming reports whether the kind keeps O(1) incremental state.
func (s Spec) Streaming() bool {
	switch Kind(strings.ToLower(string(s.Kind))) {
	case SMA, EMA, ATR, ADX:
		return true
	}
	return false
}

// Value is one computed indicator reading. Multi-line indicators (BBands,
// MACD) put their primary line in Value and every line in Lines.
type Value struct {
	Symbol    string             `json:"symbol"`
	Timeframe market.Timeframe   `json:"timeframe"`
	Kind      Kind               `json:"kind"`
	Name      string             `json:"name"`
	Value     float64            `json:"value"`
	Lines     map[string]float64 `json:"lines,omitempty"`
	Time      time.Time          `json:"time"`
}

// New builds a streaming indicator for spec. ok is false for kinds that are
// only computed over a window.
func New(spec Spec) (Indicator, bool) {
	spec = spec.withDefaults()
	switch spec.Kind {
	case SMA:
		return NewMA(spec.Period), true
	case EMA:
		return NewEMA(spec.Period), true
	case ATR:
		return NewATR(spec.Period), true
	case ADX:
		return NewADX(spec.Period), true
	}
	return nil, false
}

// Compute evaluates spec over candles (oldest first). The returned Value is
// stamped with the last candle's time; Symbol and Timeframe are taken from
// it as well.
func Compute(spec Spec, candles []market.Candle) (Value, error) {
	if err := spec.Validate(); err != nil {
		return Value{}, err
	}
	spec = spec.withDefaults()
	if len(candles) < spec.MinWindow() {
		return Value{}, fmt.Errorf("%w: %s needs %d candles, have %d",
			ErrInsufficientHistory, spec.Name(), spec.MinWindow(), len(candles))
	}

	last := candles[len(candles)-1]
	v := Value{
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		Kind:      spec.Kind,
		Name:      spec.Name(),
		Time:      last.Time,
	}

	if ind, ok := New(spec); ok {
		for _, c := range candles {
			ind.Update(c)
		}
		if !ind.Ready() {
			return Value{}, fmt.Errorf("%w: %s not ready after %d candles",
				ErrInsufficientHistory, spec.Name(), len(candles))
		}
		v.Value = ind.Value()
		return v, nil
	}

	closes := closesOf(candles)
	switch spec.Kind {
	case RSI:
		v.Value = rsi(closes, spec.Period)
	case BBands:
		up, mid, dn := bbands(closes, spec.Period, spec.StdDev)
		v.Value = mid
		v.Lines = map[string]float64{"upper": up, "middle": mid, "lower": dn}
	case MACD:
		m, sig, hist := macd(closes, spec.Fast, spec.Slow, spec.Signal)
		v.Value = m
		v.Lines = map[string]float64{"macd": m, "signal": sig, "hist": hist}
	}
	return v, nil
}

func closesOf(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
