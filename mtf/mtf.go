// Package mtf assembles immutable multi-timeframe views of market data for
// strategy callbacks.
package mtf

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/marketdata"
)

// DefaultLookback is the number of completed candles per frame when a
// request leaves Lookback unset.
const DefaultLookback = 100

type Request struct {
	Symbols    []string
	Timeframes []market.Timeframe
	Lookback   int
	// Indicators are evaluated on every (symbol, timeframe) frame.
	Indicators []indicators.Spec
}

// Frame is the data for one (symbol, timeframe).
type Frame struct {
	Symbol     string
	Timeframe  market.Timeframe
	History    []market.Candle
	Forming    *market.Candle
	Indicators map[string]indicators.Value
}

// Last returns the most recent completed candle.
func (f Frame) Last() (market.Candle, bool) {
	if len(f.History) == 0 {
		return market.Candle{}, false
	}
	return f.History[len(f.History)-1], true
}

// Snapshot is a consistent cross-timeframe view taken at Trigger. It owns
// copies of everything it holds.
type Snapshot struct {
	Trigger time.Time
	frames  map[market.Key]Frame
}

// NewSnapshot assembles a snapshot from frames built elsewhere, e.g. in
// strategy tests.
func NewSnapshot(trigger time.Time, frames ...Frame) Snapshot {
	snap := Snapshot{Trigger: trigger, frames: make(map[market.Key]Frame, len(frames))}
	for _, f := range frames {
		snap.frames[market.Key{Symbol: f.Symbol, Timeframe: f.Timeframe}] = f
	}
	return snap
}

func (s Snapshot) Frame(symbol string, tf market.Timeframe) (Frame, bool) {
	f, ok := s.frames[market.Key{Symbol: symbol, Timeframe: tf}]
	return f, ok
}

func (s Snapshot) Indicator(symbol string, tf market.Timeframe, name string) (indicators.Value, bool) {
	f, ok := s.Frame(symbol, tf)
	if !ok {
		return indicators.Value{}, false
	}
	v, ok := f.Indicators[name]
	return v, ok
}

// Price is the latest known price of symbol: the close of the forming candle
// on the shortest timeframe, falling back to the last completed close.
func (s Snapshot) Price(symbol string) (float64, bool) {
	var (
		best  Frame
		found bool
	)
	for k, f := range s.frames {
		if k.Symbol != symbol {
			continue
		}
		if !found || k.Timeframe.Duration() < best.Timeframe.Duration() {
			best, found = f, true
		}
	}
	if !found {
		return 0, false
	}
	if best.Forming != nil {
		return best.Forming.Close, true
	}
	if c, ok := best.Last(); ok {
		return c.Close, true
	}
	return 0, false
}

// Keys lists the frames held, sorted.
func (s Snapshot) Keys() []market.Key {
	keys := make([]market.Key, 0, len(s.frames))
	for k := range s.frames {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Summary is a compact description for log lines.
func (s Snapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trigger=%s", s.Trigger.Format(time.RFC3339))
	for _, k := range s.Keys() {
		f := s.frames[k]
		fmt.Fprintf(&b, " %s[n=%d", k, len(f.History))
		if f.Forming != nil {
			fmt.Fprintf(&b, " c=%g", f.Forming.Close)
		}
		b.WriteString("]")
	}
	return b.String()
}

// Provider builds snapshots from the market data engine. It holds no state
// of its own.
type Provider struct {
	md *marketdata.Engine
}

func NewProvider(md *marketdata.Engine) *Provider {
	return &Provider{md: md}
}

// Snapshot copies the requested frames under one multi-symbol read lock, so
// no frame reflects a candle mutation the others miss. Every frame shows
// the data as it stood at trigger: ticks stamped later are left out of both
// history and the forming candle. Unsubscribed frames are an error; an indicator
// without enough history is simply absent.
func (p *Provider) Snapshot(req Request, trigger time.Time) (Snapshot, error) {
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	snap := Snapshot{Trigger: trigger, frames: make(map[market.Key]Frame, len(req.Symbols)*len(req.Timeframes))}

	var err error
	p.md.Read(req.Symbols, func(r *marketdata.Reader) {
		for _, sym := range req.Symbols {
			for _, tf := range req.Timeframes {
				var f Frame
				if f, err = frame(r, sym, tf, lookback, req.Indicators, trigger); err != nil {
					return
				}
				snap.frames[market.Key{Symbol: sym, Timeframe: tf}] = f
			}
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func frame(r *marketdata.Reader, sym string, tf market.Timeframe, lookback int, specs []indicators.Spec, trigger time.Time) (Frame, error) {
	hist, forming, err := r.AsOf(sym, tf, lookback, trigger)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Symbol: sym, Timeframe: tf, History: hist, Forming: forming}

	if len(specs) == 0 {
		return f, nil
	}
	f.Indicators = make(map[string]indicators.Value, len(specs))
	for _, spec := range specs {
		var v indicators.Value
		if spec.Live && f.Forming != nil {
			var all []market.Candle
			if all, _, err = r.AsOf(sym, tf, 0, trigger); err != nil {
				return Frame{}, err
			}
			if v, err = indicators.Compute(spec, append(all, *f.Forming)); err == nil {
				v.Symbol, v.Timeframe = sym, tf
			}
		} else {
			v, err = r.IndicatorAsOf(sym, tf, spec, trigger)
		}
		switch {
		case errors.Is(err, indicators.ErrInsufficientHistory):
			continue
		case err != nil:
			return Frame{}, err
		}
		f.Indicators[spec.Name()] = v
	}
	return f, nil
}
