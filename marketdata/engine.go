// Package marketdata turns ticks into forming and completed candles for every
// subscribed timeframe and keeps watched indicators current.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/store"
)

var (
	ErrNotSubscribed = errors.New("symbol/timeframe not subscribed")
	ErrBadTick       = errors.New("malformed tick")
)

const (
	candleBudget    = 50 * time.Millisecond
	indicatorBudget = 100 * time.Millisecond
)

type Config struct {
	HistoryCapacity int `yaml:"history_capacity" json:"history_capacity"`
}

// Engine is the market data engine. Mutation of one symbol's candles and
// indicators is serialized by that symbol's lock; symbols proceed
// independently.
type Engine struct {
	store    store.Store
	writer   *writer
	bus      *events.Bus
	log      *zap.Logger
	capacity int

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

type symbolState struct {
	mu      sync.Mutex
	series  map[market.Timeframe]*market.Series
	watches map[market.Timeframe]map[string]*watch
}

type watch struct {
	spec   indicators.Spec
	stream indicators.Indicator
	last   indicators.Value
	has    bool
}

func New(cfg Config, st store.Store, bus *events.Bus, log *zap.Logger) *Engine {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = market.DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:    st,
		bus:      bus,
		log:      log,
		capacity: cfg.HistoryCapacity,
		symbols:  make(map[string]*symbolState),
	}
	if st != nil {
		e.writer = newWriter(st, log)
	}
	return e
}

// Flush blocks until queued forming-candle and indicator writes reach the
// store.
func (e *Engine) Flush() {
	if e.writer != nil {
		e.writer.flush()
	}
}

// Close flushes queued writes and stops the background writer.
func (e *Engine) Close() {
	if e.writer != nil {
		e.writer.close()
	}
}

func (e *Engine) state(symbol string) (*symbolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.symbols[symbol]
	return s, ok
}

// Subscribe starts candle formation for symbol on the given timeframes.
// Subscribing twice is harmless.
func (e *Engine) Subscribe(symbol string, tfs ...market.Timeframe) error {
	for _, tf := range tfs {
		if !tf.Valid() {
			return fmt.Errorf("subscribe %s: unsupported timeframe %q", symbol, tf)
		}
	}

	e.mu.Lock()
	s, ok := e.symbols[symbol]
	if !ok {
		s = &symbolState{
			series:  make(map[market.Timeframe]*market.Series),
			watches: make(map[market.Timeframe]map[string]*watch),
		}
		e.symbols[symbol] = s
	}
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range tfs {
		if _, ok := s.series[tf]; !ok {
			s.series[tf] = market.NewSeries(market.Key{Symbol: symbol, Timeframe: tf}, e.capacity)
		}
	}
	return nil
}

// Subscribed reports whether (symbol, tf) is being formed.
func (e *Engine) Subscribed(symbol string, tf market.Timeframe) bool {
	s, ok := e.state(symbol)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok = s.series[tf]
	return ok
}

// Watch keeps spec recomputed for (symbol, tf): on every completed candle,
// and on every forming mutation when spec.Live is set.
func (e *Engine) Watch(symbol string, tf market.Timeframe, spec indicators.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s, ok := e.state(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, market.Key{Symbol: symbol, Timeframe: tf})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.series[tf]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, market.Key{Symbol: symbol, Timeframe: tf})
	}
	if s.watches[tf] == nil {
		s.watches[tf] = make(map[string]*watch)
	}
	name := spec.Name()
	if w, ok := s.watches[tf][name]; ok {
		w.spec.Live = w.spec.Live || spec.Live
		return nil
	}
	w := &watch{spec: spec}
	if ind, ok := indicators.New(spec); ok {
		for _, c := range series.History(0) {
			ind.Update(c)
		}
		w.stream = ind
	}
	s.watches[tf][name] = w
	return nil
}

// Ingest applies a tick to every subscribed timeframe of its symbol and
// returns the candles it completed, shortest timeframe first. Completed
// candles are persisted and announced before the next forming candle opens.
// A tick for an unsubscribed symbol is ignored.
func (e *Engine) Ingest(ctx context.Context, t market.Tick) ([]market.Candle, error) {
	if t.Symbol == "" || !(t.Price > 0) || t.Volume < 0 || t.Time.IsZero() {
		return nil, fmt.Errorf("%w: %+v", ErrBadTick, t)
	}
	s, ok := e.state(t.Symbol)
	if !ok {
		return nil, nil
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tfs := make([]market.Timeframe, 0, len(s.series))
	for tf := range s.series {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })

	var (
		completed []market.Candle
		stale     int
	)
	for _, tf := range tfs {
		series := s.series[tf]
		oldest, full := series.First()
		full = full && series.Len() == series.Capacity()
		c, done, err := series.Apply(t)
		if errors.Is(err, market.ErrStaleTick) {
			stale++
			continue
		}
		if err != nil {
			return completed, err
		}
		if done {
			e.complete(ctx, s, c)
			if full {
				e.forget(ctx, candleKey(oldest))
			}
			completed = append(completed, c)
		}
		if f, ok := series.Forming(); ok {
			e.queue(formingKey(series.Key), f)
			e.refreshLive(s, f)
		}
	}

	if d := time.Since(start); d > candleBudget {
		e.log.Debug("candle update over budget", zap.String("symbol", t.Symbol), zap.Duration("took", d))
	}
	if stale > 0 && stale == len(tfs) {
		e.log.Debug("stale tick dropped", zap.String("symbol", t.Symbol), zap.Time("tick", t.Time))
		return nil, market.ErrStaleTick
	}
	return completed, nil
}

// complete persists and announces c, then advances watched indicators.
// Caller holds s.mu.
func (e *Engine) complete(ctx context.Context, s *symbolState, c market.Candle) {
	e.persist(ctx, candleKey(c), c)
	e.bus.Publish(events.Event{Kind: events.CandleCompleted, Payload: c})

	start := time.Now()
	for _, w := range s.watches[c.Timeframe] {
		var (
			v   indicators.Value
			err error
		)
		if w.stream != nil {
			w.stream.Update(c)
			if !w.stream.Ready() {
				continue
			}
			v = indicators.Value{Kind: w.spec.Kind, Name: w.spec.Name(), Value: w.stream.Value()}
		} else {
			v, err = indicators.Compute(w.spec, s.series[c.Timeframe].History(0))
			if errors.Is(err, indicators.ErrInsufficientHistory) {
				continue
			}
			if err != nil {
				e.log.Warn("indicator compute failed", zap.String("indicator", w.spec.Name()), zap.Error(err))
				continue
			}
		}
		v.Symbol, v.Timeframe, v.Time = c.Symbol, c.Timeframe, c.Time
		e.publishIndicator(w, v)
	}
	if d := time.Since(start); d > indicatorBudget {
		e.log.Debug("indicator recompute over budget", zap.String("series", c.Symbol+":"+string(c.Timeframe)), zap.Duration("took", d))
	}
}

// refreshLive recomputes Live watches against the forming candle without
// advancing streaming state. Caller holds s.mu.
func (e *Engine) refreshLive(s *symbolState, f market.Candle) {
	for _, w := range s.watches[f.Timeframe] {
		if !w.spec.Live {
			continue
		}
		var v indicators.Value
		if w.stream != nil {
			val, ok := w.stream.Peek(f)
			if !ok {
				continue
			}
			v = indicators.Value{Kind: w.spec.Kind, Name: w.spec.Name(), Value: val}
		} else {
			hist := append(s.series[f.Timeframe].History(0), f)
			var err error
			if v, err = indicators.Compute(w.spec, hist); err != nil {
				continue
			}
		}
		v.Symbol, v.Timeframe, v.Time = f.Symbol, f.Timeframe, f.Time
		e.publishIndicator(w, v)
	}
}

func (e *Engine) publishIndicator(w *watch, v indicators.Value) {
	w.last, w.has = v, true
	e.queue(indicatorKey(v), v)
	e.bus.Publish(events.Event{Kind: events.IndicatorUpdated, Payload: v})
}

func (e *Engine) persist(ctx context.Context, key string, v any) {
	if e.store == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		e.log.Error("encode for store", zap.String("key", key), zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, key, b); err != nil {
		e.log.Warn("store write failed", zap.String("key", key), zap.Error(err))
	}
}

// queue hands v to the background writer.
func (e *Engine) queue(key string, v any) {
	if e.writer == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		e.log.Error("encode for store", zap.String("key", key), zap.Error(err))
		return
	}
	e.writer.put(key, b)
}

// forget removes a candle evicted from history.
func (e *Engine) forget(ctx context.Context, key string) {
	if e.store == nil {
		return
	}
	if err := e.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn("store delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Forming returns the in-progress candle for (symbol, tf).
func (e *Engine) Forming(symbol string, tf market.Timeframe) (market.Candle, bool) {
	var (
		c  market.Candle
		ok bool
	)
	e.Read([]string{symbol}, func(r *Reader) { c, ok = r.Forming(symbol, tf) })
	return c, ok
}

// Historical returns up to count completed candles, oldest first.
func (e *Engine) Historical(symbol string, tf market.Timeframe, count int) ([]market.Candle, error) {
	var (
		out []market.Candle
		err error
	)
	e.Read([]string{symbol}, func(r *Reader) { out, err = r.History(symbol, tf, count) })
	return out, err
}

// ComputeIndicator evaluates spec over the completed history of (symbol, tf).
func (e *Engine) ComputeIndicator(symbol string, tf market.Timeframe, spec indicators.Spec) (indicators.Value, error) {
	var (
		v   indicators.Value
		err error
	)
	e.Read([]string{symbol}, func(r *Reader) { v, err = r.Indicator(symbol, tf, spec) })
	return v, err
}

// Indicator returns the last value computed for a watched indicator.
func (e *Engine) Indicator(symbol string, tf market.Timeframe, name string) (indicators.Value, bool) {
	s, ok := e.state(symbol)
	if !ok {
		return indicators.Value{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[tf][name]
	if !ok || !w.has {
		return indicators.Value{}, false
	}
	return w.last, true
}

// Read runs fn with every listed symbol locked, acquiring locks in sorted
// order. fn must not call back into the Engine.
func (e *Engine) Read(symbols []string, fn func(r *Reader)) {
	names := append([]string(nil), symbols...)
	sort.Strings(names)

	r := &Reader{states: make(map[string]*symbolState, len(names))}
	var locked []*symbolState
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}
		s, ok := e.state(name)
		if !ok {
			continue
		}
		s.mu.Lock()
		locked = append(locked, s)
		r.states[name] = s
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()
	fn(r)
}

func candleKey(c market.Candle) string {
	return fmt.Sprintf("candle/%s/%s/%012d", c.Symbol, c.Timeframe, c.Time.Unix())
}

func candlePrefix(k market.Key) string {
	return fmt.Sprintf("candle/%s/%s/", k.Symbol, k.Timeframe)
}

func formingKey(k market.Key) string {
	return fmt.Sprintf("forming/%s/%s", k.Symbol, k.Timeframe)
}

func indicatorKey(v indicators.Value) string {
	return fmt.Sprintf("indicator/%s/%s/%s", v.Symbol, v.Timeframe, v.Name)
}
