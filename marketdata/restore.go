package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/store"
)

// Restore reloads completed history and forming candles for every
// subscribed series from the store. Call it after Subscribe and before the
// first Ingest.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.mu.RLock()
	states := make(map[string]*symbolState, len(e.symbols))
	for k, v := range e.symbols {
		states[k] = v
	}
	e.mu.RUnlock()

	for symbol, s := range states {
		s.mu.Lock()
		for tf, series := range s.series {
			hist, forming, err := e.load(ctx, series.Key)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("restore %s: %w", series.Key, err)
			}
			series.Restore(hist, forming)
			for _, w := range s.watches[tf] {
				if w.stream == nil {
					continue
				}
				w.stream.Reset()
				for _, c := range series.History(0) {
					w.stream.Update(c)
				}
			}
			e.log.Info("restored series", zap.String("symbol", symbol), zap.String("timeframe", string(tf)),
				zap.Int("candles", series.Len()), zap.Bool("forming", forming != nil))
		}
		s.mu.Unlock()
	}
	return nil
}

func (e *Engine) load(ctx context.Context, k market.Key) ([]market.Candle, *market.Candle, error) {
	keys, err := e.store.Keys(ctx, candlePrefix(k))
	if err != nil {
		return nil, nil, err
	}
	if len(keys) > e.capacity {
		for _, key := range keys[:len(keys)-e.capacity] {
			e.forget(ctx, key)
		}
		keys = keys[len(keys)-e.capacity:]
	}
	hist := make([]market.Candle, 0, len(keys))
	for _, key := range keys {
		b, err := e.store.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		var c market.Candle
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", key, err)
		}
		hist = append(hist, c)
	}

	b, err := e.store.Get(ctx, formingKey(k))
	if errors.Is(err, store.ErrNotFound) {
		return hist, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var f market.Candle
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, nil, fmt.Errorf("decode forming %s: %w", k, err)
	}
	// a forming candle older than the last completed one is stale
	if n := len(hist); n > 0 && !f.Time.After(hist[n-1].Time) {
		return hist, nil, nil
	}
	return hist, &f, nil
}

// Backfill seeds an empty series with completed candles fetched from a
// broker, oldest first. A series that already holds data is left alone.
func (e *Engine) Backfill(symbol string, tf market.Timeframe, candles []market.Candle) (int, error) {
	s, ok := e.state(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotSubscribed, market.Key{Symbol: symbol, Timeframe: tf})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotSubscribed, market.Key{Symbol: symbol, Timeframe: tf})
	}
	if _, forming := series.Forming(); forming || series.Len() > 0 {
		return 0, nil
	}

	hist := make([]market.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Valid() || (len(hist) > 0 && !c.Time.After(hist[len(hist)-1].Time)) {
			continue
		}
		c.Symbol, c.Timeframe = symbol, tf
		hist = append(hist, c)
	}
	series.Restore(hist, nil)
	for _, w := range s.watches[tf] {
		if w.stream == nil {
			continue
		}
		w.stream.Reset()
		for _, c := range series.History(0) {
			w.stream.Update(c)
		}
	}
	return series.Len(), nil
}
