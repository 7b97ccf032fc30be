package marketdata

import (
	"fmt"
	"time"

	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
)

// Reader is a consistent view over the symbols locked by Engine.Read. It is
// only valid inside the callback.
type Reader struct {
	states map[string]*symbolState
}

func (r *Reader) series(symbol string, tf market.Timeframe) (*market.Series, error) {
	s, ok := r.states[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
	}
	series, ok := s.series[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, market.Key{Symbol: symbol, Timeframe: tf})
	}
	return series, nil
}

func (r *Reader) Forming(symbol string, tf market.Timeframe) (market.Candle, bool) {
	series, err := r.series(symbol, tf)
	if err != nil {
		return market.Candle{}, false
	}
	return series.Forming()
}

func (r *Reader) History(symbol string, tf market.Timeframe, count int) ([]market.Candle, error) {
	series, err := r.series(symbol, tf)
	if err != nil {
		return nil, err
	}
	return series.History(count), nil
}

// AsOf returns history and the forming candle for (symbol, tf) restricted
// to ticks stamped at or before at. See market.Series.AsOf.
func (r *Reader) AsOf(symbol string, tf market.Timeframe, count int, at time.Time) ([]market.Candle, *market.Candle, error) {
	series, err := r.series(symbol, tf)
	if err != nil {
		return nil, nil, err
	}
	hist, f, ok := series.AsOf(count, at)
	if !ok {
		return hist, nil, nil
	}
	return hist, &f, nil
}

// Indicator returns spec's value over completed history. A watched
// indicator already current with the last completed candle is served from
// cache.
func (r *Reader) Indicator(symbol string, tf market.Timeframe, spec indicators.Spec) (indicators.Value, error) {
	return r.IndicatorAsOf(symbol, tf, spec, time.Time{})
}

// IndicatorAsOf is Indicator over the history completed as of at. A zero at
// means no restriction.
func (r *Reader) IndicatorAsOf(symbol string, tf market.Timeframe, spec indicators.Spec, at time.Time) (indicators.Value, error) {
	if err := spec.Validate(); err != nil {
		return indicators.Value{}, err
	}
	series, err := r.series(symbol, tf)
	if err != nil {
		return indicators.Value{}, err
	}
	var hist []market.Candle
	if at.IsZero() {
		hist = series.History(0)
	} else {
		hist, _, _ = series.AsOf(0, at)
	}

	if w, ok := r.states[symbol].watches[tf][spec.Name()]; ok && w.has && len(hist) > 0 {
		if last := hist[len(hist)-1]; w.last.Time.Equal(last.Time) {
			return w.last, nil
		}
	}

	v, err := indicators.Compute(spec, hist)
	if err != nil {
		return indicators.Value{}, err
	}
	v.Symbol, v.Timeframe = symbol, tf
	return v, nil
}
