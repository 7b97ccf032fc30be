package positions

import (
	"math"

	"github.com/rustyeddy/algotrader/trading"
)

// TrailingStop follows the best price seen since entry. For a long the stop
// only moves up; for a short it only moves down.
type TrailingStop struct {
	Enabled      bool    `json:"enabled"`
	Pct          float64 `json:"pct"`
	StopPrice    float64 `json:"stop_price"`
	ExtremePrice float64 `json:"extreme_price"`
}

// NewTrailingStop initializes the stop from the entry price.
func NewTrailingStop(dir trading.Direction, entry, pct float64) *TrailingStop {
	ts := &TrailingStop{Enabled: true, Pct: pct, ExtremePrice: entry}
	if dir == trading.Short {
		ts.StopPrice = entry * (1 + pct)
	} else {
		ts.StopPrice = entry * (1 - pct)
	}
	return ts
}

// Update advances the extreme and the stop with price and reports whether
// price has crossed the stop.
func (t *TrailingStop) Update(dir trading.Direction, price float64) bool {
	if t == nil || !t.Enabled {
		return false
	}
	if dir == trading.Short {
		t.ExtremePrice = math.Min(t.ExtremePrice, price)
		t.StopPrice = math.Min(t.StopPrice, t.ExtremePrice*(1+t.Pct))
		return price >= t.StopPrice
	}
	t.ExtremePrice = math.Max(t.ExtremePrice, price)
	t.StopPrice = math.Max(t.StopPrice, t.ExtremePrice*(1-t.Pct))
	return price <= t.StopPrice
}
