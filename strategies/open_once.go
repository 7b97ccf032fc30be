package strategies

import (
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/trading"
)

// OpenOnce enters a single market position on the first tick of its symbol
// and then stays idle.
type OpenOnce struct {
	Symbol    string
	Quantity  float64
	Direction trading.Direction
	Trailing  float64

	opened bool
}

func OpenOnceDescriptor() Descriptor {
	return Descriptor{
		Name:        "open-once",
		Description: "opens one market position on the first tick",
		Schema: Schema{
			{Name: "symbol", Type: String, Required: true},
			{Name: "quantity", Type: Float, Default: 1.0, Min: bound(0)},
			{Name: "direction", Type: String, Default: "long", Enum: []string{"long", "short"}},
			{Name: "trailing_pct", Type: Float, Default: 0.0, Min: bound(0), Max: bound(0.99)},
		},
		New: func() Strategy { return &OpenOnce{} },
	}
}

func (s *OpenOnce) Initialize(_ Env, p Params) error {
	s.Symbol = p.Text("symbol")
	s.Quantity = p.Float("quantity")
	s.Direction = trading.Direction(p.Text("direction"))
	s.Trailing = p.Float("trailing_pct")
	s.opened = false
	return nil
}

func (s *OpenOnce) OnTick(t market.Tick, _ mtf.Snapshot) (*trading.Signal, error) {
	if s.opened || t.Symbol != s.Symbol {
		return nil, nil
	}
	s.opened = true
	sig := &trading.Signal{
		Type:      trading.Entry,
		Direction: s.Direction,
		Symbol:    s.Symbol,
		Quantity:  s.Quantity,
		Kind:      trading.Market,
		Reason:    "open-once",
	}
	if s.Trailing > 0 {
		sig.TrailingPct = trading.Float(s.Trailing)
	}
	return sig, nil
}

func (s *OpenOnce) OnCandleComplete(market.Candle, mtf.Snapshot) (*trading.Signal, error) {
	return nil, nil
}

func (s *OpenOnce) Cleanup() error { return nil }
