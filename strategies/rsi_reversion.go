package strategies

import (
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/trading"
)

// RSIReversion buys when RSI drops below oversold and exits when it rises
// above overbought. With allow_short it mirrors the rule for shorts.
type RSIReversion struct {
	symbol     string
	tf         market.Timeframe
	spec       indicators.Spec
	oversold   float64
	overbought float64
	quantity   float64
	allowShort bool

	env Env
}

func RSIReversionDescriptor() Descriptor {
	return Descriptor{
		Name:        "rsi-reversion",
		Description: "mean reversion on RSI extremes",
		Schema: Schema{
			{Name: "symbol", Type: String, Required: true},
			{Name: "timeframe", Type: String, Default: "5m"},
			{Name: "period", Type: Int, Default: 14, Min: bound(2)},
			{Name: "oversold", Type: Float, Default: 30.0, Min: bound(0), Max: bound(100)},
			{Name: "overbought", Type: Float, Default: 70.0, Min: bound(0), Max: bound(100)},
			{Name: "quantity", Type: Float, Default: 1.0, Min: bound(0)},
			{Name: "allow_short", Type: Bool, Default: false},
		},
		New: func() Strategy { return &RSIReversion{} },
	}
}

func (s *RSIReversion) Initialize(env Env, p Params) error {
	tf, err := market.ParseTimeframe(p.Text("timeframe"))
	if err != nil {
		return err
	}
	*s = RSIReversion{
		symbol:     p.Text("symbol"),
		tf:         tf,
		spec:       indicators.Spec{Kind: indicators.RSI, Period: p.Int("period")},
		oversold:   p.Float("oversold"),
		overbought: p.Float("overbought"),
		quantity:   p.Float("quantity"),
		allowShort: p.Bool("allow_short"),
		env:        env,
	}
	if s.oversold >= s.overbought {
		return errBands
	}
	return nil
}

func (s *RSIReversion) Indicators() []indicators.Spec {
	return []indicators.Spec{s.spec}
}

func (s *RSIReversion) OnTick(market.Tick, mtf.Snapshot) (*trading.Signal, error) {
	return nil, nil
}

func (s *RSIReversion) OnCandleComplete(c market.Candle, snap mtf.Snapshot) (*trading.Signal, error) {
	if c.Symbol != s.symbol || c.Timeframe != s.tf {
		return nil, nil
	}
	v, ok := snap.Indicator(s.symbol, s.tf, s.spec.Name())
	if !ok {
		// still warming up
		return nil, nil
	}
	rsi := v.Value

	var side trading.Direction
	if s.env.Positions != nil {
		if p, ok := s.env.Positions.Position(s.symbol); ok && p.Open() {
			side = p.Side
			switch {
			case side == trading.Long && rsi > s.overbought:
				return s.signal(trading.Exit, trading.Long, p.Quantity, "rsi overbought"), nil
			case side == trading.Short && rsi < s.oversold:
				return s.signal(trading.Exit, trading.Short, p.Quantity, "rsi oversold"), nil
			}
			return nil, nil
		}
	}

	switch {
	case rsi < s.oversold:
		return s.signal(trading.Entry, trading.Long, s.quantity, "rsi oversold"), nil
	case rsi > s.overbought && s.allowShort:
		return s.signal(trading.Entry, trading.Short, s.quantity, "rsi overbought"), nil
	}
	return nil, nil
}

func (s *RSIReversion) signal(typ trading.SignalType, dir trading.Direction, qty float64, reason string) *trading.Signal {
	return &trading.Signal{
		Type:      typ,
		Direction: dir,
		Symbol:    s.symbol,
		Quantity:  qty,
		Kind:      trading.Market,
		Reason:    reason,
	}
}

func (s *RSIReversion) Cleanup() error { return nil }

var errBands = errs.Errorf(errs.UserInput, "rsi-reversion", "oversold must be below overbought")
