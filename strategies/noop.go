package strategies

import (
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/trading"
)

// Noop does nothing. Useful for exercising market data and dispatch.
type Noop struct{}

func NoopDescriptor() Descriptor {
	return Descriptor{
		Name:        "noop",
		Description: "never trades",
		New:         func() Strategy { return &Noop{} },
	}
}

func (*Noop) Initialize(Env, Params) error { return nil }

func (*Noop) OnTick(market.Tick, mtf.Snapshot) (*trading.Signal, error) { return nil, nil }

func (*Noop) OnCandleComplete(market.Candle, mtf.Snapshot) (*trading.Signal, error) {
	return nil, nil
}

func (*Noop) Cleanup() error { return nil }
