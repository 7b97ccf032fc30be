package strategies

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/risk"
	"github.com/rustyeddy/algotrader/trading"
)

// EMACross trades one symbol on a fast/slow EMA crossover of completed
// candles.
//   - Enters only on a cross
//   - Reverses on the opposite cross: exit first, re-enter on the next tick
//     once flat
//   - Sizes with risk.Calculate when risk_pct is set, otherwise trades a
//     fixed quantity
type EMACross struct {
	EMACrossConfig

	env  Env
	fast *indicators.ExponentialMA
	slow *indicators.ExponentialMA

	lastDiff     float64
	haveLastDiff bool

	pendingDir    trading.Direction
	pendingSignal string
}

type EMACrossConfig struct {
	Symbol      string
	Timeframe   market.Timeframe
	FastPeriod  int
	SlowPeriod  int
	Quantity    float64
	RiskPct     float64 // 0.005 (0.5%)
	Equity      float64
	StopPct     float64 // stop distance as a fraction of entry
	RR          float64 // take-profit multiple of risk, e.g. 2.0
	TrailingPct float64
}

func EMACrossDescriptor() Descriptor {
	return Descriptor{
		Name:        "ema-cross",
		Description: "fast/slow EMA crossover with optional risk-based sizing",
		Schema: Schema{
			{Name: "symbol", Type: String, Required: true},
			{Name: "timeframe", Type: String, Default: "1m"},
			{Name: "fast", Type: Int, Default: 10, Min: bound(1)},
			{Name: "slow", Type: Int, Default: 30, Min: bound(2)},
			{Name: "quantity", Type: Float, Default: 1.0, Min: bound(0)},
			{Name: "risk_pct", Type: Float, Default: 0.0, Min: bound(0), Max: bound(0.1)},
			{Name: "equity", Type: Float, Default: 10000.0, Min: bound(0)},
			{Name: "stop_pct", Type: Float, Default: 0.01, Min: bound(0), Max: bound(0.5)},
			{Name: "rr", Type: Float, Default: 2.0, Min: bound(0)},
			{Name: "trailing_pct", Type: Float, Default: 0.0, Min: bound(0), Max: bound(0.99)},
		},
		New: func() Strategy { return &EMACross{} },
	}
}

func (s *EMACross) Initialize(env Env, p Params) error {
	tf, err := market.ParseTimeframe(p.Text("timeframe"))
	if err != nil {
		return err
	}
	cfg := EMACrossConfig{
		Symbol:      p.Text("symbol"),
		Timeframe:   tf,
		FastPeriod:  p.Int("fast"),
		SlowPeriod:  p.Int("slow"),
		Quantity:    p.Float("quantity"),
		RiskPct:     p.Float("risk_pct"),
		Equity:      p.Float("equity"),
		StopPct:     p.Float("stop_pct"),
		RR:          p.Float("rr"),
		TrailingPct: p.Float("trailing_pct"),
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return fmt.Errorf("ema-cross: fast period %d must be below slow period %d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.RiskPct > 0 && cfg.StopPct <= 0 {
		return fmt.Errorf("ema-cross: risk_pct needs a positive stop_pct")
	}
	if env.Log == nil {
		env.Log = zap.NewNop()
	}

	*s = EMACross{
		EMACrossConfig: cfg,
		env:            env,
		fast:           indicators.NewEMA(cfg.FastPeriod),
		slow:           indicators.NewEMA(cfg.SlowPeriod),
	}
	return nil
}

// OnTick only completes a pending reversal: once the exit has filled, the
// new entry goes out at the current price.
func (s *EMACross) OnTick(t market.Tick, _ mtf.Snapshot) (*trading.Signal, error) {
	if s.pendingDir == "" || t.Symbol != s.Symbol {
		return nil, nil
	}
	if _, open := s.position(); open {
		return nil, nil
	}
	dir, signal := s.pendingDir, s.pendingSignal
	s.pendingDir, s.pendingSignal = "", ""
	return s.entry(t.Price, signal, dir)
}

func (s *EMACross) OnCandleComplete(c market.Candle, _ mtf.Snapshot) (*trading.Signal, error) {
	if c.Symbol != s.Symbol || c.Timeframe != s.Timeframe {
		return nil, nil
	}

	s.fast.Update(c)
	s.slow.Update(c)

	// Wait until both EMAs are warmed up.
	if !s.fast.Ready() || !s.slow.Ready() {
		return nil, nil
	}

	diff := s.fast.Value() - s.slow.Value()

	// Need a previous diff to detect a cross.
	if !s.haveLastDiff {
		s.lastDiff = diff
		s.haveLastDiff = true
		return nil, nil
	}

	// - Bull cross: diff goes from <=0 to >0
	// - Bear cross: diff goes from >=0 to <0
	bullCross := diff > 0 && s.lastDiff <= 0
	bearCross := diff < 0 && s.lastDiff >= 0
	s.lastDiff = diff

	switch {
	case bullCross:
		return s.onSignal(c.Close, "BullCross", trading.Long)
	case bearCross:
		return s.onSignal(c.Close, "BearCross", trading.Short)
	default:
		return nil, nil
	}
}

func (s *EMACross) onSignal(price float64, signal string, dir trading.Direction) (*trading.Signal, error) {
	s.pendingDir, s.pendingSignal = "", ""

	pos, open := s.position()
	if open {
		if pos.Side == dir {
			return nil, nil
		}
		// Opposite cross: exit now, enter once flat.
		s.pendingDir, s.pendingSignal = dir, signal
		return &trading.Signal{
			Type:      trading.Exit,
			Direction: pos.Side,
			Symbol:    s.Symbol,
			Quantity:  pos.Quantity,
			Kind:      trading.Market,
			Reason:    "ExitOn" + signal,
		}, nil
	}
	return s.entry(price, signal, dir)
}

func (s *EMACross) entry(price float64, signal string, dir trading.Direction) (*trading.Signal, error) {
	sig := &trading.Signal{
		Type:      trading.Entry,
		Direction: dir,
		Symbol:    s.Symbol,
		Quantity:  s.Quantity,
		Kind:      trading.Market,
		Reason:    signal,
	}

	if s.StopPct > 0 {
		dist := price * s.StopPct
		stop := price - dist*dir.Sign()
		sig.StopLoss = trading.Float(stop)
		if s.RR > 0 {
			sig.TakeProfit = trading.Float(price + dist*s.RR*dir.Sign())
		}
		if s.RiskPct > 0 {
			size := risk.Calculate(risk.Inputs{
				Equity:     s.Equity,
				RiskPct:    s.RiskPct,
				EntryPrice: price,
				StopPrice:  stop,
				LotStep:    0.0001,
			})
			if size.Units <= 0 {
				return nil, fmt.Errorf("ema-cross: calculated non-positive units (%v)", size.Units)
			}
			sig.Quantity = size.Units
		}
	}
	if s.TrailingPct > 0 {
		sig.TrailingPct = trading.Float(s.TrailingPct)
	}

	s.env.Log.Info("ema-cross entry",
		zap.String("symbol", s.Symbol),
		zap.String("signal", signal),
		zap.String("direction", string(dir)),
		zap.Float64("quantity", sig.Quantity),
		zap.Float64("price", price))
	return sig, nil
}

func (s *EMACross) position() (positions.Position, bool) {
	if s.env.Positions == nil {
		return positions.Position{}, false
	}
	p, ok := s.env.Positions.Position(s.Symbol)
	return p, ok && p.Open()
}

func (s *EMACross) Cleanup() error {
	s.pendingDir, s.pendingSignal = "", ""
	return nil
}
