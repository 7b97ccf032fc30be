package market

import (
	"errors"
	"math"
	"time"
)

var ErrStaleTick = errors.New("tick precedes the forming period")

// Tick is a single trade print. It is consumed once.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// Candle represents OHLCV data for one timeframe period. Time is the period
// start.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Time      time.Time
	Forming   bool
}

// Valid reports whether the OHLC envelope holds: low <= open,close <= high.
func (c Candle) Valid() bool {
	return c.High >= math.Max(c.Open, c.Close) && c.Low <= math.Min(c.Open, c.Close)
}

// End is the exclusive end of the candle's period.
func (c Candle) End() time.Time {
	return c.Time.Add(c.Timeframe.Duration())
}

// Key identifies one candle series.
type Key struct {
	Symbol    string
	Timeframe Timeframe
}

func (k Key) String() string { return k.Symbol + ":" + string(k.Timeframe) }
