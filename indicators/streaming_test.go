package indicators

import (
	"testing"
	"time"

	"github.com/rustyeddy/algotrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func closes(vals ...float64) []market.Candle {
	out := make([]market.Candle, len(vals))
	for i, v := range vals {
		out[i] = market.Candle{
			Symbol: "ETHUSD", Timeframe: market.H1,
			Open: v, High: v, Low: v, Close: v,
			Time: baseTime.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestSimpleMAStreaming(t *testing.T) {
	candles := closes(102, 105, 106, 108, 110)

	t.Run("basic functionality", func(t *testing.T) {
		ma := NewMA(3)
		assert.Equal(t, "SMA(3)", ma.Name())
		assert.Equal(t, 3, ma.Warmup())
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())

		ma.Update(candles[0])
		ma.Update(candles[1])
		assert.False(t, ma.Ready())

		ma.Update(candles[2])
		assert.True(t, ma.Ready())
		assert.InDelta(t, (102.0+105.0+106.0)/3.0, ma.Value(), 0.001)

		// fourth candle should use the last 3
		ma.Update(candles[3])
		assert.InDelta(t, (105.0+106.0+108.0)/3.0, ma.Value(), 0.001)
	})

	t.Run("reset functionality", func(t *testing.T) {
		ma := NewMA(2)
		ma.Update(candles[0])
		ma.Update(candles[1])
		assert.True(t, ma.Ready())

		ma.Reset()
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())
	})

	t.Run("matches batch calculation", func(t *testing.T) {
		ma := NewMA(3)
		for _, c := range candles {
			ma.Update(c)
		}
		batch, err := MA(candles, 3)
		require.NoError(t, err)
		assert.InDelta(t, batch, ma.Value(), 0.001)
	})

	t.Run("peek does not mutate", func(t *testing.T) {
		ma := NewMA(3)
		ma.Update(candles[0])
		v, ok := ma.Peek(candles[1])
		assert.False(t, ok)
		assert.Zero(t, v)

		ma.Update(candles[1])
		v, ok = ma.Peek(candles[2])
		require.True(t, ok)
		assert.InDelta(t, (102.0+105.0+106.0)/3.0, v, 0.001)
		assert.False(t, ma.Ready())
	})
}

func TestExponentialMAStreaming(t *testing.T) {
	candles := closes(102, 105, 106, 108, 110, 111, 113)

	t.Run("basic functionality", func(t *testing.T) {
		ema := NewEMA(3)
		assert.Equal(t, "EMA(3)", ema.Name())
		assert.False(t, ema.Ready())

		ema.Update(candles[0])
		ema.Update(candles[1])
		assert.False(t, ema.Ready())

		// third candle initializes with the SMA
		ema.Update(candles[2])
		require.True(t, ema.Ready())
		sma := (102.0 + 105.0 + 106.0) / 3.0
		assert.InDelta(t, sma, ema.Value(), 0.001)

		// multiplier = 2/(3+1) = 0.5
		ema.Update(candles[3])
		assert.InDelta(t, (108.0-sma)*0.5+sma, ema.Value(), 0.001)
	})

	t.Run("matches batch calculation", func(t *testing.T) {
		ema := NewEMA(5)
		for _, c := range candles {
			ema.Update(c)
		}
		batch, err := EMAFunc(candles, 5)
		require.NoError(t, err)
		assert.InDelta(t, batch, ema.Value(), 0.001)
	})

	t.Run("peek equals update", func(t *testing.T) {
		ema := NewEMA(3)
		for _, c := range candles[:4] {
			ema.Update(c)
		}
		before := ema.Value()
		peek, ok := ema.Peek(candles[4])
		require.True(t, ok)
		assert.Equal(t, before, ema.Value())

		ema.Update(candles[4])
		assert.InDelta(t, ema.Value(), peek, 1e-12)
	})
}

func TestAverageTrueRangeStreaming(t *testing.T) {
	hl := func(h, l, c float64) market.Candle { return market.Candle{High: h, Low: l, Close: c, Open: c} }
	candles := []market.Candle{
		hl(10, 8, 9),
		hl(11, 9, 10),
		hl(12, 10, 11),
		hl(11, 9, 10),
		hl(12, 10, 11),
		hl(13, 11, 12),
	}

	t.Run("basic functionality", func(t *testing.T) {
		atr := NewATR(3)
		assert.Equal(t, "ATR(3)", atr.Name())
		assert.Equal(t, 4, atr.Warmup())

		for _, c := range candles[:3] {
			atr.Update(c)
			assert.False(t, atr.Ready())
		}
		atr.Update(candles[3])
		require.True(t, atr.Ready())
		// each TR is 2 for this data
		assert.InDelta(t, 2.0, atr.Value(), 0.001)
	})

	t.Run("matches batch calculation", func(t *testing.T) {
		atr := NewATR(3)
		for _, c := range candles {
			atr.Update(c)
		}
		batch, err := ATRFunc(candles, 3)
		require.NoError(t, err)
		assert.InDelta(t, batch, atr.Value(), 0.001)
	})

	t.Run("true range uses previous close", func(t *testing.T) {
		assert.Equal(t, 10.0, trueRange(hl(110, 100, 105), market.Candle{Close: 104}))
		assert.Equal(t, 15.0, trueRange(hl(110, 100, 105), market.Candle{Close: 95}))
	})
}

func TestADXTrendingMarket(t *testing.T) {
	adx := NewADX(5)
	var candles []market.Candle
	for i := 0; i < 30; i++ {
		p := 100 + float64(i)*2
		candles = append(candles, market.Candle{Open: p, High: p + 1, Low: p - 1, Close: p + 0.5})
	}
	for i, c := range candles {
		adx.Update(c)
		if i+1 < adx.Warmup() {
			assert.False(t, adx.Ready(), "ready too early at %d", i)
		}
	}
	require.True(t, adx.Ready())
	// one-directional movement: +DI dominates, DX is 100
	assert.InDelta(t, 100.0, adx.Value(), 0.001)
}

func TestIndicatorInterface(t *testing.T) {
	var _ Indicator = &SimpleMA{}
	var _ Indicator = &ExponentialMA{}
	var _ Indicator = &AverageTrueRange{}
	var _ Indicator = &AverageDirectional{}
}
