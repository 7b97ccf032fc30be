package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/trading"
)

var t0 = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func newEngine() *Engine {
	return NewEngine(Config{SlippagePct: 0.001, CommissionPct: 0.002, PriceDecimals: 4})
}

func TestMarketOrderFillsWithSlippage(t *testing.T) {
	e := newEngine()
	_, err := e.Submit(Order{ID: "o1", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Market})
	assert.ErrorIs(t, err, ErrNoPrice)

	e.UpdatePrice("ETHUSD", 2000, t0)

	f, err := e.Submit(Order{ID: "o1", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 2, Kind: trading.Market})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 2002.0, f.Price)
	assert.InDelta(t, 8.008, f.Commission, 1e-9)
	assert.Equal(t, t0, f.Time)
	assert.NotEmpty(t, f.TradeID)

	f, err = e.Submit(Order{ID: "o2", Symbol: "ETHUSD", Side: trading.Sell, Quantity: 1, Kind: trading.Market})
	require.NoError(t, err)
	assert.Equal(t, 1998.0, f.Price)
}

func TestLimitBuyRestsUntilCrossed(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("ETHUSD", 2420, t0)

	f, err := e.Submit(Order{ID: "o1", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit, Limit: 2400})
	require.NoError(t, err)
	assert.Nil(t, f)
	require.Len(t, e.Pending(), 1)

	assert.Empty(t, e.UpdatePrice("ETHUSD", 2410, t0.Add(time.Second)))

	fills := e.UpdatePrice("ETHUSD", 2399, t0.Add(2*time.Second))
	require.Len(t, fills, 1)
	assert.Equal(t, "o1", fills[0].OrderID)
	assert.Equal(t, 2402.4, fills[0].Price) // 2400 * 1.001
	assert.Empty(t, e.Pending())
}

func TestLimitSellAndPlacementOrder(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("BTCUSD", 100, t0)

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Submit(Order{ID: id, Symbol: "BTCUSD", Side: trading.Sell, Quantity: 1, Kind: trading.Limit, Limit: 105})
		require.NoError(t, err)
	}
	fills := e.UpdatePrice("BTCUSD", 106, t0)
	require.Len(t, fills, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{fills[0].OrderID, fills[1].OrderID, fills[2].OrderID})
	assert.InDelta(t, 104.895, fills[0].Price, 1e-9)
}

func TestMarketableLimitFillsAtLimit(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("ETHUSD", 2380, t0)

	f, err := e.Submit(Order{ID: "o1", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit, Limit: 2400})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.InDelta(t, 2402.4, f.Price, 1e-9)
	assert.Empty(t, e.Pending())

	// a resting limit gapped through fills at the same price
	_, err = e.Submit(Order{ID: "o2", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit, Limit: 2300})
	require.NoError(t, err)
	fills := e.UpdatePrice("ETHUSD", 2200, t0)
	require.Len(t, fills, 1)
	assert.InDelta(t, 2302.3, fills[0].Price, 1e-9)
}

func TestCancel(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("ETHUSD", 2420, t0)
	_, err := e.Submit(Order{ID: "o1", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit, Limit: 2400})
	require.NoError(t, err)

	require.NoError(t, e.Cancel("o1"))
	assert.ErrorIs(t, e.Cancel("o1"), ErrOrderNotFound)
	assert.Empty(t, e.UpdatePrice("ETHUSD", 2300, t0))
}

func TestSubmitRejectsMalformed(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("ETHUSD", 10, t0)
	tests := []Order{
		{ID: "", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Market},
		{ID: "x", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 0, Kind: trading.Market},
		{ID: "x", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit},
		{ID: "x", Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: "stop"},
	}
	for _, o := range tests {
		_, err := e.Submit(o)
		assert.ErrorIs(t, err, ErrBadOrder)
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	e := newEngine()
	e.UpdatePrice("ETHUSD", 100, t0)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.UpdatePrice("ETHUSD", 100+float64(j%5), t0)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = e.Submit(Order{ID: e.ids.Next("o"), Symbol: "ETHUSD", Side: trading.Buy, Quantity: 1, Kind: trading.Limit, Limit: 101})
			}
		}(i)
	}
	wg.Wait()
}
