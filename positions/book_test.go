package positions

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/trading"
)

var (
	t0       = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	paperKey = Key{Mode: trading.Paper, Account: "acct", Instance: "ins_1", Symbol: "ETHUSD"}
)

func trade(id string, k Key, side trading.Side, qty, price float64) Trade {
	return Trade{ID: id, Key: k, Side: side, Quantity: qty, Price: price, Time: t0}
}

func TestTrailingStopScenario(t *testing.T) {
	b := NewBook()
	p, applied, err := b.Apply(trade("t1", paperKey, trading.Buy, 1, 2500), OpenOptions{TrailingPct: trading.Float(0.02)})
	require.NoError(t, err)
	require.True(t, applied)
	require.NotNil(t, p.Trailing)
	assert.InDelta(t, 2450.0, p.Trailing.StopPrice, 1e-9)

	_, exits := b.Mark("ETHUSD", 2510)
	assert.Empty(t, exits)
	p, _ = b.Get(paperKey)
	assert.InDelta(t, 2459.8, p.Trailing.StopPrice, 1e-9)
	assert.Equal(t, 2510.0, p.Trailing.ExtremePrice)

	_, exits = b.Mark("ETHUSD", 2490)
	assert.Empty(t, exits)
	p, _ = b.Get(paperKey)
	assert.InDelta(t, 2459.8, p.Trailing.StopPrice, 1e-9)
	assert.InDelta(t, -10.0, p.UnrealizedPnL, 1e-9)

	_, exits = b.Mark("ETHUSD", 2459)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitTrailingStop, exits[0].Reason)
}

func TestTrailingStopIsMonotone(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, dir := range []trading.Direction{trading.Long, trading.Short} {
		ts := NewTrailingStop(dir, 100, 0.03)
		price := 100.0
		prev := ts.StopPrice
		for i := 0; i < 2000; i++ {
			price *= 1 + r.NormFloat64()*0.01
			ts.Update(dir, price)
			if dir == trading.Long {
				require.GreaterOrEqual(t, ts.StopPrice, prev)
			} else {
				require.LessOrEqual(t, ts.StopPrice, prev)
			}
			prev = ts.StopPrice
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	b := NewBook()
	tr := trade("t1", paperKey, trading.Buy, 2, 100)

	_, applied, err := b.Apply(tr, OpenOptions{})
	require.NoError(t, err)
	assert.True(t, applied)

	p, applied, err := b.Apply(tr, OpenOptions{})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2.0, p.Quantity)
}

func TestForgetDropsOrderTrades(t *testing.T) {
	b := NewBook()
	tr := trade("t1", paperKey, trading.Buy, 1, 100)
	tr.OrderID = "ord_1"
	_, _, err := b.Apply(tr, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Tracked())

	b.Forget("ord_1")
	assert.Zero(t, b.Tracked())

	b.RestoreApplied("ord_2", []string{"t9"})
	tr = trade("t9", paperKey, trading.Buy, 1, 100)
	tr.OrderID = "ord_2"
	p, applied, err := b.Apply(tr, OpenOptions{})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1.0, p.Quantity)
}

func TestAddReduceFlipAndClose(t *testing.T) {
	b := NewBook()
	_, _, err := b.Apply(trade("t1", paperKey, trading.Buy, 1, 100), OpenOptions{})
	require.NoError(t, err)

	p, _, err := b.Apply(trade("t2", paperKey, trading.Buy, 3, 120), OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, p.Quantity)
	assert.InDelta(t, 115.0, p.EntryPrice, 1e-9)

	p, _, err = b.Apply(trade("t3", paperKey, trading.Sell, 1, 125), OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.Quantity)
	assert.InDelta(t, 10.0, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 30.0, p.UnrealizedPnL, 1e-9)

	// sell 5 against 3 long: close at 110 (-15), open 2 short
	p, _, err = b.Apply(trade("t4", paperKey, trading.Sell, 5, 110), OpenOptions{StopLoss: trading.Float(115)})
	require.NoError(t, err)
	assert.Equal(t, trading.Short, p.Side)
	assert.Equal(t, 2.0, p.Quantity)
	assert.Equal(t, 110.0, p.EntryPrice)
	assert.Equal(t, 0.0, p.RealizedPnL)

	realized, _ := b.Totals("acct", trading.Paper)
	assert.InDelta(t, -5.0, realized, 1e-9)

	p, _, err = b.Apply(trade("t5", paperKey, trading.Buy, 2, 100), OpenOptions{})
	require.NoError(t, err)
	assert.False(t, p.Open())
	_, ok := b.Get(paperKey)
	assert.False(t, ok)

	realized, unrealized := b.Totals("acct", trading.Paper)
	assert.InDelta(t, 15.0, realized, 1e-9)
	assert.Equal(t, 0.0, unrealized)
}

func TestCommissionChargedToRealized(t *testing.T) {
	b := NewBook()
	tr := trade("t1", paperKey, trading.Buy, 1, 100)
	tr.Commission = 0.5
	p, _, err := b.Apply(tr, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, -0.5, p.RealizedPnL)
}

func TestPaperAndLiveNeverNet(t *testing.T) {
	b := NewBook()
	liveKey := paperKey
	liveKey.Mode = trading.Live

	_, _, err := b.Apply(trade("p1", paperKey, trading.Buy, 1, 100), OpenOptions{})
	require.NoError(t, err)
	_, _, err = b.Apply(trade("l1", liveKey, trading.Sell, 1, 100), OpenOptions{})
	require.NoError(t, err)

	pp := b.Positions("acct", trading.Paper)
	lp := b.Positions("acct", trading.Live)
	require.Len(t, pp, 1)
	require.Len(t, lp, 1)
	assert.Equal(t, trading.Long, pp[0].Side)
	assert.Equal(t, trading.Short, lp[0].Side)

	b.Mark("ETHUSD", 90)
	_, pu := b.Totals("acct", trading.Paper)
	_, lu := b.Totals("acct", trading.Live)
	assert.InDelta(t, -10.0, pu, 1e-9)
	assert.InDelta(t, 10.0, lu, 1e-9)

	assert.Len(t, b.Accounts(), 2)
}

func TestFixedStopAndTakeProfit(t *testing.T) {
	b := NewBook()
	short := paperKey
	short.Symbol = "BTCUSD"
	_, _, err := b.Apply(trade("s1", short, trading.Sell, 1, 100), OpenOptions{
		StopLoss: trading.Float(105), TakeProfit: trading.Float(90),
	})
	require.NoError(t, err)

	_, exits := b.Mark("BTCUSD", 104)
	assert.Empty(t, exits)
	_, exits = b.Mark("BTCUSD", 106)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitStopLoss, exits[0].Reason)
	_, exits = b.Mark("BTCUSD", 89)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitTakeProfit, exits[0].Reason)
}

func TestApplyRejectsMalformed(t *testing.T) {
	b := NewBook()
	_, _, err := b.Apply(trade("", paperKey, trading.Buy, 1, 100), OpenOptions{})
	assert.ErrorIs(t, err, ErrBadTrade)
	_, _, err = b.Apply(trade("x", paperKey, trading.Buy, 0, 100), OpenOptions{})
	assert.ErrorIs(t, err, ErrBadTrade)
	_, _, err = b.Apply(trade("y", paperKey, "hold", 1, 100), OpenOptions{})
	assert.ErrorIs(t, err, ErrBadTrade)
}

func TestReturnedPositionsAreCopies(t *testing.T) {
	b := NewBook()
	p, _, err := b.Apply(trade("t1", paperKey, trading.Buy, 1, 100), OpenOptions{TrailingPct: trading.Float(0.1)})
	require.NoError(t, err)
	p.Trailing.StopPrice = 1

	got, _ := b.Get(paperKey)
	assert.InDelta(t, 90.0, got.Trailing.StopPrice, 1e-9)
}
