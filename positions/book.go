package positions

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rustyeddy/algotrader/id"
	"github.com/rustyeddy/algotrader/trading"
)

var ErrBadTrade = errors.New("malformed trade")

// Exit is a protective level crossed while marking.
type Exit struct {
	Position Position
	Reason   ExitReason
	Price    float64
}

// Book holds open positions and the realized P&L of closed ones.
type Book struct {
	mu        sync.Mutex
	positions map[Key]*Position
	applied   map[string]map[string]struct{} // order id -> trade ids
	closedPnL map[AccountKey]float64
	ids       *id.Generator
}

func NewBook() *Book {
	return &Book{
		positions: make(map[Key]*Position),
		applied:   make(map[string]map[string]struct{}),
		closedPnL: make(map[AccountKey]float64),
		ids:       id.NewGenerator(nil),
	}
}

// Apply folds a fill into its position. Re-applying a trade id of an order
// not yet forgotten is a no-op that returns applied=false. Adds average the entry; reductions realize
// P&L; a fill larger than the position closes it and opens the remainder
// on the other side. Commission is always charged to realized P&L. The
// returned position has Quantity 0 when the fill closed it.
func (b *Book) Apply(t Trade, opts OpenOptions) (Position, bool, error) {
	if t.ID == "" || !(t.Quantity > 0) || !(t.Price > 0) || math.IsInf(t.Quantity, 0) {
		return Position{}, false, fmt.Errorf("%w: %+v", ErrBadTrade, t)
	}
	if t.Side != trading.Buy && t.Side != trading.Sell {
		return Position{}, false, fmt.Errorf("%w: side %q", ErrBadTrade, t.Side)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := b.applied[t.OrderID]
	if _, dup := seen[t.ID]; dup {
		if p, ok := b.positions[t.Key]; ok {
			return p.clone(), false, nil
		}
		return Position{}, false, nil
	}
	if seen == nil {
		seen = make(map[string]struct{})
		b.applied[t.OrderID] = seen
	}
	seen[t.ID] = struct{}{}

	dir := trading.DirectionOf(t.Side)
	p, ok := b.positions[t.Key]
	if !ok {
		p = b.open(t, dir, t.Quantity, opts)
		p.RealizedPnL -= t.Commission
		return p.clone(), true, nil
	}

	p.UpdatedAt = t.Time
	p.RealizedPnL -= t.Commission

	if p.Side == dir {
		total := p.Quantity + t.Quantity
		p.EntryPrice = (p.EntryPrice*p.Quantity + t.Price*t.Quantity) / total
		p.Quantity = total
		if opts.StopLoss != nil {
			p.StopLoss = copyFloat(opts.StopLoss)
		}
		if opts.TakeProfit != nil {
			p.TakeProfit = copyFloat(opts.TakeProfit)
		}
		if opts.TrailingPct != nil && p.Trailing == nil {
			p.Trailing = NewTrailingStop(p.Side, p.EntryPrice, *opts.TrailingPct)
		}
		p.mark(t.Price)
		return p.clone(), true, nil
	}

	closeQty := math.Min(p.Quantity, t.Quantity)
	p.RealizedPnL += (t.Price - p.EntryPrice) * closeQty * p.Side.Sign()
	p.Quantity -= closeQty
	remainder := t.Quantity - closeQty

	if p.Quantity > qtyEpsilon {
		p.mark(t.Price)
		return p.clone(), true, nil
	}

	// closed
	p.Quantity = 0
	p.UnrealizedPnL = 0
	p.CurrentPrice = t.Price
	b.closedPnL[t.Key.AccountKey()] += p.RealizedPnL
	delete(b.positions, t.Key)
	closed := p.clone()

	if remainder > qtyEpsilon {
		np := b.open(t, dir, remainder, opts)
		return np.clone(), true, nil
	}
	return closed, true, nil
}

const qtyEpsilon = 1e-12

func (b *Book) open(t Trade, dir trading.Direction, qty float64, opts OpenOptions) *Position {
	p := &Position{
		ID:           b.ids.Next(id.Position),
		Account:      t.Key.Account,
		InstanceID:   t.Key.Instance,
		Symbol:       t.Key.Symbol,
		Mode:         t.Key.Mode,
		Side:         dir,
		Quantity:     qty,
		EntryPrice:   t.Price,
		CurrentPrice: t.Price,
		StopLoss:     copyFloat(opts.StopLoss),
		TakeProfit:   copyFloat(opts.TakeProfit),
		OpenedAt:     t.Time,
		UpdatedAt:    t.Time,
	}
	if opts.TrailingPct != nil {
		p.Trailing = NewTrailingStop(dir, t.Price, *opts.TrailingPct)
	}
	b.positions[t.Key] = p
	return p
}

// Mark prices every open position on symbol, across all modes, and returns
// the ones whose trailing stop, stop loss or take profit was crossed.
func (b *Book) Mark(symbol string, price float64) (marked []Position, exits []Exit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, p := range b.positions {
		if k.Symbol != symbol {
			continue
		}
		p.mark(price)
		var reason ExitReason
		switch {
		case p.Trailing.Update(p.Side, price):
			reason = ExitTrailingStop
		case p.hitStopLoss(price):
			reason = ExitStopLoss
		case p.hitTakeProfit(price):
			reason = ExitTakeProfit
		}
		marked = append(marked, p.clone())
		if reason != "" {
			exits = append(exits, Exit{Position: p.clone(), Reason: reason, Price: price})
		}
	}
	return marked, exits
}

// Get returns the open position for k.
func (b *Book) Get(k Key) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[k]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// Positions lists the open positions of (account, mode), sorted by symbol
// then instance.
func (b *Book) Positions(account string, mode trading.Mode) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Position
	for k, p := range b.positions {
		if k.Account == account && k.Mode == mode {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Totals sums realized (open and closed) and unrealized P&L for
// (account, mode).
func (b *Book) Totals(account string, mode trading.Mode) (realized, unrealized float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	realized = b.closedPnL[AccountKey{account, mode}]
	for k, p := range b.positions {
		if k.Account == account && k.Mode == mode {
			realized += p.RealizedPnL
			unrealized += p.UnrealizedPnL
		}
	}
	return realized, unrealized
}

// Accounts lists every (account, mode) with an open position or realized
// history.
func (b *Book) Accounts() []AccountKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[AccountKey]struct{})
	for k := range b.positions {
		seen[k.AccountKey()] = struct{}{}
	}
	for k := range b.closedPnL {
		seen[k] = struct{}{}
	}
	out := make([]AccountKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

// Restore installs a persisted open position.
func (b *Book) Restore(p Position) {
	if !p.Open() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p.clone()
	b.positions[p.Key()] = &cp
}

// Forget drops the trade ids applied for orderID. The caller must not
// apply further fills of that order.
func (b *Book) Forget(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.applied, orderID)
}

// Tracked is the number of orders with applied trade ids still held.
func (b *Book) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applied)
}

// RestoreApplied marks trade ids of orderID as already applied.
func (b *Book) RestoreApplied(orderID string, tradeIDs []string) {
	if len(tradeIDs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := b.applied[orderID]
	if seen == nil {
		seen = make(map[string]struct{}, len(tradeIDs))
		b.applied[orderID] = seen
	}
	for _, id := range tradeIDs {
		seen[id] = struct{}{}
	}
}

// RestoreClosedPnL seeds the realized P&L of closed positions.
func (b *Book) RestoreClosedPnL(k AccountKey, realized float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedPnL[k] = realized
}

// ClosedPnL is the realized P&L of positions already closed.
func (b *Book) ClosedPnL(k AccountKey) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closedPnL[k]
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return trading.Float(*v)
}
