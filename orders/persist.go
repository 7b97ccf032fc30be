package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/risk"
	"github.com/rustyeddy/algotrader/sim"
	"github.com/rustyeddy/algotrader/trading"
)

// Store layout:
//
//	order/<id>                                  Order
//	position/<mode>/<account>/<instance>/<sym>  Position, deleted on close
//	pnl/<mode>/<account>                        realized P&L of closed positions
//	risk/<mode>/<account>                       risk.State
func orderKey(id string) string { return "order/" + id }

func positionKey(k positions.Key) string {
	return fmt.Sprintf("position/%s/%s/%s/%s", k.Mode, k.Account, k.Instance, k.Symbol)
}

func closedPnLKey(k positions.AccountKey) string {
	return fmt.Sprintf("pnl/%s/%s", k.Mode, k.Account)
}

func riskKey(account string, mode trading.Mode) string {
	return fmt.Sprintf("risk/%s/%s", mode, account)
}

func (m *Manager) put(ctx context.Context, key string, v any) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(v)
	if err == nil {
		err = m.store.Set(ctx, key, b)
	}
	if err != nil {
		m.log.Warn("store write", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) persistOrder(ctx context.Context, o Order) {
	if o.ID == "" {
		return
	}
	m.put(ctx, orderKey(o.ID), o)
}

func (m *Manager) persistPosition(ctx context.Context, p positions.Position) {
	if p.Open() {
		m.put(ctx, positionKey(p.Key()), p)
		return
	}
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, positionKey(p.Key())); err != nil {
		m.log.Warn("store delete", zap.String("key", positionKey(p.Key())), zap.Error(err))
	}
}

func (m *Manager) persistClosedPnL(ctx context.Context, k positions.AccountKey) {
	if m.store == nil {
		return
	}
	v := strconv.FormatFloat(m.book.ClosedPnL(k), 'g', -1, 64)
	if err := m.store.Set(ctx, closedPnLKey(k), []byte(v)); err != nil {
		m.log.Warn("store write", zap.String("key", closedPnLKey(k)), zap.Error(err))
	}
}

func (m *Manager) persistRisk(ctx context.Context, st risk.State) {
	m.put(ctx, riskKey(st.Account, st.Mode), st)
}

// Restore reloads open positions, closed P&L, risk states and unfinished
// orders from the store. Resting paper limit orders are re-queued with the
// paper engine.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	keys, err := m.store.Keys(ctx, "position/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		var p positions.Position
		if err := m.load(ctx, k, &p); err != nil {
			return err
		}
		m.book.Restore(p)
	}

	if keys, err = m.store.Keys(ctx, "pnl/"); err != nil {
		return err
	}
	for _, k := range keys {
		mode, account, ok := strings.Cut(strings.TrimPrefix(k, "pnl/"), "/")
		if !ok {
			continue
		}
		b, err := m.store.Get(ctx, k)
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
		m.book.RestoreClosedPnL(positions.AccountKey{Account: account, Mode: trading.Mode(mode)}, v)
	}

	if keys, err = m.store.Keys(ctx, "risk/"); err != nil {
		return err
	}
	for _, k := range keys {
		var st risk.State
		if err := m.load(ctx, k, &st); err != nil {
			return err
		}
		m.risk.Restore(st)
	}

	if keys, err = m.store.Keys(ctx, "order/"); err != nil {
		return err
	}
	for _, k := range keys {
		var o Order
		if err := m.load(ctx, k, &o); err != nil {
			return err
		}
		m.restoreOrder(o)
	}
	return nil
}

func (m *Manager) restoreOrder(o Order) {
	m.mu.Lock()
	cp := o
	m.orders[o.ID] = &cp
	if o.State.Terminal() {
		m.mu.Unlock()
		return
	}
	m.inFlight[o.ID] = struct{}{}
	m.book.RestoreApplied(o.ID, o.TradeIDs)
	if o.BrokerOrderID != "" {
		m.byBroker[o.BrokerOrderID] = o.ID
	}
	if o.Type == trading.Exit {
		m.exiting[o.positionKey()] = o.ID
	}
	m.mu.Unlock()

	if o.Mode == trading.Paper && o.Kind == trading.Limit && o.Price != nil {
		_, err := m.paper.Submit(sim.Order{
			ID:       o.ID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.Quantity - o.FilledQuantity,
			Kind:     trading.Limit,
			Limit:    *o.Price,
			Placed:   o.CreatedAt,
		})
		if err != nil {
			m.log.Warn("paper order not restored", zap.String("order_id", o.ID), zap.Error(err))
			m.reject(o.ID, "restore: "+err.Error())
		}
	}
}

func (m *Manager) load(ctx context.Context, key string, v any) error {
	b, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	return nil
}
