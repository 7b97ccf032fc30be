package orders

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/trading"
)

// stale lists live orders stuck pending or submitted past the timeout.
func (m *Manager) stale(now time.Time) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for oid := range m.inFlight {
		o := m.orders[oid]
		if o.Mode != trading.Live || (o.State != Pending && o.State != Submitted) {
			continue
		}
		if now.Sub(o.UpdatedAt) >= m.cfg.PendingTimeout {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PollStale asks the broker for the status of every timed out live order,
// at most PollRate requests per second, and applies what it learns. With
// CancelOnTimeout the order is cancelled instead. It returns the number of
// orders examined.
func (m *Manager) PollStale(ctx context.Context) (int, error) {
	orders := m.stale(m.now().UTC())
	for _, o := range orders {
		if err := m.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		conn, ok := m.connector(o.Account)
		if !ok || o.BrokerOrderID == "" {
			continue
		}
		log := m.log.With(zap.String("order_id", o.ID), zap.String("broker_order_id", o.BrokerOrderID))

		if m.cfg.CancelOnTimeout {
			log.Warn("pending timeout, cancelling order")
			if err := conn.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				log.Error("cancel after timeout failed", zap.Error(err))
			}
			continue
		}

		u, err := conn.OrderStatus(ctx, o.BrokerOrderID)
		if err != nil {
			log.Warn("status poll failed", zap.Error(err))
			continue
		}
		if u.BrokerOrderID == "" {
			u.BrokerOrderID = o.BrokerOrderID
		}
		if err := m.HandleOrderUpdate(u); err != nil {
			log.Error("status poll result rejected", zap.Error(err))
			continue
		}
		m.touch(o.ID, u.Status)
	}
	return len(orders), nil
}

// touch restarts the timeout of an order the broker still reports open.
func (m *Manager) touch(orderID string, st broker.Status) {
	if st.Terminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok && !o.State.Terminal() {
		o.UpdatedAt = m.now().UTC()
	}
}

// RunPoller calls PollStale every interval until ctx is done.
func (m *Manager) RunPoller(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.PollStale(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("poll stale orders", zap.Error(err))
			}
		}
	}
}
