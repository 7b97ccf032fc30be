package orders

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/journal"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/sim"
	"github.com/rustyeddy/algotrader/trading"
)

// fill is an execution from either venue.
type fill struct {
	tradeID    string
	quantity   float64
	price      float64
	commission float64
	time       time.Time
}

func fillOf(f sim.Fill) fill {
	return fill{tradeID: f.TradeID, quantity: f.Quantity, price: f.Price, commission: f.Commission, time: f.Time}
}

// applyFill books an execution against its order and position. A trade id
// seen before changes nothing, and neither does a fill for a finished order.
func (m *Manager) applyFill(orderID string, f fill) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ord := *o
	m.mu.Unlock()

	if ord.State.Terminal() {
		m.log.Debug("fill for finished order ignored",
			zap.String("order_id", orderID), zap.String("trade_id", f.tradeID), zap.String("state", string(ord.State)))
		return
	}

	if f.time.IsZero() {
		f.time = m.now().UTC()
	}
	pos, applied, err := m.book.Apply(positions.Trade{
		ID:         f.tradeID,
		OrderID:    ord.ID,
		Key:        ord.positionKey(),
		Side:       ord.Side,
		Quantity:   f.quantity,
		Price:      f.price,
		Commission: f.commission,
		Time:       f.time,
	}, ord.openOptions())
	if err != nil {
		m.log.Error("fill not applied", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if !applied {
		m.log.Debug("duplicate fill ignored", zap.String("order_id", orderID), zap.String("trade_id", f.tradeID))
		return
	}

	m.mu.Lock()
	total := o.FilledQuantity + f.quantity
	o.AveragePrice = (o.AveragePrice*o.FilledQuantity + f.price*f.quantity) / total
	o.FilledQuantity = total
	o.TradeIDs = append(o.TradeIDs, f.tradeID)
	o.UpdatedAt = f.time
	switch {
	case o.State.Terminal():
		// finished while the fill was booked
		m.book.Forget(o.ID)
	case o.FilledQuantity+qtyTolerance >= o.Quantity:
		o.State = Filled
		m.releaseLocked(o)
	default:
		o.State = Partial
	}
	ord = *o
	m.mu.Unlock()

	m.log.Info("order filled",
		zap.String("order_id", ord.ID),
		zap.String("trade_id", f.tradeID),
		zap.String("symbol", ord.Symbol),
		zap.String("side", string(ord.Side)),
		zap.Float64("quantity", f.quantity),
		zap.Float64("price", f.price),
		zap.String("state", string(ord.State)))

	ctx := context.Background()
	m.persistOrder(ctx, ord)
	m.persistPosition(ctx, pos)
	m.bus.Publish(events.Event{Kind: events.OrderFilled, Account: ord.Account, Mode: ord.Mode, Payload: ord})
	m.bus.Publish(events.Event{Kind: events.PositionUpdated, Account: ord.Account, Mode: ord.Mode, Payload: pos})

	st := m.refreshRisk(ctx, ord.Account, ord.Mode)
	if !pos.Open() {
		m.persistClosedPnL(ctx, positions.AccountKey{Account: ord.Account, Mode: ord.Mode})
	}

	if m.journal != nil {
		if err := m.journal.RecordFill(journal.FillRecord{
			TradeID:    f.tradeID,
			OrderID:    ord.ID,
			Account:    ord.Account,
			Mode:       ord.Mode,
			InstanceID: ord.InstanceID,
			Symbol:     ord.Symbol,
			Side:       ord.Side,
			Quantity:   f.quantity,
			Price:      f.price,
			Commission: f.commission,
			Time:       f.time,
		}); err != nil {
			m.log.Warn("journal fill", zap.Error(err))
		}
		if err := m.journal.RecordPnL(journal.PnLSnapshot{
			Time:        f.time,
			Account:     ord.Account,
			Mode:        ord.Mode,
			Realized:    st.Realized,
			Unrealized:  st.Unrealized,
			CurrentLoss: st.CurrentLoss,
		}); err != nil {
			m.log.Warn("journal pnl", zap.Error(err))
		}
	}
}

const qtyTolerance = 1e-9

// HandleOrderUpdate applies a broker update. An update for an order the
// manager never placed is a consistency violation and changes nothing.
func (m *Manager) HandleOrderUpdate(u broker.OrderUpdate) error {
	const op = "orders.HandleOrderUpdate"

	m.mu.Lock()
	orderID, ok := m.byBroker[u.BrokerOrderID]
	if !ok && u.ClientOrderID != "" {
		if o, known := m.orders[u.ClientOrderID]; known && o.Mode == trading.Live {
			orderID, ok = o.ID, true
			if u.BrokerOrderID != "" {
				m.byBroker[u.BrokerOrderID] = o.ID
				o.BrokerOrderID = u.BrokerOrderID
			}
		}
	}
	if !ok {
		m.mu.Unlock()
		return errs.E(errs.ConsistencyViolation, op,
			fmt.Errorf("%w: broker order %q client order %q", ErrUnknownOrder, u.BrokerOrderID, u.ClientOrderID))
	}
	o := m.orders[orderID]
	prevFilled, prevAvg := o.FilledQuantity, o.AveragePrice
	bid := o.BrokerOrderID
	m.mu.Unlock()

	switch {
	case u.LastQuantity > 0:
		tradeID := u.ExecutionID
		if tradeID == "" {
			tradeID = fmt.Sprintf("%s/%g", bid, u.FilledQuantity)
		}
		m.applyFill(orderID, fill{tradeID: tradeID, quantity: u.LastQuantity, price: u.LastPrice, commission: u.Commission, time: u.Time})

	case u.FilledQuantity > prevFilled+qtyTolerance:
		// cumulative report only, e.g. from a status poll
		delta := u.FilledQuantity - prevFilled
		price := (u.AveragePrice*u.FilledQuantity - prevAvg*prevFilled) / delta
		m.applyFill(orderID, fill{
			tradeID:    fmt.Sprintf("%s/%g", bid, u.FilledQuantity),
			quantity:   delta,
			price:      price,
			commission: u.Commission,
			time:       u.Time,
		})
	}

	switch u.Status {
	case broker.StatusCancelled:
		m.finish(orderID, Cancelled, u.Reason)
	case broker.StatusRejected:
		m.finish(orderID, Rejected, u.Reason)
	case broker.StatusSubmitted:
		m.mu.Lock()
		changed := o.State == Pending
		if changed {
			o.State = Submitted
			o.UpdatedAt = m.now().UTC()
		}
		m.mu.Unlock()
		if changed {
			m.publishOrder(orderID)
		}
	}
	return nil
}

// OnTick fills crossed paper limit orders, marks every open position on the
// tick's symbol, updates the loss of each affected account and submits the
// market exits for crossed protective levels, in that order.
func (m *Manager) OnTick(ctx context.Context, t market.Tick) {
	for _, f := range m.paper.UpdatePrice(t.Symbol, t.Price, t.Time) {
		m.applyFill(f.OrderID, fillOf(f))
	}

	marked, exits := m.book.Mark(t.Symbol, t.Price)
	seen := make(map[positions.AccountKey]bool)
	for _, p := range marked {
		m.persistPosition(ctx, p)
		m.bus.Publish(events.Event{Kind: events.PositionUpdated, Account: p.Account, Mode: p.Mode, Payload: p})
		k := p.Key().AccountKey()
		if !seen[k] {
			seen[k] = true
			m.refreshRisk(ctx, k.Account, k.Mode)
		}
	}

	for _, x := range exits {
		m.exit(ctx, x)
	}
}

func (m *Manager) exit(ctx context.Context, x positions.Exit) {
	p := x.Position
	m.mu.Lock()
	_, busy := m.exiting[p.Key()]
	m.mu.Unlock()
	if busy {
		return
	}

	m.log.Info("protective exit triggered",
		zap.String("position_id", p.ID),
		zap.String("instance_id", p.InstanceID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", string(x.Reason)),
		zap.Float64("price", x.Price))

	req := Request{
		Account:    p.Account,
		InstanceID: p.InstanceID,
		Mode:       p.Mode,
		Signal: trading.Signal{
			Type:      trading.Exit,
			Direction: p.Side,
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			Kind:      trading.Market,
			Reason:    string(x.Reason),
		},
	}
	failed := func(err error) {
		m.log.Error("protective exit failed",
			zap.String("position_id", p.ID),
			zap.String("reason", string(x.Reason)),
			zap.Error(err))
	}

	if p.Mode == trading.Paper {
		if _, err := m.Submit(ctx, req); err != nil {
			failed(err)
		}
		return
	}

	// The exit is booked on the tick; the broker round trip runs off the
	// tick path.
	o, err := m.accept(req)
	if err != nil {
		failed(err)
		return
	}
	m.placing.Add(1)
	go func() {
		defer m.placing.Done()
		if err := m.submitLive(ctx, o); err != nil {
			m.reject(o.ID, err.Error())
			failed(err)
		}
	}()
}

// Wait blocks until live exits handed off by OnTick have been placed or
// rejected.
func (m *Manager) Wait() {
	m.placing.Wait()
}
