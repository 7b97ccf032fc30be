// Package brokertest provides an in-memory broker.Connector for tests and
// demo runs.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
)

var ErrNotConnected = errors.New("fake broker: not connected")

// Fake records placed orders and lets tests drive updates and connection
// loss. Fill behaviour is manual: call Fill, Reject or Emit.
type Fake struct {
	mu        sync.Mutex
	connected bool
	orders    map[string]broker.OrderRequest // broker id -> request
	byClient  map[string]string              // client id -> broker id
	status    map[string]broker.OrderUpdate
	seq       int

	// PlaceFailures makes the next N PlaceOrder calls fail with an external
	// failure. ConnectFailures does the same for Connect.
	PlaceFailures   int
	ConnectFailures int
	// PlaceErr, when set, is returned by every PlaceOrder call.
	PlaceErr error
	// AutoFillPrice, when > 0, fills market orders at this price on placement.
	AutoFillPrice float64
	// Mute suppresses update callbacks; state is still visible to
	// OrderStatus.
	Mute bool

	Placed    []broker.OrderRequest
	Cancelled []string
	Polled    []string
	Connects  int

	onUpdate func(broker.OrderUpdate)
	onLost   func(error)
}

func New() *Fake {
	return &Fake{
		orders:   make(map[string]broker.OrderRequest),
		byClient: make(map[string]string),
		status:   make(map[string]broker.OrderUpdate),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if f.ConnectFailures > 0 {
		f.ConnectFailures--
		return errs.E(errs.ExternalFailure, "fake.Connect", errors.New("connection refused"))
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	f.mu.Lock()
	if f.PlaceErr != nil {
		f.mu.Unlock()
		return broker.OrderAck{}, f.PlaceErr
	}
	if !f.connected {
		f.mu.Unlock()
		return broker.OrderAck{}, errs.E(errs.ExternalFailure, "fake.PlaceOrder", ErrNotConnected)
	}
	if f.PlaceFailures > 0 {
		f.PlaceFailures--
		f.mu.Unlock()
		return broker.OrderAck{}, errs.E(errs.ExternalFailure, "fake.PlaceOrder", errors.New("timeout"))
	}
	if bid, ok := f.byClient[req.ClientOrderID]; ok {
		st := f.status[bid].Status
		f.mu.Unlock()
		return broker.OrderAck{BrokerOrderID: bid, Status: st}, nil
	}
	f.seq++
	bid := fmt.Sprintf("B%d", f.seq)
	f.orders[bid] = req
	f.byClient[req.ClientOrderID] = bid
	f.status[bid] = broker.OrderUpdate{BrokerOrderID: bid, ClientOrderID: req.ClientOrderID, Status: broker.StatusSubmitted}
	f.Placed = append(f.Placed, req)
	autofill := f.AutoFillPrice
	f.mu.Unlock()

	if autofill > 0 && req.Kind != "limit" {
		go f.Fill(bid, req.Quantity, autofill)
	}
	return broker.OrderAck{BrokerOrderID: bid, Status: broker.StatusSubmitted}, nil
}

func (f *Fake) CancelOrder(_ context.Context, bid string) error {
	f.mu.Lock()
	st, ok := f.status[bid]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("fake broker: unknown order %s", bid)
	}
	f.Cancelled = append(f.Cancelled, bid)
	st.Status = broker.StatusCancelled
	f.status[bid] = st
	f.mu.Unlock()
	f.Emit(st)
	return nil
}

func (f *Fake) OrderStatus(_ context.Context, bid string) (broker.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Polled = append(f.Polled, bid)
	st, ok := f.status[bid]
	if !ok {
		return broker.OrderUpdate{}, fmt.Errorf("fake broker: unknown order %s", bid)
	}
	return st, nil
}

func (f *Fake) Positions(context.Context) ([]broker.Position, error) { return nil, nil }

func (f *Fake) OnOrderUpdate(fn func(broker.OrderUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUpdate = fn
}

func (f *Fake) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

// Fill reports a (partial) fill of qty at price for broker order bid.
func (f *Fake) Fill(bid string, qty, price float64) {
	f.mu.Lock()
	st := f.status[bid]
	req := f.orders[bid]
	total := st.FilledQuantity + qty
	st.AveragePrice = (st.AveragePrice*st.FilledQuantity + price*qty) / total
	st.FilledQuantity = total
	st.LastQuantity, st.LastPrice = qty, price
	f.seq++
	st.ExecutionID = fmt.Sprintf("X%d", f.seq)
	st.Time = time.Now().UTC()
	st.Status = broker.StatusPartial
	if total >= req.Quantity {
		st.Status = broker.StatusFilled
	}
	f.status[bid] = st
	f.mu.Unlock()
	f.Emit(st)
}

// Reject rejects order bid.
func (f *Fake) Reject(bid, reason string) {
	f.mu.Lock()
	st := f.status[bid]
	st.Status = broker.StatusRejected
	st.Reason = reason
	f.status[bid] = st
	f.mu.Unlock()
	f.Emit(st)
}

// Emit delivers u to the registered update callback.
func (f *Fake) Emit(u broker.OrderUpdate) {
	f.mu.Lock()
	fn := f.onUpdate
	if f.Mute {
		fn = nil
	}
	f.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Drop simulates a lost session.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onLost
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// BrokerID returns the broker id assigned to a client order id.
func (f *Fake) BrokerID(clientID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bid, ok := f.byClient[clientID]
	return bid, ok
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// PlacedCount is len(Placed) under the lock.
func (f *Fake) PlacedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Placed)
}
