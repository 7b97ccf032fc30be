// Package broker defines the live broker connector contract and supervises
// connector sessions. Wire formats belong to concrete connectors.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/algotrader/trading"
)

// Status is the broker's view of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further updates are expected.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderRequest is sent with the broker's symbol spelling. ClientOrderID is
// the engine's order id; connectors must treat a repeated ClientOrderID as
// the same order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          trading.Side
	Quantity      float64
	Kind          trading.OrderKind
	Price         *float64
}

type OrderAck struct {
	BrokerOrderID string
	Status        Status
}

// OrderUpdate reports progress on an order. FilledQuantity and AveragePrice
// are cumulative; ExecutionID identifies the incremental fill, if any.
type OrderUpdate struct {
	BrokerOrderID  string
	ClientOrderID  string
	Status         Status
	FilledQuantity float64
	AveragePrice   float64
	ExecutionID    string
	LastQuantity   float64
	LastPrice      float64
	Commission     float64
	Reason         string
	Time           time.Time
}

type Position struct {
	Symbol     string
	Side       trading.Direction
	Quantity   float64
	EntryPrice float64
}

// Connector is one authenticated session with a live broker. Transient
// failures should be returned as errs.ExternalFailure so callers retry them.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error)
	Positions(ctx context.Context) ([]Position, error)
	OnOrderUpdate(fn func(OrderUpdate))
	OnConnectionLost(fn func(error))
}
