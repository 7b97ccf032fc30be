// Package orders routes strategy signals to the paper fill engine or a live
// broker, applies fills to positions, marks positions on every tick and
// enforces the per-account loss limit.
package orders

import (
	"errors"
	"time"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/trading"
)

var (
	ErrUnknownOrder  = errors.New("unknown order")
	ErrNoPosition    = errors.New("no open position to exit")
	ErrNoPrice       = errors.New("no price available")
	ErrNoConnector   = errors.New("no live connector for account")
	ErrNotCancelable = errors.New("order is not cancelable")
)

type State string

const (
	Pending   State = "pending"
	Submitted State = "submitted"
	Partial   State = "partial"
	Filled    State = "filled"
	Cancelled State = "cancelled"
	Rejected  State = "rejected"
)

// Terminal reports whether the order can still change.
func (s State) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

func stateOf(s broker.Status) State {
	switch s {
	case broker.StatusSubmitted:
		return Submitted
	case broker.StatusPartial:
		return Partial
	case broker.StatusFilled:
		return Filled
	case broker.StatusCancelled:
		return Cancelled
	case broker.StatusRejected:
		return Rejected
	default:
		return Pending
	}
}

// Order is the manager's record of one signal sent for execution.
type Order struct {
	ID             string             `json:"id"`
	Account        string             `json:"account"`
	InstanceID     string             `json:"instance_id"`
	Mode           trading.Mode       `json:"mode"`
	Symbol         string             `json:"symbol"`
	Type           trading.SignalType `json:"type"`
	Direction      trading.Direction  `json:"direction"`
	Side           trading.Side       `json:"side"`
	Kind           trading.OrderKind  `json:"kind"`
	Quantity       float64            `json:"quantity"`
	Price          *float64           `json:"price,omitempty"`
	StopLoss       *float64           `json:"stop_loss,omitempty"`
	TakeProfit     *float64           `json:"take_profit,omitempty"`
	TrailingPct    *float64           `json:"trailing_pct,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	State          State              `json:"state"`
	FilledQuantity float64            `json:"filled_quantity"`
	AveragePrice   float64            `json:"average_price"`
	BrokerOrderID  string             `json:"broker_order_id,omitempty"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	TradeIDs       []string           `json:"trade_ids,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (o Order) positionKey() positions.Key {
	return positions.Key{Mode: o.Mode, Account: o.Account, Instance: o.InstanceID, Symbol: o.Symbol}
}

func (o Order) openOptions() positions.OpenOptions {
	if o.Type != trading.Entry {
		return positions.OpenOptions{}
	}
	return positions.OpenOptions{StopLoss: o.StopLoss, TakeProfit: o.TakeProfit, TrailingPct: o.TrailingPct}
}

// Request is a validated signal with its routing context.
type Request struct {
	Account    string
	InstanceID string
	Mode       trading.Mode
	Signal     trading.Signal
}

// Pauser pauses every running instance of (account, mode) and returns the
// ids it paused. The orchestrator implements it.
type Pauser interface {
	PauseAll(account string, mode trading.Mode, reason string) []string
}
