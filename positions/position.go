// Package positions keeps per-(mode, account, instance, symbol) positions
// and realizes P&L from fills.
package positions

import (
	"time"

	"github.com/rustyeddy/algotrader/trading"
)

// Key partitions positions. Mode is part of every key; paper and live never
// net.
type Key struct {
	Mode     trading.Mode `json:"mode"`
	Account  string       `json:"account"`
	Instance string       `json:"instance"`
	Symbol   string       `json:"symbol"`
}

// AccountKey identifies the P&L aggregate the risk tracker watches.
type AccountKey struct {
	Account string
	Mode    trading.Mode
}

func (k Key) AccountKey() AccountKey { return AccountKey{k.Account, k.Mode} }

// Trade is one fill. ID makes application idempotent.
type Trade struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"order_id"`
	Key        Key          `json:"key"`
	Side       trading.Side `json:"side"`
	Quantity   float64      `json:"quantity"`
	Price      float64      `json:"price"`
	Commission float64      `json:"commission"`
	Time       time.Time    `json:"time"`
}

// OpenOptions carries protective levels from the entry signal.
type OpenOptions struct {
	StopLoss    *float64
	TakeProfit  *float64
	TrailingPct *float64
}

type ExitReason string

const (
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
)

type Position struct {
	ID            string            `json:"id"`
	Account       string            `json:"account"`
	InstanceID    string            `json:"instance_id"`
	Symbol        string            `json:"symbol"`
	Mode          trading.Mode      `json:"mode"`
	Side          trading.Direction `json:"side"`
	Quantity      float64           `json:"quantity"`
	EntryPrice    float64           `json:"entry_price"`
	CurrentPrice  float64           `json:"current_price"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
	RealizedPnL   float64           `json:"realized_pnl"`
	StopLoss      *float64          `json:"stop_loss,omitempty"`
	TakeProfit    *float64          `json:"take_profit,omitempty"`
	Trailing      *TrailingStop     `json:"trailing_stop,omitempty"`
	OpenedAt      time.Time         `json:"opened_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (p Position) Key() Key {
	return Key{Mode: p.Mode, Account: p.Account, Instance: p.InstanceID, Symbol: p.Symbol}
}

func (p Position) Open() bool { return p.Quantity > 0 }

// mark sets the current price and recomputes unrealized P&L.
func (p *Position) mark(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

func (p *Position) hitStopLoss(price float64) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == trading.Long {
		return price <= *p.StopLoss
	}
	return price >= *p.StopLoss
}

func (p *Position) hitTakeProfit(price float64) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == trading.Long {
		return price >= *p.TakeProfit
	}
	return price <= *p.TakeProfit
}

func (p Position) clone() Position {
	if p.StopLoss != nil {
		p.StopLoss = trading.Float(*p.StopLoss)
	}
	if p.TakeProfit != nil {
		p.TakeProfit = trading.Float(*p.TakeProfit)
	}
	if p.Trailing != nil {
		ts := *p.Trailing
		p.Trailing = &ts
	}
	return p
}
