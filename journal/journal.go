// Package journal records fills and P&L snapshots for later review. Writes
// happen off the trading path through Async.
package journal

import (
	"time"

	"github.com/rustyeddy/algotrader/trading"
)

// FillRecord is one execution applied to a position.
type FillRecord struct {
	TradeID    string
	OrderID    string
	Account    string
	Mode       trading.Mode
	InstanceID string
	Symbol     string
	Side       trading.Side
	Quantity   float64
	Price      float64
	Commission float64
	Time       time.Time
}

// PnLSnapshot is the account P&L right after a fill.
type PnLSnapshot struct {
	Time        time.Time
	Account     string
	Mode        trading.Mode
	Realized    float64
	Unrealized  float64
	CurrentLoss float64
}

type Journal interface {
	RecordFill(FillRecord) error
	RecordPnL(PnLSnapshot) error
	Close() error
}
