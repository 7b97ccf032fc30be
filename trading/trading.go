// Package trading holds the small vocabulary shared by strategies, the
// orchestrator and the order manager: trading modes, sides and signals.
package trading

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Mode partitions all account state. Nothing is ever netted across modes.
type Mode string

const (
	Paper Mode = "paper"
	Live  Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Paper:
		return Paper, nil
	case Live:
		return Live, nil
	default:
		return "", fmt.Errorf("unknown trading mode %q (want paper|live)", s)
	}
}

func (m Mode) Valid() bool { return m == Paper || m == Live }

// Side is the order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Direction is the position direction a signal refers to.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// DirectionOf maps an order side to the direction it opens.
func DirectionOf(s Side) Direction {
	if s == Sell {
		return Short
	}
	return Long
}

type SignalType string

const (
	Entry SignalType = "entry"
	Exit  SignalType = "exit"
)

type OrderKind string

const (
	Market OrderKind = "market"
	Limit  OrderKind = "limit"
)

// Signal is a strategy's request to enter or exit a position. It is produced
// once, validated, and consumed once by the order manager.
type Signal struct {
	Type        SignalType
	Direction   Direction
	Symbol      string
	Quantity    float64
	Kind        OrderKind
	Price       *float64
	StopLoss    *float64
	TakeProfit  *float64
	TrailingPct *float64
	Reason      string
}

// Side is the order side that executes the signal.
func (s Signal) Side() Side {
	switch {
	case s.Type == Entry && s.Direction == Long:
		return Buy
	case s.Type == Entry && s.Direction == Short:
		return Sell
	case s.Type == Exit && s.Direction == Long:
		return Sell
	default:
		return Buy
	}
}

var (
	ErrBadQuantity  = errors.New("quantity must be positive")
	ErrMissingPrice = errors.New("limit order requires a price")
	ErrBadSignal    = errors.New("malformed signal")
)

// Validate checks the shape of a signal. Symbol mapping is checked by the
// caller because it needs the lookup service.
func (s Signal) Validate() error {
	if s.Type != Entry && s.Type != Exit {
		return fmt.Errorf("%w: type %q", ErrBadSignal, s.Type)
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("%w: direction %q", ErrBadSignal, s.Direction)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrBadSignal)
	}
	if !(s.Quantity > 0) || math.IsInf(s.Quantity, 0) {
		return fmt.Errorf("%w: %v", ErrBadQuantity, s.Quantity)
	}
	switch s.Kind {
	case Market:
	case Limit:
		if s.Price == nil || !(*s.Price > 0) {
			return ErrMissingPrice
		}
	default:
		return fmt.Errorf("%w: order kind %q", ErrBadSignal, s.Kind)
	}
	if s.TrailingPct != nil && (*s.TrailingPct <= 0 || *s.TrailingPct >= 1) {
		return fmt.Errorf("%w: trailing pct %v outside (0,1)", ErrBadSignal, *s.TrailingPct)
	}
	if s.StopLoss != nil && !(*s.StopLoss > 0) {
		return fmt.Errorf("%w: stop loss %v", ErrBadSignal, *s.StopLoss)
	}
	if s.TakeProfit != nil && !(*s.TakeProfit > 0) {
		return fmt.Errorf("%w: take profit %v", ErrBadSignal, *s.TakeProfit)
	}
	return nil
}

// Float returns a pointer to v, for optional signal fields.
func Float(v float64) *float64 { return &v }
