// Package sim is the paper-trading fill engine: market orders fill at the
// last price with slippage, limit orders rest until price crosses them.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/algotrader/id"
	"github.com/rustyeddy/algotrader/trading"
)

var (
	ErrOrderNotFound = errors.New("paper order not found")
	ErrNoPrice       = errors.New("no price for symbol")
	ErrBadOrder      = errors.New("malformed paper order")
)

type Config struct {
	// SlippagePct moves every fill against the order: buys pay
	// price*(1+s), sells receive price*(1-s).
	SlippagePct float64 `yaml:"slippage_pct" json:"slippage_pct"`
	// CommissionPct is charged on fill notional.
	CommissionPct float64 `yaml:"commission_pct" json:"commission_pct"`
	// PriceDecimals rounds fill prices and commissions.
	PriceDecimals int32 `yaml:"price_decimals" json:"price_decimals"`
}

func DefaultConfig() Config {
	return Config{SlippagePct: 0.0005, CommissionPct: 0.001, PriceDecimals: 8}
}

type Order struct {
	ID       string
	Symbol   string
	Side     trading.Side
	Quantity float64
	Kind     trading.OrderKind
	Limit    float64
	Placed   time.Time
}

type Fill struct {
	OrderID    string
	TradeID    string
	Symbol     string
	Side       trading.Side
	Quantity   float64
	Price      float64
	Commission float64
	Time       time.Time
}

type quote struct {
	price float64
	time  time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	prices  map[string]quote
	pending map[string]*Order
	seq     map[string]uint64 // placement order of pending orders
	next    uint64
	ids     *id.Generator
}

func NewEngine(cfg Config) *Engine {
	if cfg.PriceDecimals <= 0 {
		cfg.PriceDecimals = 8
	}
	return &Engine{
		cfg:     cfg,
		prices:  make(map[string]quote),
		pending: make(map[string]*Order),
		seq:     make(map[string]uint64),
		ids:     id.NewGenerator(nil),
	}
}

// Price returns the last price seen for symbol.
func (e *Engine) Price(symbol string) (float64, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.prices[symbol]
	return q.price, q.time, ok
}

// Submit executes a market order immediately, or rests a limit order. A
// limit order that is already marketable fills at once at its limit
// adjusted by slippage, the same price a resting limit fills at.
func (e *Engine) Submit(o Order) (*Fill, error) {
	if o.ID == "" || o.Symbol == "" || !(o.Quantity > 0) || (o.Side != trading.Buy && o.Side != trading.Sell) {
		return nil, fmt.Errorf("%w: %+v", ErrBadOrder, o)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	q, havePrice := e.prices[o.Symbol]
	switch o.Kind {
	case trading.Market:
		if !havePrice {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, o.Symbol)
		}
		f := e.fillLocked(o, q.price, q.time)
		return &f, nil

	case trading.Limit:
		if !(o.Limit > 0) {
			return nil, fmt.Errorf("%w: limit price %v", ErrBadOrder, o.Limit)
		}
		if havePrice && crosses(o, q.price) {
			f := e.fillLocked(o, o.Limit, q.time)
			return &f, nil
		}
		cp := o
		e.pending[o.ID] = &cp
		e.seq[o.ID] = e.next
		e.next++
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrBadOrder, o.Kind)
	}
}

// UpdatePrice records the latest price and fills every resting limit order
// the price crosses, in placement order, at limit adjusted by slippage.
func (e *Engine) UpdatePrice(symbol string, price float64, at time.Time) []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = quote{price: price, time: at}

	var hit []*Order
	for _, o := range e.pending {
		if o.Symbol == symbol && crosses(*o, price) {
			hit = append(hit, o)
		}
	}
	sort.Slice(hit, func(i, j int) bool { return e.seq[hit[i].ID] < e.seq[hit[j].ID] })

	fills := make([]Fill, 0, len(hit))
	for _, o := range hit {
		delete(e.pending, o.ID)
		delete(e.seq, o.ID)
		fills = append(fills, e.fillLocked(*o, o.Limit, at))
	}
	return fills
}

// Cancel removes a resting order.
func (e *Engine) Cancel(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	delete(e.pending, orderID)
	delete(e.seq, orderID)
	return nil
}

// Pending lists resting orders in placement order.
func (e *Engine) Pending() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.pending))
	for _, o := range e.pending {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return e.seq[out[i].ID] < e.seq[out[j].ID] })
	return out
}

// crosses reports whether price satisfies the limit: buys at or below,
// sells at or above.
func crosses(o Order, price float64) bool {
	if o.Side == trading.Buy {
		return price <= o.Limit
	}
	return price >= o.Limit
}

func (e *Engine) slipped(side trading.Side, px float64) float64 {
	slip := decimal.NewFromFloat(e.cfg.SlippagePct)
	p := decimal.NewFromFloat(px)
	if side == trading.Buy {
		p = p.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		p = p.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	return p.Round(e.cfg.PriceDecimals).InexactFloat64()
}

func (e *Engine) fillLocked(o Order, px float64, at time.Time) Fill {
	price := e.slipped(o.Side, px)
	commission := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(o.Quantity)).
		Mul(decimal.NewFromFloat(e.cfg.CommissionPct)).
		Round(e.cfg.PriceDecimals).
		InexactFloat64()
	return Fill{
		OrderID:    o.ID,
		TradeID:    e.ids.Next(id.Trade),
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      price,
		Commission: commission,
		Time:       at,
	}
}
