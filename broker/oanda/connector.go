package oanda

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/trading"
)

// Name is the broker name used for symbol mapping.
const Name = "oanda"

// fills accumulates executions of one order.
type fills struct {
	clientID  string
	requested float64
	filled    float64
	notional  float64
}

// Connector implements broker.Connector. Order progress arrives from the
// account's transaction stream and from the order create response; both
// paths are deduplicated by transaction id.
type Connector struct {
	client *Client
	log    *zap.Logger

	mu       sync.Mutex
	onUpdate func(broker.OrderUpdate)
	onLost   func(error)
	cancel   context.CancelFunc
	byClient map[string]string // client order id -> broker order id
	orders   map[string]*fills // broker order id
	seen     map[string]bool   // transaction ids
}

var _ broker.Connector = (*Connector)(nil)

func NewConnector(client *Client, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{
		client:   client,
		log:      log.Named("oanda").With(zap.String("account_id", client.cfg.AccountID)),
		byClient: make(map[string]string),
		orders:   make(map[string]*fills),
		seen:     make(map[string]bool),
	}
}

func (c *Connector) Name() string { return Name }

func (c *Connector) OnOrderUpdate(fn func(broker.OrderUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

func (c *Connector) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Connect checks the account and opens the transaction stream.
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return err
	}
	body, err := c.client.openStream(ctx, c.client.accountPath("/transactions/stream"))
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		err := c.client.readTransactions(streamCtx, body, c.handle)
		if streamCtx.Err() != nil {
			return
		}
		c.log.Warn("transaction stream lost", zap.Error(err))
		c.mu.Lock()
		lost := c.onLost
		c.mu.Unlock()
		if lost != nil {
			lost(errs.E(errs.ExternalFailure, "oanda.stream", err))
		}
	}()
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

type clientExtensions struct {
	ID string `json:"id,omitempty"`
}

type orderSpec struct {
	Type             string           `json:"type"`
	Instrument       string           `json:"instrument"`
	Units            string           `json:"units"`
	Price            string           `json:"price,omitempty"`
	TimeInForce      string           `json:"timeInForce"`
	PositionFill     string           `json:"positionFill"`
	ClientExtensions clientExtensions `json:"clientExtensions"`
}

type createResponse struct {
	OrderCreateTransaction transaction  `json:"orderCreateTransaction"`
	OrderFillTransaction   *transaction `json:"orderFillTransaction,omitempty"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction,omitempty"`
	OrderRejectTransaction *transaction `json:"orderRejectTransaction,omitempty"`
	ErrorMessage           string       `json:"errorMessage,omitempty"`
}

func units(side trading.Side, qty float64) string {
	if side == trading.Sell {
		qty = -qty
	}
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

// PlaceOrder submits a market (FOK) or limit (GTC) order. A ClientOrderID
// seen before, in this process or on the account, returns the existing
// order instead of placing another.
func (c *Connector) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	const op = "oanda.PlaceOrder"

	if ack, ok, err := c.existing(ctx, req.ClientOrderID); err != nil || ok {
		return ack, err
	}

	spec := orderSpec{
		Type:             "MARKET",
		Instrument:       Instrument(req.Symbol),
		Units:            units(req.Side, req.Quantity),
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		ClientExtensions: clientExtensions{ID: req.ClientOrderID},
	}
	if req.Kind == trading.Limit {
		if req.Price == nil {
			return broker.OrderAck{}, errs.Errorf(errs.UserInput, op, "limit order without price")
		}
		spec.Type = "LIMIT"
		spec.TimeInForce = "GTC"
		spec.Price = strconv.FormatFloat(*req.Price, 'f', -1, 64)
	}

	var resp createResponse
	code, raw, err := c.client.do(ctx, http.MethodPost, c.client.accountPath("/orders"), map[string]any{"order": spec}, &resp)
	if err != nil {
		if _, classified := errs.KindOf(err); classified {
			return broker.OrderAck{}, err
		}
		// 4xx bodies carry the reject transaction
		if code >= 400 && decodeInto(raw, &resp) == nil && resp.OrderRejectTransaction != nil {
			return broker.OrderAck{}, errs.Errorf(errs.UserInput, op, "rejected: %s", resp.OrderRejectTransaction.RejectReason)
		}
		return broker.OrderAck{}, errs.E(errs.UserInput, op, err)
	}

	bid := resp.OrderCreateTransaction.ID
	if bid == "" {
		return broker.OrderAck{}, errs.Errorf(errs.ExternalFailure, op, "no order id in response")
	}
	c.track(bid, req.ClientOrderID, req.Quantity)

	ack := broker.OrderAck{BrokerOrderID: bid, Status: broker.StatusSubmitted}
	if tx := resp.OrderFillTransaction; tx != nil {
		if u, ok := c.apply(*tx); ok {
			ack.Status = u.Status
			c.emit(u)
		}
	}
	if tx := resp.OrderCancelTransaction; tx != nil {
		// FOK market orders that cannot fill come back cancelled
		if u, ok := c.apply(*tx); ok {
			ack.Status = u.Status
			c.emit(u)
		}
	}
	return ack, nil
}

func (c *Connector) existing(ctx context.Context, clientID string) (broker.OrderAck, bool, error) {
	if clientID == "" {
		return broker.OrderAck{}, false, nil
	}
	c.mu.Lock()
	bid, ok := c.byClient[clientID]
	c.mu.Unlock()
	if ok {
		return broker.OrderAck{BrokerOrderID: bid, Status: broker.StatusSubmitted}, true, nil
	}

	o, err := c.client.order(ctx, "@"+clientID)
	if errors.Is(err, ErrNotFound) {
		return broker.OrderAck{}, false, nil
	}
	if err != nil {
		return broker.OrderAck{}, false, err
	}
	qty, _ := strconv.ParseFloat(o.Units, 64)
	c.track(o.ID, clientID, math.Abs(qty))
	return broker.OrderAck{BrokerOrderID: o.ID, Status: o.status()}, true, nil
}

func (c *Connector) track(bid, clientID string, qty float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientID != "" {
		c.byClient[clientID] = bid
	}
	if _, ok := c.orders[bid]; !ok {
		c.orders[bid] = &fills{clientID: clientID, requested: qty}
	}
}

func (c *Connector) CancelOrder(ctx context.Context, brokerOrderID string) error {
	var resp struct {
		OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
	}
	_, _, err := c.client.do(ctx, http.MethodPut, c.client.accountPath("/orders/%s/cancel", brokerOrderID), nil, &resp)
	if err != nil {
		if _, classified := errs.KindOf(err); !classified {
			err = errs.E(errs.UserInput, "oanda.CancelOrder", err)
		}
		return err
	}
	if tx := resp.OrderCancelTransaction; tx != nil {
		if u, ok := c.apply(*tx); ok {
			c.emit(u)
		}
	}
	return nil
}

// OrderStatus reads the order and, for a filled one, its fill transaction.
func (c *Connector) OrderStatus(ctx context.Context, brokerOrderID string) (broker.OrderUpdate, error) {
	o, err := c.client.order(ctx, brokerOrderID)
	if err != nil {
		return broker.OrderUpdate{}, err
	}
	u := broker.OrderUpdate{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientExtensions.ID,
		Status:        o.status(),
		Time:          time.Now().UTC(),
	}
	if u.Status == broker.StatusFilled && o.FillingTransactionID != "" {
		tx, err := c.client.transaction(ctx, o.FillingTransactionID)
		if err != nil {
			return broker.OrderUpdate{}, err
		}
		qty := math.Abs(parse(tx.Units))
		u.FilledQuantity, u.AveragePrice = qty, parse(tx.Price)
		u.ExecutionID = tx.ID
		u.LastQuantity, u.LastPrice = qty, u.AveragePrice
		u.Commission = math.Abs(parse(tx.Commission))
		u.Time = tx.time()
	}
	return u, nil
}

type positionSide struct {
	Units        string `json:"units"`
	AveragePrice string `json:"averagePrice"`
}

func (c *Connector) Positions(ctx context.Context) ([]broker.Position, error) {
	var resp struct {
		Positions []struct {
			Instrument string       `json:"instrument"`
			Long       positionSide `json:"long"`
			Short      positionSide `json:"short"`
		} `json:"positions"`
	}
	if _, _, err := c.client.do(ctx, http.MethodGet, c.client.accountPath("/openPositions"), nil, &resp); err != nil {
		return nil, err
	}
	var out []broker.Position
	for _, p := range resp.Positions {
		if q := parse(p.Long.Units); q != 0 {
			out = append(out, broker.Position{Symbol: p.Instrument, Side: trading.Long, Quantity: q, EntryPrice: parse(p.Long.AveragePrice)})
		}
		if q := math.Abs(parse(p.Short.Units)); q != 0 {
			out = append(out, broker.Position{Symbol: p.Instrument, Side: trading.Short, Quantity: q, EntryPrice: parse(p.Short.AveragePrice)})
		}
	}
	return out, nil
}

func (c *Connector) handle(tx transaction) {
	if u, ok := c.apply(tx); ok {
		c.emit(u)
	}
}

// apply folds a transaction into the order's fill state and reports the
// resulting update. Transactions already seen and ones for orders this
// connector did not place are ignored.
func (c *Connector) apply(tx transaction) (broker.OrderUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.ID != "" && c.seen[tx.ID] {
		return broker.OrderUpdate{}, false
	}
	bid := tx.OrderID
	if bid == "" && tx.ClientOrderID != "" {
		bid = c.byClient[tx.ClientOrderID]
	}
	f, ok := c.orders[bid]
	if !ok {
		return broker.OrderUpdate{}, false
	}
	if tx.ID != "" {
		c.seen[tx.ID] = true
	}

	u := broker.OrderUpdate{
		BrokerOrderID: bid,
		ClientOrderID: f.clientID,
		Time:          tx.time(),
	}
	switch tx.Type {
	case "ORDER_FILL":
		qty := math.Abs(parse(tx.Units))
		price := parse(tx.Price)
		f.filled += qty
		f.notional += qty * price
		u.ExecutionID = tx.ID
		u.LastQuantity, u.LastPrice = qty, price
		u.Commission = math.Abs(parse(tx.Commission))
		u.Status = broker.StatusPartial
		if f.filled >= f.requested {
			u.Status = broker.StatusFilled
		}
	case "ORDER_CANCEL":
		u.Status = broker.StatusCancelled
		u.Reason = tx.Reason
	case "MARKET_ORDER_REJECT", "LIMIT_ORDER_REJECT":
		u.Status = broker.StatusRejected
		u.Reason = tx.RejectReason
	default:
		return broker.OrderUpdate{}, false
	}
	u.FilledQuantity = f.filled
	if f.filled > 0 {
		u.AveragePrice = f.notional / f.filled
	}
	return u, true
}

func (c *Connector) emit(u broker.OrderUpdate) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func parse(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *Client) order(ctx context.Context, specifier string) (apiOrder, error) {
	var resp struct {
		Order apiOrder `json:"order"`
	}
	if _, _, err := c.do(ctx, http.MethodGet, c.accountPath("/orders/%s", specifier), nil, &resp); err != nil {
		return apiOrder{}, err
	}
	return resp.Order, nil
}

func (c *Client) transaction(ctx context.Context, id string) (transaction, error) {
	var resp struct {
		Transaction transaction `json:"transaction"`
	}
	if _, _, err := c.do(ctx, http.MethodGet, c.accountPath("/transactions/%s", id), nil, &resp); err != nil {
		return transaction{}, err
	}
	return resp.Transaction, nil
}

type apiOrder struct {
	ID                   string           `json:"id"`
	State                string           `json:"state"`
	Units                string           `json:"units"`
	FillingTransactionID string           `json:"fillingTransactionID"`
	ClientExtensions     clientExtensions `json:"clientExtensions"`
}

func (o apiOrder) status() broker.Status {
	switch o.State {
	case "FILLED":
		return broker.StatusFilled
	case "CANCELLED":
		return broker.StatusCancelled
	default:
		return broker.StatusSubmitted
	}
}
