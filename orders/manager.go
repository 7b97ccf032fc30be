package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/id"
	"github.com/rustyeddy/algotrader/journal"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/risk"
	"github.com/rustyeddy/algotrader/sim"
	"github.com/rustyeddy/algotrader/store"
	"github.com/rustyeddy/algotrader/symbols"
	"github.com/rustyeddy/algotrader/trading"
)

type Config struct {
	Paper sim.Config `yaml:"paper" json:"paper"`
	// PendingTimeout is how long a live order may sit pending or submitted
	// before its status is polled.
	PendingTimeout time.Duration `yaml:"pending_timeout" json:"pending_timeout"`
	// CancelOnTimeout cancels a timed out order instead of only polling it.
	CancelOnTimeout bool `yaml:"cancel_on_timeout" json:"cancel_on_timeout"`
	// PollRate caps status polls per second across all accounts.
	PollRate float64            `yaml:"poll_rate" json:"poll_rate"`
	Retry    broker.RetryConfig `yaml:"retry" json:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Paper:          sim.DefaultConfig(),
		PendingTimeout: 30 * time.Second,
		PollRate:       5,
		Retry:          broker.DefaultRetry(),
	}
}

// Options wires the manager's collaborators. Store, Journal and Bus are
// optional.
type Options struct {
	Config  Config
	Symbols symbols.Mapper
	Risk    *risk.Tracker
	Store   store.Store
	Journal journal.Journal
	Bus     *events.Bus
	Log     *zap.Logger
	Now     func() time.Time
}

// Manager is safe for concurrent use. Its lock is never held across a call
// into the book, the paper engine, a connector or the pauser.
type Manager struct {
	cfg     Config
	symbols symbols.Mapper
	book    *positions.Book
	paper   *sim.Engine
	risk    *risk.Tracker
	store   store.Store
	journal journal.Journal
	bus     *events.Bus
	log     *zap.Logger
	ids     *id.Generator
	now     func() time.Time
	limiter *rate.Limiter

	mu         sync.Mutex
	orders     map[string]*Order
	inFlight   map[string]struct{}
	byBroker   map[string]string // broker order id -> order id
	exiting    map[positions.Key]string
	connectors map[string]broker.Connector
	pauser     Pauser

	placing sync.WaitGroup
}

func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultConfig().PendingTimeout
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultConfig().PollRate
	}
	if opts.Symbols == nil {
		opts.Symbols = symbols.Permissive()
	}
	if opts.Risk == nil {
		opts.Risk = risk.NewTracker(risk.Limits{})
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		cfg:        cfg,
		symbols:    opts.Symbols,
		book:       positions.NewBook(),
		paper:      sim.NewEngine(cfg.Paper),
		risk:       opts.Risk,
		store:      opts.Store,
		journal:    opts.Journal,
		bus:        opts.Bus,
		log:        opts.Log.Named("orders"),
		ids:        id.NewGenerator(opts.Now),
		now:        opts.Now,
		limiter:    rate.NewLimiter(rate.Limit(cfg.PollRate), 1),
		orders:     make(map[string]*Order),
		inFlight:   make(map[string]struct{}),
		byBroker:   make(map[string]string),
		exiting:    make(map[positions.Key]string),
		connectors: make(map[string]broker.Connector),
	}
}

// SetPauser installs the component paused on a loss-limit breach.
func (m *Manager) SetPauser(p Pauser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauser = p
}

// AddConnector routes live orders of account through conn and subscribes
// to its order updates.
func (m *Manager) AddConnector(account string, conn broker.Connector) {
	m.mu.Lock()
	m.connectors[account] = conn
	m.mu.Unlock()
	conn.OnOrderUpdate(func(u broker.OrderUpdate) {
		if err := m.HandleOrderUpdate(u); err != nil {
			m.log.Error("order update rejected",
				zap.String("account", account),
				zap.String("broker_order_id", u.BrokerOrderID),
				zap.Error(err))
		}
	})
}

func (m *Manager) connector(account string) (broker.Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[account]
	return c, ok
}

// Submit validates req and sends it for execution. Exit quantities are
// capped to the open position. Entries are refused while the account's loss
// limit is breached. The returned order reflects the state right after
// submission; a marketable paper order is already filled.
func (m *Manager) Submit(ctx context.Context, req Request) (Order, error) {
	o, err := m.accept(req)
	if err != nil {
		return Order{}, err
	}
	if o.Mode == trading.Paper {
		err = m.submitPaper(o)
	} else {
		err = m.submitLive(ctx, o)
	}
	if err != nil {
		m.reject(o.ID, err.Error())
	}
	return m.snapshot(o.ID), err
}

// accept validates req and records it as a pending order, reserving the
// position's exit slot for exits.
func (m *Manager) accept(req Request) (*Order, error) {
	const op = "orders.Submit"
	sig := req.Signal

	if !req.Mode.Valid() {
		return nil, errs.Errorf(errs.UserInput, op, "unknown mode %q", req.Mode)
	}
	if req.Account == "" {
		return nil, errs.Errorf(errs.UserInput, op, "empty account")
	}
	if err := sig.Validate(); err != nil {
		return nil, errs.E(errs.UserInput, op, err)
	}
	if !m.symbols.Known(sig.Symbol) {
		return nil, errs.E(errs.UserInput, op, fmt.Errorf("%w: %s", symbols.ErrUnknownSymbol, sig.Symbol))
	}
	if sig.Type == trading.Entry {
		if err := m.risk.CanActivate(req.Account, req.Mode); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	o := &Order{
		ID:          m.ids.Next(id.Order),
		Account:     req.Account,
		InstanceID:  req.InstanceID,
		Mode:        req.Mode,
		Symbol:      sig.Symbol,
		Type:        sig.Type,
		Direction:   sig.Direction,
		Side:        sig.Side(),
		Kind:        sig.Kind,
		Quantity:    sig.Quantity,
		Price:       sig.Price,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
		TrailingPct: sig.TrailingPct,
		Reason:      sig.Reason,
		State:       Pending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if sig.Type == trading.Exit {
		pos, ok := m.book.Get(o.positionKey())
		if !ok || pos.Side != sig.Direction {
			return nil, errs.E(errs.UserInput, op, fmt.Errorf("%w: %s %s %s", ErrNoPosition, req.InstanceID, sig.Symbol, sig.Direction))
		}
		o.Quantity = math.Min(o.Quantity, pos.Quantity)
	}

	m.mu.Lock()
	if o.Type == trading.Exit {
		k := o.positionKey()
		if prev, busy := m.exiting[k]; busy {
			m.mu.Unlock()
			return nil, errs.Errorf(errs.UserInput, op, "exit %s already in flight for %s", prev, sig.Symbol)
		}
		m.exiting[k] = o.ID
	}
	m.orders[o.ID] = o
	m.inFlight[o.ID] = struct{}{}
	m.mu.Unlock()

	m.log.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("account", o.Account),
		zap.String("mode", string(o.Mode)),
		zap.String("instance_id", o.InstanceID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("kind", string(o.Kind)),
		zap.Float64("quantity", o.Quantity),
		zap.String("reason", o.Reason))

	return o, nil
}

func (m *Manager) submitPaper(o *Order) error {
	so := sim.Order{
		ID:       o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Kind:     o.Kind,
		Placed:   o.CreatedAt,
	}
	if o.Price != nil {
		so.Limit = *o.Price
	}
	f, err := m.paper.Submit(so)
	if err != nil {
		if errors.Is(err, sim.ErrNoPrice) {
			return errs.E(errs.UserInput, "orders.submitPaper", fmt.Errorf("%w: %s", ErrNoPrice, o.Symbol))
		}
		return errs.E(errs.UserInput, "orders.submitPaper", err)
	}
	if f == nil {
		m.publishOrder(o.ID)
		return nil
	}
	m.applyFill(o.ID, fillOf(*f))
	return nil
}

func (m *Manager) submitLive(ctx context.Context, o *Order) error {
	const op = "orders.submitLive"
	conn, ok := m.connector(o.Account)
	if !ok {
		return errs.E(errs.ExternalFailure, op, fmt.Errorf("%w: %s", ErrNoConnector, o.Account))
	}
	sym, err := m.symbols.ToBroker(o.Symbol, conn.Name())
	if err != nil {
		return errs.E(errs.UserInput, op, err)
	}
	req := broker.OrderRequest{
		ClientOrderID: o.ID,
		Symbol:        sym,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Kind:          o.Kind,
		Price:         o.Price,
	}

	var ack broker.OrderAck
	err = broker.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		var err error
		ack, err = conn.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		if _, classified := errs.KindOf(err); !classified {
			err = errs.E(errs.ExternalFailure, op, err)
		}
		return err
	}

	m.mu.Lock()
	m.byBroker[ack.BrokerOrderID] = o.ID
	if o.BrokerOrderID == "" {
		o.BrokerOrderID = ack.BrokerOrderID
	}
	// a fill callback may already have advanced the order
	if o.State == Pending {
		o.State = stateOf(ack.Status)
		if o.State == Pending {
			o.State = Submitted
		}
		o.UpdatedAt = m.now().UTC()
	}
	m.mu.Unlock()
	m.publishOrder(o.ID)
	return nil
}

// reject moves a non-terminal order to rejected.
func (m *Manager) reject(orderID, reason string) {
	m.finish(orderID, Rejected, reason)
}

// finish moves a non-terminal order to a terminal state and releases its
// in-flight and exit slots.
func (m *Manager) finish(orderID string, st State, reason string) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.State.Terminal() {
		m.mu.Unlock()
		return
	}
	o.State = st
	o.RejectReason = reason
	o.UpdatedAt = m.now().UTC()
	m.releaseLocked(o)
	m.mu.Unlock()

	if st == Rejected {
		m.log.Warn("order rejected", zap.String("order_id", orderID), zap.String("reason", reason))
	}
	m.publishOrder(orderID)
}

func (m *Manager) releaseLocked(o *Order) {
	delete(m.inFlight, o.ID)
	m.book.Forget(o.ID)
	if k := o.positionKey(); m.exiting[k] == o.ID {
		delete(m.exiting, k)
	}
}

func (m *Manager) snapshot(orderID string) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}
	}
	return *o
}

// Order returns the order with id orderID.
func (m *Manager) Order(orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return *o, nil
}

// Orders lists the orders of (account, mode), oldest first.
func (m *Manager) Orders(account string, mode trading.Mode) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Account == account && o.Mode == mode {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InFlight counts orders that have not reached a terminal state.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Cancel cancels a resting paper order or asks the broker to cancel a live
// one. The live order becomes cancelled when the broker confirms.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	const op = "orders.Cancel"
	o, err := m.Order(orderID)
	if err != nil {
		return errs.E(errs.UserInput, op, err)
	}
	if o.State.Terminal() {
		return errs.E(errs.UserInput, op, fmt.Errorf("%w: %s is %s", ErrNotCancelable, orderID, o.State))
	}

	if o.Mode == trading.Paper {
		if err := m.paper.Cancel(orderID); err != nil {
			return errs.E(errs.UserInput, op, err)
		}
		m.finish(orderID, Cancelled, "cancelled")
		return nil
	}

	conn, ok := m.connector(o.Account)
	if !ok {
		return errs.E(errs.ExternalFailure, op, fmt.Errorf("%w: %s", ErrNoConnector, o.Account))
	}
	if o.BrokerOrderID == "" {
		return errs.E(errs.UserInput, op, fmt.Errorf("%w: %s has no broker id yet", ErrNotCancelable, orderID))
	}
	return broker.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		return conn.CancelOrder(ctx, o.BrokerOrderID)
	})
}

// Positions lists the open positions of (account, mode).
func (m *Manager) Positions(account string, mode trading.Mode) []positions.Position {
	return m.book.Positions(account, mode)
}

// Position returns the open position of one instance on symbol.
func (m *Manager) Position(account string, mode trading.Mode, instanceID, symbol string) (positions.Position, bool) {
	return m.book.Get(positions.Key{Mode: mode, Account: account, Instance: instanceID, Symbol: symbol})
}

func (m *Manager) RiskState(account string, mode trading.Mode) risk.State {
	return m.risk.State(account, mode)
}

// CanActivate reports whether new activity is allowed for (account, mode).
func (m *Manager) CanActivate(account string, mode trading.Mode) error {
	return m.risk.CanActivate(account, mode)
}

// AcknowledgeBreach clears a breach, optionally with a new limit.
func (m *Manager) AcknowledgeBreach(ctx context.Context, account string, mode trading.Mode, newLimit *float64) (risk.State, error) {
	st, err := m.risk.Acknowledge(account, mode, newLimit)
	if err != nil {
		return risk.State{}, err
	}
	m.log.Info("loss limit breach acknowledged",
		zap.String("account", account),
		zap.String("mode", string(mode)),
		zap.Float64("max_loss_limit", st.MaxLossLimit))
	m.persistRisk(ctx, st)
	m.bus.Publish(events.Event{Kind: events.RiskUpdated, Account: account, Mode: mode, Payload: st})
	return st, nil
}

// SetLossLimit installs a new limit. A limit at or below the current loss
// breaches immediately and pauses the account.
func (m *Manager) SetLossLimit(ctx context.Context, account string, mode trading.Mode, limit float64) (risk.State, error) {
	st, breached, err := m.risk.SetLimit(account, mode, limit)
	if err != nil {
		return risk.State{}, err
	}
	m.persistRisk(ctx, st)
	m.bus.Publish(events.Event{Kind: events.RiskUpdated, Account: account, Mode: mode, Payload: st})
	if breached {
		m.breach(st)
	}
	return st, nil
}

// refreshRisk recomputes the loss of (account, mode) from the book and
// pauses the account on a new breach.
func (m *Manager) refreshRisk(ctx context.Context, account string, mode trading.Mode) risk.State {
	realized, unrealized := m.book.Totals(account, mode)
	st, breached := m.risk.Update(account, mode, realized, unrealized)
	m.bus.Publish(events.Event{Kind: events.RiskUpdated, Account: account, Mode: mode, Payload: st})
	if breached {
		m.persistRisk(ctx, st)
		m.breach(st)
	}
	return st
}

func (m *Manager) breach(st risk.State) {
	m.log.Warn("loss limit breached",
		zap.String("account", st.Account),
		zap.String("mode", string(st.Mode)),
		zap.Float64("current_loss", st.CurrentLoss),
		zap.Float64("max_loss_limit", st.MaxLossLimit))
	m.bus.Publish(events.Event{Kind: events.RiskBreached, Account: st.Account, Mode: st.Mode, Payload: st})

	m.mu.Lock()
	p := m.pauser
	m.mu.Unlock()
	if p == nil {
		return
	}
	paused := p.PauseAll(st.Account, st.Mode, "loss limit breached")
	m.log.Info("instances paused on breach",
		zap.String("account", st.Account),
		zap.String("mode", string(st.Mode)),
		zap.Strings("instances", paused))
}

func (m *Manager) publishOrder(orderID string) {
	o := m.snapshot(orderID)
	m.persistOrder(context.Background(), o)
	m.bus.Publish(events.Event{Kind: events.OrderUpdated, Account: o.Account, Mode: o.Mode, Payload: o})
}
