// Package engine wires the market data engine, the strategy orchestrator and
// the order manager into one running trading engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/config"
	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/feed"
	"github.com/rustyeddy/algotrader/journal"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/marketdata"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/orchestrator"
	"github.com/rustyeddy/algotrader/orders"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/risk"
	"github.com/rustyeddy/algotrader/store"
	"github.com/rustyeddy/algotrader/strategies"
	"github.com/rustyeddy/algotrader/symbols"
	"github.com/rustyeddy/algotrader/trading"
)

// Pause reasons recorded on instances the engine pauses itself.
const (
	FeedDown   = "feed down"
	BrokerDown = "broker down"
)

// Options wires the engine's collaborators. Everything but Config is
// optional.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Journal  journal.Journal
	Bus      *events.Bus
	Symbols  symbols.Mapper
	Registry *strategies.Registry
	Log      *zap.Logger
	Now      func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	log    *zap.Logger
	bus    *events.Bus
	market *marketdata.Engine
	orders *orders.Manager
	orch   *orchestrator.Orchestrator

	lanes []chan market.Tick

	mu           sync.Mutex
	supervisors  []*broker.Supervisor
	brokerPaused map[string][]string
	feedPaused   []string
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Symbols == nil {
		opts.Symbols = symbols.Permissive()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	md := marketdata.New(cfg.Market, opts.Store, opts.Bus, opts.Log)
	om := orders.New(orders.Options{
		Config: orders.Config{
			Paper:           cfg.Paper,
			PendingTimeout:  cfg.Live.PendingTimeout,
			CancelOnTimeout: cfg.Live.CancelOnTimeout,
			PollRate:        cfg.Live.PollRate,
			Retry:           cfg.Retry,
		},
		Symbols: opts.Symbols,
		Risk:    risk.NewTracker(cfg.Risk.MaxLoss),
		Store:   opts.Store,
		Journal: opts.Journal,
		Bus:     opts.Bus,
		Log:     opts.Log,
		Now:     opts.Now,
	})
	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg.Orchestrator,
		Registry:  opts.Registry,
		Snapshots: mtf.NewProvider(md),
		Orders:    om,
		Market:    md,
		Symbols:   opts.Symbols,
		Store:     opts.Store,
		Bus:       opts.Bus,
		Log:       opts.Log,
		Now:       opts.Now,
	})
	om.SetPauser(orch)

	n := cfg.Engine.Lanes
	if n <= 0 {
		n = 1
	}
	buf := cfg.Engine.LaneBuffer
	if buf <= 0 {
		buf = 1024
	}
	lanes := make([]chan market.Tick, n)
	for i := range lanes {
		lanes[i] = make(chan market.Tick, buf)
	}

	return &Engine{
		cfg:          cfg,
		log:          opts.Log.Named("engine"),
		bus:          opts.Bus,
		market:       md,
		orders:       om,
		orch:         orch,
		lanes:        lanes,
		brokerPaused: make(map[string][]string),
	}
}

// Market exposes the market data engine for read-only queries.
func (e *Engine) Market() *marketdata.Engine { return e.market }

// AddBroker routes live orders of account through conn. The session is
// opened and supervised by Start.
func (e *Engine) AddBroker(account string, conn broker.Connector) {
	e.orders.AddConnector(account, conn)
	sup := broker.NewSupervisor(account, conn, e.cfg.Retry, broker.Hooks{
		OnDown:     e.brokerDown,
		OnRestored: e.brokerRestored,
		OnEscalate: e.escalate,
	}, e.log)
	e.mu.Lock()
	e.supervisors = append(e.supervisors, sup)
	e.mu.Unlock()
}

// Start connects every broker, restores state from the store and activates
// the configured instances when nothing was restored. Restored instances
// come back paused.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	sups := append([]*broker.Supervisor(nil), e.supervisors...)
	e.mu.Unlock()
	for _, s := range sups {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}

	if err := e.orders.Restore(ctx); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	n, err := e.orch.Restore(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		for i, ic := range e.cfg.Instances {
			id, err := e.orch.Activate(ctx, ic)
			if err != nil {
				return fmt.Errorf("instances[%d] %s: %w", i, ic.Strategy, err)
			}
			e.log.Info("instance activated", zap.String("instance", id), zap.String("strategy", ic.Strategy))
		}
	} else {
		e.log.Info("instances restored paused", zap.Int("count", n))
	}
	if err := e.market.Restore(ctx); err != nil {
		return fmt.Errorf("restore market data: %w", err)
	}
	return nil
}

// Run feeds ticks from src through the lanes until src ends or ctx is done.
// The order poller runs alongside. Run returns after every lane drained and
// may be called once.
func (e *Engine) Run(ctx context.Context, src feed.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	pollCtx, stopPoll := context.WithCancel(gctx)
	defer stopPoll()

	for _, lane := range e.lanes {
		g.Go(func() error {
			for t := range lane {
				e.process(gctx, t)
			}
			return nil
		})
	}
	g.Go(func() error {
		return e.orders.RunPoller(pollCtx, e.cfg.Live.PollInterval)
	})
	g.Go(func() error {
		defer stopPoll()
		defer e.closeLanes()
		e.log.Info("feed started", zap.String("source", src.Name()))
		err := src.Run(gctx, e.handle)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("feed %s: %w", src.Name(), err)
		}
		e.log.Info("feed ended", zap.String("source", src.Name()))
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) closeLanes() {
	for _, lane := range e.lanes {
		close(lane)
	}
}

// handle is the feed handler: it queues t on its symbol's lane so one
// symbol's ticks are processed in arrival order.
func (e *Engine) handle(ctx context.Context, t market.Tick) error {
	select {
	case e.lanes[e.lane(t.Symbol)] <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lane(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(e.lanes)))
}

// process runs one tick through the chain: candles, then positions and
// risk, then strategy dispatch.
func (e *Engine) process(ctx context.Context, t market.Tick) {
	completed, err := e.market.Ingest(ctx, t)
	switch {
	case errors.Is(err, market.ErrStaleTick):
		return
	case err != nil:
		e.log.Warn("tick rejected", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	e.orders.OnTick(ctx, t)
	for _, c := range completed {
		e.orch.OnCandle(c)
	}
	e.orch.OnTick(t)
}

// FeedHooks pauses every running instance while the feed is down and
// resumes them once it is restored.
func (e *Engine) FeedHooks() feed.Hooks {
	return feed.Hooks{
		OnDown: func(source string, err error) {
			ids := e.orch.PauseEverything(FeedDown)
			e.mu.Lock()
			e.feedPaused = append(e.feedPaused, ids...)
			e.mu.Unlock()
			e.log.Warn("feed down; instances paused", zap.String("source", source), zap.Strings("instances", ids), zap.Error(err))
			e.bus.Publish(events.Event{Kind: events.FeedDown, Payload: source})
		},
		OnRestored: func(source string) {
			e.mu.Lock()
			ids := e.feedPaused
			e.feedPaused = nil
			e.mu.Unlock()
			resumed := e.orch.ResumeIDs(ids, FeedDown)
			e.log.Info("feed restored", zap.String("source", source), zap.Strings("resumed", resumed))
			e.bus.Publish(events.Event{Kind: events.FeedRestored, Payload: source})
		},
		OnEscalate: e.escalate,
	}
}

func (e *Engine) brokerDown(account string, err error) {
	ids := e.orch.PauseAll(account, trading.Live, BrokerDown)
	e.mu.Lock()
	e.brokerPaused[account] = append(e.brokerPaused[account], ids...)
	e.mu.Unlock()
	e.log.Warn("broker down; live instances paused", zap.String("account", account), zap.Strings("instances", ids), zap.Error(err))
	e.bus.Publish(events.Event{Kind: events.BrokerDown, Account: account, Mode: trading.Live})
}

func (e *Engine) brokerRestored(account string) {
	e.mu.Lock()
	ids := e.brokerPaused[account]
	delete(e.brokerPaused, account)
	e.mu.Unlock()
	resumed := e.orch.ResumeIDs(ids, BrokerDown)
	e.log.Info("broker restored", zap.String("account", account), zap.Strings("resumed", resumed))
	e.bus.Publish(events.Event{Kind: events.BrokerRestored, Account: account, Mode: trading.Live})
}

// escalate leaves paused instances paused; an operator has to step in.
func (e *Engine) escalate(name string, err error) {
	e.log.Error("manual intervention required", zap.String("component", name), zap.Error(err))
	e.bus.Publish(events.Event{Kind: events.Escalation, Payload: map[string]string{"component": name, "error": err.Error()}})
}

// History serves completed candles for seeding empty series.
type History interface {
	Candles(ctx context.Context, symbol string, tf market.Timeframe, count int) ([]market.Candle, error)
}

// Backfill seeds every subscribed, still empty series of the running
// instances with count candles from h. Failures are logged per series and
// the total seeded is returned.
func (e *Engine) Backfill(ctx context.Context, h History, count int) int {
	seen := make(map[market.Key]bool)
	total := 0
	for _, info := range e.orch.Instances() {
		for _, sym := range info.Config.Symbols {
			for _, tf := range info.Config.Timeframes {
				k := market.Key{Symbol: sym, Timeframe: tf}
				if seen[k] {
					continue
				}
				seen[k] = true
				candles, err := h.Candles(ctx, sym, tf, count)
				if err != nil {
					e.log.Warn("backfill fetch failed", zap.String("series", k.String()), zap.Error(err))
					continue
				}
				n, err := e.market.Backfill(sym, tf, candles)
				if err != nil {
					e.log.Warn("backfill failed", zap.String("series", k.String()), zap.Error(err))
					continue
				}
				total += n
			}
		}
	}
	e.log.Info("backfill done", zap.Int("candles", total))
	return total
}

// Activate starts a strategy instance for (account, mode).
func (e *Engine) Activate(ctx context.Context, account string, mode trading.Mode, cfg orchestrator.InstanceConfig) (string, error) {
	cfg.Account, cfg.Mode = account, mode
	return e.orch.Activate(ctx, cfg)
}

func (e *Engine) Pause(instanceID string) error  { return e.orch.Pause(instanceID) }
func (e *Engine) Resume(instanceID string) error { return e.orch.Resume(instanceID) }
func (e *Engine) Stop(instanceID string) error   { return e.orch.Stop(instanceID) }

func (e *Engine) Instance(instanceID string) (orchestrator.Info, error) {
	return e.orch.Instance(instanceID)
}

func (e *Engine) Instances() []orchestrator.Info { return e.orch.Instances() }

func (e *Engine) Positions(account string, mode trading.Mode) []positions.Position {
	return e.orders.Positions(account, mode)
}

func (e *Engine) Orders(account string, mode trading.Mode) []orders.Order {
	return e.orders.Orders(account, mode)
}

func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	return e.orders.Cancel(ctx, orderID)
}

func (e *Engine) RiskState(account string, mode trading.Mode) risk.State {
	return e.orders.RiskState(account, mode)
}

// AcknowledgeBreach clears a breach, optionally raising the limit. The
// account breaches again on the next tick if its loss is still at or over
// the limit.
func (e *Engine) AcknowledgeBreach(ctx context.Context, account string, mode trading.Mode, newLimit *float64) (risk.State, error) {
	return e.orders.AcknowledgeBreach(ctx, account, mode, newLimit)
}

func (e *Engine) SetLossLimit(ctx context.Context, account string, mode trading.Mode, limit float64) (risk.State, error) {
	return e.orders.SetLossLimit(ctx, account, mode, limit)
}

// Idle reports whether every instance mailbox is drained.
func (e *Engine) Idle() bool { return e.orch.Idle() }

// Close stops the instances, waits for live exits still being placed and
// disconnects every broker.
func (e *Engine) Close(ctx context.Context) error {
	e.orch.Close()
	e.orders.Wait()
	defer e.market.Close()
	e.mu.Lock()
	sups := append([]*broker.Supervisor(nil), e.supervisors...)
	e.mu.Unlock()
	var errs []error
	for _, s := range sups {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Account(), err))
		}
	}
	return errors.Join(errs...)
}
