package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/orders"
	"github.com/rustyeddy/algotrader/strategies"
	"github.com/rustyeddy/algotrader/symbols"
	"github.com/rustyeddy/algotrader/trading"
)

// item is one unit of work in an instance mailbox: a tick or a completed
// candle.
type item struct {
	tick   *market.Tick
	candle *market.Candle
}

type instance struct {
	id        string
	cfg       InstanceConfig
	createdAt time.Time
	req       mtf.Request
	strat     strategies.Strategy
	log       *zap.Logger

	symbolSet map[string]bool
	tfSet     map[market.Timeframe]bool

	mu        sync.Mutex
	st        State
	lastErr   string
	pausedBy  string
	updatedAt time.Time

	// mailbox
	qmu     sync.Mutex
	queue   []item
	pending map[string]int // symbol -> index of its queued tick
	working bool
	wake    chan struct{}

	quit        chan struct{}
	done        chan struct{}
	cleanupOnce sync.Once
}

func newInstance(id string, cfg InstanceConfig, now time.Time) *instance {
	inst := &instance{
		id:        id,
		cfg:       cfg,
		createdAt: now,
		updatedAt: now,
		st:        Loading,
		symbolSet: make(map[string]bool, len(cfg.Symbols)),
		tfSet:     make(map[market.Timeframe]bool, len(cfg.Timeframes)),
		pending:   make(map[string]int),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       zap.NewNop(),
	}
	for _, s := range cfg.Symbols {
		inst.symbolSet[s] = true
	}
	for _, tf := range cfg.Timeframes {
		inst.tfSet[tf] = true
	}
	return inst
}

// wants reports whether the instance trades symbol and, for candles, is
// subscribed to tf. An empty tf matches any.
func (i *instance) wants(symbol string, tf market.Timeframe) bool {
	if !i.symbolSet[symbol] {
		return false
	}
	return tf == "" || i.tfSet[tf]
}

func (i *instance) state() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st
}

func (i *instance) info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:        i.id,
		Config:    i.cfg,
		State:     i.st,
		Error:     i.lastErr,
		PausedBy:  i.pausedBy,
		CreatedAt: i.createdAt,
		UpdatedAt: i.updatedAt,
	}
}

func (i *instance) set(st State, reason, errText string, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.st, i.pausedBy, i.lastErr, i.updatedAt = st, reason, errText, now
}

// transition moves from -> to and reports whether it happened.
func (i *instance) transition(from, to State, reason string, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.st != from {
		return false
	}
	i.st, i.updatedAt = to, now
	i.pausedBy = ""
	if to == Paused {
		i.pausedBy = reason
	}
	if to != Errored {
		i.lastErr = ""
	}
	return true
}

func (i *instance) fail(err error, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.st != Running {
		return false
	}
	i.st, i.lastErr, i.updatedAt = Errored, err.Error(), now
	return true
}

// stop marks the instance stopped and signals its goroutine. It reports
// false if it was already stopped or is still loading.
func (i *instance) stop(now time.Time) bool {
	i.mu.Lock()
	if i.st == Stopped || i.st == Loading {
		i.mu.Unlock()
		return false
	}
	i.st, i.pausedBy, i.updatedAt = Stopped, "", now
	i.mu.Unlock()
	close(i.quit)
	return true
}

func (i *instance) enqueue(it item) {
	i.qmu.Lock()
	if it.tick != nil {
		idx, ok := i.pending[it.tick.Symbol]
		if ok && idx == len(i.queue)-1 {
			i.queue[idx] = it
			i.qmu.Unlock()
			return
		}
		if ok {
			// a candle is queued behind the older tick; the newer tick must
			// follow it
			i.queue[idx] = item{}
		}
		i.pending[it.tick.Symbol] = len(i.queue)
	}
	i.queue = append(i.queue, it)
	i.qmu.Unlock()

	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// take hands the whole mailbox to the caller, in arrival order with
// superseded ticks removed.
func (i *instance) take() []item {
	i.qmu.Lock()
	defer i.qmu.Unlock()
	batch := i.queue[:0]
	for _, it := range i.queue {
		if it.tick != nil || it.candle != nil {
			batch = append(batch, it)
		}
	}
	i.queue = nil
	clear(i.pending)
	i.working = len(batch) > 0
	return batch
}

func (i *instance) idle() {
	i.qmu.Lock()
	i.working = false
	i.qmu.Unlock()
}

func (i *instance) busy() bool {
	i.qmu.Lock()
	defer i.qmu.Unlock()
	return i.working || len(i.queue) > 0
}

// run serializes every callback of one instance.
func (o *Orchestrator) run(inst *instance) {
	defer close(inst.done)
	for {
		select {
		case <-inst.quit:
			inst.take()
			inst.idle()
			return
		case <-inst.wake:
		}
		for _, it := range inst.take() {
			select {
			case <-inst.quit:
				inst.idle()
				return
			default:
			}
			o.dispatch(inst, it)
		}
		inst.idle()
	}
}

func (o *Orchestrator) dispatch(inst *instance, it item) {
	if inst.state() != Running {
		return
	}

	var trigger time.Time
	switch {
	case it.tick != nil:
		trigger = it.tick.Time
	case it.candle != nil:
		trigger = it.candle.End()
	default:
		return
	}

	snap, err := o.snapshots.Snapshot(inst.req, trigger)
	if err != nil {
		inst.log.Debug("snapshot unavailable", zap.Time("trigger", trigger), zap.Error(err))
		return
	}

	sig, err := o.callback(inst, it, snap)
	if err != nil {
		if inst.fail(err, o.now().UTC()) {
			inst.log.Error("strategy fault",
				zap.String("snapshot", snap.Summary()),
				zap.Error(err))
			o.changed(context.Background(), inst)
		}
		return
	}
	if sig == nil {
		return
	}
	o.forward(inst, *sig)
}

// callback invokes the strategy, turning errors and panics into
// StrategyFault errors.
func (o *Orchestrator) callback(inst *instance, it item, snap mtf.Snapshot) (sig *trading.Signal, err error) {
	const op = "orchestrator.callback"
	defer func() {
		if r := recover(); r != nil {
			inst.log.Debug("strategy panic", zap.ByteString("stack", debug.Stack()))
			sig, err = nil, errs.E(errs.StrategyFault, op, fmt.Errorf("panic: %v", r))
		}
	}()

	if it.tick != nil {
		sig, err = inst.strat.OnTick(*it.tick, snap)
	} else {
		sig, err = inst.strat.OnCandleComplete(*it.candle, snap)
	}
	if err != nil {
		return nil, errs.E(errs.StrategyFault, op, err)
	}
	return sig, nil
}

// forward validates a signal and hands it to the order manager. Invalid
// signals are dropped and logged without touching the instance.
func (o *Orchestrator) forward(inst *instance, sig trading.Signal) {
	log := inst.log.With(
		zap.String("signal", string(sig.Type)),
		zap.String("direction", string(sig.Direction)),
		zap.String("symbol", sig.Symbol),
		zap.Float64("quantity", sig.Quantity))

	if err := o.checkSignal(inst, sig); err != nil {
		log.Warn("signal dropped", zap.Error(err))
		return
	}
	if inst.state() != Running {
		log.Info("signal discarded", zap.String("reason", "instance no longer running"))
		return
	}

	ord, err := o.orders.Submit(o.ctx, orders.Request{
		Account:    inst.cfg.Account,
		InstanceID: inst.id,
		Mode:       inst.cfg.Mode,
		Signal:     sig,
	})
	if err != nil {
		kind, _ := errs.KindOf(err)
		log.Warn("order not placed", zap.String("order_id", ord.ID), zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	log.Debug("order submitted", zap.String("order_id", ord.ID), zap.String("state", string(ord.State)))
}

func (o *Orchestrator) checkSignal(inst *instance, sig trading.Signal) error {
	const op = "orchestrator.checkSignal"
	if err := sig.Validate(); err != nil {
		return errs.E(errs.UserInput, op, err)
	}
	if !o.symbols.Known(sig.Symbol) {
		return errs.E(errs.UserInput, op, fmt.Errorf("%w: %s", symbols.ErrUnknownSymbol, sig.Symbol))
	}
	if !inst.symbolSet[sig.Symbol] {
		return errs.Errorf(errs.UserInput, op, "symbol %s is not traded by this instance", sig.Symbol)
	}
	return nil
}
