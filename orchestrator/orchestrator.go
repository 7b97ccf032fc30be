// Package orchestrator runs strategy instances: it owns their lifecycle,
// serializes their callbacks, gates activation on risk and concurrency, and
// forwards the signals they emit to the order manager.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/id"
	"github.com/rustyeddy/algotrader/indicators"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/orders"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/store"
	"github.com/rustyeddy/algotrader/strategies"
	"github.com/rustyeddy/algotrader/symbols"
	"github.com/rustyeddy/algotrader/trading"
)

var (
	ErrLimitExceeded     = errors.New("concurrent instance limit reached")
	ErrInvalidTransition = errors.New("invalid instance state transition")
	ErrNotFound          = errors.New("instance not found")
)

type State string

const (
	Loading State = "loading"
	Running State = "running"
	Paused  State = "paused"
	Stopped State = "stopped"
	Errored State = "error"
)

// Limits caps non-stopped instances per (account, mode). 0 means no limit.
type Limits struct {
	Paper int `yaml:"paper" json:"paper"`
	Live  int `yaml:"live" json:"live"`
}

func (l Limits) For(m trading.Mode) int {
	if m == trading.Live {
		return l.Live
	}
	return l.Paper
}

type Config struct {
	MaxInstances Limits `yaml:"max_instances" json:"max_instances"`
	Lookback     int    `yaml:"lookback" json:"lookback"`
}

// InstanceConfig is what a caller supplies to activate a strategy.
type InstanceConfig struct {
	Strategy   string             `yaml:"strategy" json:"strategy"`
	Account    string             `yaml:"account" json:"account"`
	Mode       trading.Mode       `yaml:"mode" json:"mode"`
	Symbols    []string           `yaml:"symbols" json:"symbols"`
	Timeframes []market.Timeframe `yaml:"timeframes" json:"timeframes"`
	Lookback   int                `yaml:"lookback,omitempty" json:"lookback,omitempty"`
	Indicators []indicators.Spec  `yaml:"indicators,omitempty" json:"indicators,omitempty"`
	Params     strategies.Params  `yaml:"params,omitempty" json:"params,omitempty"`
}

// Info describes an instance.
type Info struct {
	ID        string         `json:"id"`
	Config    InstanceConfig `json:"config"`
	State     State          `json:"state"`
	Error     string         `json:"error,omitempty"`
	PausedBy  string         `json:"paused_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshotter builds the market view handed to callbacks.
type Snapshotter interface {
	Snapshot(req mtf.Request, trigger time.Time) (mtf.Snapshot, error)
}

// Executor is the order side of the engine.
type Executor interface {
	Submit(ctx context.Context, req orders.Request) (orders.Order, error)
	CanActivate(account string, mode trading.Mode) error
	Position(account string, mode trading.Mode, instanceID, symbol string) (positions.Position, bool)
}

// Market is where instances register the series and indicators they read.
type Market interface {
	Subscribe(symbol string, tfs ...market.Timeframe) error
	Watch(symbol string, tf market.Timeframe, spec indicators.Spec) error
}

type Options struct {
	Config    Config
	Registry  *strategies.Registry
	Snapshots Snapshotter
	Orders    Executor
	Market    Market
	Symbols   symbols.Mapper
	Store     store.Store
	Bus       *events.Bus
	Log       *zap.Logger
	Now       func() time.Time
}

type Orchestrator struct {
	cfg       Config
	registry  *strategies.Registry
	snapshots Snapshotter
	orders    Executor
	market    Market
	symbols   symbols.Mapper
	store     store.Store
	bus       *events.Bus
	log       *zap.Logger
	now       func() time.Time
	ids       *id.Generator

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
}

func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = strategies.Builtins()
	}
	if opts.Symbols == nil {
		opts.Symbols = symbols.Permissive()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       opts.Config,
		registry:  opts.Registry,
		snapshots: opts.Snapshots,
		orders:    opts.Orders,
		market:    opts.Market,
		symbols:   opts.Symbols,
		store:     opts.Store,
		bus:       opts.Bus,
		log:       opts.Log.Named("orchestrator"),
		now:       opts.Now,
		ids:       id.NewGenerator(opts.Now),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}
}

func (cfg InstanceConfig) validate() error {
	var problems []string
	if strings.TrimSpace(cfg.Account) == "" {
		problems = append(problems, "account required")
	}
	if !cfg.Mode.Valid() {
		problems = append(problems, fmt.Sprintf("mode %q", cfg.Mode))
	}
	if len(cfg.Symbols) == 0 {
		problems = append(problems, "at least one symbol required")
	}
	if len(cfg.Timeframes) == 0 {
		problems = append(problems, "at least one timeframe required")
	}
	for _, tf := range cfg.Timeframes {
		if !tf.Valid() {
			problems = append(problems, fmt.Sprintf("timeframe %q", tf))
		}
	}
	for _, spec := range cfg.Indicators {
		if err := spec.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Activate loads a strategy instance and starts dispatching to it. It fails
// with a UserInput error on bad configuration or parameters, a RiskBreach
// error while the account's loss limit breach is unacknowledged, and
// ErrLimitExceeded when the account already runs its maximum.
func (o *Orchestrator) Activate(ctx context.Context, cfg InstanceConfig) (string, error) {
	const op = "orchestrator.Activate"

	if err := cfg.validate(); err != nil {
		return "", errs.E(errs.UserInput, op, err)
	}
	syms := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		syms[i] = strings.ToUpper(strings.TrimSpace(s))
		if !o.symbols.Known(syms[i]) {
			return "", errs.E(errs.UserInput, op, fmt.Errorf("%w: %s", symbols.ErrUnknownSymbol, s))
		}
	}
	cfg.Symbols = syms
	desc, ok := o.registry.Lookup(cfg.Strategy)
	if !ok {
		return "", errs.Errorf(errs.UserInput, op, "unknown strategy %q (have %s)", cfg.Strategy, strings.Join(o.registry.Names(), ", "))
	}
	params, err := desc.Schema.Apply(cfg.Params)
	if err != nil {
		return "", err
	}
	if err := o.orders.CanActivate(cfg.Account, cfg.Mode); err != nil {
		return "", err
	}

	now := o.now().UTC()
	inst := newInstance(o.ids.Next(id.Instance), cfg, now)
	log := o.log.With(zap.String("instance_id", inst.id), zap.String("strategy", desc.Name))
	inst.log = log

	// reserve the slot so concurrent activations see it
	o.mu.Lock()
	if limit := o.cfg.MaxInstances.For(cfg.Mode); limit > 0 && o.activeLocked(cfg.Account, cfg.Mode) >= limit {
		o.mu.Unlock()
		return "", fmt.Errorf("%s: %w: %d %s instances for %s", op, ErrLimitExceeded, limit, cfg.Mode, cfg.Account)
	}
	o.instances[inst.id] = inst
	o.mu.Unlock()

	if err := o.prepare(desc, inst, params); err != nil {
		o.mu.Lock()
		delete(o.instances, inst.id)
		o.mu.Unlock()
		log.Warn("instance failed to load", zap.Error(err))
		return "", err
	}

	inst.set(Running, "", "", o.now().UTC())
	go o.run(inst)

	log.Info("instance activated",
		zap.String("account", cfg.Account),
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("symbols", cfg.Symbols))
	o.changed(ctx, inst)
	return inst.id, nil
}

// load constructs and initializes the strategy, recovering a panicking
// Initialize.
func (o *Orchestrator) load(desc strategies.Descriptor, inst *instance, params strategies.Params) (s strategies.Strategy, specs []indicators.Spec, err error) {
	const op = "orchestrator.load"
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.StrategyFault, op, fmt.Errorf("initialize panicked: %v", r))
		}
	}()

	s = desc.New()
	env := strategies.Env{
		InstanceID: inst.id,
		Account:    inst.cfg.Account,
		Mode:       inst.cfg.Mode,
		Positions:  positionView{orders: o.orders, account: inst.cfg.Account, mode: inst.cfg.Mode, instance: inst.id},
		Log:        inst.log,
	}
	if err := s.Initialize(env, params); err != nil {
		if _, classified := errs.KindOf(err); !classified {
			err = errs.E(errs.UserInput, op, err)
		}
		return nil, nil, err
	}

	specs = append(specs, inst.cfg.Indicators...)
	if r, ok := s.(strategies.IndicatorRequirer); ok {
		specs = append(specs, r.Indicators()...)
	}
	return s, dedupe(specs), nil
}

// prepare initializes the strategy and registers its market data needs.
func (o *Orchestrator) prepare(desc strategies.Descriptor, inst *instance, params strategies.Params) error {
	strat, specs, err := o.load(desc, inst, params)
	if err != nil {
		return err
	}
	inst.strat = strat
	inst.req = mtf.Request{
		Symbols:    inst.cfg.Symbols,
		Timeframes: inst.cfg.Timeframes,
		Lookback:   firstPositive(inst.cfg.Lookback, o.cfg.Lookback, mtf.DefaultLookback),
		Indicators: specs,
	}
	if err := o.subscribe(inst); err != nil {
		o.cleanup(inst)
		return errs.E(errs.UserInput, "orchestrator.subscribe", err)
	}
	return nil
}

func (o *Orchestrator) subscribe(inst *instance) error {
	if o.market == nil {
		return nil
	}
	for _, sym := range inst.req.Symbols {
		if err := o.market.Subscribe(sym, inst.req.Timeframes...); err != nil {
			return err
		}
		for _, tf := range inst.req.Timeframes {
			for _, spec := range inst.req.Indicators {
				if err := o.market.Watch(sym, tf, spec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) activeLocked(account string, mode trading.Mode) int {
	n := 0
	for _, inst := range o.instances {
		if inst.cfg.Account == account && inst.cfg.Mode == mode && inst.state() != Stopped {
			n++
		}
	}
	return n
}

func (o *Orchestrator) get(instanceID string) (*instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return inst, nil
}

// Pause stops dispatch to a running instance. Pausing a paused instance is
// a no-op.
func (o *Orchestrator) Pause(instanceID string) error {
	inst, err := o.get(instanceID)
	if err != nil {
		return err
	}
	switch st := inst.state(); st {
	case Paused:
		return nil
	case Running:
		if inst.transition(Running, Paused, "user", o.now().UTC()) {
			o.changed(context.Background(), inst)
		}
		return nil
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, st)
	}
}

// Resume restarts dispatch to a paused or errored instance. It is refused
// while the account's loss limit breach is unacknowledged.
func (o *Orchestrator) Resume(instanceID string) error {
	inst, err := o.get(instanceID)
	if err != nil {
		return err
	}
	st := inst.state()
	switch st {
	case Running:
		return nil
	case Paused, Errored:
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, st)
	}
	if err := o.orders.CanActivate(inst.cfg.Account, inst.cfg.Mode); err != nil {
		return err
	}
	if inst.transition(st, Running, "", o.now().UTC()) {
		inst.log.Info("instance resumed", zap.String("from", string(st)))
		o.changed(context.Background(), inst)
	}
	return nil
}

// Stop ends the instance for good. Cleanup runs exactly once, after the
// last callback has returned.
func (o *Orchestrator) Stop(instanceID string) error {
	inst, err := o.get(instanceID)
	if err != nil {
		return err
	}
	if inst.state() == Loading {
		return fmt.Errorf("%w: stop while loading", ErrInvalidTransition)
	}
	if !inst.stop(o.now().UTC()) {
		return nil
	}
	<-inst.done
	o.cleanup(inst)
	inst.log.Info("instance stopped")
	o.changed(context.Background(), inst)
	return nil
}

func (o *Orchestrator) cleanup(inst *instance) {
	inst.cleanupOnce.Do(func() {
		if inst.strat == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				inst.log.Error("cleanup panicked", zap.Any("panic", r))
			}
		}()
		if err := inst.strat.Cleanup(); err != nil {
			inst.log.Warn("cleanup failed", zap.Error(err))
		}
	})
}

// PauseAll pauses every running instance of (account, mode) and returns
// their ids. It is safe to call from inside a dispatch.
func (o *Orchestrator) PauseAll(account string, mode trading.Mode, reason string) []string {
	return o.pauseWhere(func(c InstanceConfig) bool {
		return c.Account == account && c.Mode == mode
	}, reason)
}

// PauseMode pauses every running instance of mode across accounts.
func (o *Orchestrator) PauseMode(mode trading.Mode, reason string) []string {
	return o.pauseWhere(func(c InstanceConfig) bool { return c.Mode == mode }, reason)
}

// PauseEverything pauses every running instance.
func (o *Orchestrator) PauseEverything(reason string) []string {
	return o.pauseWhere(func(InstanceConfig) bool { return true }, reason)
}

func (o *Orchestrator) pauseWhere(match func(InstanceConfig) bool, reason string) []string {
	o.mu.RLock()
	var hits []*instance
	for _, inst := range o.instances {
		if match(inst.cfg) {
			hits = append(hits, inst)
		}
	}
	o.mu.RUnlock()

	now := o.now().UTC()
	var ids []string
	for _, inst := range hits {
		if inst.transition(Running, Paused, reason, now) {
			ids = append(ids, inst.id)
			inst.log.Warn("instance paused", zap.String("reason", reason))
			o.changed(context.Background(), inst)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResumeIDs resumes instances that are still paused for reason, e.g. the
// ones paused while a feed was down. Others are left alone.
func (o *Orchestrator) ResumeIDs(ids []string, reason string) []string {
	var resumed []string
	for _, iid := range ids {
		inst, err := o.get(iid)
		if err != nil || inst.info().PausedBy != reason {
			continue
		}
		if o.Resume(iid) == nil && inst.state() == Running {
			resumed = append(resumed, iid)
		}
	}
	return resumed
}

// Instance describes one instance.
func (o *Orchestrator) Instance(instanceID string) (Info, error) {
	inst, err := o.get(instanceID)
	if err != nil {
		return Info{}, err
	}
	return inst.info(), nil
}

// Instances lists every instance, oldest first.
func (o *Orchestrator) Instances() []Info {
	o.mu.RLock()
	out := make([]Info, 0, len(o.instances))
	for _, inst := range o.instances {
		out = append(out, inst.info())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnTick queues t for every running instance that trades its symbol.
// Undelivered ticks for the same symbol coalesce to the latest.
func (o *Orchestrator) OnTick(t market.Tick) {
	for _, inst := range o.targets(t.Symbol, "") {
		inst.enqueue(item{tick: &t})
	}
}

// OnCandle queues a completed candle for every running instance subscribed
// to its (symbol, timeframe). Candles are never coalesced.
func (o *Orchestrator) OnCandle(c market.Candle) {
	for _, inst := range o.targets(c.Symbol, c.Timeframe) {
		inst.enqueue(item{candle: &c})
	}
}

func (o *Orchestrator) targets(symbol string, tf market.Timeframe) []*instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*instance
	for _, inst := range o.instances {
		if inst.state() != Running || !inst.wants(symbol, tf) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Idle reports whether no instance has queued or in-progress work.
func (o *Orchestrator) Idle() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, inst := range o.instances {
		if inst.busy() {
			return false
		}
	}
	return true
}

// Close halts every instance and runs its cleanup. Stored state is left
// as it was, so Restore brings the instances back after a restart.
func (o *Orchestrator) Close() {
	o.mu.RLock()
	insts := make([]*instance, 0, len(o.instances))
	for _, inst := range o.instances {
		insts = append(insts, inst)
	}
	o.mu.RUnlock()
	for _, inst := range insts {
		if inst.stop(o.now().UTC()) {
			<-inst.done
			o.cleanup(inst)
		}
	}
	o.cancel()
}

type positionView struct {
	orders   Executor
	account  string
	mode     trading.Mode
	instance string
}

func (v positionView) Position(symbol string) (positions.Position, bool) {
	return v.orders.Position(v.account, v.mode, v.instance, symbol)
}

func dedupe(specs []indicators.Spec) []indicators.Spec {
	seen := make(map[string]bool, len(specs))
	out := specs[:0]
	for _, s := range specs {
		if n := s.Name(); !seen[n] {
			seen[n] = true
			out = append(out, s)
		}
	}
	return out
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
