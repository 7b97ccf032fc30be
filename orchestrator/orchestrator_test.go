package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/mtf"
	"github.com/rustyeddy/algotrader/orders"
	"github.com/rustyeddy/algotrader/positions"
	"github.com/rustyeddy/algotrader/store"
	"github.com/rustyeddy/algotrader/strategies"
	"github.com/rustyeddy/algotrader/trading"
)

var t0 = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

// scripted is a strategy whose behaviour each test sets up.
type scripted struct {
	mu       sync.Mutex
	prices   []float64
	candles  []market.Candle
	cleanups int

	initErr error
	onTick  func(market.Tick) (*trading.Signal, error)
}

func (s *scripted) Initialize(strategies.Env, strategies.Params) error { return s.initErr }

func (s *scripted) OnTick(t market.Tick, _ mtf.Snapshot) (*trading.Signal, error) {
	s.mu.Lock()
	s.prices = append(s.prices, t.Price)
	fn := s.onTick
	s.mu.Unlock()
	if fn != nil {
		return fn(t)
	}
	return nil, nil
}

func (s *scripted) OnCandleComplete(c market.Candle, _ mtf.Snapshot) (*trading.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, c)
	return nil, nil
}

func (s *scripted) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

func (s *scripted) seen() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.prices...)
}

func (s *scripted) cleaned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(_ mtf.Request, trigger time.Time) (mtf.Snapshot, error) {
	return mtf.NewSnapshot(trigger), nil
}

type fakeOrders struct {
	mu        sync.Mutex
	requests  []orders.Request
	breached  map[string]bool
	onSubmit  func(orders.Request)
	submitErr error
}

func (f *fakeOrders) Submit(_ context.Context, req orders.Request) (orders.Order, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return orders.Order{ID: "ord-1", State: orders.Filled}, f.submitErr
}

func (f *fakeOrders) CanActivate(account string, mode trading.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breached[account+"/"+string(mode)] {
		return errs.Errorf(errs.RiskBreach, "test", "loss limit breached for %s", account)
	}
	return nil
}

func (f *fakeOrders) Position(string, trading.Mode, string, string) (positions.Position, bool) {
	return positions.Position{}, false
}

func (f *fakeOrders) setBreached(account string, mode trading.Mode, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breached == nil {
		f.breached = make(map[string]bool)
	}
	f.breached[account+"/"+string(mode)] = v
}

func (f *fakeOrders) submitted() []orders.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orders.Request(nil), f.requests...)
}

type harness struct {
	orc    *Orchestrator
	orders *fakeOrders
	strats map[string]*scripted
}

func newHarness(t *testing.T, cfg Config, st store.Store, names ...string) *harness {
	t.Helper()
	h := &harness{orders: &fakeOrders{}, strats: make(map[string]*scripted)}
	var descs []strategies.Descriptor
	for _, n := range names {
		s := &scripted{}
		h.strats[n] = s
		descs = append(descs, strategies.Descriptor{
			Name: n,
			Schema: strategies.Schema{
				{Name: "size", Type: strategies.Float, Default: 1.0},
			},
			New: func() strategies.Strategy { return s },
		})
	}
	reg, err := strategies.NewRegistry(descs...)
	require.NoError(t, err)

	h.orc = New(Options{
		Config:    cfg,
		Registry:  reg,
		Snapshots: fakeSnapshots{},
		Orders:    h.orders,
		Store:     st,
		Now:       func() time.Time { return t0 },
	})
	t.Cleanup(h.orc.Close)
	return h
}

func instanceCfg(strategy, account string, mode trading.Mode) InstanceConfig {
	return InstanceConfig{
		Strategy:   strategy,
		Account:    account,
		Mode:       mode,
		Symbols:    []string{"BTCUSD"},
		Timeframes: []market.Timeframe{market.M1},
	}
}

func tick(price float64) market.Tick {
	return market.Tick{Symbol: "BTCUSD", Price: price, Volume: 1, Time: t0}
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.orc.Idle, time.Second, time.Millisecond)
}

func TestStrategyErrorIsIsolated(t *testing.T) {
	h := newHarness(t, Config{}, nil, "faulty", "steady")
	h.strats["faulty"].onTick = func(market.Tick) (*trading.Signal, error) {
		return nil, errors.New("division by zero")
	}

	bad, err := h.orc.Activate(context.Background(), instanceCfg("faulty", "acct", trading.Paper))
	require.NoError(t, err)
	good, err := h.orc.Activate(context.Background(), instanceCfg("steady", "acct", trading.Paper))
	require.NoError(t, err)

	h.orc.OnTick(tick(100))
	h.settle(t)

	info, err := h.orc.Instance(bad)
	require.NoError(t, err)
	assert.Equal(t, Errored, info.State)
	assert.Contains(t, info.Error, "division by zero")

	h.orc.OnTick(tick(101))
	h.settle(t)

	assert.Equal(t, []float64{100}, h.strats["faulty"].seen(), "no dispatch after error")
	assert.Equal(t, []float64{100, 101}, h.strats["steady"].seen())
	info, _ = h.orc.Instance(good)
	assert.Equal(t, Running, info.State)
}

func TestPanicMovesToErrorAndResumeRecovers(t *testing.T) {
	h := newHarness(t, Config{}, nil, "panicky")
	s := h.strats["panicky"]
	s.onTick = func(market.Tick) (*trading.Signal, error) { panic("boom") }

	iid, err := h.orc.Activate(context.Background(), instanceCfg("panicky", "acct", trading.Paper))
	require.NoError(t, err)

	h.orc.OnTick(tick(100))
	h.settle(t)
	info, _ := h.orc.Instance(iid)
	require.Equal(t, Errored, info.State)
	assert.Contains(t, info.Error, "boom")

	s.mu.Lock()
	s.onTick = nil
	s.mu.Unlock()

	require.NoError(t, h.orc.Resume(iid))
	h.orc.OnTick(tick(102))
	h.settle(t)
	assert.Equal(t, []float64{100, 102}, s.seen())
	info, _ = h.orc.Instance(iid)
	assert.Equal(t, Running, info.State)
	assert.Empty(t, info.Error)
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(t, Config{MaxInstances: Limits{Paper: 1, Live: 1}}, nil, "s")
	ctx := context.Background()

	first, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)

	_, err = h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// live and other accounts have their own budget
	_, err = h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Live))
	assert.NoError(t, err)
	_, err = h.orc.Activate(ctx, instanceCfg("s", "other", trading.Paper))
	assert.NoError(t, err)

	// paused instances still count; stopped ones don't
	require.NoError(t, h.orc.Pause(first))
	_, err = h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	require.NoError(t, h.orc.Stop(first))
	_, err = h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	assert.NoError(t, err)
}

func TestActivateValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*InstanceConfig)
	}{
		{"unknown strategy", func(c *InstanceConfig) { c.Strategy = "martingale" }},
		{"no account", func(c *InstanceConfig) { c.Account = "" }},
		{"bad mode", func(c *InstanceConfig) { c.Mode = "demo" }},
		{"no symbols", func(c *InstanceConfig) { c.Symbols = nil }},
		{"bad timeframe", func(c *InstanceConfig) { c.Timeframes = []market.Timeframe{"7m"} }},
		{"bad param type", func(c *InstanceConfig) { c.Params = strategies.Params{"size": "big"} }},
		{"unknown param", func(c *InstanceConfig) { c.Params = strategies.Params{"leverage": 10} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := instanceCfg("s", "acct", trading.Paper)
			tt.mutate(&cfg)
			_, err := h.orc.Activate(ctx, cfg)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.UserInput), "got %v", err)
		})
	}
	assert.Empty(t, h.orc.Instances())
}

func TestInitializeFailureDropsInstance(t *testing.T) {
	h := newHarness(t, Config{MaxInstances: Limits{Paper: 1}}, nil, "s")
	h.strats["s"].initErr = errors.New("missing symbol")

	_, err := h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Paper))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UserInput))
	assert.Empty(t, h.orc.Instances())

	h.strats["s"].initErr = nil
	_, err = h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Paper))
	assert.NoError(t, err, "failed load must release its slot")
}

func TestBreachPausesAccountAndBlocksResume(t *testing.T) {
	h := newHarness(t, Config{}, nil, "trader", "bystander")
	ctx := context.Background()

	h.strats["trader"].onTick = func(t market.Tick) (*trading.Signal, error) {
		return &trading.Signal{Type: trading.Entry, Direction: trading.Long, Symbol: t.Symbol, Quantity: 1, Kind: trading.Market}, nil
	}
	// the order manager pauses the account from inside the submitting
	// instance's dispatch
	h.orders.onSubmit = func(req orders.Request) {
		h.orders.setBreached(req.Account, req.Mode, true)
		h.orc.PauseAll(req.Account, req.Mode, "loss limit")
	}

	trader, err := h.orc.Activate(ctx, instanceCfg("trader", "acct", trading.Paper))
	require.NoError(t, err)
	bystander, err := h.orc.Activate(ctx, instanceCfg("bystander", "acct", trading.Paper))
	require.NoError(t, err)
	live, err := h.orc.Activate(ctx, instanceCfg("bystander", "acct", trading.Live))
	require.NoError(t, err)

	h.orc.OnTick(tick(100))
	require.Eventually(t, func() bool {
		info, _ := h.orc.Instance(trader)
		return info.State == Paused
	}, time.Second, time.Millisecond)
	h.settle(t)

	for _, iid := range []string{trader, bystander} {
		info, _ := h.orc.Instance(iid)
		assert.Equal(t, Paused, info.State)
		assert.Equal(t, "loss limit", info.PausedBy)
	}
	info, _ := h.orc.Instance(live)
	assert.Equal(t, Running, info.State, "live is a separate account state")

	err = h.orc.Resume(trader)
	assert.True(t, errs.Is(err, errs.RiskBreach))
	_, err = h.orc.Activate(ctx, instanceCfg("trader", "acct", trading.Paper))
	assert.True(t, errs.Is(err, errs.RiskBreach))

	h.orders.setBreached("acct", trading.Paper, false)
	assert.NoError(t, h.orc.Resume(trader))
}

func TestTicksCoalesceCandlesDoNot(t *testing.T) {
	h := newHarness(t, Config{}, nil, "slow")
	s := h.strats["slow"]

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	s.onTick = func(market.Tick) (*trading.Signal, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil, nil
	}

	_, err := h.orc.Activate(context.Background(), instanceCfg("slow", "acct", trading.Paper))
	require.NoError(t, err)

	h.orc.OnTick(tick(1))
	<-entered

	c1 := market.Candle{Symbol: "BTCUSD", Timeframe: market.M1, Close: 2, Time: t0}
	c2 := market.Candle{Symbol: "BTCUSD", Timeframe: market.M1, Close: 3, Time: t0.Add(time.Minute)}
	h.orc.OnTick(tick(2))
	h.orc.OnCandle(c1)
	h.orc.OnTick(tick(3))
	h.orc.OnCandle(c2)
	h.orc.OnTick(tick(4))
	h.orc.OnCandle(market.Candle{Symbol: "BTCUSD", Timeframe: market.H1, Time: t0})
	close(release)
	h.settle(t)

	assert.Equal(t, []float64{1, 4}, s.seen())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []market.Candle{c1, c2}, s.candles)
}

func TestMailboxKeepsTicksBehindEarlierCandles(t *testing.T) {
	inst := newInstance("ins_1", instanceCfg("s", "acct", trading.Paper), t0)

	first := market.Tick{Symbol: "BTCUSD", Price: 1, Time: t0.Add(50 * time.Second)}
	c := market.Candle{Symbol: "BTCUSD", Timeframe: market.M1, Close: 1, Time: t0}
	later := market.Tick{Symbol: "BTCUSD", Price: 2, Time: t0.Add(65 * time.Second)}
	latest := market.Tick{Symbol: "BTCUSD", Price: 3, Time: t0.Add(70 * time.Second)}
	inst.enqueue(item{tick: &first})
	inst.enqueue(item{candle: &c})
	inst.enqueue(item{tick: &later})
	inst.enqueue(item{tick: &latest})

	batch := inst.take()
	require.Len(t, batch, 2)
	require.NotNil(t, batch[0].candle)
	assert.Equal(t, t0, batch[0].candle.Time)
	require.NotNil(t, batch[1].tick)
	assert.Equal(t, 3.0, batch[1].tick.Price)
	assert.Empty(t, inst.take())
}

func TestStopRunsCleanupOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	iid, err := h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)

	require.NoError(t, h.orc.Stop(iid))
	require.NoError(t, h.orc.Stop(iid))
	h.orc.Close()
	assert.Equal(t, 1, h.strats["s"].cleaned())

	assert.ErrorIs(t, h.orc.Pause(iid), ErrInvalidTransition)
	assert.ErrorIs(t, h.orc.Resume(iid), ErrInvalidTransition)

	h.orc.OnTick(tick(5))
	h.settle(t)
	assert.Empty(t, h.strats["s"].seen())
}

func TestPauseResumeIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	iid, err := h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)

	require.NoError(t, h.orc.Pause(iid))
	require.NoError(t, h.orc.Pause(iid))
	h.orc.OnTick(tick(1))
	h.settle(t)
	assert.Empty(t, h.strats["s"].seen())

	require.NoError(t, h.orc.Resume(iid))
	require.NoError(t, h.orc.Resume(iid))
	h.orc.OnTick(tick(2))
	h.settle(t)
	assert.Equal(t, []float64{2}, h.strats["s"].seen())

	assert.ErrorIs(t, h.orc.Pause("ins_missing"), ErrNotFound)
}

func TestInvalidSignalsAreDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	signals := []*trading.Signal{
		{Type: trading.Entry, Direction: trading.Long, Symbol: "BTCUSD", Quantity: 0, Kind: trading.Market},
		{Type: trading.Entry, Direction: trading.Long, Symbol: "BTCUSD", Quantity: 1, Kind: trading.Limit},
		{Type: trading.Entry, Direction: trading.Long, Symbol: "ETHUSD", Quantity: 1, Kind: trading.Market},
		{Type: trading.Entry, Direction: trading.Long, Symbol: "BTCUSD", Quantity: 1, Kind: trading.Market},
	}
	var n int
	h.strats["s"].onTick = func(market.Tick) (*trading.Signal, error) {
		sig := signals[n]
		n++
		return sig, nil
	}

	iid, err := h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)
	for i := range signals {
		h.orc.OnTick(tick(float64(100 + i)))
		h.settle(t)
	}

	reqs := h.orders.submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, iid, reqs[0].InstanceID)
	assert.Equal(t, trading.Paper, reqs[0].Mode)
	assert.Equal(t, 1.0, reqs[0].Signal.Quantity)

	info, _ := h.orc.Instance(iid)
	assert.Equal(t, Running, info.State)
}

func TestSubmitFailureLeavesInstanceRunning(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	h.orders.submitErr = errs.Errorf(errs.ExternalFailure, "test", "broker unavailable")
	h.strats["s"].onTick = func(market.Tick) (*trading.Signal, error) {
		return &trading.Signal{Type: trading.Entry, Direction: trading.Short, Symbol: "BTCUSD", Quantity: 2, Kind: trading.Market}, nil
	}

	iid, err := h.orc.Activate(context.Background(), instanceCfg("s", "acct", trading.Live))
	require.NoError(t, err)
	h.orc.OnTick(tick(100))
	h.settle(t)

	assert.Len(t, h.orders.submitted(), 1)
	info, _ := h.orc.Instance(iid)
	assert.Equal(t, Running, info.State)
}

func TestPauseEverythingAndResumeIDs(t *testing.T) {
	h := newHarness(t, Config{}, nil, "s")
	ctx := context.Background()
	a, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)
	b, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Live))
	require.NoError(t, err)
	require.NoError(t, h.orc.Pause(b))

	paused := h.orc.PauseEverything("feed down")
	assert.Equal(t, []string{a}, paused)

	resumed := h.orc.ResumeIDs([]string{a, b}, "feed down")
	assert.Equal(t, []string{a}, resumed)
	info, _ := h.orc.Instance(b)
	assert.Equal(t, Paused, info.State, "user pause survives feed recovery")
}

func TestRestoreComesBackPaused(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, Config{}, st, "s")
	ctx := context.Background()

	running, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)
	stopped, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)
	require.NoError(t, h.orc.Stop(stopped))

	h2 := newHarness(t, Config{}, st, "s")
	n, err := h2.orc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := h2.orc.Instance(running)
	require.NoError(t, err)
	assert.Equal(t, Paused, info.State)
	assert.Equal(t, RestartReason, info.PausedBy)
	_, err = h2.orc.Instance(stopped)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h2.orc.Resume(running))
	h2.orc.OnTick(tick(7))
	h2.settle(t)
	assert.Equal(t, []float64{7}, h2.strats["s"].seen())
}

func TestCloseKeepsStoredState(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, Config{}, st, "s")
	ctx := context.Background()

	iid, err := h.orc.Activate(ctx, instanceCfg("s", "acct", trading.Paper))
	require.NoError(t, err)
	h.orc.Close()
	assert.Equal(t, 1, h.strats["s"].cleaned())

	h2 := newHarness(t, Config{}, st, "s")
	n, err := h2.orc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	info, err := h2.orc.Instance(iid)
	require.NoError(t, err)
	assert.Equal(t, Paused, info.State)
}
