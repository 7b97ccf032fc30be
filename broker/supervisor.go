package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/errs"
)

// Hooks are called from the supervisor's goroutine.
type Hooks struct {
	// OnDown fires when an established session is lost.
	OnDown func(account string, err error)
	// OnRestored fires after a successful reconnect.
	OnRestored func(account string)
	// OnEscalate fires when reconnect attempts are exhausted.
	OnEscalate func(account string, err error)
}

// Supervisor owns one account's connector session and reconnects it with
// bounded retry when the connector reports a loss.
type Supervisor struct {
	account string
	conn    Connector
	retry   RetryConfig
	hooks   Hooks
	log     *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	connected bool
	reconnect bool
	wg        sync.WaitGroup
}

func NewSupervisor(account string, conn Connector, cfg RetryConfig, hooks Hooks, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		account: account,
		conn:    conn,
		retry:   cfg,
		hooks:   hooks,
		log:     log.With(zap.String("account", account), zap.String("broker", conn.Name())),
	}
}

func (s *Supervisor) Account() string      { return s.account }
func (s *Supervisor) Connector() Connector { return s.conn }

// Start connects, retrying external failures. ctx bounds the session:
// reconnects stop when it is done.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.conn.OnConnectionLost(s.lost)
	if err := Retry(ctx, s.retry, s.conn.Connect); err != nil {
		return errs.E(errs.ExternalFailure, "broker.Connect", fmt.Errorf("%s: %w", s.conn.Name(), err))
	}
	s.setConnected(true)
	s.log.Info("broker connected")
	return nil
}

func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Supervisor) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// lost is the connector's OnConnectionLost callback. Concurrent loss
// reports collapse into one reconnect loop.
func (s *Supervisor) lost(err error) {
	s.mu.Lock()
	ctx := s.ctx
	if s.reconnect || ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reconnect = true
	s.connected = false
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Warn("broker connection lost", zap.Error(err))
	if s.hooks.OnDown != nil {
		s.hooks.OnDown(s.account, err)
	}

	go func() {
		defer s.wg.Done()
		rerr := Retry(ctx, s.retry, func(ctx context.Context) error {
			if err := s.conn.Connect(ctx); err != nil {
				s.log.Warn("broker reconnect attempt failed", zap.Error(err))
				return errs.E(errs.ExternalFailure, "broker.Reconnect", err)
			}
			return nil
		})

		s.mu.Lock()
		s.reconnect = false
		s.connected = rerr == nil
		s.mu.Unlock()

		if rerr != nil {
			s.log.Error("broker reconnect exhausted; manual intervention required", zap.Error(rerr))
			if s.hooks.OnEscalate != nil {
				s.hooks.OnEscalate(s.account, rerr)
			}
			return
		}
		s.log.Info("broker connection restored")
		if s.hooks.OnRestored != nil {
			s.hooks.OnRestored(s.account)
		}
	}()
}

// Stop waits for any reconnect loop and disconnects.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.wg.Wait()
	s.setConnected(false)
	return s.conn.Disconnect(ctx)
}
