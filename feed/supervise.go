package feed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/errs"
	"github.com/rustyeddy/algotrader/market"
)

// session is one live connection.
type session interface {
	// Next blocks for the next batch of ticks.
	Next(ctx context.Context) ([]market.Tick, error)
	Close() error
}

type dialFunc func(ctx context.Context) (session, error)

// errHandler marks an error returned by the tick handler, which is never
// retried.
type errHandler struct{ err error }

func (e errHandler) Error() string { return e.err.Error() }
func (e errHandler) Unwrap() error { return e.err }

// supervise keeps a stream open. Dial failures and stream losses are
// retried at a fixed interval up to the attempt cap; exhaustion escalates
// and ends the feed.
func supervise(ctx context.Context, name string, dial dialFunc, h Handler, retry broker.RetryConfig, hooks Hooks, log *zap.Logger) error {
	connect := func() (session, error) {
		var s session
		err := broker.Retry(ctx, retry, func(ctx context.Context) error {
			var err error
			s, err = dial(ctx)
			if err != nil {
				log.Warn("feed dial failed", zap.Error(err))
				return errs.E(errs.ExternalFailure, "feed.dial", err)
			}
			return nil
		})
		return s, err
	}

	s, err := connect()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		escalate(name, err, hooks, log)
		return err
	}
	log.Info("feed connected")

	for {
		err := pump(ctx, s, h)
		_ = s.Close()
		if ctx.Err() != nil {
			return nil
		}
		var he errHandler
		if errors.As(err, &he) {
			return he.err
		}

		log.Warn("feed lost", zap.Error(err))
		if hooks.OnDown != nil {
			hooks.OnDown(name, err)
		}

		if s, err = connect(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			escalate(name, err, hooks, log)
			return err
		}
		log.Info("feed restored")
		if hooks.OnRestored != nil {
			hooks.OnRestored(name)
		}
	}
}

func pump(ctx context.Context, s session, h Handler) error {
	for {
		ticks, err := s.Next(ctx)
		if err != nil {
			return err
		}
		for _, t := range ticks {
			if err := h(ctx, t); err != nil {
				return errHandler{err}
			}
		}
	}
}

func escalate(name string, err error, hooks Hooks, log *zap.Logger) {
	log.Error("feed retries exhausted, manual intervention required", zap.Error(err))
	if hooks.OnEscalate != nil {
		hooks.OnEscalate(name, fmt.Errorf("%s: %w", name, err))
	}
}
