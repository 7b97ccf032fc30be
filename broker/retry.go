package broker

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rustyeddy/algotrader/errs"
)

// RetryConfig is a fixed-interval retry capped by attempts.
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts uint64        `yaml:"max_attempts" json:"max_attempts"`
}

func DefaultRetry() RetryConfig {
	return RetryConfig{Interval: 2 * time.Second, MaxAttempts: 5}
}

func (c RetryConfig) backoff() retry.Backoff {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultRetry().Interval
	}
	attempts := c.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	// WithMaxRetries counts retries after the first attempt
	return retry.WithMaxRetries(attempts-1, retry.NewConstant(interval))
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are spent. Only errs.ExternalFailure is retried.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, cfg.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if errs.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
