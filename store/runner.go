package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"ensemble-matcher/metrics"
)

// RunnerConfig bounds transaction retries.
type RunnerConfig struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// Runner re-runs a transaction on commit conflicts with exponential backoff.
type Runner struct {
	store  Store
	logger *slog.Logger
	cfg    RunnerConfig
}

// NewRunner creates a retry driver for s.
func NewRunner(s Store, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 20 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = 20 * time.Millisecond
	}
	return &Runner{store: s, cfg: cfg, logger: logger}
}

// Run executes fn until it commits, fails with a non-conflict error, or runs
// out of attempts. Exhaustion returns ErrContention; an expired context
// returns the context error.
func (r *Runner) Run(ctx context.Context, name string, fn TxFunc) error {
	var lastErr error
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			lastErr = r.store.Attempt(ctx, fn)
			if lastErr == nil || errors.Is(lastErr, ErrConflict) {
				return lastErr
			}
			return retry.Unrecoverable(lastErr)
		},
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.MaxJitter(r.cfg.MaxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			metrics.RecordConflict(name)
			r.logger.Debug("Retrying transaction after conflict", "transaction", name, "attempt", n, "error", retryErr)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrConflict)
		}),
	)
	if err == nil {
		metrics.RecordTransaction(name, "committed", attempts)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		metrics.RecordTransaction(name, "cancelled", attempts)
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	if lastErr != nil && !errors.Is(lastErr, ErrConflict) {
		metrics.RecordTransaction(name, "aborted", attempts)
		return lastErr
	}
	metrics.RecordTransaction(name, "exhausted", attempts)
	r.logger.Warn("Transaction contention exhausted retries", "transaction", name, "attempts", attempts, "error", lastErr)
	return fmt.Errorf("%s after %d attempts: %w", name, attempts, ErrContention)
}
