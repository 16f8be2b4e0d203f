package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrProviderUnavailable is returned while the circuit to a provider is open.
var ErrProviderUnavailable = errors.New("email provider unavailable")

// BreakerProvider stops calling a provider after repeated failures and
// tries it again after a cool-down.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes a BreakerProvider.
type BreakerSettings struct {
	Name        string
	Failures    uint32        // Consecutive failures that open the circuit
	OpenTimeout time.Duration // How long the circuit stays open
}

// NewBreakerProvider wraps next in a circuit breaker.
func NewBreakerProvider(next Provider, cfg BreakerSettings, logger *slog.Logger) *BreakerProvider {
	if cfg.Name == "" {
		cfg.Name = "email"
	}
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	return &BreakerProvider{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Email circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Send forwards to the wrapped provider unless the circuit is open.
func (b *BreakerProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, to, subject, htmlBody)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerProvider) State() string {
	return b.cb.State().String()
}
