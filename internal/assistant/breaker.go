package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker stops calling a generator after repeated failures and lets a
// probe through once the open interval has passed.
type Breaker struct {
	gen Generator
	cb  *gobreaker.CircuitBreaker
}

// NewBreaker wraps gen in a circuit breaker named name.
func NewBreaker(name string, gen Generator, logger *zap.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Cancelled jobs are not upstream failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("generator circuit breaker state changed",
				zap.String("generator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Breaker{gen: gen, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Generate calls the wrapped generator unless the breaker is open.
func (b *Breaker) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.gen.Generate(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State returns the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
