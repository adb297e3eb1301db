package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dyhe/quotevault/internal/domain"
)

// newBreaker builds the circuit breaker shared by one adapter's operations.
// The breaker opens after five consecutive transient failures and probes
// again after 30 seconds; an open breaker surfaces as a transient fault so
// the router fails over instead of hammering a dead upstream.
func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Payload problems are the provider lying, not the provider
			// being down; they do not trip the breaker.
			return err == nil || errors.Is(err, domain.ErrPayloadInvalid)
		},
	})
}

// throughBreaker runs fn behind the breaker, translating an open circuit
// into a transient provider fault.
func throughBreaker(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open for %s", domain.ErrProviderTransient, cb.Name())
	}
	return err
}
