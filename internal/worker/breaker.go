package worker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"notifyd/internal/channels"
)

// ProviderBreaker builds the circuit breaker guarding one provider's
// dispatch calls. Each provider gets its own instance so an outage on one
// never blocks the others. Permanent errors are the job's fault (bad
// destination, unsupported channel), not the provider's, so they never
// count toward tripping.
func ProviderBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var dispErr *channels.Error
			return errors.As(err, &dispErr) && dispErr.Permanent
		},
	})
}
