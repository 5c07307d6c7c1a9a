package channels

import (
	"context"
	"fmt"

	"notifyd/internal/domain"
)

// DispatchResult reports a successful hand-off to a delivery provider.
type DispatchResult struct {
	MessageID string
	Provider  string
}

// Dispatcher is the uniform send contract, one implementation per delivery
// method. Implementations must be substitutable without touching the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.NotificationJob) (DispatchResult, error)
}

// Error classifies a dispatch failure. Permanent failures are terminal and
// never retried (bad destination, unknown channel); everything else is
// retried up to the worker's ceiling.
type Error struct {
	Reason    string
	Permanent bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

func permanent(reason string) *Error { return &Error{Reason: reason, Permanent: true} }

// Registry routes jobs to dispatchers by delivery method.
type Registry struct {
	dispatchers map[domain.DeliveryMethod]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: map[domain.DeliveryMethod]Dispatcher{}}
}

func (r *Registry) Register(m domain.DeliveryMethod, d Dispatcher) {
	r.dispatchers[m] = d
}

// Lookup returns the dispatcher for a method. A method with no registered
// dispatcher is a deterministic, non-retried failure, never a silent drop.
func (r *Registry) Lookup(m domain.DeliveryMethod) (Dispatcher, error) {
	d, ok := r.dispatchers[m]
	if !ok {
		return nil, permanent(fmt.Sprintf("no dispatcher registered for method %q", m))
	}
	return d, nil
}
