// Package reliability provides the backoff and circuit breaker primitives used by the relay and
// the transport adapters.
//
// This package implements:
//   - Backoff: delay functions (exponential, fixed) keyed by attempt number
//   - Retry: bounded in-process retries for connection setup
//   - Circuit Breaker: stops hammering a failing transport until it recovers
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return sender.Send(ctx, destination, payload)
//	})
package reliability
