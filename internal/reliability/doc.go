// Package reliability holds the failure-handling primitives shared by the
// subscription loops and the publish path.
//
//   - SteppedBackoff: linear reconnect delay with a ceiling
//   - CircuitBreaker: stops hammering a transport that keeps failing
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithOpenTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    _, err := transport.Publish(ctx, channel, payload)
//	    return err
//	})
package reliability
