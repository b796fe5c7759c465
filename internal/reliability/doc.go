// Package reliability protects transport sends.
//
// Retry re-runs an operation according to a Policy (exponential backoff or a
// fixed delay) until it succeeds, the policy gives up, or the error is marked
// permanent. CircuitBreaker stops calling a failing transport for a cooldown
// period and then lets a limited number of trial calls through.
//
//	cb := NewCircuitBreaker(WithFailureThreshold(5), WithCooldown(30*time.Second))
//	err := Retry(ctx, NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 2, 3), func(ctx context.Context) error {
//	    return cb.Execute(ctx, send)
//	})
package reliability
