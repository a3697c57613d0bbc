package breaker

import (
	"context"
	"errors"
)

// WithFallback wraps fn so that a CircuitOpenError rejection is answered by
// the fallback instead of propagating. Errors from the call itself always
// propagate.
func WithFallback(b *Breaker, fn, fallback func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := b.Execute(ctx, fn)

		var openErr *CircuitOpenError
		if errors.As(err, &openErr) && fallback != nil {
			return fallback(ctx)
		}
		return err
	}
}
