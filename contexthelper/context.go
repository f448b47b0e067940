package contexthelper

import (
	"context"
	"time"
)

// CheckCancellation returns the context error once ctx is done, nil otherwise.
func CheckCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// WithOptionalTimeout bounds ctx by timeout. A timeout of zero or less only adds a cancel.
func WithOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
