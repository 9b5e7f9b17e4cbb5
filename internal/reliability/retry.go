// Package reliability provides the retry executor transport bindings use to
// drive their dial attempts through the client's retry strategy.
package reliability

import (
	"context"
	"time"
)

// Strategy decides whether another attempt should be made. It is consulted
// after every failure with the 1-based attempt number and the error; it
// returns the delay before the next attempt, or a permanent error that ends
// the sequence.
type Strategy interface {
	Next(attempt int, lastErr error) (time.Duration, error)
}

// Execute runs dial until it succeeds, strategy ends the sequence, or ctx is
// cancelled.
func Execute(ctx context.Context, strategy Strategy, dial func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr := dial(ctx)
		if lastErr == nil {
			return nil
		}

		delay, err := strategy.Next(attempt, lastErr)
		if err != nil {
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
