package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubStrategy struct {
	consulted []int
	err       error
	delay     time.Duration
}

func (s *stubStrategy) Next(attempt int, lastErr error) (time.Duration, error) {
	s.consulted = append(s.consulted, attempt)
	return s.delay, s.err
}

func TestExecute(t *testing.T) {
	t.Run("does not consult the strategy on first-try success", func(t *testing.T) {
		strategy := &stubStrategy{}

		err := Execute(context.Background(), strategy, func(context.Context) error { return nil })

		assert.NoError(t, err)
		assert.Empty(t, strategy.consulted)
	})

	t.Run("retries until the dial succeeds", func(t *testing.T) {
		strategy := &stubStrategy{}
		attempts := 0

		err := Execute(context.Background(), strategy, func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("dial failed")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, strategy.consulted)
	})

	t.Run("stops when the strategy ends the sequence", func(t *testing.T) {
		permanent := errors.New("give up")
		strategy := &stubStrategy{err: permanent}
		attempts := 0

		err := Execute(context.Background(), strategy, func(context.Context) error {
			attempts++
			return errors.New("dial failed")
		})

		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		strategy := &stubStrategy{delay: time.Second}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := Execute(ctx, strategy, func(context.Context) error {
			return errors.New("dial failed")
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
