package messaging

import (
	"fmt"
	"time"

	"github.com/zailic/nest/contracts"
)

// RetryStrategy decides whether another connection attempt should be made.
// Next is consulted after every failed attempt with the 1-based attempt number
// and the error that failed it; it returns the delay before the next attempt,
// or a permanent error that stops retrying.
type RetryStrategy interface {
	Next(attempt int, lastErr error) (time.Duration, error)
}

// ConnectRetry is the retry policy applied while dialing the broker.
// Its decision table, evaluated in order:
//
//  1. a connection-refused failure is emitted onto the shared error channel
//     and propagated immediately, so pending connects fail fast instead of
//     retrying against a host that is not listening;
//  2. if the client has been explicitly closed, retrying stops cleanly;
//  3. if no attempt budget is configured, or it is exceeded, the sequence
//     fails permanently with an exhaustion error;
//  4. otherwise the configured delay applies before the next attempt.
type ConnectRetry struct {
	attempts   int
	delay      time.Duration
	terminated func() bool
	errs       chan<- error
}

// NewConnectRetry builds the retry policy. attempts is the number of retries
// after the initial failure; zero means never retry. terminated reports
// whether Close has been called and distinguishes an intentional shutdown from
// an exhausted budget. errs, when non-nil, receives connection-refused errors.
func NewConnectRetry(attempts int, delay time.Duration, terminated func() bool, errs chan<- error) *ConnectRetry {
	if terminated == nil {
		terminated = func() bool { return false }
	}
	return &ConnectRetry{
		attempts:   attempts,
		delay:      delay,
		terminated: terminated,
		errs:       errs,
	}
}

// Next implements RetryStrategy.
func (r *ConnectRetry) Next(attempt int, lastErr error) (time.Duration, error) {
	if contracts.IsConnectionRefused(lastErr) {
		if r.errs != nil {
			select {
			case r.errs <- lastErr:
			default:
			}
		}
		return 0, lastErr
	}
	if r.terminated() {
		return 0, contracts.ErrClientClosed
	}
	if r.attempts <= 0 || attempt > r.attempts {
		if lastErr != nil {
			return 0, fmt.Errorf("%w after %d attempts: %v", contracts.ErrRetryExhausted, attempt, lastErr)
		}
		return 0, fmt.Errorf("%w after %d attempts", contracts.ErrRetryExhausted, attempt)
	}
	return r.delay, nil
}
