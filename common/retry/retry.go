// Package retry runs operations that wait on eventually consistent chain
// indexes with a bounded number of attempts and a fixed delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common/logging"
)

const (
	DefaultAttempts = 10
	DefaultDelay    = 3 * time.Second
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy returns the policy used when callers do not configure one.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. The delay is only slept between attempts.
func Do[T any](ctx context.Context, operation string, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := logging.GetLoggerFromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return zero, permanent.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		logger.Debug("retrying chain operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", policy.Delay),
			zap.Error(err),
		)
		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, &ExhaustedError{Operation: operation, Attempts: attempts, Last: lastErr}
}
