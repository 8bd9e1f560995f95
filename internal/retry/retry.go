// Package retry implements the bounded, linearly backed-off retry policy used
// around each per-track download.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/kvdl/internal/poll"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultBaseTimeout = 60 * time.Second
	DefaultTimeoutStep = 30 * time.Second
)

// ErrExhausted is matched by every *ExhaustedError.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError carries the last failure after all attempts were used.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy describes how many times to try and how long to wait.
type Policy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the failed attempt number to get the pause
	// before the next attempt.
	BaseDelay time.Duration
	// BaseTimeout and TimeoutStep define the per-attempt wait budget handed
	// to the operation: BaseTimeout + TimeoutStep*(attempt-1).
	BaseTimeout time.Duration
	TimeoutStep time.Duration
	Clock       poll.Clock
}

// Default returns the policy used for track downloads.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		BaseTimeout: DefaultBaseTimeout,
		TimeoutStep: DefaultTimeoutStep,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the pause after failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration { return p.BaseDelay * time.Duration(n) }

// AttemptTimeout returns the wait budget for attempt n (1-based).
func (p Policy) AttemptTimeout(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseTimeout + p.TimeoutStep*time.Duration(n-1)
}

// FailureFunc observes a failed attempt and the pause that follows it
// (zero after the final attempt).
type FailureFunc func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds or MaxAttempts is reached. It returns the
// number of attempts made. Exhaustion yields *ExhaustedError; a cancelled
// context stops immediately with ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onFailure FailureFunc) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = poll.Real()
	}
	maxAttempts := p.maxAttempts()
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		var wait time.Duration
		if attempt < maxAttempts {
			wait = p.Delay(attempt)
		}
		if onFailure != nil {
			onFailure(attempt, last, wait)
		}
		if wait > 0 {
			if err := clock.Sleep(ctx, wait); err != nil {
				return attempt, err
			}
		}
	}
	return maxAttempts, &ExhaustedError{Attempts: maxAttempts, Last: last}
}
