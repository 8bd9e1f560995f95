// Package poll provides the clock abstraction and the single polling
// primitive shared by every bounded wait in kvdl.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("poll: timed out")

// Clock is the time source used by waits and settle delays.
// Tests substitute polltest.Clock to keep timing deterministic.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimeoutError reports a wait that exceeded its bound.
type TimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s (limit %s)", e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Until evaluates cond immediately and then every interval until it reports
// true, returns an error, or more than timeout has elapsed since the first
// evaluation. Errors from cond are returned unchanged.
func Until(ctx context.Context, clock Clock, interval, timeout time.Duration, cond func() (bool, error)) error {
	if clock == nil {
		clock = Real()
	}
	if interval <= 0 {
		return fmt.Errorf("poll: interval must be positive, got %s", interval)
	}
	start := clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		elapsed := clock.Now().Sub(start)
		if elapsed > timeout {
			return &TimeoutError{Timeout: timeout, Elapsed: elapsed}
		}
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
