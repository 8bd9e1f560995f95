// Package setting drives a remote numeric control that only offers relative
// adjustments toward a target value.
package setting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/kvdl/internal/poll"
)

const (
	DefaultMaxIterations = 10
	DefaultSettle        = 100 * time.Millisecond

	MinTranspose = -4
	MaxTranspose = 4
)

// ErrNotConverged is matched by every *ConvergenceError.
var ErrNotConverged = errors.New("setting did not converge")

// Control is a numeric value that can be read and nudged by one unit.
type Control interface {
	Read(ctx context.Context) (int, error)
	Increment(ctx context.Context) error
	Decrement(ctx context.Context) error
	// Reload applies the adjusted value; it must complete before dependent work starts.
	Reload(ctx context.Context) error
}

// ConvergenceError reports that the value was still off target after the
// iteration budget was spent.
type ConvergenceError struct {
	Target     int
	Last       int
	Iterations int
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("failed to reach %d after %d adjustments (last read %d)", e.Target, e.Iterations, e.Last)
}

func (e *ConvergenceError) Is(target error) bool { return target == ErrNotConverged }

type Options struct {
	MaxIterations int
	Settle        time.Duration
	Clock         poll.Clock
	// OnAdjust, when set, observes each value read after an adjustment.
	OnAdjust func(value int)
}

// Converge moves ctl to target. The direction is fixed from the first
// reading; each unit step is followed by a settle delay and a re-read. A
// value already on target is left alone and not reloaded.
func Converge(ctx context.Context, target int, ctl Control, opts Options) error {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	clock := opts.Clock
	if clock == nil {
		clock = poll.Real()
	}

	current, err := ctl.Read(ctx)
	if err != nil {
		return fmt.Errorf("read setting: %w", err)
	}
	if current == target {
		return nil
	}
	step := ctl.Decrement
	if target > current {
		step = ctl.Increment
	}

	for i := 1; current != target; i++ {
		if i > maxIter {
			return &ConvergenceError{Target: target, Last: current, Iterations: maxIter}
		}
		if err := step(ctx); err != nil {
			return fmt.Errorf("adjust setting: %w", err)
		}
		if err := clock.Sleep(ctx, settle); err != nil {
			return err
		}
		if current, err = ctl.Read(ctx); err != nil {
			return fmt.Errorf("read setting: %w", err)
		}
		if opts.OnAdjust != nil {
			opts.OnAdjust(current)
		}
		if err := clock.Sleep(ctx, settle); err != nil {
			return err
		}
	}

	if err := ctl.Reload(ctx); err != nil {
		return fmt.Errorf("reload after adjusting setting: %w", err)
	}
	return nil
}

// ValidateTranspose checks that v is a semitone shift the site accepts.
func ValidateTranspose(v int) error {
	if v < MinTranspose || v > MaxTranspose {
		return fmt.Errorf("transpose must be between %d and %d, got %d", MinTranspose, MaxTranspose, v)
	}
	return nil
}
