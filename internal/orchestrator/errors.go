package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPartialFailure is matched by every *PartialFailureError.
var ErrPartialFailure = errors.New("some tracks failed to download")

// PartialFailureError lists the tracks that exhausted their retries. The
// progress file is left in place so a rerun resumes after the successes.
type PartialFailureError struct {
	Failed []string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d tracks failed to download: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

// IsPartialFailure distinguishes a finished run with failed tracks from a
// fatal precondition error.
func IsPartialFailure(err error) bool {
	return errors.Is(err, ErrPartialFailure)
}
