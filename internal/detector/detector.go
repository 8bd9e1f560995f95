package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/kvdl/internal/poll"
	"github.com/spf13/afero"
)

// Defaults used when a caller leaves Options fields zero.
const (
	DefaultInterval      = 500 * time.Millisecond
	DefaultTimeout       = 300 * time.Second
	DefaultPartialSuffix = ".crdownload"
)

// ErrNoDownloadDir is returned when no usable destination directory exists.
var ErrNoDownloadDir = errors.New("download directory does not exist")

// Detector is a strategy that decides whether an out-of-band transfer has
// finished. Implementations must not block.
type Detector interface {
	// Done returns true once the transfer is complete.
	Done() (bool, error)
	// Describe returns a human-readable description of what is being watched.
	Describe() string
}

// PartialFileDetector watches Dir for the browser's in-progress marker
// Name+Suffix to disappear and Name itself to exist.
type PartialFileDetector struct {
	Fs     afero.Fs
	Dir    string
	Name   string
	Suffix string
}

func (d PartialFileDetector) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

func (d PartialFileDetector) suffix() string {
	if d.Suffix == "" {
		return DefaultPartialSuffix
	}
	return d.Suffix
}

func (d PartialFileDetector) Done() (bool, error) {
	fs := d.fs()
	entries, err := afero.ReadDir(fs, d.Dir)
	if err != nil {
		return false, fmt.Errorf("read download directory %s: %w", d.Dir, err)
	}
	marker := d.Name + d.suffix()
	for _, e := range entries {
		if e.Name() == marker {
			return false, nil
		}
	}
	// Marker gone; the final file may not have been renamed into place yet.
	return afero.Exists(fs, filepath.Join(d.Dir, d.Name))
}

func (d PartialFileDetector) Describe() string {
	return "partial:" + filepath.Join(d.Dir, d.Name) + d.suffix()
}

// Options bounds an Await call.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    poll.Clock
}

// Await polls det until it reports completion or the timeout expires.
func Await(ctx context.Context, det Detector, opts Options) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	err := poll.Until(ctx, opts.Clock, interval, timeout, det.Done)
	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return fmt.Errorf("download did not complete within %s (%s): %w", timeout, det.Describe(), err)
	}
	return err
}

// ResolveDir returns the directory downloads land in: explicit when set,
// otherwise the user's Downloads folder. The result must be an existing
// directory.
func ResolveDir(explicit string) (string, error) {
	dir := explicit
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		dir = filepath.Join(home, "Downloads")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve download directory %s: %w", dir, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNoDownloadDir, abs)
	}
	return abs, nil
}
