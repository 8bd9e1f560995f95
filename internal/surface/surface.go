// Package surface defines the boundary between the acquisition logic and the
// remote interactive page it drives. Implementations translate these calls
// into a concrete browser protocol.
package surface

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no element matched a selector.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout reports that an element did not appear, or an interaction
	// did not complete, in time.
	ErrTimeout = errors.New("timed out waiting for element")
)

// Element is an opaque handle to a located node. Only the Surface that
// produced it can interpret Ref.
type Element struct {
	selector string
	ref      any
}

// NewElement is used by Surface implementations to mint handles.
func NewElement(selector string, ref any) Element {
	return Element{selector: selector, ref: ref}
}

func (e Element) Selector() string { return e.selector }
func (e Element) Ref() any         { return e.ref }

// Surface is the set of page interactions the acquisition flow needs.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	// Locate returns the first match or ErrNotFound.
	Locate(ctx context.Context, selector string) (Element, error)
	// LocateAll returns every match in document order; none is not an error.
	LocateAll(ctx context.Context, selector string) ([]Element, error)
	Click(ctx context.Context, el Element) error
	Focus(ctx context.Context, el Element) error
	// TypeText sends keystrokes to the element.
	TypeText(ctx context.Context, el Element, text string) error
	ReadText(ctx context.Context, el Element) (string, error)
	// ReadOwnText returns the element's trailing text node, without the text
	// of nested child elements.
	ReadOwnText(ctx context.Context, el Element) (string, error)
	// ReadAttribute reports the attribute value and whether it is present.
	ReadAttribute(ctx context.Context, el Element, name string) (string, bool, error)
	// WaitForAppearance blocks until selector matches or ErrTimeout.
	WaitForAppearance(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	ScrollIntoView(ctx context.Context, el Element) error
}

// Kind classifies a surface error.
type Kind int

const (
	Found Kind = iota
	NotFound
	Timeout
	Failed
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	default:
		return "failed"
	}
}

// KindOf maps an error returned by a Surface to its Kind. A nil error is Found.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return Found
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	default:
		return Failed
	}
}
