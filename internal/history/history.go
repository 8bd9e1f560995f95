package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of acquisition event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventItemSkipped   EventType = "item_skipped"
	EventAttemptFailed EventType = "attempt_failed"
	EventItemCompleted EventType = "item_completed"
	EventItemFailed    EventType = "item_failed"
	EventRunFinished   EventType = "run_finished"
)

// Record is the payload of an event. Item fields are empty for run events.
type Record struct {
	Target  string `json:"target"`
	Item    string `json:"item,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	File    string `json:"file,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event represents an acquisition event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends every event to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
