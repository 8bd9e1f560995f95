package orchestrator

import (
	"sync"
	"time"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSigningIn   Phase = "signing_in"
	PhaseOpening     Phase = "opening"
	PhaseAdjusting   Phase = "adjusting"
	PhaseDiscovering Phase = "discovering"
	PhaseDownloading Phase = "downloading"
	PhaseFinished    Phase = "finished"
	PhaseFailed      Phase = "failed"
)

// Status is a point-in-time view of a run, served by the status API.
type Status struct {
	Phase       Phase     `json:"phase"`
	Target      string    `json:"target,omitempty"`
	CurrentItem string    `json:"current_item,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Skipped     int       `json:"skipped"`
	Failed      []string  `json:"failed,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type tracker struct {
	mu sync.RWMutex
	st Status
}

func (t *tracker) update(now time.Time, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.st)
	t.st.UpdatedAt = now
}

func (t *tracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.st
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	s.Failed = append([]string(nil), t.st.Failed...)
	return s
}
