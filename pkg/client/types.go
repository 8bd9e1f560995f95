package client

import "time"

// RunStatus mirrors the /status payload.
type RunStatus struct {
	Phase       string    `json:"phase"`
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

// Done reports whether the run reached a terminal phase.
func (s RunStatus) Done() bool { return s.Phase == "finished" || s.Phase == "failed" }

// Progress mirrors the /progress payload, i.e. the on-disk progress record.
type Progress struct {
	URL             string   `json:"url"`
	CompletedTracks []string `json:"completed_tracks"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
