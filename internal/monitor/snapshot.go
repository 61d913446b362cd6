package monitor

import "time"

// Snapshot is the read-only view of a session published for the status
// server. It is a value type so readers can hold it without locking.
type Snapshot struct {
	Instance     string    `json:"instance"`
	Channel      string    `json:"channel"`
	Window       string    `json:"window"`
	DryRun       bool      `json:"dry_run"`
	State        string    `json:"state"`
	RunID        string    `json:"run_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Polls        int       `json:"polls"`
	Failures     int       `json:"consecutive_failures"`
	SendAttempts int       `json:"send_attempts"`
	LastReading  string    `json:"last_reading,omitempty"`
	LastRaw      string    `json:"last_raw,omitempty"`
	LastPollAt   time.Time `json:"last_poll_at,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Error        string    `json:"error,omitempty"`
}
