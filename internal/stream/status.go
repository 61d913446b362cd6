// Package stream answers whether a channel is live and what it is playing.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/GriffinCanCode/runwatch/internal/runstate"
)

// Status is one observation of a channel.
type Status struct {
	Live        bool      `json:"live"`
	Category    string    `json:"category,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Viewers     int       `json:"viewers,omitempty"`
}

// MatchesCategory reports a case-insensitive substring match of want in the
// current category, so "Minecraft" matches "Minecraft: Java Edition".
func (s Status) MatchesCategory(want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s.Category), want)
}

// RunID derives the run key for this broadcast.
func (s Status) RunID(channel string) runstate.RunID {
	return runstate.DeriveRunID(channel, s.BroadcastID, s.StartedAt)
}

// StatusSource reports the current status of the monitored channel.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}
