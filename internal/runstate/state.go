// Package runstate records which runs have already been announced. The record
// outlives any single monitoring session and is the only source of truth for
// deduplication across instances.
package runstate

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RunID identifies one broadcast session of a channel.
type RunID string

// DeriveRunID builds the run key from the stream session. The broadcast id is
// preferred; the start time is the fallback for platforms that omit it.
func DeriveRunID(channel, broadcastID string, startedAt time.Time) RunID {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if id := strings.TrimSpace(broadcastID); id != "" {
		return RunID(channel + ":" + id)
	}
	return RunID(channel + ":" + strconv.FormatInt(startedAt.UTC().Unix(), 10))
}

// Record is what is kept for an announced run.
type Record struct {
	NotifiedAt time.Time `json:"notified_at"`
	Timer      string    `json:"timer"`
	Instance   string    `json:"instance,omitempty"`
}

// State is a point-in-time copy of the durable record.
type State struct {
	Runs           map[RunID]Record `json:"runs"`
	LastNotifiedAt time.Time        `json:"last_notified_at"`
}

// NewState returns an empty state.
func NewState() State {
	return State{Runs: make(map[RunID]Record)}
}

// Has reports whether id was already announced.
func (s State) Has(id RunID) bool {
	_, ok := s.Runs[id]
	return ok
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	out := State{LastNotifiedAt: s.LastNotifiedAt, Runs: maps.Clone(s.Runs)}
	if out.Runs == nil {
		out.Runs = make(map[RunID]Record)
	}
	return out
}

// IDs returns run ids ordered by notification time, oldest first.
func (s State) IDs() []RunID {
	ids := slices.Collect(maps.Keys(s.Runs))
	slices.SortFunc(ids, func(a, b RunID) int {
		if c := s.Runs[a].NotifiedAt.Compare(s.Runs[b].NotifiedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a), string(b))
	})
	return ids
}

// insert adds id unless present and reports whether it did.
func (s *State) insert(id RunID, rec Record) bool {
	if s.Runs == nil {
		s.Runs = make(map[RunID]Record)
	}
	if _, ok := s.Runs[id]; ok {
		return false
	}
	s.Runs[id] = rec
	s.observe(rec.NotifiedAt)
	return true
}

func (s *State) observe(t time.Time) {
	if t.After(s.LastNotifiedAt) {
		s.LastNotifiedAt = t
	}
}

// Store is a durable run record. Add must be an atomic check-and-insert so two
// instances racing on the same run cannot both report added.
type Store interface {
	Load(ctx context.Context) (State, error)
	Has(ctx context.Context, id RunID) (bool, error)
	Add(ctx context.Context, id RunID, rec Record) (bool, error)
}
