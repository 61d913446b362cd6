package runstate

import (
	"context"
	"sync"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// Tracker fronts a Store for one monitoring session. The snapshot taken at
// Load is informational; HasNotified and MarkNotified always consult the store.
type Tracker struct {
	store Store

	mu       sync.RWMutex
	snapshot State
}

// NewTracker creates a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, snapshot: NewState()}
}

// Load reads the durable record. Failure here is fatal for the session.
func (t *Tracker) Load(ctx context.Context) (State, error) {
	st, err := t.store.Load(ctx)
	if err != nil {
		return State{}, asStateError(err, "load run state")
	}
	t.mu.Lock()
	t.snapshot = st.Clone()
	t.mu.Unlock()
	return st, nil
}

// Snapshot returns the state seen at the last Load or MarkNotified.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot.Clone()
}

// HasNotified performs a fresh durable read for id.
func (t *Tracker) HasNotified(ctx context.Context, id RunID) (bool, error) {
	ok, err := t.store.Has(ctx, id)
	if err != nil {
		return false, asStateError(err, "check run state")
	}
	return ok, nil
}

// MarkNotified records id. Marking an id that is already present is a no-op
// and reports added=false.
func (t *Tracker) MarkNotified(ctx context.Context, id RunID, rec Record) (bool, error) {
	added, err := t.store.Add(ctx, id, rec)
	if err != nil {
		return false, asStateError(err, "mark run notified")
	}
	if !added {
		trace.Logger(ctx).Info("run already recorded", "run_id", id)
	}
	t.mu.Lock()
	t.snapshot.insert(id, rec)
	t.mu.Unlock()
	return added, nil
}

func asStateError(err error, msg string) error {
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeStateUnavailable, msg)
}
