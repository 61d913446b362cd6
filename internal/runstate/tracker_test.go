package runstate

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

type failingStore struct{ err error }

func (f failingStore) Load(context.Context) (State, error)              { return State{}, f.err }
func (f failingStore) Has(context.Context, RunID) (bool, error)         { return false, f.err }
func (f failingStore) Add(context.Context, RunID, Record) (bool, error) { return false, f.err }

func TestDeriveRunID(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		channel, broadcast string
		want               RunID
	}{
		{"forsen", "42", "forsen:42"},
		{" Forsen ", " 42 ", "forsen:42"},
		{"forsen", "", RunID("forsen:1767323045")},
	}
	for _, tt := range tests {
		if got := DeriveRunID(tt.channel, tt.broadcast, started); got != tt.want {
			t.Errorf("DeriveRunID(%q, %q) = %q, want %q", tt.channel, tt.broadcast, got, tt.want)
		}
	}
}

func TestStateIDsOrdered(t *testing.T) {
	st := NewState()
	st.insert("b", Record{NotifiedAt: time.Unix(300, 0)})
	st.insert("a", Record{NotifiedAt: time.Unix(100, 0)})
	st.insert("c", Record{NotifiedAt: time.Unix(200, 0)})

	ids := st.IDs()
	want := []RunID{"a", "c", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}
	if !st.LastNotifiedAt.Equal(time.Unix(300, 0)) {
		t.Errorf("LastNotifiedAt = %v", st.LastNotifiedAt)
	}
}

func TestTrackerMarkIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryStore(NewState()))
	if _, err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}

	rec := Record{NotifiedAt: time.Unix(1000, 0), Timer: "12:00"}
	added, err := tr.MarkNotified(ctx, "forsen:1", rec)
	if err != nil || !added {
		t.Fatalf("MarkNotified() = %v, %v", added, err)
	}
	added, err = tr.MarkNotified(ctx, "forsen:1", Record{NotifiedAt: time.Unix(2000, 0), Timer: "13:00"})
	if err != nil || added {
		t.Fatalf("second MarkNotified() = %v, %v; want false, nil", added, err)
	}

	ok, err := tr.HasNotified(ctx, "forsen:1")
	if err != nil || !ok {
		t.Errorf("HasNotified() = %v, %v", ok, err)
	}
	snap := tr.Snapshot()
	if len(snap.Runs) != 1 || snap.Runs["forsen:1"].Timer != "12:00" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTrackerHasNotifiedReadsStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewState())
	tr := NewTracker(store)
	if _, err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}

	// another instance records the run after our snapshot
	if _, err := store.Add(ctx, "forsen:1", Record{NotifiedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if tr.Snapshot().Has("forsen:1") {
		t.Error("snapshot should not see the later write")
	}
	ok, err := tr.HasNotified(ctx, "forsen:1")
	if err != nil || !ok {
		t.Errorf("HasNotified() = %v, %v; want fresh read true", ok, err)
	}
}

func TestTrackerErrorsAreStateErrors(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(failingStore{err: errors.New("disk gone")})

	if _, err := tr.Load(ctx); !apperrors.IsCode(err, apperrors.CodeStateUnavailable) {
		t.Errorf("Load() error = %v, want STATE_UNAVAILABLE", err)
	}
	if _, err := tr.HasNotified(ctx, "x"); !apperrors.IsFatal(err) {
		t.Errorf("HasNotified() error = %v, want fatal", err)
	}

	corrupt := NewTracker(failingStore{err: apperrors.New(apperrors.CodeStateCorrupt, "bad")})
	if _, err := corrupt.Load(ctx); !apperrors.IsCode(err, apperrors.CodeStateCorrupt) {
		t.Errorf("Load() error = %v, want STATE_CORRUPT preserved", err)
	}
}
