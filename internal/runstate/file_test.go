package runstate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

func TestFileStoreMissingIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Runs) != 0 || !st.LastNotifiedAt.IsZero() {
		t.Errorf("expected empty state, got %+v", st)
	}
}

func TestFileStoreAddPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	at := time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC)

	added, err := NewFileStore(path).Add(ctx, "forsen:1", Record{NotifiedAt: at, Timer: "12:34"})
	if err != nil || !added {
		t.Fatalf("Add() = %v, %v; want true, nil", added, err)
	}

	// fresh store reads the same file
	st, err := NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rec, ok := st.Runs["forsen:1"]
	if !ok || rec.Timer != "12:34" || !rec.NotifiedAt.Equal(at) {
		t.Errorf("record = %+v, ok=%v", rec, ok)
	}
	if !st.LastNotifiedAt.Equal(at) {
		t.Errorf("LastNotifiedAt = %v, want %v", st.LastNotifiedAt, at)
	}
}

func TestFileStoreAddIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	first := Record{NotifiedAt: time.Unix(100, 0).UTC(), Timer: "10:05"}
	if added, _ := s.Add(ctx, "forsen:1", first); !added {
		t.Fatal("first Add should insert")
	}
	added, err := s.Add(ctx, "forsen:1", Record{NotifiedAt: time.Unix(200, 0).UTC(), Timer: "11:00"})
	if err != nil {
		t.Fatalf("second Add() error = %v", err)
	}
	if added {
		t.Error("second Add should be a no-op")
	}

	st, _ := s.Load(ctx)
	if got := st.Runs["forsen:1"].Timer; got != "10:05" {
		t.Errorf("record overwritten: timer = %q", got)
	}
	if len(st.Runs) != 1 {
		t.Errorf("runs = %d, want 1", len(st.Runs))
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileStore(path).Load(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeStateCorrupt) {
		t.Errorf("expected STATE_CORRUPT, got %v", err)
	}
	if !apperrors.IsFatal(err) {
		t.Error("corrupt state should be fatal")
	}
}

func TestFileStoreLegacyField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	legacy := `{"last_tweet_time": "2025-06-01T18:30:00.123456+00:00"}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := time.Date(2025, 6, 1, 18, 30, 0, 123456000, time.UTC)
	if !st.LastNotifiedAt.Equal(want) {
		t.Errorf("LastNotifiedAt = %v, want %v", st.LastNotifiedAt, want)
	}
}

func TestFileStoreConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := NewFileStore(path).Add(ctx, "forsen:race", Record{NotifiedAt: time.Now(), Timer: "12:00"})
			if err != nil {
				t.Errorf("Add() error = %v", err)
			}
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := added.Load(); got != 1 {
		t.Errorf("%d writers reported added, want exactly 1", got)
	}
}
