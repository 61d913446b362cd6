package syncx

import (
	"sync"
	"testing"
	"time"
)

type status struct {
	state string
	polls int
}

func TestGuardGetSet(t *testing.T) {
	g := NewGuard(status{state: "idle"})

	if got := g.Get().state; got != "idle" {
		t.Errorf("Get().state = %q, want idle", got)
	}

	g.Set(status{state: "sampling", polls: 1})
	got, version := g.Load()
	if got.state != "sampling" || got.polls != 1 {
		t.Errorf("Load() = %+v, want {sampling 1}", got)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestGuardUpdateBumpsVersion(t *testing.T) {
	g := NewGuard(status{})

	for i := 0; i < 3; i++ {
		g.Update(func(s *status) { s.polls++ })
	}

	if got := g.Get().polls; got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	if got := g.Version(); got != 3 {
		t.Errorf("Version() = %d, want 3", got)
	}
}

func TestGuardView(t *testing.T) {
	g := NewGuard(status{state: "sleeping", polls: 7})

	polls := View(g, func(s status) int { return s.polls })
	if polls != 7 {
		t.Errorf("View() = %d, want 7", polls)
	}
}

func TestGuardChangedFires(t *testing.T) {
	g := NewGuard(status{})
	ch := g.Changed()

	select {
	case <-ch:
		t.Fatal("channel closed before any write")
	default:
	}

	g.Set(status{state: "notifying"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher not woken by write")
	}

	select {
	case <-g.Changed():
		t.Fatal("fresh channel should be open")
	default:
	}
}

func TestGuardConcurrentSafety(t *testing.T) {
	g := NewGuard(0)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Update(func(v *int) { *v++ })
		}()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Load()
		}()
	}

	wg.Wait()

	if got := g.Get(); got != 100 {
		t.Errorf("Get() = %d, want 100", got)
	}
}
