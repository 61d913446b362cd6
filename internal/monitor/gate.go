package monitor

import (
	"context"
	"time"

	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// Decision is the gate's answer with the reason behind it.
type Decision struct {
	Start  bool
	Reason string
	Status stream.Status
}

// Gate is the cheap pre-filter run before a session. It keeps no state of its
// own; the cooldown reads the last notification time from the run record.
type Gate struct {
	Enabled  bool // RUNWATCH_ENABLED; a disabled gate never queries the stream
	Category string
	Cooldown time.Duration
	Status   stream.StatusSource
	Tracker  *runstate.Tracker // nil disables the cooldown
	Clock    Clock
}

// NewGate creates a gate. A disabled gate never starts a session.
func NewGate(enabled bool, category string, cooldown time.Duration, status stream.StatusSource, tracker *runstate.Tracker) *Gate {
	return &Gate{
		Enabled:  enabled,
		Category: category,
		Cooldown: cooldown,
		Status:   status,
		Tracker:  tracker,
		Clock:    RealClock{},
	}
}

// ShouldStart reports whether a monitoring session should start now.
func (g *Gate) ShouldStart(ctx context.Context) (bool, error) {
	d, err := g.Check(ctx)
	return d.Start, err
}

// Check evaluates the gate: enabled, live, right category, and no
// notification within the cooldown.
func (g *Gate) Check(ctx context.Context) (Decision, error) {
	ctx, span := trace.StartSpan(ctx, "monitor.gate")
	defer span.End()
	log := trace.Logger(ctx)

	if !g.Enabled {
		log.Info("monitoring disabled")
		return Decision{Reason: "disabled"}, nil
	}

	st, err := g.Status.Status(ctx)
	if err != nil {
		return Decision{Reason: "status unavailable"}, err
	}
	if !st.Live {
		log.Info("stream offline")
		return Decision{Reason: "offline", Status: st}, nil
	}
	if !st.MatchesCategory(g.Category) {
		log.Info("stream live in another category", "category", st.Category, "want", g.Category)
		return Decision{Reason: "category", Status: st}, nil
	}

	if g.Tracker != nil && g.Cooldown > 0 {
		state, err := g.Tracker.Load(ctx)
		if err != nil {
			return Decision{Reason: "state unavailable", Status: st}, err
		}
		clock := g.Clock
		if clock == nil {
			clock = RealClock{}
		}
		if last := state.LastNotifiedAt; !last.IsZero() && clock.Now().Sub(last) < g.Cooldown {
			log.Info("recently notified, same run still active", "last_notified_at", last, "cooldown", g.Cooldown)
			return Decision{Reason: "cooldown", Status: st}, nil
		}
	}

	span.SetAttr("start", true)
	log.Info("stream live in category, monitoring should start", "category", st.Category, "title", st.Title)
	return Decision{Start: true, Reason: "live", Status: st}, nil
}
