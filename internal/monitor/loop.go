package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/events"
	"github.com/GriffinCanCode/runwatch/internal/feed"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/notify"
	"github.com/GriffinCanCode/runwatch/internal/ocr"
	"github.com/GriffinCanCode/runwatch/internal/resilience"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
	"github.com/GriffinCanCode/runwatch/internal/syncx"
	"github.com/GriffinCanCode/runwatch/internal/timer"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// publishTimeout bounds the final event publish, which runs after the session
// context may already be done.
const publishTimeout = 5 * time.Second

// Result is what Run reports. Nothing else escapes a session.
type Result struct {
	Outcome Outcome
	RunID   runstate.RunID
	Reading timer.Reading // last valid reading, if any
	Polls   int
	Frame   string // archive location of the announced frame
	Err     error
}

// frameProcessor is implemented by ocr.Processor; it reports when the OCR call
// was skipped for an unchanged crop.
type frameProcessor interface {
	Process(ctx context.Context, frame []byte) (ocr.Result, error)
}

type pendingSend struct {
	reading timer.Reading
	raw     string
	frame   []byte
}

type session struct {
	start    time.Time
	runID    runstate.RunID
	state    State
	polls    int
	failures int
	sends    int
	last     timer.Reading
	pending  *pendingSend
}

// Loop is one monitoring session. It is single-use: build a new Loop per
// session so the normalizer starts without a baseline.
type Loop struct {
	opts     Options
	deps     Deps
	instance string
	norm     *timer.Normalizer
	snap     *syncx.RWGuard[Snapshot]
}

// New creates a session. Each session gets a random instance id that is
// stored with the run record it writes.
func New(opts Options, deps Deps) *Loop {
	opts = opts.withDefaults()
	deps = deps.withDefaults()
	if opts.StatusRetry.Sleep == nil {
		opts.StatusRetry.Sleep = deps.Clock.Sleep
	}
	if opts.StatusRetry.OnRetry == nil {
		opts.StatusRetry.OnRetry = func(_ int, err error, _ time.Duration) {
			deps.Metrics.IncFailure(metrics.StageStatus, err)
		}
	}
	instance := uuid.NewString()
	return &Loop{
		opts:     opts,
		deps:     deps,
		instance: instance,
		norm:     timer.NewNormalizer(opts.ContinuitySlack, opts.ReanchorAfter),
		snap: syncx.NewGuard(Snapshot{
			Instance: instance,
			Channel:  opts.Channel,
			Window:   opts.Window.String(),
			DryRun:   opts.DryRun,
			State:    StateStarting.String(),
		}),
	}
}

// Instance returns the session's instance id.
func (l *Loop) Instance() string { return l.instance }

// Snapshots exposes the published session view.
func (l *Loop) Snapshots() *syncx.RWGuard[Snapshot] { return l.snap }

// Feed returns the session's event feed.
func (l *Loop) Feed() *feed.Feed { return l.deps.Feed }

// Run drives the state machine until a terminal outcome.
func (l *Loop) Run(ctx context.Context) Result {
	ctx, _ = trace.EnsureContext(ctx)
	ctx = trace.WithAttrs(ctx, "channel", l.opts.Channel, "instance", l.instance)
	ctx, span := trace.StartSpan(ctx, "monitor.session")
	defer span.End()

	s := &session{start: l.deps.Clock.Now(), state: StateStarting}
	l.snap.Update(func(v *Snapshot) { v.StartedAt = s.start })
	trace.Logger(ctx).Info("monitoring session started",
		"window", l.opts.Window, "poll_interval", l.opts.PollInterval,
		"budget", l.opts.SessionDuration, "dry_run", l.opts.DryRun, "single_check", l.opts.SingleCheck)

	res := l.run(ctx, s)
	res.Polls = s.polls
	if res.RunID == "" {
		res.RunID = s.runID
	}
	if !res.Reading.Valid {
		res.Reading = s.last
	}
	span.SetAttr("outcome", res.Outcome.String())
	span.SetAttr("polls", res.Polls)
	l.finish(ctx, res)
	return res
}

func (l *Loop) run(ctx context.Context, s *session) Result {
	log := trace.Logger(ctx)

	if _, err := l.deps.Tracker.Load(ctx); err != nil {
		log.Error("cannot load run state", "error", err)
		return Result{Outcome: Error, Err: err}
	}

	st, err := resilience.RetryValue(ctx, l.opts.StatusRetry, func() (stream.Status, error) {
		return l.status(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		l.deps.Metrics.IncFailure(metrics.StageStatus, err)
		log.Error("stream status unavailable at start", "error", err)
		return Result{Outcome: Error, Err: err}
	}
	if res := l.checkStream(ctx, st); res != nil {
		return *res
	}

	s.runID = st.RunID(l.opts.Channel)
	ctx = trace.WithAttrs(ctx, "run_id", s.runID)
	log = trace.Logger(ctx)
	l.snap.Update(func(v *Snapshot) { v.RunID = string(s.runID) })

	notified, err := l.deps.Tracker.HasNotified(ctx, s.runID)
	if err != nil {
		log.Error("cannot read run state", "error", err)
		return Result{Outcome: Error, Err: err}
	}
	if notified {
		log.Info("run already announced")
		return Result{Outcome: NoTrigger}
	}

	state := StatePolling
	for {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		l.transition(s, state)

		var res *Result
		switch state {
		case StatePolling:
			// A poll landing exactly on the budget still runs.
			if l.deps.Clock.Now().Sub(s.start) > l.opts.SessionDuration {
				log.Info("session budget exhausted", "polls", s.polls)
				return Result{Outcome: TimedOut}
			}
			state, res = l.poll(ctx, s)
		case StateNotifying:
			state, res = l.notify(ctx, s)
		case StateSleeping:
			if l.opts.SingleCheck {
				log.Info("single check finished without a trigger")
				return Result{Outcome: NoTrigger}
			}
			if err := l.deps.Clock.Sleep(ctx, l.opts.PollInterval); err != nil {
				return cancelled(err)
			}
			state = StatePolling
		}
		if res != nil {
			return *res
		}
	}
}

// poll runs one Polling iteration and returns the next state, or a result
// when the session ends.
func (l *Loop) poll(ctx context.Context, s *session) (State, *Result) {
	s.polls++
	ctx, span := trace.StartSpan(ctx, "monitor.poll")
	defer span.End()
	span.SetAttr("poll", s.polls)
	log := trace.Logger(ctx)

	l.deps.Metrics.IncPolls()
	now := l.deps.Clock.Now()
	l.snap.Update(func(v *Snapshot) {
		v.Polls = s.polls
		v.LastPollAt = now
	})

	st, err := l.status(ctx)
	if err != nil {
		return l.transient(ctx, s, metrics.StageStatus, err)
	}
	if res := l.checkStream(ctx, st); res != nil {
		return StateTerminated, res
	}
	if id := st.RunID(l.opts.Channel); id != s.runID {
		log.Info("broadcast changed, ending session", "current", id)
		return StateTerminated, &Result{Outcome: LivenessLost}
	}

	if s.pending != nil {
		log.Info("retrying notification", "reading", s.pending.reading, "attempt", s.sends+1)
		return StateNotifying, nil
	}

	frame, err := withTimeout(ctx, l.opts.CallTimeout, l.deps.Frames.Capture)
	if err != nil {
		return l.transient(ctx, s, metrics.StageCapture, err)
	}
	text, err := l.recognize(ctx, frame)
	if err != nil {
		return l.transient(ctx, s, metrics.StageOCR, err)
	}
	s.failures = 0

	reading := l.norm.Normalize(text, l.deps.Clock.Now())
	span.SetAttr("raw", text)
	span.SetAttr("reading", reading.String())
	l.snap.Update(func(v *Snapshot) {
		v.Failures = 0
		v.LastRaw = text
		if reading.Valid {
			v.LastReading = reading.String()
		}
	})

	if !reading.Valid {
		log.Info("timer not readable", "raw", text)
		l.deps.Metrics.ObserveReading("invalid", 0)
		l.deps.Feed.Emit(feed.Event{Kind: feed.KindReading, RunID: string(s.runID), Raw: text, Message: "invalid"})
		return StateSleeping, nil
	}

	s.last = reading
	pos := l.opts.Window.Evaluate(reading)
	l.deps.Metrics.ObserveReading(pos.String(), reading.Total())
	l.deps.Feed.Emit(feed.Event{
		Kind:    feed.KindReading,
		RunID:   string(s.runID),
		Reading: reading.String(),
		Raw:     text,
		Message: pos.String(),
	})
	log.Info("timer read", "reading", reading, "position", pos)

	switch pos {
	case timer.Below:
		return StateSleeping, nil
	case timer.InWindow:
		s.pending = &pendingSend{reading: reading, raw: text, frame: frame}
		return StateNotifying, nil
	default:
		log.Info("timer past window", "reading", reading, "window", l.opts.Window)
		return StateTerminated, &Result{Outcome: NoTrigger, Reading: reading}
	}
}

// notify re-checks the durable record, sends and records the run.
func (l *Loop) notify(ctx context.Context, s *session) (State, *Result) {
	ctx, span := trace.StartSpan(ctx, "monitor.notify")
	defer span.End()
	log := trace.Logger(ctx)
	p := s.pending

	already, err := l.deps.Tracker.HasNotified(ctx, s.runID)
	if err != nil {
		log.Error("cannot read run state before sending", "error", err)
		return StateTerminated, &Result{Outcome: Error, Reading: p.reading, Err: err}
	}
	if already {
		log.Info("run announced by another instance, not sending")
		return StateTerminated, &Result{Outcome: NoTrigger, Reading: p.reading}
	}

	msg := notify.Message{
		Text:  notify.FormatMessage(p.reading, l.opts.Channel),
		Image: p.frame,
		RunID: string(s.runID),
		Timer: p.reading,
	}
	var notifier notify.Notifier = l.deps.Notifier
	if l.opts.DryRun {
		notifier = notify.DryRun{}
	}

	s.sends++
	span.SetAttr("attempt", s.sends)
	_, err = withTimeout(ctx, l.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, notifier.Post(ctx, msg)
	})
	l.snap.Update(func(v *Snapshot) { v.SendAttempts = s.sends })
	if err != nil {
		l.deps.Metrics.IncNotification("failed")
		l.deps.Metrics.IncFailure(metrics.StageNotify, err)
		l.deps.Feed.Emit(feed.Event{Kind: feed.KindFailure, RunID: string(s.runID), Message: "notify: " + err.Error()})
		if apperrors.IsFatal(err) || apperrors.IsCode(err, apperrors.CodeNotifyRejected) || s.sends >= l.opts.MaxSendAttempts {
			log.Error("notification failed, giving up", "attempts", s.sends, "error", err)
			return StateTerminated, &Result{Outcome: Error, Reading: p.reading, Err: err}
		}
		log.Warn("notification failed, will retry", "attempts", s.sends, "max", l.opts.MaxSendAttempts, "error", err)
		return StateSleeping, nil
	}
	if l.opts.DryRun {
		l.deps.Metrics.IncNotification("dry_run")
	} else {
		l.deps.Metrics.IncNotification("sent")
	}

	// The post is confirmed: recording it outlives the session context.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.CallTimeout)
	defer cancel()

	now := l.deps.Clock.Now()
	rec := runstate.Record{NotifiedAt: now.UTC(), Timer: p.reading.String(), Instance: l.instance}
	if _, err := l.deps.Tracker.MarkNotified(markCtx, s.runID, rec); err != nil {
		log.Error("NOTIFICATION SENT BUT RUN NOT RECORDED, a later session may announce it again",
			"reading", p.reading, "error", err)
		return StateTerminated, &Result{Outcome: Error, Reading: p.reading, Err: err}
	}
	log.Info("run announced", "reading", p.reading, "dry_run", l.opts.DryRun)

	location := l.archiveFrame(markCtx, s.runID, now, p.frame)
	l.deps.Feed.Emit(feed.Event{Kind: feed.KindNotified, RunID: string(s.runID), Reading: p.reading.String(), Message: msg.Text})
	l.publish(markCtx, events.Event{
		Type:     events.TypeNotified,
		Channel:  l.opts.Channel,
		RunID:    string(s.runID),
		Instance: l.instance,
		Timer:    p.reading.String(),
		Frame:    location,
	})
	return StateTerminated, &Result{Outcome: Notified, Reading: p.reading, Frame: location}
}

// transient handles a collaborator failure during Polling.
func (l *Loop) transient(ctx context.Context, s *session, stage string, err error) (State, *Result) {
	log := trace.Logger(ctx)
	l.deps.Metrics.IncFailure(stage, err)
	l.deps.Feed.Emit(feed.Event{Kind: feed.KindFailure, RunID: string(s.runID), Message: stage + ": " + err.Error()})

	if apperrors.IsFatal(err) {
		log.Error("unrecoverable collaborator error", "stage", stage, "error", err)
		return StateTerminated, &Result{Outcome: Error, Err: err}
	}

	s.failures++
	l.snap.Update(func(v *Snapshot) { v.Failures = s.failures })
	if s.failures > l.opts.MaxConsecutiveFailures {
		log.Error("too many consecutive failures", "stage", stage, "failures", s.failures, "error", err)
		return StateTerminated, &Result{
			Outcome: Error,
			Err:     apperrors.Wrapf(err, apperrors.CodeUnavailable, "%d consecutive failures, last at %s", s.failures, stage),
		}
	}
	log.Warn("transient failure, will retry", "stage", stage, "failures", s.failures, "error", err)
	return StateSleeping, nil
}

// checkStream ends the session when the channel is offline or off-category.
func (l *Loop) checkStream(ctx context.Context, st stream.Status) *Result {
	log := trace.Logger(ctx)
	if !st.Live {
		log.Info("stream offline, ending session")
		return &Result{Outcome: LivenessLost}
	}
	if !st.MatchesCategory(l.opts.Category) {
		log.Info("stream changed category, ending session", "category", st.Category, "want", l.opts.Category)
		return &Result{Outcome: GameChanged}
	}
	return nil
}

func (l *Loop) status(ctx context.Context) (stream.Status, error) {
	return withTimeout(ctx, l.opts.CallTimeout, l.deps.Status.Status)
}

func (l *Loop) recognize(ctx context.Context, frame []byte) (string, error) {
	if p, ok := l.deps.OCR.(frameProcessor); ok {
		res, err := withTimeout(ctx, l.opts.CallTimeout, func(ctx context.Context) (ocr.Result, error) {
			return p.Process(ctx, frame)
		})
		if err != nil {
			return "", err
		}
		if res.Reused {
			l.deps.Metrics.IncOCRReused()
		}
		return res.Text, nil
	}
	return withTimeout(ctx, l.opts.CallTimeout, func(ctx context.Context) (string, error) {
		return l.deps.OCR.Recognize(ctx, frame)
	})
}

func (l *Loop) archiveFrame(ctx context.Context, id runstate.RunID, at time.Time, frame []byte) string {
	if len(frame) == 0 {
		return ""
	}
	location, err := l.deps.Archive.Store(ctx, string(id), at, frame)
	if err != nil {
		l.deps.Metrics.IncFailure(metrics.StageArchive, err)
		trace.Logger(ctx).Warn("frame archive failed", "error", err)
		return ""
	}
	if location != "" {
		trace.Logger(ctx).Info("frame archived", "location", location)
	}
	return location
}

func (l *Loop) publish(ctx context.Context, ev events.Event) {
	if err := l.deps.Events.Publish(ctx, ev); err != nil {
		l.deps.Metrics.IncFailure(metrics.StageEvents, err)
		trace.Logger(ctx).Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

func (l *Loop) transition(s *session, to State) {
	if s.state == to {
		return
	}
	s.state = to
	l.snap.Update(func(v *Snapshot) { v.State = to.String() })
	l.deps.Feed.Emit(feed.Event{Kind: feed.KindState, RunID: string(s.runID), State: to.String()})
}

func (l *Loop) finish(ctx context.Context, res Result) {
	log := trace.Logger(ctx)
	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	var reading string
	if res.Reading.Valid {
		reading = res.Reading.String()
	}

	l.deps.Metrics.IncOutcome(res.Outcome.String())
	l.snap.Update(func(v *Snapshot) {
		v.State = StateTerminated.String()
		v.Outcome = res.Outcome.String()
		v.Error = errMsg
	})
	l.deps.Feed.Emit(feed.Event{
		Kind:    feed.KindOutcome,
		RunID:   string(res.RunID),
		State:   res.Outcome.String(),
		Reading: reading,
		Message: errMsg,
	})

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	l.publish(pubCtx, events.Event{
		Type:     events.TypeOutcome,
		Channel:  l.opts.Channel,
		RunID:    string(res.RunID),
		Instance: l.instance,
		Outcome:  res.Outcome.String(),
		Timer:    reading,
		Polls:    res.Polls,
		Frame:    res.Frame,
		Error:    errMsg,
	})

	args := []any{"outcome", res.Outcome, "run_id", res.RunID, "polls", res.Polls, "reading", reading}
	if res.Outcome == Error {
		log.Error("monitoring session failed", append(args, "error", res.Err)...)
		return
	}
	log.Info("monitoring session finished", args...)
}

func cancelled(err error) Result {
	code := apperrors.CodeCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		code = apperrors.CodeTimeout
	}
	return Result{Outcome: Error, Err: apperrors.Wrap(err, code, "session interrupted")}
}

// withTimeout runs fn under the per-call timeout. A deadline hit by the call
// itself (not the session) becomes a TIMEOUT error.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) &&
		apperrors.CodeOf(err) == apperrors.CodeUnknown {
		return v, apperrors.Wrap(err, apperrors.CodeTimeout, "collaborator call timed out")
	}
	return v, err
}
