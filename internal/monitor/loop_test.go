package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/events"
	"github.com/GriffinCanCode/runwatch/internal/feed"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
)

const runID = runstate.RunID("forsen:b1")

func mustHave(t *testing.T, store runstate.Store, id runstate.RunID, want bool) {
	t.Helper()
	got, err := store.Has(context.Background(), id)
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if got != want {
		t.Errorf("run state has %s = %v, want %v", id, got, want)
	}
}

func TestOutcomeExitCodes(t *testing.T) {
	tests := []struct {
		outcome Outcome
		name    string
		code    int
	}{
		{Notified, "Notified", 0},
		{NoTrigger, "NoTrigger", 0},
		{LivenessLost, "LivenessLost", 0},
		{GameChanged, "GameChanged", 0},
		{TimedOut, "TimedOut", 0},
		{Error, "Error", 1},
	}
	for _, tt := range tests {
		if tt.outcome.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.outcome.String(), tt.name)
		}
		if tt.outcome.ExitCode() != tt.code {
			t.Errorf("%s.ExitCode() = %d, want %d", tt.name, tt.outcome.ExitCode(), tt.code)
		}
	}
}

func TestScenarioNotifiesOnceInWindow(t *testing.T) {
	h := newHarness(texts("??:?", "9:45", "10:02"))
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified (err %v)", res.Outcome, res.Err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notifier.count())
	}
	msg := h.notifier.msgs[0]
	if msg.Text != "Current run: 10:02 IGT | twitch.tv/forsen" {
		t.Errorf("text = %q", msg.Text)
	}
	if len(msg.Image) == 0 {
		t.Error("notification should carry the frame")
	}
	if res.RunID != runID || res.Reading.String() != "10:02" || res.Polls != 3 {
		t.Errorf("result = %+v", res)
	}
	mustHave(t, h.store, runID, true)
}

func TestScenarioWindowAlreadyPassed(t *testing.T) {
	h := newHarness(texts("15:00"))
	res := h.run()

	if res.Outcome != NoTrigger {
		t.Fatalf("outcome = %s, want NoTrigger", res.Outcome)
	}
	if h.notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", h.notifier.count())
	}
	mustHave(t, h.store, runID, false)
}

func TestScenarioStreamEndsMidLoop(t *testing.T) {
	h := newHarness(texts("8:00", "9:00"))
	h.status = newMockStatus(
		statusStep{status: liveStatus()}, // start
		statusStep{status: liveStatus()}, // poll 1
		statusStep{status: liveStatus()}, // poll 2
		statusStep{status: stream.Status{Live: false}},
	)
	res := h.run()

	if res.Outcome != LivenessLost {
		t.Fatalf("outcome = %s, want LivenessLost", res.Outcome)
	}
	if h.notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", h.notifier.count())
	}
	if res.Reading.String() != "9:00" {
		t.Errorf("last reading = %s, want 9:00", res.Reading)
	}
}

func TestDryRunStillRecords(t *testing.T) {
	h := newHarness(texts("??:?", "9:45", "10:02"))
	h.opts.DryRun = true
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified", res.Outcome)
	}
	if h.notifier.count() != 0 {
		t.Errorf("real notifier contacted %d times in dry run", h.notifier.count())
	}
	mustHave(t, h.store, runID, true)
}

func TestAlreadyAnnouncedAtStart(t *testing.T) {
	h := newHarness(texts("12:00"))
	store := runstate.NewMemoryStore(runstate.NewState())
	if _, err := store.Add(context.Background(), runID, runstate.Record{NotifiedAt: epoch, Timer: "11:00"}); err != nil {
		t.Fatal(err)
	}
	h.store = store

	res := h.run()
	if res.Outcome != NoTrigger {
		t.Fatalf("outcome = %s, want NoTrigger", res.Outcome)
	}
	if h.ocr.calls != 0 || h.notifier.count() != 0 {
		t.Errorf("no polling expected: ocr=%d notify=%d", h.ocr.calls, h.notifier.count())
	}
}

func TestAnotherInstanceWinsBeforeSend(t *testing.T) {
	h := newHarness(texts("11:00"))
	h.store = &racingStore{MemoryStore: runstate.NewMemoryStore(runstate.NewState()), after: 1}

	res := h.run()
	if res.Outcome != NoTrigger {
		t.Fatalf("outcome = %s, want NoTrigger", res.Outcome)
	}
	if h.notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", h.notifier.count())
	}
}

func TestStartConditions(t *testing.T) {
	tests := []struct {
		name   string
		status stream.Status
		want   Outcome
	}{
		{"offline", stream.Status{Live: false}, LivenessLost},
		{"other game", stream.Status{Live: true, Category: "Just Chatting", BroadcastID: "b1"}, GameChanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(texts("11:00"))
			h.status = newMockStatus(statusStep{status: tt.status})
			if res := h.run(); res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
		})
	}
}

func TestGameChangedMidLoop(t *testing.T) {
	h := newHarness(texts("5:00"))
	other := liveStatus()
	other.Category = "Elden Ring"
	h.status = newMockStatus(statusStep{status: liveStatus()}, statusStep{status: liveStatus()}, statusStep{status: other})

	if res := h.run(); res.Outcome != GameChanged {
		t.Errorf("outcome = %s, want GameChanged", res.Outcome)
	}
}

func TestBroadcastChangeEndsSession(t *testing.T) {
	h := newHarness(texts("5:00"))
	next := liveStatus()
	next.BroadcastID = "b2"
	h.status = newMockStatus(statusStep{status: liveStatus()}, statusStep{status: liveStatus()}, statusStep{status: next})

	if res := h.run(); res.Outcome != LivenessLost {
		t.Errorf("outcome = %s, want LivenessLost", res.Outcome)
	}
}

func TestSessionBudget(t *testing.T) {
	h := newHarness(texts("1:00"))
	h.opts.SessionDuration = 3 * time.Minute
	// a frozen timer on a loading screen never reaches the window
	res := h.run()

	if res.Outcome != TimedOut {
		t.Fatalf("outcome = %s, want TimedOut", res.Outcome)
	}
	// the poll at exactly the budget still runs
	if res.Polls != 4 {
		t.Errorf("polls = %d, want 4", res.Polls)
	}
}

func TestInvalidReadingsNeverTerminate(t *testing.T) {
	h := newHarness(texts("", "no timer", "::", "abc", "1:2", "??", "x", "10:30"))
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified after invalid readings (err %v)", res.Outcome, res.Err)
	}
	if res.Polls != 8 {
		t.Errorf("polls = %d, want 8", res.Polls)
	}
}

func TestTransientFailuresRecover(t *testing.T) {
	capErr := apperrors.New(apperrors.CodeCaptureFailed, "ffmpeg exited 1")
	h := newHarness(texts("10:30"))
	h.frames = &mockCapturer{errs: []error{capErr, capErr}}
	h.status = newMockStatus(
		statusStep{status: liveStatus()},
		statusStep{err: apperrors.New(apperrors.CodeStreamAPIFailed, "502")},
		statusStep{status: liveStatus()},
	)
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified (err %v)", res.Outcome, res.Err)
	}
	if h.clock.sleeps != 3 {
		t.Errorf("sleeps = %d, want 3", h.clock.sleeps)
	}
}

func TestConsecutiveFailuresBound(t *testing.T) {
	h := newHarness(&mockOCR{steps: []ocrStep{{err: apperrors.New(apperrors.CodeOCRFailed, "service down")}}})
	h.opts.MaxConsecutiveFailures = 2
	res := h.run()

	if res.Outcome != Error {
		t.Fatalf("outcome = %s, want Error", res.Outcome)
	}
	if h.ocr.calls != 3 {
		t.Errorf("ocr calls = %d, want 3", h.ocr.calls)
	}
	if !apperrors.IsCode(res.Err, apperrors.CodeUnavailable) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestFatalCollaboratorError(t *testing.T) {
	h := newHarness(&mockOCR{steps: []ocrStep{{err: apperrors.New(apperrors.CodeConfigMissing, "no tesseract")}}})
	res := h.run()
	if res.Outcome != Error || h.ocr.calls != 1 {
		t.Errorf("outcome = %s after %d calls, want Error after 1", res.Outcome, h.ocr.calls)
	}
}

func TestSendFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(texts("10:05"))
	h.notifier.errs = []error{apperrors.New(apperrors.CodeNotifyFailed, "503")}
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified (err %v)", res.Outcome, res.Err)
	}
	if h.notifier.count() != 2 {
		t.Errorf("send attempts = %d, want 2", h.notifier.count())
	}
	if h.notifier.msgs[0].Text != h.notifier.msgs[1].Text {
		t.Error("retry should resend the same reading")
	}
	if h.ocr.calls != 1 {
		t.Errorf("ocr calls = %d, retry must not re-read the timer", h.ocr.calls)
	}
	mustHave(t, h.store, runID, true)
}

func TestSendFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(texts("10:05"))
	fail := apperrors.New(apperrors.CodeNotifyFailed, "503")
	h.notifier.errs = []error{fail, fail, fail}
	res := h.run()

	if res.Outcome != Error {
		t.Fatalf("outcome = %s, want Error", res.Outcome)
	}
	if h.notifier.count() != 3 {
		t.Errorf("send attempts = %d, want 3", h.notifier.count())
	}
	mustHave(t, h.store, runID, false)
}

func TestSendRejectedStopsImmediately(t *testing.T) {
	h := newHarness(texts("10:05"))
	h.notifier.errs = []error{apperrors.New(apperrors.CodeNotifyRejected, "403 duplicate")}
	res := h.run()

	if res.Outcome != Error || h.notifier.count() != 1 {
		t.Errorf("outcome = %s after %d sends, want Error after 1", res.Outcome, h.notifier.count())
	}
}

func TestMarkFailureAfterSend(t *testing.T) {
	h := newHarness(texts("10:05"))
	h.store = failingAddStore{MemoryStore: runstate.NewMemoryStore(runstate.NewState())}
	res := h.run()

	if res.Outcome != Error {
		t.Fatalf("outcome = %s, want Error", res.Outcome)
	}
	if h.notifier.count() != 1 {
		t.Errorf("sends = %d, want 1", h.notifier.count())
	}
	if !apperrors.IsCode(res.Err, apperrors.CodeStateUnavailable) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestStateLoadFailureIsFatal(t *testing.T) {
	h := newHarness(texts("10:05"))
	h.store = brokenStore{err: apperrors.New(apperrors.CodeStateCorrupt, "bad json")}
	res := h.run()

	if res.Outcome != Error || !apperrors.IsCode(res.Err, apperrors.CodeStateCorrupt) {
		t.Errorf("result = %+v", res)
	}
	if h.status.calls != 0 {
		t.Error("status should not be queried when state cannot load")
	}
}

func TestStatusFailureAtStart(t *testing.T) {
	h := newHarness(texts("10:05"))
	h.status = newMockStatus(statusStep{err: apperrors.New(apperrors.CodeStreamAPIFailed, "502")})
	res := h.run()

	if res.Outcome != Error {
		t.Fatalf("outcome = %s, want Error", res.Outcome)
	}
	if h.status.calls != 2 {
		t.Errorf("status calls = %d, want 2 (one retry)", h.status.calls)
	}
	if h.clock.sleeps != 1 {
		t.Errorf("sleeps = %d, want the retry backoff on the session clock", h.clock.sleeps)
	}
}

func TestSingleCheck(t *testing.T) {
	tests := []struct {
		name string
		ocr  *mockOCR
		want Outcome
	}{
		{"below window", texts("5:00"), NoTrigger},
		{"invalid", texts("garbage"), NoTrigger},
		{"in window", texts("12:00"), Notified},
		{"above window", texts("20:00"), NoTrigger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.ocr)
			h.opts.SingleCheck = true
			res := h.run()
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
			if res.Polls != 1 || h.clock.sleeps != 0 {
				t.Errorf("polls = %d sleeps = %d, want 1 and 0", res.Polls, h.clock.sleeps)
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	h := newHarness(texts("5:00"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.loop().Run(ctx)
	if res.Outcome != Error {
		t.Fatalf("outcome = %s, want Error", res.Outcome)
	}
	if !apperrors.IsCode(res.Err, apperrors.CodeCancelled) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestContinuityRejectsJump(t *testing.T) {
	// 25:00 one minute after 10:00 is an OCR error, not a missed window
	h := newHarness(texts("9:00", "9:05", "25:00", "9:40", "10:10"))
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified (err %v)", res.Outcome, res.Err)
	}
	if res.Reading.String() != "10:10" {
		t.Errorf("reading = %s", res.Reading)
	}
}

func TestRepeatedMisreadsNeverDecide(t *testing.T) {
	tests := []struct {
		name string
		ocr  *mockOCR
	}{
		// a misread inside the window must not announce a run at 5:0x
		{"false trigger", texts("5:00", "12:00", "12:00", "12:00", "12:00", "5:05")},
		// a misread past the window must not end the session
		{"false termination", texts("9:00", "25:00", "25:00", "25:00", "25:00", "9:05")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.ocr)
			h.opts.SessionDuration = 20 * time.Minute
			res := h.run()

			if res.Outcome != TimedOut {
				t.Errorf("outcome = %s reading = %s, want TimedOut", res.Outcome, res.Reading)
			}
			if h.notifier.count() != 0 {
				t.Errorf("notifications = %d, want 0", h.notifier.count())
			}
		})
	}
}

func TestRecoversFromMisreadsOnceTimerProgresses(t *testing.T) {
	h := newHarness(texts("5:00", "12:00", "12:00", "12:00", "6:00", "7:00", "8:00", "9:00", "10:00"))
	res := h.run()

	if res.Outcome != Notified {
		t.Fatalf("outcome = %s, want Notified (err %v)", res.Outcome, res.Err)
	}
	if res.Reading.String() != "10:00" || res.Polls != 9 {
		t.Errorf("reading = %s polls = %d, want 10:00 after 9 polls", res.Reading, res.Polls)
	}
}

type recordingArchive struct {
	runID string
	frame []byte
}

func (r *recordingArchive) Store(_ context.Context, runID string, _ time.Time, frame []byte) (string, error) {
	r.runID = runID
	r.frame = frame
	return "s3://bucket/" + runID, nil
}

type recordingEvents struct {
	events []events.Event
}

func (r *recordingEvents) Publish(_ context.Context, ev events.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func TestSideChannels(t *testing.T) {
	h := newHarness(texts("10:30"))
	arch := &recordingArchive{}
	evs := &recordingEvents{}
	fd := feed.New(FeedMaxEntries, FeedEventBuffer)
	m := metrics.New()

	l := New(h.opts, Deps{
		Status:   h.status,
		Frames:   h.frames,
		OCR:      h.ocr,
		Tracker:  runstate.NewTracker(h.store),
		Notifier: h.notifier,
		Archive:  arch,
		Events:   evs,
		Feed:     fd,
		Metrics:  m,
		Clock:    h.clock,
	})
	res := l.Run(context.Background())

	if res.Outcome != Notified || res.Frame != "s3://bucket/forsen:b1" {
		t.Fatalf("result = %+v", res)
	}
	if arch.runID != string(runID) || len(arch.frame) == 0 {
		t.Errorf("archive got run %q with %d bytes", arch.runID, len(arch.frame))
	}
	if len(evs.events) != 2 || evs.events[0].Type != events.TypeNotified || evs.events[1].Outcome != "Notified" {
		t.Errorf("events = %+v", evs.events)
	}

	snap := l.Snapshots().Get()
	if snap.State != "terminated" || snap.Outcome != "Notified" || snap.LastReading != "10:30" || snap.Instance != l.Instance() {
		t.Errorf("snapshot = %+v", snap)
	}

	var kinds []string
	for _, ev := range fd.Recent(0) {
		kinds = append(kinds, string(ev.Kind))
	}
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, "reading") || !strings.HasSuffix(joined, "notified,outcome") {
		t.Errorf("feed kinds = %s", joined)
	}

	if n, err := testutil.GatherAndCount(m.Registry(), "runwatch_outcomes_total", "runwatch_notifications_total"); err != nil || n != 2 {
		t.Errorf("gathered %d outcome/notification series (err %v), want 2", n, err)
	}
}

func TestRecordCarriesInstance(t *testing.T) {
	h := newHarness(texts("10:30"))
	l := h.loop()
	if res := l.Run(context.Background()); res.Outcome != Notified {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	st, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := st.Runs[runID]
	if rec.Instance != l.Instance() || rec.Timer != "10:30" || !rec.NotifiedAt.Equal(h.clock.Now().UTC()) {
		t.Errorf("record = %+v", rec)
	}
}

func TestWithTimeoutMapsDeadline(t *testing.T) {
	_, err := withTimeout(context.Background(), time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !apperrors.IsCode(err, apperrors.CodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}

	plain := errors.New("boom")
	_, err = withTimeout(context.Background(), time.Second, func(context.Context) (int, error) { return 0, plain })
	if !errors.Is(err, plain) || apperrors.CodeOf(err) != apperrors.CodeUnknown {
		t.Errorf("unexpected mapping of %v", err)
	}
}
