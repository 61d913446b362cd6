package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/runwatch/internal/notify"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
	"github.com/GriffinCanCode/runwatch/internal/timer"
)

var epoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

// fakeClock is a virtual clock; Sleep advances time instantly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	c.mu.Unlock()
	return nil
}

func liveStatus() stream.Status {
	return stream.Status{
		Live:        true,
		Category:    "Minecraft",
		BroadcastID: "b1",
		StartedAt:   epoch.Add(-time.Hour),
	}
}

type statusStep struct {
	status stream.Status
	err    error
}

// mockStatus replays steps; the last step repeats.
type mockStatus struct {
	mu    sync.Mutex
	steps []statusStep
	calls int
}

func newMockStatus(steps ...statusStep) *mockStatus {
	if len(steps) == 0 {
		steps = []statusStep{{status: liveStatus()}}
	}
	return &mockStatus{steps: steps}
}

func (m *mockStatus) Status(ctx context.Context) (stream.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := min(m.calls, len(m.steps)-1)
	m.calls++
	return m.steps[i].status, m.steps[i].err
}

type mockCapturer struct {
	errs  []error // per call; nil entries succeed
	calls int
}

func (m *mockCapturer) Capture(ctx context.Context) ([]byte, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return []byte{0xff, 0xd8, byte(i)}, nil
}

type ocrStep struct {
	text string
	err  error
}

// mockOCR replays texts; the last step repeats.
type mockOCR struct {
	steps []ocrStep
	calls int
}

func texts(ss ...string) *mockOCR {
	m := &mockOCR{}
	for _, s := range ss {
		m.steps = append(m.steps, ocrStep{text: s})
	}
	return m
}

func (m *mockOCR) Recognize(ctx context.Context, img []byte) (string, error) {
	i := min(m.calls, len(m.steps)-1)
	m.calls++
	return m.steps[i].text, m.steps[i].err
}

type mockNotifier struct {
	mu   sync.Mutex
	errs []error
	msgs []notify.Message
}

func (m *mockNotifier) Post(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.msgs)
	m.msgs = append(m.msgs, msg)
	if i < len(m.errs) {
		return m.errs[i]
	}
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// racingStore reports the run as recorded once Has has been called n times,
// as if another instance announced it meanwhile.
type racingStore struct {
	*runstate.MemoryStore
	after int
	calls int
}

func (r *racingStore) Has(ctx context.Context, id runstate.RunID) (bool, error) {
	r.calls++
	if r.calls > r.after {
		return true, nil
	}
	return r.MemoryStore.Has(ctx, id)
}

// brokenStore fails every operation.
type brokenStore struct{ err error }

func (b brokenStore) Load(context.Context) (runstate.State, error) { return runstate.State{}, b.err }
func (b brokenStore) Has(context.Context, runstate.RunID) (bool, error) {
	return false, b.err
}
func (b brokenStore) Add(context.Context, runstate.RunID, runstate.Record) (bool, error) {
	return false, b.err
}

// failingAddStore accepts reads but fails writes.
type failingAddStore struct {
	*runstate.MemoryStore
}

func (failingAddStore) Add(context.Context, runstate.RunID, runstate.Record) (bool, error) {
	return false, errors.New("disk full")
}

func testWindow() timer.Window {
	w, err := timer.ParseWindow("10:00", "14:27")
	if err != nil {
		panic(err)
	}
	return w
}

func testOptions() Options {
	return Options{
		Channel:                "forsen",
		Category:               "Minecraft",
		Window:                 testWindow(),
		PollInterval:           60 * time.Second,
		SessionDuration:        5*time.Hour + 30*time.Minute,
		CallTimeout:            time.Second,
		MaxConsecutiveFailures: 5,
		MaxSendAttempts:        3,
	}
}

type harness struct {
	opts     Options
	clock    *fakeClock
	status   *mockStatus
	frames   *mockCapturer
	ocr      *mockOCR
	notifier *mockNotifier
	store    runstate.Store
}

func newHarness(ocr *mockOCR) *harness {
	return &harness{
		opts:     testOptions(),
		clock:    newFakeClock(),
		status:   newMockStatus(),
		frames:   &mockCapturer{},
		ocr:      ocr,
		notifier: &mockNotifier{},
		store:    runstate.NewMemoryStore(runstate.NewState()),
	}
}

func (h *harness) loop() *Loop {
	opts := h.opts
	opts.StatusRetry.MaxRetries = 1
	opts.StatusRetry.BaseDelay = time.Millisecond
	opts.StatusRetry.MaxDelay = time.Millisecond
	return New(opts, Deps{
		Status:   h.status,
		Frames:   h.frames,
		OCR:      h.ocr,
		Tracker:  runstate.NewTracker(h.store),
		Notifier: h.notifier,
		Clock:    h.clock,
	})
}

func (h *harness) run() Result {
	return h.loop().Run(context.Background())
}
