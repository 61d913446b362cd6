package monitor

import (
	"time"

	"github.com/GriffinCanCode/runwatch/internal/archive"
	"github.com/GriffinCanCode/runwatch/internal/capture"
	"github.com/GriffinCanCode/runwatch/internal/config"
	"github.com/GriffinCanCode/runwatch/internal/events"
	"github.com/GriffinCanCode/runwatch/internal/feed"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/notify"
	"github.com/GriffinCanCode/runwatch/internal/ocr"
	"github.com/GriffinCanCode/runwatch/internal/resilience"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
	"github.com/GriffinCanCode/runwatch/internal/timer"
)

// Feed sizing for the status surface.
const (
	FeedMaxEntries  = 50
	FeedEventBuffer = 100
)

// Options are the immutable settings of one session.
type Options struct {
	Channel                string
	Category               string
	Window                 timer.Window
	PollInterval           time.Duration
	SessionDuration        time.Duration
	CallTimeout            time.Duration
	ContinuitySlack        time.Duration
	ReanchorAfter          int
	MaxConsecutiveFailures int
	MaxSendAttempts        int
	DryRun                 bool
	SingleCheck            bool

	// StatusRetry applies to the status lookup at session start only; later
	// lookups fail into Sleeping and are retried by the next cycle.
	StatusRetry resilience.RetryConfig
}

// OptionsFromConfig copies the session settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	m := cfg.Monitor
	return Options{
		Channel:                cfg.Stream.Channel,
		Category:               cfg.Stream.Category,
		Window:                 m.Window,
		PollInterval:           m.PollInterval,
		SessionDuration:        m.SessionDuration,
		CallTimeout:            m.CallTimeout,
		ContinuitySlack:        m.ContinuitySlack,
		ReanchorAfter:          m.ReanchorAfter,
		MaxConsecutiveFailures: m.MaxConsecutiveFailures,
		MaxSendAttempts:        m.MaxSendAttempts,
		DryRun:                 m.DryRun,
		SingleCheck:            m.SingleCheck,
		StatusRetry:            resilience.StatusRetryConfig(),
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.SessionDuration <= 0 {
		o.SessionDuration = 19800 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ContinuitySlack <= 0 {
		o.ContinuitySlack = timer.DefaultSlack
	}
	if o.ReanchorAfter <= 0 {
		o.ReanchorAfter = timer.DefaultReanchorAfter
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 5
	}
	if o.MaxSendAttempts <= 0 {
		o.MaxSendAttempts = 3
	}
	if o.StatusRetry.MaxRetries == 0 && o.StatusRetry.BaseDelay == 0 {
		o.StatusRetry = resilience.StatusRetryConfig()
	}
	return o
}

// Deps are the collaborators of a session. Tracker, Status, Frames, OCR and
// Notifier are required; the rest default to no-ops.
type Deps struct {
	Status   stream.StatusSource
	Frames   capture.Source
	OCR      ocr.Recognizer
	Tracker  *runstate.Tracker
	Notifier notify.Notifier
	Archive  archive.Archiver
	Events   events.Publisher
	Feed     *feed.Feed
	Metrics  *metrics.Metrics
	Clock    Clock
}

func (d Deps) withDefaults() Deps {
	if d.Archive == nil {
		d.Archive = archive.Nop{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Feed == nil {
		d.Feed = feed.New(FeedMaxEntries, FeedEventBuffer)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	return d
}
