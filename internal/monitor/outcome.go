// Package monitor runs the timer-watching state machine for one live
// broadcast and the cheap liveness gate that decides when to start it.
//
// Send failures are retried on later poll cycles up to MaxSendAttempts,
// except NOTIFY_REJECTED: the channel refused the post (a 4xx), so the
// session ends with Error on the first attempt instead of repeating it.
//
// The session budget is exceeded only once elapsed time is strictly greater
// than SessionDuration; a poll that lands exactly on the budget still runs.
package monitor

// Outcome is how a monitoring session ended.
type Outcome int

const (
	// Notified means this session sent the announcement and recorded the run.
	Notified Outcome = iota
	// NoTrigger means the run was already announced, the window was missed,
	// or a single check found nothing to do.
	NoTrigger
	LivenessLost
	GameChanged
	TimedOut
	Error
)

func (o Outcome) String() string {
	switch o {
	case Notified:
		return "Notified"
	case NoTrigger:
		return "NoTrigger"
	case LivenessLost:
		return "LivenessLost"
	case GameChanged:
		return "GameChanged"
	case TimedOut:
		return "TimedOut"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// ExitCode maps an outcome to a process exit status. Only Error is a failure;
// every other outcome is a normal end of session.
func (o Outcome) ExitCode() int {
	if o == Error {
		return 1
	}
	return 0
}

// State is the loop's current phase.
type State int

const (
	StateStarting State = iota
	StatePolling
	StateNotifying
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	return [...]string{"starting", "polling", "notifying", "sleeping", "terminated"}[s]
}
