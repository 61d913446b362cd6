// Package notify posts run announcements to external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/timer"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// Message is one announcement.
type Message struct {
	Text  string
	Image []byte // JPEG frame, optional
	RunID string
	Timer timer.Reading
}

// Notifier delivers a message. A nil error means the channel accepted it.
type Notifier interface {
	Post(ctx context.Context, msg Message) error
}

// FormatMessage renders the announcement text.
func FormatMessage(r timer.Reading, channel string) string {
	return fmt.Sprintf("Current run: %s IGT | twitch.tv/%s", r, strings.ToLower(channel))
}

// DryRun logs instead of posting and always succeeds.
type DryRun struct{}

func (DryRun) Post(ctx context.Context, msg Message) error {
	trace.Logger(ctx).Info("dry run, not posting", "text", msg.Text, "run_id", msg.RunID, "image_bytes", len(msg.Image))
	return nil
}

// Named pairs a notifier with a label for logs and metrics.
type Named struct {
	Name string
	Notifier
}

// Multi posts to every channel. It succeeds when at least one channel accepted
// the message, so a retry never duplicates a post on a channel that already
// has it; per-channel failures are logged.
type Multi []Named

func (m Multi) Post(ctx context.Context, msg Message) error {
	if len(m) == 0 {
		return apperrors.New(apperrors.CodeConfigMissing, "no notify channels configured")
	}
	var errs []error
	delivered := 0
	for _, n := range m {
		if err := n.Post(ctx, msg); err != nil {
			trace.Logger(ctx).Warn("notify channel failed", "channel", n.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
			continue
		}
		delivered++
		slog.Debug("notify channel accepted", "channel", n.Name)
	}
	if delivered > 0 {
		return nil
	}
	joined := errors.Join(errs...)
	// keep the code of the first failure so callers can classify it
	if code := apperrors.CodeOf(errs[0]); code != apperrors.CodeUnknown {
		return apperrors.Wrap(joined, code, "all notify channels failed")
	}
	return apperrors.Wrap(joined, apperrors.CodeNotifyFailed, "all notify channels failed")
}

// classify maps an HTTP status to a notify error code: throttling and server
// errors may succeed later, other client errors will not.
func classify(status int) apperrors.Code {
	if status == 429 || status >= 500 {
		return apperrors.CodeNotifyFailed
	}
	return apperrors.CodeNotifyRejected
}
