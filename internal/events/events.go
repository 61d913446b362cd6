// Package events publishes session outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

// Type names an event.
type Type string

const (
	TypeNotified Type = "notified"
	TypeOutcome  Type = "outcome"
)

// Event is the JSON payload published per subject.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	Channel  string    `json:"channel"`
	RunID    string    `json:"run_id,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Timer    string    `json:"timer,omitempty"`
	Polls    int       `json:"polls,omitempty"`
	Frame    string    `json:"frame,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Publisher sends events. Failures never affect the monitor's decisions.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSPublisher publishes events as JSON to <subject>.<type>.
type NATSPublisher struct {
	nc      conn
	subject string
}

// NewNATSPublisher connects with reconnects enabled.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("runwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "connect to NATS")
	}
	slog.Info("connected to NATS", "url", url)
	return newNATSPublisher(nc, subject), nil
}

func newNATSPublisher(nc conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "marshal event")
	}
	subject := p.subject + "." + string(ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "publish event").WithMetadata("subject", subject)
	}
	slog.DebugContext(ctx, "event published", "subject", subject, "size", len(data))
	return nil
}

// Close flushes pending messages before closing the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "flush NATS")
	}
	return nil
}
