// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

const (
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2

	// A status lookup has to settle well inside one poll interval.
	StatusMaxRetries = 2
	StatusBaseDelay  = 1 * time.Second
	StatusMaxDelay   = 5 * time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool

	// Sleep waits between attempts. Nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns standard retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryable,
	}
}

// StatusRetryConfig returns settings for stream status lookups.
func StatusRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = StatusMaxRetries
	cfg.BaseDelay = StatusBaseDelay
	cfg.MaxDelay = StatusMaxDelay
	return cfg
}

// IsRetryable checks if an error is worth retrying. Classified application
// errors decide by code; gRPC errors by status code.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return apperrors.IsRetryable(err)
	}
	return IsRetryableGRPC(err)
}

// IsRetryableGRPC checks if a gRPC error is worth retrying. Errors that carry
// no status are treated as transport failures.
func IsRetryableGRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == cfg.MaxRetries || !cfg.IsRetryable(err) {
			return err
		}

		delay := cfg.delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		trace.Logger(ctx).Debug("retrying after error",
			"attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", err)
		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// RetryValue is Retry for functions that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// delay is exponential backoff with jitter. A retry-after hint on err raises
// the floor; MaxDelay caps both.
func (c RetryConfig) delay(attempt int, err error) time.Duration {
	d := c.BaseDelay << min(attempt, 6)
	d = time.Duration(float64(d) * (1 + c.JitterFactor*(rand.Float64()-0.5)))
	if hint, ok := apperrors.RetryAfter(err); ok && hint > d {
		d = hint
	}
	return min(d, c.MaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryable
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}
