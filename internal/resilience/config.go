package resilience

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// OCR service: trips after a few failed frames, probes again within a
	// couple of poll intervals
	OCRThreshold         = 3
	OCRResetTimeout      = 90 * time.Second
	OCRHalfOpenSuccesses = 1
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close

	// IsFailure decides whether an error counts against the service.
	// Defaults to CountsAsFailure.
	IsFailure func(error) bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// OCRConfig returns settings for the remote OCR service.
func OCRConfig() Config {
	return Config{
		Threshold:         OCRThreshold,
		ResetTimeout:      OCRResetTimeout,
		HalfOpenSuccesses: OCRHalfOpenSuccesses,
		IsFailure:         CountsAsFailure,
	}
}

// CountsAsFailure reports whether err says the guarded service is unhealthy.
// Rejected input and caller cancellation are answers, not outages.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeOCRInvalidImage, apperrors.CodeInvalidArgument, apperrors.CodeCancelled:
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.Canceled:
			return false
		}
	}
	return true
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.IsFailure == nil {
		c.IsFailure = CountsAsFailure
	}
	return c
}
