// Package errors provides unified error handling with structured error codes.
// Codes travel over gRPC as google.rpc.ErrorInfo reasons so the OCR service
// and the monitor classify failures the same way.
package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain attached to outgoing statuses.
const Domain = "runwatch"

// MetaRetryAfter carries a server-provided backoff hint in whole seconds.
const MetaRetryAfter = "retry_after"

// Code classifies an AppError.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInternal         Code = "INTERNAL"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeCancelled        Code = "CANCELLED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeStreamAPIFailed  Code = "STREAM_API_FAILED"
	CodeCaptureFailed    Code = "CAPTURE_FAILED"
	CodeOCRFailed        Code = "OCR_FAILED"
	CodeOCRInvalidImage  Code = "OCR_INVALID_IMAGE"
	CodeNotifyFailed     Code = "NOTIFY_FAILED"
	CodeNotifyRejected   Code = "NOTIFY_REJECTED"
	CodeStateCorrupt     Code = "STATE_CORRUPT"
	CodeStateUnavailable Code = "STATE_UNAVAILABLE"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeConfigMissing    Code = "CONFIG_MISSING"
)

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	CodeUnknown:          codes.Unknown,
	CodeInternal:         codes.Internal,
	CodeInvalidArgument:  codes.InvalidArgument,
	CodeNotFound:         codes.NotFound,
	CodeUnavailable:      codes.Unavailable,
	CodeTimeout:          codes.DeadlineExceeded,
	CodeCancelled:        codes.Canceled,
	CodeRateLimited:      codes.ResourceExhausted,
	CodeStreamAPIFailed:  codes.Unavailable,
	CodeCaptureFailed:    codes.Unavailable,
	CodeOCRFailed:        codes.Internal,
	CodeOCRInvalidImage:  codes.InvalidArgument,
	CodeNotifyFailed:     codes.Unavailable,
	CodeNotifyRejected:   codes.FailedPrecondition,
	CodeStateCorrupt:     codes.DataLoss,
	CodeStateUnavailable: codes.Unavailable,
	CodeConfigInvalid:    codes.InvalidArgument,
	CodeConfigMissing:    codes.FailedPrecondition,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus returns a gRPC status with an ErrorInfo detail attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	withDetail, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	})
	if err != nil {
		return st
	}
	return withDetail
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts an AppError from a gRPC error.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeUnknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{
				Code:     Code(info.GetReason()),
				Message:  st.Message(),
				Metadata: info.GetMetadata(),
				Cause:    err,
			}
		}
	}

	// Fallback: map gRPC code to our error code
	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message(), Cause: err}
}

// grpcToCode maps gRPC codes back to our error codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidArgument
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Canceled:
		return CodeCancelled
	case codes.Internal:
		return CodeInternal
	case codes.FailedPrecondition:
		return CodeConfigMissing
	case codes.ResourceExhausted:
		return CodeRateLimited
	case codes.DataLoss:
		return CodeStateCorrupt
	default:
		return CodeUnknown
	}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeRateLimited, CodeStreamAPIFailed,
		CodeCaptureFailed, CodeOCRFailed, CodeNotifyFailed:
		return true
	default:
		return false
	}
}

// IsFatal reports errors that must abort a monitoring session.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeStateCorrupt, CodeStateUnavailable, CodeConfigInvalid, CodeConfigMissing:
		return true
	default:
		return false
	}
}

// WithRetryAfter records how long the caller should wait before trying again.
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	if d <= 0 {
		return e
	}
	return e.WithMetadata(MetaRetryAfter, strconv.Itoa(int((d+time.Second-1)/time.Second)))
}

// RetryAfter returns the backoff hint attached to err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return 0, false
	}
	secs, convErr := strconv.Atoi(appErr.Metadata[MetaRetryAfter])
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
