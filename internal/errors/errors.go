// Package errors provides unified error handling with structured error codes
// shared across the detection pipeline, capture layer, and API surface.
package errors

import "fmt"

// Code classifies an error for callers that need to branch on failure kind.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeConfigInvalid

	// Reference-quality errors
	CodeWeakReference
	CodeNoUsableReferences

	// Capture errors
	CodeCaptureUnavailable
	CodeCaptureRead

	// Per-cycle estimation errors
	CodeEstimationFailed

	// Resource-lifecycle errors
	CodeInvalidSessionState
)

var codeNames = map[Code]string{
	CodeUnknown:             "UNKNOWN",
	CodeInternal:            "INTERNAL",
	CodeConfigInvalid:       "CONFIG_INVALID",
	CodeWeakReference:       "WEAK_REFERENCE",
	CodeNoUsableReferences:  "NO_USABLE_REFERENCES",
	CodeCaptureUnavailable:  "CAPTURE_UNAVAILABLE",
	CodeCaptureRead:         "CAPTURE_READ",
	CodeEstimationFailed:    "ESTIMATION_FAILED",
	CodeInvalidSessionState: "INVALID_SESSION_STATE",
}

// String returns the symbolic name for the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
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

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
// Read failures on a live stream are transient; a session in the wrong
// state or a reference with too few features never fixes itself.
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeCaptureUnavailable, CodeCaptureRead, CodeInternal:
		return true
	default:
		return false
	}
}
