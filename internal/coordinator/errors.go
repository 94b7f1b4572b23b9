package coordinator

import (
	"errors"
	"fmt"
)

// ErrAdmissionTimeout reports that no conversion slot became free within the
// admission wait timeout. Callers should translate it into a load-shedding
// response, not a processing failure.
var ErrAdmissionTimeout = errors.New("conversion queue is full")

// ErrUnknownOperation reports a request for an operation no capability is
// registered under.
var ErrUnknownOperation = errors.New("unknown conversion operation")

// FailureKind classifies a conversion failure for status mapping and metrics.
type FailureKind string

const (
	FailureBadInput FailureKind = "bad_input"
	FailureTimeout  FailureKind = "timeout"
	FailureTool     FailureKind = "tool"
	FailureInternal FailureKind = "internal"
)

// StagingError wraps a local resource problem (disk full, permissions) hit
// while persisting request input or reserving output space. It surfaces
// before any capability is invoked.
type StagingError struct {
	Stage string
	Err   error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s: %v", e.Stage, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}

// ConversionError is the single normalized failure a capability invocation can
// produce. Message is safe to return to callers; the underlying cause is kept
// for logs only.
type ConversionError struct {
	Kind    FailureKind
	Message string
	cause   error
}

// NewConversionError builds a caller-visible conversion failure. The message
// must not contain tool output or paths.
func NewConversionError(kind FailureKind, message string) *ConversionError {
	return &ConversionError{Kind: kind, Message: message}
}

// BadInputError marks a parameter or payload problem detected by a capability
// before any external tool runs.
func BadInputError(format string, args ...any) *ConversionError {
	return &ConversionError{Kind: FailureBadInput, Message: fmt.Sprintf(format, args...)}
}

func (e *ConversionError) Error() string {
	return e.Message
}

func (e *ConversionError) Unwrap() error {
	return e.cause
}

// WithCause attaches the low-level diagnostic error for logging without
// changing the caller-visible message.
func (e *ConversionError) WithCause(err error) *ConversionError {
	e.cause = err
	return e
}

// AsConversionError unwraps err into a *ConversionError when possible.
func AsConversionError(err error) (*ConversionError, bool) {
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return convErr, true
	}
	return nil, false
}
