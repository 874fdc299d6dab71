package core

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a workflow error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, source unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by an external system.
	// Retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates an optimistic-concurrency conflict: the
	// unit moved between the caller's read and write. The caller must re-read
	// before deciding whether to retry.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a structural error that is never retried
	// automatically. Examples: illegal transition, unparsable AI output.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeSourceUnavailable      = "SOURCE_UNAVAILABLE"
	CodeAnalysisSchemaError    = "ANALYSIS_SCHEMA_ERROR"
	CodeAnalysisTimeout        = "ANALYSIS_TIMEOUT"
	CodePublishStepFailed      = "PUBLISH_STEP_FAILED"
	CodePublishExhausted       = "PUBLISH_EXHAUSTED"
	CodeSyncExhausted          = "SYNC_EXHAUSTED"
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeTimeout                = "TIMEOUT"
	CodeInternal               = "INTERNAL_ERROR"
)

// WorkflowError is a classified error with workflow context.
type WorkflowError struct {
	// Class drives retry behavior.
	Class ErrorClass `json:"class"`

	// Code is the stable error code.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// UnitID is the ContentUnit involved, if any.
	UnitID string `json:"unit_id,omitempty"`

	// Operation is what was being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context, e.g. the conflicting state.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.UnitID != "" {
		msg = fmt.Sprintf("%s (unit=%s)", msg, e.UnitID)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *WorkflowError {
	return &WorkflowError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a throttled error.
func NewThrottledError(message string, err error) *WorkflowError {
	return &WorkflowError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates an optimistic-concurrency conflict error.
func NewConflictError(message string, err error) *WorkflowError {
	return &WorkflowError{
		Class:   ErrorClassConflict,
		Code:    CodeConcurrentModification,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a permanent, non-retryable error.
func NewPermanentError(message string, err error) *WorkflowError {
	return &WorkflowError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode sets the stable error code.
func (e *WorkflowError) WithCode(code string) *WorkflowError {
	e.Code = code
	return e
}

// WithUnit attaches the ContentUnit id.
func (e *WorkflowError) WithUnit(unitID string) *WorkflowError {
	e.UnitID = unitID
	return e
}

// WithOperation attaches the operation name.
func (e *WorkflowError) WithOperation(op string) *WorkflowError {
	e.Operation = op
	return e
}

// WithDetail adds a context detail.
func (e *WorkflowError) WithDetail(key string, value interface{}) *WorkflowError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether the operation may be retried automatically.
// Conflicts are not retryable blindly: the caller must re-read first.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *WorkflowError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
