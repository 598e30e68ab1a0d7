package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and rollback decisions.
type ErrorClass string

const (
	// ClassValidation indicates bad or missing input. Fatal, no retry, no
	// rollback needed since nothing executed.
	ClassValidation ErrorClass = "validation"

	// ClassTransient indicates a network, timeout or rate-limit failure.
	// Retried with backoff up to the phase budget, then escalated.
	ClassTransient ErrorClass = "transient"

	// ClassConfiguration indicates a collaborator rejected the request as
	// structurally invalid. Fatal immediately; triggers rollback of prior
	// successful phases.
	ClassConfiguration ErrorClass = "configuration"

	// ClassConflict indicates another process owns the session. Fatal, no
	// rollback.
	ClassConflict ErrorClass = "conflict"

	// ClassCompensation indicates a compensating action failed during a
	// ledger drain. Logged and surfaced as a warning; does not abort the
	// drain.
	ClassCompensation ErrorClass = "compensation"

	// ClassInternal indicates an unexpected engine or storage fault.
	ClassInternal ErrorClass = "internal"
)

// Error codes for programmatic handling.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeProvisioningFailed = "PROVISIONING_FAILED"
	CodeRolledBack         = "ROLLED_BACK"
	CodeRecoveryConflict   = "RECOVERY_CONFLICT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeCompensationFailed = "COMPENSATION_FAILED"
	CodeBridgeFailed       = "BRIDGE_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// OrchestrationError is a classified error with session and phase context.
// Collaborator errors are wrapped at the phase boundary and never escape raw.
type OrchestrationError struct {
	// Class is the classification used for retry and rollback decisions.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Phase is the lifecycle phase the error occurred in, if applicable.
	Phase Phase `json:"phase,omitempty"`

	// SessionID is the session the error belongs to, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("[%s] %s (phase=%s): %s", e.Class, e.Message, e.Phase, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func (e *OrchestrationError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithPhase adds phase context to the error.
func (e *OrchestrationError) WithPhase(phase Phase) *OrchestrationError {
	e.Phase = phase
	return e
}

// WithSession adds session context to the error.
func (e *OrchestrationError) WithSession(sessionID string) *OrchestrationError {
	e.SessionID = sessionID
	return e
}

// WithCode adds an error code to the error.
func (e *OrchestrationError) WithCode(code string) *OrchestrationError {
	e.Code = code
	return e
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassValidation, Code: CodeValidationFailed, Message: message, Err: err}
}

// NewTransientError creates a transient provisioning error.
func NewTransientError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassTransient, Message: message, Err: err}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassConfiguration, Message: message, Err: err}
}

// NewConflictError creates a recovery conflict error.
func NewConflictError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassConflict, Code: CodeRecoveryConflict, Message: message, Err: err}
}

// NewCompensationError creates a compensation error.
func NewCompensationError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassCompensation, Code: CodeCompensationFailed, Message: message, Err: err}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ClassInternal, Code: CodeInternal, Message: message, Err: err}
}

// Classify returns the classification of err, defaulting to internal for
// unclassified errors.
func Classify(err error) ErrorClass {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsConfiguration reports whether err is classified as a configuration error.
func IsConfiguration(err error) bool {
	return Classify(err) == ClassConfiguration
}

// IsConflict reports whether err is classified as a recovery conflict.
func IsConflict(err error) bool {
	return Classify(err) == ClassConflict
}

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	return Classify(err) == ClassValidation
}

// IsCompensation reports whether err is classified as a compensation failure.
func IsCompensation(err error) bool {
	return Classify(err) == ClassCompensation
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the orchestrator may retry the failed phase.
// Only transient (network/timeout/rate-limit) failures are retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
