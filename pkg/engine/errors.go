// Package engine implements the reconciliation core: planning,
// concurrent apply execution, and environment-to-environment promotion
// over the versioned state store.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a coordination conflict: another
	// holder owns a lock, or a snapshot write raced a concurrent writer.
	// The caller recovers by re-running the whole plan/apply cycle
	// against fresh state, never by retrying mid-apply.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declared resources, dependency cycles.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified engine error with context.
type Error struct {
	// Class is the error classification for recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Environment is the environment being operated on, if applicable.
	Environment string `json:"environment,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match
// when their codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceKey string) *Error {
	e.Resource = resourceKey
	return e
}

// WithEnvironment adds environment context to an error.
func (e *Error) WithEnvironment(environment string) *Error {
	e.Environment = environment
	return e
}

// Error codes, one per failure category the engine distinguishes.
const (
	// ErrCodeValidation: a declared resource is malformed. Raised before
	// planning; nothing is ever partially applied.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodePlan: a dependency cycle or unresolvable reference. Aborts
	// before any side effect.
	ErrCodePlan = "PLAN_ERROR"

	// ErrCodeLockConflict: another holder is active. The caller may
	// wait-and-retry with backoff or abort.
	ErrCodeLockConflict = "LOCK_CONFLICT"

	// ErrCodeVersionConflict: the snapshot was written by someone else
	// since it was read. The caller must re-plan against fresh state.
	ErrCodeVersionConflict = "VERSION_CONFLICT"

	// ErrCodeProvisioning: the adapter call itself failed. Recorded on
	// the resource as status=error with the raw payload preserved.
	ErrCodeProvisioning = "PROVISIONING_ERROR"

	// ErrCodePromotionPrecondition: the source service is not in created
	// status, or the target environment has no record of the service.
	ErrCodePromotionPrecondition = "PROMOTION_PRECONDITION"

	// ErrCodeDependencyFailed: a dependency of this resource failed or
	// was skipped, so the resource was not attempted.
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"

	// ErrCodeInternal: an invariant violation inside the engine itself.
	ErrCodeInternal = "INTERNAL_ERROR"
)

// NewValidationError creates a permanent validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewPlanError creates a permanent planning error.
func NewPlanError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodePlan, Message: message, Err: err}
}

// NewLockConflictError creates a conflict error for a refused lock.
func NewLockConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Code: ErrCodeLockConflict, Message: message, Err: err}
}

// NewVersionConflictError creates a conflict error for a stale write.
func NewVersionConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Code: ErrCodeVersionConflict, Message: message, Err: err}
}

// NewProvisioningError creates an error for a failed adapter call.
func NewProvisioningError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: ErrCodeProvisioning, Message: message, Err: err}
}

// NewPromotionPreconditionError creates a permanent promotion
// precondition error.
func NewPromotionPreconditionError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodePromotionPrecondition, Message: message, Err: err}
}

// NewInternalError creates a permanent internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodeInternal, Message: message, Err: err}
}

// CodeOf returns the engine error code of err, or ErrCodeInternal when
// err carries no classification.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsConflict returns true if the error is a lock or version conflict,
// i.e. recoverable by re-running against fresh state.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsPlanError returns true if the error is a planning error.
func IsPlanError(err error) bool {
	return CodeOf(err) == ErrCodePlan
}
