package entity

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error code strings carried on every user-visible error.
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeInvalidStatus    = "INVALID_STATUS"
	CodeImmutable        = "IMMUTABLE"
	CodeCapacity         = "CAPACITY"
	CodeInvalidResume    = "INVALID_RESUME"
	CodeTimeout          = "TIMEOUT"
	CodeTransient        = "TRANSIENT"
	CodeFatal            = "FATAL"
)

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}

// ValidationError reports input that violates a declared constraint.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Msg)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Code() string { return CodeValidation }

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// NotFoundError reports a referenced id that is absent or tombstoned.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// NewNotFoundError creates a NotFoundError for an entity kind and id.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidArgumentsError reports a missing or contradictory argument.
type InvalidArgumentsError struct {
	Msg string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", e.Msg)
}

func (e *InvalidArgumentsError) Code() string { return CodeInvalidArguments }

// AlreadyExistsError reports a duplicate registration or creation.
type AlreadyExistsError struct {
	Kind string
	Key  string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.Key)
}

func (e *AlreadyExistsError) Code() string { return CodeAlreadyExists }

// InvalidStatusError reports a disallowed status transition. Allowed carries
// the outbound edges of From at the time of the attempt.
type InvalidStatusError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func (e *InvalidStatusError) Code() string { return CodeInvalidStatus }

// ImmutableError reports a content update on an immutable document.
type ImmutableError struct {
	ID string
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("document is immutable: %s", e.ID)
}

func (e *ImmutableError) Code() string { return CodeImmutable }

// CapacityError reports an agent with no free capacity or a rate-limited
// executable. Non-fatal; callers retry on a later tick.
type CapacityError struct {
	AgentID string
	Reason  string
}

func (e *CapacityError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent has no capacity: %s", e.AgentID)
	}
	return fmt.Sprintf("agent has no capacity: %s: %s", e.AgentID, e.Reason)
}

func (e *CapacityError) Code() string { return CodeCapacity }

// InvalidResumeError reports a provider session that cannot be resumed.
// The session record is marked terminated when this is raised.
type InvalidResumeError struct {
	SessionID         string
	ProviderSessionID string
	Reason            string
}

func (e *InvalidResumeError) Error() string {
	return fmt.Sprintf("session cannot be resumed: %s (provider session %q): %s",
		e.SessionID, e.ProviderSessionID, e.Reason)
}

func (e *InvalidResumeError) Code() string { return CodeInvalidResume }

// TimeoutError reports an operation that exceeded its bound.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

func (e *TimeoutError) Code() string { return CodeTimeout }

// TransientError wraps a retryable failure (network, rate, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Code() string { return CodeTransient }

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable marks the error as safe to retry.
func (e *TransientError) Retryable() bool { return true }

// FatalError wraps an uncategorized failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Code() string { return CodeFatal }

func (e *FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var c *CapacityError
	return errors.As(err, &c)
}

// IsInvalidResume reports whether err is an InvalidResumeError.
func IsInvalidResume(err error) bool {
	var r *InvalidResumeError
	return errors.As(err, &r)
}

// IsRetryable reports whether err carries Retryable()==true anywhere in its
// chain.
func IsRetryable(err error) bool {
	type retryable interface{ Retryable() bool }
	for err != nil {
		if r, ok := err.(retryable); ok {
			return r.Retryable()
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ErrorCode returns the stable code string for err, or FATAL for errors
// outside the taxonomy.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeFatal
}

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 2 validation, 3 invalid arguments, 4 not found, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch ErrorCode(err) {
	case CodeValidation:
		return 2
	case CodeInvalidArguments:
		return 3
	case CodeNotFound:
		return 4
	default:
		return 1
	}
}

// HTTPStatus maps an error to an HTTP status code for the API surface.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch ErrorCode(err) {
	case CodeValidation, CodeInvalidArguments:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeInvalidStatus, CodeImmutable:
		return http.StatusConflict
	case CodeCapacity:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
