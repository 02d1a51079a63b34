package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies errors for retry logic.
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
)

// TransientError represents a step failure that can be retried.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// PlanParseError reports that an LLM response could not be parsed into a plan.
// Callers must branch on this explicitly instead of receiving a silently empty
// plan: an empty plan and an unparseable response are different conditions.
type PlanParseError struct {
	Raw string // the raw LLM response, for diagnostics
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("plan response could not be parsed: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// PlanValidationError reports structural plan defects: missing fields,
// dangling dependencies, or cycles. Fatal to the planning phase.
type PlanValidationError struct {
	PlanID string
	Issues []string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan %s failed validation: %s", e.PlanID, strings.Join(e.Issues, "; "))
}

// SafetyViolationError reports a command rejected by the safety classifier,
// either by the static denylist or because its classified risk exceeds the
// step's declared level. Never retried, never triggers rollback by itself.
type SafetyViolationError struct {
	Command  string
	Level    string // classified level
	Declared string // level the step declared
	Reason   string
}

func (e *SafetyViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("safety violation: %s (command: %s)", e.Reason, e.Command)
	}
	return fmt.Sprintf("safety violation: classified %s exceeds declared %s (command: %s)",
		e.Level, e.Declared, e.Command)
}

// ApprovalDeniedError reports an explicit denial of a step approval request.
type ApprovalDeniedError struct {
	StepID string
	Reason string
}

func (e *ApprovalDeniedError) Error() string {
	return fmt.Sprintf("approval denied for step %s: %s", e.StepID, e.Reason)
}

// ApprovalTimeoutError reports that no approval decision arrived in time.
// Treated as a denial by the executor.
type ApprovalTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval timed out after %s for step %s", e.Timeout, e.StepID)
}

// AbortError reports a cooperative abort. It fails the current task and halts
// the remaining plan; it does not trigger rollback on its own.
type AbortError struct {
	TaskID string
}

func (e *AbortError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("execution aborted during task %s", e.TaskID)
	}
	return "execution aborted"
}

// IsTransient checks whether an error is retry-able. Explicit markers win;
// safety violations, validation failures, approvals, and aborts are never
// transient; everything else defaults to transient so ordinary step failures
// go through the retry loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	var safetyErr *SafetyViolationError
	var validationErr *PlanValidationError
	var parseErr *PlanParseError
	var deniedErr *ApprovalDeniedError
	var timeoutErr *ApprovalTimeoutError
	var abortErr *AbortError
	if errors.As(err, &safetyErr) ||
		errors.As(err, &validationErr) ||
		errors.As(err, &parseErr) ||
		errors.As(err, &deniedErr) ||
		errors.As(err, &timeoutErr) ||
		errors.As(err, &abortErr) {
		return false
	}

	return true
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// IsSafetyViolation reports whether err is (or wraps) a SafetyViolationError.
func IsSafetyViolation(err error) bool {
	var safetyErr *SafetyViolationError
	return errors.As(err, &safetyErr)
}

// GetErrorType classifies an error for retry decisions.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// NewTransientError marks an error as retry-able.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError marks an error as non-retry-able.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}
