package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("flaky"), ""), true},
		{"explicit permanent", NewPermanentError(errors.New("nope"), ""), false},
		{"safety violation", &SafetyViolationError{Command: "rm -rf /", Reason: "denylisted"}, false},
		{"validation", &PlanValidationError{PlanID: "p1", Issues: []string{"cycle"}}, false},
		{"parse", &PlanParseError{Raw: "...", Err: errors.New("bad json")}, false},
		{"approval denied", &ApprovalDeniedError{StepID: "s1", Reason: "user"}, false},
		{"approval timeout", &ApprovalTimeoutError{StepID: "s1", Timeout: time.Second}, false},
		{"abort", &AbortError{TaskID: "t1"}, false},
		{"plain error defaults to transient", errors.New("exit status 1"), true},
		{"wrapped safety violation", fmt.Errorf("step failed: %w", &SafetyViolationError{Command: "x"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestAbortErrorMessageContainsAborted(t *testing.T) {
	err := &AbortError{TaskID: "task-1-2"}
	assert.Contains(t, err.Error(), "aborted")
	assert.True(t, IsAbort(fmt.Errorf("wrap: %w", err)))
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeTransient, GetErrorType(errors.New("boom")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(&SafetyViolationError{Command: "x"}))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(nil))
}

func TestPlanValidationErrorJoinsIssues(t *testing.T) {
	err := &PlanValidationError{PlanID: "p1", Issues: []string{"missing name", "circular dependencies"}}
	assert.Contains(t, err.Error(), "missing name")
	assert.Contains(t, err.Error(), "circular dependencies")
}
