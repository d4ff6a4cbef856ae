package entity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{NewValidationError("title", "empty"), CodeValidation},
		{NewNotFoundError("task", "task-1"), CodeNotFound},
		{&InvalidArgumentsError{Msg: "bad flag"}, CodeInvalidArguments},
		{&AlreadyExistsError{Kind: "agent", Key: "builder"}, CodeAlreadyExists},
		{&InvalidStatusError{From: "open", To: "review"}, CodeInvalidStatus},
		{&ImmutableError{ID: "doc-1"}, CodeImmutable},
		{&CapacityError{AgentID: "agent-1", Reason: "at limit"}, CodeCapacity},
		{&InvalidResumeError{SessionID: "sess-1", Reason: "gone"}, CodeInvalidResume},
		{&TimeoutError{Op: "spawn", Limit: time.Second}, CodeTimeout},
		{&TransientError{Err: errors.New("connection reset")}, CodeTransient},
		{&FatalError{Err: errors.New("bad state")}, CodeFatal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.code {
			t.Errorf("%T: expected code %s, got %s", tt.err, tt.code, got)
		}
	}
	if got := ErrorCode(errors.New("plain")); got != CodeFatal {
		t.Errorf("uncoded error should map to %s, got %s", CodeFatal, got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("nil error should map to empty code, got %s", got)
	}
}

func TestErrorCodeUnwraps(t *testing.T) {
	inner := NewNotFoundError("task", "task-9")
	wrapped := fmt.Errorf("loading assignment: %w", inner)
	if got := ErrorCode(wrapped); got != CodeNotFound {
		t.Errorf("expected %s through wrapping, got %s", CodeNotFound, got)
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through wrapping")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{NewValidationError("f", "m"), 2},
		{&InvalidArgumentsError{Msg: "m"}, 3},
		{NewNotFoundError("task", "t"), 4},
		{&FatalError{Err: errors.New("m")}, 1},
		{errors.New("plain"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.code {
			t.Errorf("%v: expected exit %d, got %d", tt.err, tt.code, got)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{NewValidationError("f", "m"), http.StatusBadRequest},
		{NewNotFoundError("task", "t"), http.StatusNotFound},
		{&AlreadyExistsError{Kind: "agent", Key: "builder"}, http.StatusConflict},
		{&InvalidStatusError{From: "open", To: "review"}, http.StatusConflict},
		{&CapacityError{AgentID: "a", Reason: "at limit"}, http.StatusTooManyRequests},
		{&TimeoutError{Op: "spawn", Limit: time.Second}, http.StatusGatewayTimeout},
		{&TransientError{Err: errors.New("m")}, http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.status, got)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&TransientError{Err: errors.New("flaky")}) {
		t.Error("transient should be retryable")
	}
	wrapped := fmt.Errorf("push: %w", &TransientError{Err: errors.New("flaky")})
	if !IsRetryable(wrapped) {
		t.Error("wrapped transient should be retryable")
	}
	if IsRetryable(&FatalError{Err: errors.New("broken")}) {
		t.Error("fatal should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestTransientErrorUnwraps(t *testing.T) {
	cause := errors.New("socket closed")
	err := &TransientError{Err: cause}
	if !errors.Is(err, cause) {
		t.Error("transient should unwrap to its cause")
	}
}

func TestInvalidStatusErrorMessage(t *testing.T) {
	err := &InvalidStatusError{From: "closed", To: "in_progress", Allowed: []string{"open"}}
	msg := err.Error()
	for _, want := range []string{"closed", "in_progress", "open"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should mention %q", msg, want)
		}
	}
}
