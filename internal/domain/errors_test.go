package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Get: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Scheduler.start", ErrCancelled, "")
	want := "Scheduler.start: tool call cancelled"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("SandboxBuilder.Wrap", ErrSandboxUnavailable, "bwrap")
	if !errors.Is(err, ErrSandboxUnavailable) {
		t.Error("errors.Is should match ErrSandboxUnavailable")
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeHookBlocked, ErrorCodeOf(ErrHookBlocked))
	assert.Equal(t, CodeCancelled, ErrorCodeOf(ErrCancelled))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Invoker.Invoke", ErrPermissionDenied, "shell"))
	assert.Equal(t, CodePermissionDenied, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"process not found", NewSubSystemError("process", "Manager.Read", ErrNotFound, "x"), CodeProcessNotFound},
		{"process limit", NewSubSystemError("process", "Manager.Start", ErrLimitReached, ""), CodeProcessMaxSessions},
		{"process not running", NewSubSystemError("process", "Manager.Kill", ErrNotRunning, ""), CodeProcessNotRunning},
		{"schema invalid", NewSubSystemError("schema", "Invoker.validate", ErrInvalidInput, ""), CodeSchemaInvalid},
		{"unknown subsystem falls back", NewSubSystemError("other", "X", ErrNotFound, ""), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestWrapOp(t *testing.T) {
	require.NoError(t, WrapOp("op", nil))
	err := WrapOp("Manager.Exec", ErrTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "Manager.Exec: operation timed out", err.Error())
}

func TestExecError(t *testing.T) {
	var err error = &ExecError{Message: "Command failed with exit code 2", Stderr: "boom", ExitCode: 2}
	assert.True(t, errors.Is(err, ErrToolFailure))
	assert.Equal(t, CodeToolFailure, ErrorCodeOf(err))

	var ee *ExecError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ee))
	assert.Equal(t, "boom", ee.Stderr)

	timedOut := &ExecError{Message: "Command timed out after 1s", ExitCode: ExitCodeTerminated, Err: ErrTimeout}
	assert.Equal(t, CodeTimeout, ErrorCodeOf(timedOut))
	assert.False(t, errors.Is(timedOut, ErrToolFailure))
}
