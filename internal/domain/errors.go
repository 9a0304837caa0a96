package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrNotRunning       = fmt.Errorf("not running")
)

// Sentinel errors for the tool execution core.
var (
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrHookBlocked        = fmt.Errorf("blocked by hook")
	ErrCancelled          = fmt.Errorf("tool call cancelled")
	ErrCommandNotAllowed  = fmt.Errorf("command not in allowlist")
	ErrSandboxUnavailable = fmt.Errorf("sandbox unavailable")
	ErrSandboxPolicy      = fmt.Errorf("invalid sandbox policy")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrLedgerWrite        = fmt.Errorf("task ledger write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Invoker.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "process", "sandbox"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category reported with error results.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeHookBlocked        ErrorCode = "HOOK_BLOCKED"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeCommandNotAllowed  ErrorCode = "COMMAND_NOT_ALLOWED"
	CodeSandboxUnavailable ErrorCode = "SANDBOX_UNAVAILABLE"
	CodeSandboxPolicy      ErrorCode = "SANDBOX_POLICY"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeLedgerWrite        ErrorCode = "LEDGER_WRITE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeProcessNotFound    ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessMaxSessions ErrorCode = "PROCESS_MAX_SESSIONS"
	CodeProcessNotRunning  ErrorCode = "PROCESS_NOT_RUNNING"
	CodeProcessTimeout     ErrorCode = "PROCESS_TIMEOUT"
	CodeSchemaInvalid      ErrorCode = "SCHEMA_INVALID"
	CodeHookTimeout        ErrorCode = "HOOK_TIMEOUT"

	// Category codes, the fallback when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeNotRunning       ErrorCode = "NOT_RUNNING"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrNotRunning:       CodeNotRunning,

	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrHookBlocked:        CodeHookBlocked,
	ErrCancelled:          CodeCancelled,
	ErrCommandNotAllowed:  CodeCommandNotAllowed,
	ErrSandboxUnavailable: CodeSandboxUnavailable,
	ErrSandboxPolicy:      CodeSandboxPolicy,
	ErrConfigLoad:         CodeConfigLoad,
	ErrLedgerWrite:        CodeLedgerWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"process": CodeProcessNotFound,
	},
	ErrLimitReached: {
		"process": CodeProcessMaxSessions,
	},
	ErrNotRunning: {
		"process": CodeProcessNotRunning,
	},
	ErrTimeout: {
		"process": CodeProcessTimeout,
		"hook":    CodeHookTimeout,
	},
	ErrInvalidInput: {
		"schema": CodeSchemaInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// ExecError is a failed command execution that carries its captured output.
type ExecError struct {
	Message  string
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is the failure category; nil means ErrToolFailure.
	Err error
}

func (e *ExecError) Error() string { return e.Message }

func (e *ExecError) Unwrap() error {
	if e.Err == nil {
		return ErrToolFailure
	}
	return e.Err
}
