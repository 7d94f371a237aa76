package protocol

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/shared/clone"
)

// Code classifies a failure that crosses the plugin boundary
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeHandshakeTimeout  Code = "handshake_timeout"
	CodePermissionDenied  Code = "permission_denied"
	CodeMethodNotAllowed  Code = "method_not_allowed"
	CodeSerialization     Code = "serialization_error"
	CodeSandboxCrash      Code = "sandbox_crash"
	CodeRPCTimeout        Code = "rpc_timeout"
	CodeRuntimeDestroyed  Code = "runtime_destroyed"
	CodeRuntimeNotLoaded  Code = "runtime_not_loaded"
	CodeMethodUnavailable Code = "method_unavailable"
	CodeInvalidArgument   Code = "invalid_argument"
	CodeHostFailure       Code = "host_error"
	CodePluginFailure     Code = "plugin_error"
	CodeRateLimited       Code = "rate_limited"
	CodeCancelled         Code = "cancelled"
	CodeCircuitOpen       Code = "circuit_open"
)

// Error is the typed failure carried in envelopes and returned from calls.
// Two errors are equal under errors.Is when their codes match.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid manifest"}
	ErrHandshakeTimeout  = &Error{Code: CodeHandshakeTimeout, Message: "sandbox did not complete handshake"}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrMethodNotAllowed  = &Error{Code: CodeMethodNotAllowed, Message: "method not allowed"}
	ErrSerialization     = &Error{Code: CodeSerialization, Message: "value cannot be serialized"}
	ErrSandboxCrash      = &Error{Code: CodeSandboxCrash, Message: "sandbox crashed"}
	ErrRPCTimeout        = &Error{Code: CodeRPCTimeout, Message: "call timed out"}
	ErrRuntimeDestroyed  = &Error{Code: CodeRuntimeDestroyed, Message: "runtime destroyed"}
	ErrRuntimeNotLoaded  = &Error{Code: CodeRuntimeNotLoaded, Message: "runtime not loaded"}
	ErrMethodUnavailable = &Error{Code: CodeMethodUnavailable, Message: "method not exposed by plugin"}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrHostFailure       = &Error{Code: CodeHostFailure, Message: "host call failed"}
	ErrPluginFailure     = &Error{Code: CodePluginFailure, Message: "plugin call failed"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrCancelled         = &Error{Code: CodeCancelled, Message: "call cancelled"}
	ErrCircuitOpen       = &Error{Code: CodeCircuitOpen, Message: "runtime is failing, calls suspended"}
)

// Errorf builds an Error with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// AsError converts err to an *Error. Existing *Error values in the chain are
// returned as-is, clone failures become serialization errors and anything
// else is wrapped with the fallback code.
func AsError(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, clone.ErrUncloneable) {
		return &Error{Code: CodeSerialization, Message: err.Error()}
	}
	return &Error{Code: fallback, Message: err.Error()}
}

// CodeOf returns the code of err, or "" for non-protocol errors
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
