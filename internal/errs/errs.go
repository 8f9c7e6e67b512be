// Package errs defines the error kinds surfaced across the gateway.
// Kinds are values, not types: callers branch on Kind via errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error for recovery policy.
type Kind string

const (
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindToolValidation      Kind = "tool_validation_error"
	KindToolExecution       Kind = "tool_execution_error"
	KindApprovalRejected    Kind = "approval_rejected"
	KindApprovalTimeout     Kind = "approval_timeout"
	KindA2ATimeout          Kind = "a2a_timeout"
	KindRoleCapacity        Kind = "role_capacity"
	KindUnknownRole         Kind = "unknown_role"
	KindCryptoError         Kind = "crypto_error"
	KindSchedulerConfig     Kind = "scheduler_config_error"
	KindWebhookAuth         Kind = "webhook_auth"
)

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// LoopRecoverable reports whether the kind becomes a tool result instead of
// aborting the agent run.
func LoopRecoverable(kind Kind) bool {
	switch kind {
	case KindToolValidation, KindToolExecution,
		KindApprovalRejected, KindApprovalTimeout,
		KindA2ATimeout, KindRoleCapacity, KindUnknownRole:
		return true
	}
	return false
}
