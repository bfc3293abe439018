// Package bferrors defines the event bus error taxonomy: a closed set of
// kinds callers branch on, instead of matching error text.
package bferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec §7 enumerates them. Kinds are not
// Go error types themselves; they're attached to an *Error via New/Wrap.
type Kind int

const (
	// KindInternal is the zero value so a forgotten Kind fails retry/code
	// lookups loudly (Internal is retryable and maps to no specific RPC code)
	// rather than silently behaving like some other kind.
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindStorage
	KindTransport
	KindTimeout
	KindResourceLimit
	KindRateLimited
	KindValidation
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindPermissionDenied:
		return "permission_denied"
	case KindStorage:
		return "storage"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindResourceLimit:
		return "resource_limit"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindShutdown:
		return "shutdown"
	default:
		return "internal"
	}
}

// Retryable reports whether spec §7 marks this kind as retryable.
func (k Kind) Retryable() bool {
	switch k {
	case KindStorage, KindTransport, KindTimeout, KindResourceLimit, KindRateLimited, KindInternal:
		return true
	default:
		return false
	}
}

// RPCCode maps a Kind to the wire error code in spec §6. Validation shares
// InvalidInput's -32602. Kinds with no dedicated wire code (AlreadyExists,
// Internal, Shutdown) fall back to -32603, the generic JSON-RPC
// internal-error code.
func (k Kind) RPCCode() int {
	switch k {
	case KindInvalidInput, KindValidation:
		return -32602
	case KindStorage:
		return -32001
	case KindNotFound:
		return -32002
	case KindPermissionDenied:
		return -32004
	case KindRateLimited:
		return -32005
	case KindTransport, KindTimeout:
		return -32004
	default:
		return -32603
	}
}

// Error is the bus's concrete error value. It always carries a Kind so
// callers can inspect the kind instead of parsing the message.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, New(KindNotFound, "")) match any *Error of the
// same Kind, regardless of message — useful for sentinel-style comparisons
// without needing a package-level var per error site.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a bare Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs a bare Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Of extracts the Kind of err, defaulting to KindInternal if err is not
// (or does not wrap) a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is (or wraps) a bferrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
