package store

import (
	"errors"
	"fmt"
)

// Kind classifies store errors the way the dispatcher needs them:
// each kind has a fixed mapping to a tagged IMAP/POP3 response.
type Kind int

const (
	KindUnknown Kind = iota
	KindLogonFailed
	KindNoAccess
	KindNotFound
	KindCollision
	KindNoSupport
	KindNetwork
	KindTimeout
	KindCallFailed
	KindEndOfSession
	KindNoMemory
)

func (k Kind) String() string {
	switch k {
	case KindLogonFailed:
		return "logon failed"
	case KindNoAccess:
		return "no access"
	case KindNotFound:
		return "not found"
	case KindCollision:
		return "collision"
	case KindNoSupport:
		return "not supported"
	case KindNetwork:
		return "network error"
	case KindTimeout:
		return "timeout"
	case KindCallFailed:
		return "call failed"
	case KindEndOfSession:
		return "end of session"
	case KindNoMemory:
		return "out of memory"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by store implementations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a store error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a store error from a format string.
func Errorf(kind Kind, op, format string, v ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, v...)}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
