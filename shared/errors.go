package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how callers should react to them.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	AuthExpired
	TransientNetwork
	InvalidInput
	RateLimited
	RiskViolation
	DataUnavailable
	NotFound
)

// String stringifies the provided error kind.
func (k ErrorKind) String() string {
	switch k {
	case AuthExpired:
		return "auth expired"
	case TransientNetwork:
		return "transient network"
	case InvalidInput:
		return "invalid input"
	case RateLimited:
		return "rate limited"
	case RiskViolation:
		return "risk violation"
	case DataUnavailable:
		return "data unavailable"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is joined to errors returned once a retry policy gives up.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}

// IsKind checks whether err is classified as the provided kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
