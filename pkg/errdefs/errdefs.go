package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the library-wide categories.
type Kind int

const (
	// KindUnknown is the zero value; errors without a kind map here.
	KindUnknown Kind = iota

	// KindNotFound means the addressed entity does not exist.
	KindNotFound

	// KindInvalidState means the operation is legal only in some state
	// and the current state differs.
	KindInvalidState

	// KindTransport means underlying I/O failed.
	KindTransport

	// KindTimeout means the operation missed its own deadline.
	KindTimeout

	// KindResourceExhausted means no candidate session or node is available.
	KindResourceExhausted

	// KindConfig means bad or missing configuration.
	KindConfig

	// KindFatal means restart attempts are exceeded and the entity is
	// permanently down pending operator action.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindConfig:
		return "config"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil.
func Wrap(cause error, kind Kind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience predicates for the kinds callers branch on most.

func IsNotFound(err error) bool     { return IsKind(err, KindNotFound) }
func IsInvalidState(err error) bool { return IsKind(err, KindInvalidState) }
func IsTransport(err error) bool    { return IsKind(err, KindTransport) }
func IsTimeout(err error) bool      { return IsKind(err, KindTimeout) }
func IsConfig(err error) bool       { return IsKind(err, KindConfig) }
