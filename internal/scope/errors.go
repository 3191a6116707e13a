package scope

import (
	"errors"
	"fmt"
)

// Kind classifies capture errors for callers that need to decide between
// fixing input, retrying with a new handle, or discarding the session.
type Kind uint8

const (
	KindNotFound Kind = iota + 1
	KindBusy
	KindUnsupportedRange
	KindNoChannelsEnabled
	KindIntervalUnachievable
	KindInvalidChannelReference
	KindThresholdOutOfRange
	KindDriverFault
	KindTimeout
	KindInvalidState
	KindSessionFaulted
)

var kindNames = map[Kind]string{
	KindNotFound:                "not found",
	KindBusy:                    "busy",
	KindUnsupportedRange:        "unsupported range",
	KindNoChannelsEnabled:       "no channels enabled",
	KindIntervalUnachievable:    "interval unachievable",
	KindInvalidChannelReference: "invalid channel reference",
	KindThresholdOutOfRange:     "threshold out of range",
	KindDriverFault:             "driver fault",
	KindTimeout:                 "timeout",
	KindInvalidState:            "invalid state",
	KindSessionFaulted:          "session faulted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrBusy                    = &Error{Kind: KindBusy}
	ErrUnsupportedRange        = &Error{Kind: KindUnsupportedRange}
	ErrNoChannelsEnabled       = &Error{Kind: KindNoChannelsEnabled}
	ErrIntervalUnachievable    = &Error{Kind: KindIntervalUnachievable}
	ErrInvalidChannelReference = &Error{Kind: KindInvalidChannelReference}
	ErrThresholdOutOfRange     = &Error{Kind: KindThresholdOutOfRange}
	ErrDriverFault             = &Error{Kind: KindDriverFault}
	ErrTimeout                 = &Error{Kind: KindTimeout}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrSessionFaulted          = &Error{Kind: KindSessionFaulted}
)

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "scope: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("scope %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("scope: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("scope %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinels work with errors.Is
// regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or 0 if err is not a scope error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Retryable reports whether retrying with a fresh device handle may succeed.
// Configuration errors are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindTimeout:
		return true
	}
	return false
}

// Fatal reports whether err ends the session it was returned from.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindDriverFault, KindTimeout, KindSessionFaulted:
		return true
	}
	return false
}
