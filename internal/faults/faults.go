// Package faults defines the error taxonomy shared by the gateway and the
// datastore. Kinds are stable strings: EXTERNAL_* kinds may surface to
// clients, INTERNAL_* kinds are logged and never leak payload detail.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error within the taxonomy.
type Kind string

const (
	ExternalNoCredits      Kind = "EXTERNAL_NO_CREDITS"
	ExternalBufferOverflow Kind = "EXTERNAL_BUFFER_OVERFLOW"
	ExternalInvalidAuth    Kind = "EXTERNAL_INVALID_AUTH"

	InternalEnvKeyNotFound      Kind = "INTERNAL_ENV_KEY_NOT_FOUND"
	InternalZMQNotConnected     Kind = "INTERNAL_ZMQ_NOT_CONNECTED"
	InternalZMQRequestTimeout   Kind = "INTERNAL_ZMQ_REQUEST_TIMEOUT"
	InternalZMQDestroyed        Kind = "INTERNAL_ZMQ_DESTROYED"
	InternalZMQInvalidResponse  Kind = "INTERNAL_ZMQ_INVALID_RESPONSE"
	InternalZMQNoPendingRequest Kind = "INTERNAL_ZMQ_NO_PENDING_REQUEST"
	InternalZMQDecodeFailed     Kind = "INTERNAL_ZMQ_DECODE_FAILED"
	InternalError               Kind = "INTERNAL_ERROR"
)

// Error carries a Kind plus an optional message and cause.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an error of the given kind.
func New(k Kind, msg string) error {
	return &Error{Kind: k, msg: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, cause error) error {
	return &Error{Kind: k, cause: cause}
}

// KindOf returns the kind of err, or InternalError for nil or foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// Wire error codes carried in the response frame's error field. Receivers map
// unknown codes to InternalError.
const (
	WireInvalidAuth   = "INVALID_AUTH"
	WireNoCredits     = "NO_CREDITS"
	WireInternalError = "INTERNAL_ERROR"
)

// FromWire maps a wire error code to a local kind.
func FromWire(code string) Kind {
	switch code {
	case WireInvalidAuth:
		return ExternalInvalidAuth
	case WireNoCredits:
		return ExternalNoCredits
	default:
		return InternalError
	}
}

// wireError is a business-level failure raised by a datastore handler. Its
// code travels verbatim in the response frame.
type wireError struct {
	code string
}

func (e *wireError) Error() string { return e.code }

// NewWire builds a business error whose code goes on the wire as-is.
func NewWire(code string) error {
	return &wireError{code: code}
}

// IsWire extracts the wire code from a business error.
func IsWire(err error) (string, bool) {
	var e *wireError
	if errors.As(err, &e) {
		return e.code, true
	}
	return "", false
}

// ToWire converts a handler error into the response frame's error field. Nil
// means success; business errors keep their code; everything else collapses
// to the generic internal code.
func ToWire(err error) string {
	if err == nil {
		return ""
	}
	if code, ok := IsWire(err); ok {
		return code
	}
	return WireInternalError
}
