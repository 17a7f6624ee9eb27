package session

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure by the phase that produced it, so clients
// can distinguish "bad credentials" from "VM unreachable" from "shell died".
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindCredential
	KindProvisioning
	KindConnection
	KindTimeout
	KindAborted
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "AuthenticationError"
	case KindCredential:
		return "CredentialError"
	case KindProvisioning:
		return "ProvisioningError"
	case KindConnection:
		return "ConnectionError"
	case KindTimeout:
		return "TimeoutError"
	case KindAborted:
		return "AbortedError"
	case KindStream:
		return "StreamError"
	default:
		return "UnknownError"
	}
}

// Error is a session failure tagged with its phase. Message is safe to show
// to the client; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind, defaulting to KindStream for faults that
// were never classified (mid-relay I/O errors).
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStream
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "session stream failed"
}
