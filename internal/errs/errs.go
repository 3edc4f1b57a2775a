// Package errs defines the error taxonomy shared by every layer of the E2EE
// session core, from crypto primitives up through the relay transport.
package errs

import "fmt"

// Kind identifies one of the error categories from the core's error contract.
// Callers switch on Kind, never on the wrapped message text.
type Kind string

const (
	BadInput        Kind = "bad_input"
	SessionLocked   Kind = "session_locked"
	SessionNotFound Kind = "session_not_found"
	CryptoError     Kind = "crypto_error"
	ReplayDetected  Kind = "replay_detected"
	MITMDetected    Kind = "mitm_detected"
	IntegrityError  Kind = "integrity_error"
	BadPassword     Kind = "bad_password"
	TransportError  Kind = "transport_error"
)

// Error wraps an underlying cause with a stable Kind and the operation that
// produced it. Internal technical detail travels in Err for logging; callers
// above the transport boundary are expected to surface only Kind and Msg.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error carrying no underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
