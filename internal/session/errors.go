// Package session implements the per-connection FIX and ILink3 state
// machines: logon negotiation, sequence-number policing, heartbeating, gap
// detection, retransmission and graceful termination. Protocol family (FIX
// vs ILink3) is a separate tagged variant one level up from session role
// (initiator vs acceptor); the two do not share a state enum, matching the
// dispatch shape the registry imposes on its opaque session handles.
package session

import (
	"errors"
	"fmt"
)

// Kind names one of the error taxonomy entries. These are kinds, not
// sentinel errors, because the same kind wraps different underlying causes
// across the FIX and ILink3 state machines.
type Kind string

const (
	KindProtocolViolation   Kind = "ProtocolViolation"
	KindAuthenticationFailure Kind = "AuthenticationFailure"
	KindTimeout             Kind = "Timeout"
	KindTransportFault      Kind = "TransportFault"
	KindDuplicateConnection Kind = "DuplicateConnection"
	KindInvalidUuid         Kind = "InvalidUuid"
	KindOverflow            Kind = "Overflow"
	KindIllegalState        Kind = "IllegalState"
)

// Error is a session-layer failure tagged with one taxonomy Kind so callers
// can branch on category (send Logout vs Terminate, disconnect vs retry)
// without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func protocolViolation(format string, args ...interface{}) *Error {
	return newErr(KindProtocolViolation, format, args...)
}

func authenticationFailure(format string, args ...interface{}) *Error {
	return newErr(KindAuthenticationFailure, format, args...)
}

func timeoutErr(format string, args ...interface{}) *Error {
	return newErr(KindTimeout, format, args...)
}

func invalidUuid(uuid uint64) *Error {
	return newErr(KindInvalidUuid, "terminate carried unexpected uuid %d", uuid)
}

func illegalState(format string, args ...interface{}) *Error {
	return newErr(KindIllegalState, format, args...)
}

// AsKind reports whether err is a *Error of the given kind.
func AsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
