package ap

import "fmt"

// Kind enumerates the handshake/codec/session error taxonomy from the
// AP subsystem.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidKeyLength
	KindServerVerificationFailed
	KindNetworkError
	KindProtocolError
	KindMacFailure
	KindUnexpectedEOF
	KindMalformedFrame
	KindTimeout
	KindSessionClosed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidKeyLength:
		return "invalid_key_length"
	case KindServerVerificationFailed:
		return "server_verification_failed"
	case KindNetworkError:
		return "network_error"
	case KindProtocolError:
		return "protocol_error"
	case KindMacFailure:
		return "mac_failure"
	case KindUnexpectedEOF:
		return "unexpected_eof"
	case KindMalformedFrame:
		return "malformed_frame"
	case KindTimeout:
		return "timeout"
	case KindSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// Error is the structured error surfaced by the ap package: a reason enum
// plus an optional inner cause. The message string is advisory only.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ap: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ap: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
