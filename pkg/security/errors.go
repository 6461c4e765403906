package security

import (
	"errors"
)

// Kind classifies security failures so callers can tell a rejected peer
// input from a local configuration or storage fault.
type Kind uint8

const (
	// KindStorage: certificate or key material could not be read or written.
	KindStorage Kind = iota + 1
	// KindCertificate: malformed, expired, revoked or untrusted certificate.
	KindCertificate
	// KindCrypto: signature or AEAD verification failed.
	KindCrypto
	// KindProtocol: an inbound message is missing required fields.
	KindProtocol
	// KindReplay: stale timestamp or an already-seen nonce.
	KindReplay
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindCertificate:
		return "certificate"
	case KindCrypto:
		return "crypto"
	case KindProtocol:
		return "protocol"
	case KindReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every security package.
type Error struct {
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Inner == nil {
		return e.Kind.String() + ": " + e.Msg
	}
	return e.Kind.String() + ": " + e.Msg + ": " + e.Inner.Error()
}

func (e *Error) Unwrap() error { return e.Inner }

// NewError returns an Error without an underlying cause.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError returns an Error carrying inner as its cause.
func WrapError(kind Kind, msg string, inner error) *Error {
	return &Error{Kind: kind, Msg: msg, Inner: inner}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
