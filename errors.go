package sshlite

import (
	"errors"
	"fmt"

	"github.com/go-ssh-lite/sshlite/internal/cipher"
	"github.com/go-ssh-lite/sshlite/internal/kex"
	"github.com/go-ssh-lite/sshlite/internal/wire"
)

// Kind discriminates the taxonomy of failures this package can return.
type Kind int

const (
	KindConnectFailed Kind = iota
	KindTimeout
	KindCancelled
	KindProtocolError
	KindPacketTooLong
	KindIntegrityFailure
	KindMalformedPacket
	KindNoCommonAlgorithm
	KindHostKeyVerificationFailed
	KindAuthenticationFailed
	KindNoCredentials
	KindConnectionClosed
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect failed"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindProtocolError:
		return "protocol error"
	case KindPacketTooLong:
		return "packet too long"
	case KindIntegrityFailure:
		return "integrity failure"
	case KindMalformedPacket:
		return "malformed packet"
	case KindNoCommonAlgorithm:
		return "no common algorithm"
	case KindHostKeyVerificationFailed:
		return "host key verification failed"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindNoCredentials:
		return "no credentials"
	case KindConnectionClosed:
		return "connection closed"
	default:
		return "unknown error"
	}
}

// Error is the single error type this package returns. Kind identifies
// which of the taxonomy's failure modes occurred; Cause, when non-nil, is
// the underlying error that triggered it.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sshlite: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("sshlite: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is one of this package's exported sentinel
// *Error values of the same Kind, so callers can write
// errors.Is(err, sshlite.ErrAuthenticationFailed) regardless of what, if
// anything, is wrapped inside err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrConnectFailed              = &Error{Kind: KindConnectFailed}
	ErrTimeout                    = &Error{Kind: KindTimeout}
	ErrCancelled                  = &Error{Kind: KindCancelled}
	ErrProtocolError              = &Error{Kind: KindProtocolError}
	ErrPacketTooLong              = &Error{Kind: KindPacketTooLong}
	ErrIntegrityFailure           = &Error{Kind: KindIntegrityFailure}
	ErrMalformedPacket            = &Error{Kind: KindMalformedPacket}
	ErrNoCommonAlgorithm          = &Error{Kind: KindNoCommonAlgorithm}
	ErrHostKeyVerificationFailed  = &Error{Kind: KindHostKeyVerificationFailed}
	ErrAuthenticationFailed       = &Error{Kind: KindAuthenticationFailed}
	ErrNoCredentials              = &Error{Kind: KindNoCredentials}
	ErrConnectionClosed           = &Error{Kind: KindConnectionClosed}
)

func wrapErr(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// translateKnownCause maps a lower-layer sentinel or typed error to this
// package's taxonomy, so callers can match with errors.Is/errors.As against
// the exported sentinels regardless of which internal package produced the
// failure. It reports ok == false when cause doesn't match anything this
// package has a dedicated Kind for, leaving the caller to pick a fallback.
func translateKnownCause(cause error) (*Error, bool) {
	var noCommonAlgorithm *kex.ErrNoCommonAlgorithm
	switch {
	case errors.Is(cause, cipher.ErrIntegrityFailure):
		return wrapErr(KindIntegrityFailure, cause), true
	case errors.Is(cause, cipher.ErrPacketTooLong):
		return wrapErr(KindPacketTooLong, cause), true
	case errors.Is(cause, cipher.ErrMalformedPacket), errors.Is(cause, wire.ErrMalformedPacket):
		return wrapErr(KindMalformedPacket, cause), true
	case errors.As(cause, &noCommonAlgorithm):
		return wrapErr(KindNoCommonAlgorithm, cause), true
	case errors.Is(cause, kex.ErrProtocol):
		return wrapErr(KindProtocolError, cause), true
	default:
		return nil, false
	}
}
