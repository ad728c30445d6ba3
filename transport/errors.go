package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/quic-go/quic-go"
)

// ErrorKind classifies transport failures. The set is closed; host
// boundaries map each kind to a stable error code.
type ErrorKind int

const (
	KindConnection ErrorKind = iota + 1
	KindTLS
	KindStream
	KindInvalidURL
	KindRuntime
	KindCertificate
	KindClient
	KindQueue
)

// String returns the human readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindTLS:
		return "TLS error"
	case KindStream:
		return "stream error"
	case KindInvalidURL:
		return "invalid URL"
	case KindRuntime:
		return "runtime error"
	case KindCertificate:
		return "certificate error"
	case KindClient:
		return "client error"
	case KindQueue:
		return "queue error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Sentinels for matching kinds with errors.Is.
var (
	ErrConnection  = &Error{Kind: KindConnection}
	ErrTLS         = &Error{Kind: KindTLS}
	ErrStream      = &Error{Kind: KindStream}
	ErrInvalidURL  = &Error{Kind: KindInvalidURL}
	ErrRuntime     = &Error{Kind: KindRuntime}
	ErrCertificate = &Error{Kind: KindCertificate}
	ErrClient      = &Error{Kind: KindClient}
	ErrQueue       = &Error{Kind: KindQueue}
)

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	// Op names the operation that failed, e.g. "dial quic://host:4433".
	Op  string
	Err error
}

// newError builds a classified error.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns "<kind>: <op>: <cause>".
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of a transport error, or zero when err is not one.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// certificateAlerts are the TLS alerts raised by certificate verification.
var certificateAlerts = map[tls.AlertError]bool{
	42: true, // bad_certificate
	43: true, // unsupported_certificate
	44: true, // certificate_revoked
	45: true, // certificate_expired
	46: true, // certificate_unknown
	48: true, // unknown_ca
}

// classifyDialError maps a QUIC handshake failure to a kind.
//
// Certificate verification failures are reported separately from other TLS
// failures so callers can tell a misconfigured trust store from a protocol
// problem such as an ALPN mismatch.
func classifyDialError(err error) ErrorKind {
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr),
		strings.Contains(err.Error(), "x509:"):
		return KindCertificate
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError() {
		if certificateAlerts[tls.AlertError(transportErr.ErrorCode-0x100)] {
			return KindCertificate
		}
		return KindTLS
	}

	var alert tls.AlertError
	if errors.As(err, &alert) {
		return KindTLS
	}

	return KindConnection
}
