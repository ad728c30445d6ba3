package host

import (
	"errors"

	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/ringbuffer"
	"github.com/opd-ai/playout/stream"
	"github.com/opd-ai/playout/transport"
)

// Code is the result of a host operation. Values are stable across
// releases; the C surface returns them unchanged.
type Code int

const (
	OK Code = iota
	ConnectionError
	TLSError
	StreamError
	InvalidURL
	RuntimeError
	CertificateError
	ClientError
	QueueError
	NotReady
	InvalidHandle
	Closed
	InvalidArgument
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case ConnectionError:
		return "connection error"
	case TLSError:
		return "TLS error"
	case StreamError:
		return "stream error"
	case InvalidURL:
		return "invalid URL"
	case RuntimeError:
		return "runtime error"
	case CertificateError:
		return "certificate error"
	case ClientError:
		return "client error"
	case QueueError:
		return "queue error"
	case NotReady:
		return "not ready"
	case InvalidHandle:
		return "invalid handle"
	case Closed:
		return "closed"
	case InvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

var kindCodes = map[transport.ErrorKind]Code{
	transport.KindConnection:  ConnectionError,
	transport.KindTLS:         TLSError,
	transport.KindStream:      StreamError,
	transport.KindInvalidURL:  InvalidURL,
	transport.KindRuntime:     RuntimeError,
	transport.KindCertificate: CertificateError,
	transport.KindClient:      ClientError,
	transport.KindQueue:       QueueError,
}

// CodeOf classifies an error returned by the pipeline packages.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if code, ok := kindCodes[transport.KindOf(err)]; ok {
		return code
	}
	switch {
	case errors.Is(err, ErrInvalidHandle):
		return InvalidHandle
	case errors.Is(err, ErrClosed),
		errors.Is(err, jitter.ErrClosed),
		errors.Is(err, stream.ErrStopped):
		return Closed
	case errors.Is(err, jitter.ErrNotReady):
		return NotReady
	case errors.Is(err, jitter.ErrCodecInit):
		return RuntimeError
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, jitter.ErrInvalidConfig),
		errors.Is(err, jitter.ErrInvalidPayload),
		errors.Is(err, ringbuffer.ErrInvalidConfig),
		errors.Is(err, codec.ErrUnsupported),
		errors.Is(err, stream.ErrAlreadySubscribed):
		return InvalidArgument
	default:
		return RuntimeError
	}
}

// hints suggest a fix for codes where the cause is usually configuration.
var hints = map[Code]string{
	ConnectionError:  "check that the server is running and reachable",
	TLSError:         "check that client and server agree on ALPN and TLS 1.3",
	CertificateError: "trust the server certificate with a CA file or use a certificate for the dialed host",
	InvalidURL:       "use an address of the form quic://host:port",
	NotReady:         "call subscribe before pulling audio",
	InvalidHandle:    "the stream was destroyed or never created",
}
