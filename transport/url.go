package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is used when an address does not name one.
const DefaultPort = "443"

// Endpoint is a parsed server address.
type Endpoint struct {
	Scheme string
	Host   string
	Port   string
	Path   string
}

// HostPort returns the dialable "host:port" form.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// String returns the canonical URL form of the endpoint.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.HostPort() + e.Path
}

// ParseEndpoint parses a "quic://" or "https://" server address.
//
// Parameters:
//   - address: URL-like address, e.g. "https://media.example.com:4433/audio"
//
// Returns:
//   - Endpoint: Parsed endpoint with the port defaulted to 443
//   - error: ErrInvalidURL kind for a malformed address, an unsupported
//     scheme or a missing host
func ParseEndpoint(address string) (Endpoint, error) {
	op := "parse " + address
	if strings.TrimSpace(address) == "" {
		return Endpoint{}, newError(KindInvalidURL, op, fmt.Errorf("empty address"))
	}

	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, newError(KindInvalidURL, op, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "quic" && scheme != "https" {
		return Endpoint{}, newError(KindInvalidURL, op, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, newError(KindInvalidURL, op, fmt.Errorf("missing host"))
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port, Path: u.EscapedPath()}, nil
}
