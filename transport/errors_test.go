package transport

import (
	"crypto/x509"
	"errors"
	"fmt"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
)

// TestErrorMatchesKind verifies sentinels match by kind through wrapping.
func TestErrorMatchesKind(t *testing.T) {
	err := newError(KindCertificate, "dial quic://x:4433", errors.New("x509: certificate signed by unknown authority"))
	wrapped := fmt.Errorf("connect stream: %w", err)

	assert.ErrorIs(t, wrapped, ErrCertificate)
	assert.NotErrorIs(t, wrapped, ErrTLS)
	assert.Equal(t, KindCertificate, KindOf(wrapped))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
	assert.Equal(t, "certificate error: dial quic://x:4433: x509: certificate signed by unknown authority", err.Error())
}

// TestErrorKindStrings verifies every kind has a distinct name.
func TestErrorKindStrings(t *testing.T) {
	seen := map[string]bool{}
	for k := KindConnection; k <= KindQueue; k++ {
		s := k.String()
		assert.False(t, seen[s], "duplicate name %q", s)
		seen[s] = true
	}
	assert.Contains(t, ErrorKind(99).String(), "unknown")
}

// TestClassifyDialError covers the handshake failure mapping.
func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unknown authority", fmt.Errorf("handshake: %w", x509.UnknownAuthorityError{}), KindCertificate},
		{"crypto transport error", &quic.TransportError{ErrorCode: 0x100 + 120}, KindTLS},
		{"bad certificate alert", &quic.TransportError{ErrorCode: 0x100 + 42}, KindCertificate},
		{"protocol transport error", &quic.TransportError{ErrorCode: quic.ProtocolViolation}, KindConnection},
		{"timeout", &quic.HandshakeTimeoutError{}, KindConnection},
		{"other", errors.New("network unreachable"), KindConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDialError(tt.err))
		})
	}
}

// TestParseEndpoint covers address parsing.
func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{"quic://127.0.0.1:4433", "quic://127.0.0.1:4433", false},
		{"https://media.example.com/audio", "https://media.example.com:443/audio", false},
		{"HTTPS://[::1]:9000", "https://[::1]:9000", false},
		{"ftp://host:21", "", true},
		{"127.0.0.1:4433", "", true},
		{"quic://:4433", "", true},
		{"quic://host:notaport", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, ep.String())
		})
	}
}
