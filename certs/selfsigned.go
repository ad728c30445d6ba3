// Package certs generates self-signed ECDSA P-256 certificates for loopback
// QUIC endpoints used by tests, benchmarks and the serve command.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultValidity is used when a non-positive validity is requested.
const DefaultValidity = 14 * 24 * time.Hour

// Bundle holds a self-signed certificate and what clients need to trust it.
type Bundle struct {
	TLSCert     tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (b *Bundle) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(b.Fingerprint[:])
}

// ServerTLS returns a TLS 1.3 server configuration presenting the certificate.
func (b *Bundle) ServerTLS(alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.TLSCert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}
}

// CertPool returns a pool that trusts only this certificate.
func (b *Bundle) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(b.Leaf)
	return pool
}

// CertPEM returns the certificate PEM-encoded, suitable for a client CA file.
func (b *Bundle) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Leaf.Raw})
}

// Generate creates a new self-signed ECDSA P-256 certificate for localhost,
// 127.0.0.1 and ::1, plus any extra host names given.
//
// Parameters:
//   - validity: Certificate lifetime; non-positive selects DefaultValidity
//   - hosts: Additional DNS names or IP addresses
//
// Returns:
//   - *Bundle: Certificate, parsed leaf and fingerprint
//   - error: Any key generation or signing error
func Generate(validity time.Duration, hosts ...string) (*Bundle, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "playout"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Generate",
		"not_after": template.NotAfter,
		"hosts":     len(template.DNSNames) + len(template.IPAddresses),
	}).Debug("Generated self-signed certificate")

	return &Bundle{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}
