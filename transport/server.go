package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// Server accepts datagram-capable QUIC connections. It backs loopback tests
// and the serve command; production media servers live elsewhere.
type Server struct {
	ln *quic.Listener
}

// Listen starts a QUIC listener with datagram support.
//
// Parameters:
//   - addr: UDP listen address, e.g. "127.0.0.1:0"
//   - tlsConf: Server TLS configuration; DefaultALPN is added when it
//     names no protocols
//
// Returns:
//   - *Server: Running listener
//   - error: ConnectionError kind if the socket cannot be bound
func Listen(addr string, tlsConf *tls.Config) (*Server, error) {
	if tlsConf == nil {
		return nil, newError(KindTLS, "listen "+addr, errors.New("missing TLS configuration"))
	}
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{DefaultALPN}
	}

	ln, err := quic.ListenAddr(addr, conf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  defaultIdleTimeout,
		KeepAlivePeriod: defaultKeepAlive,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listen",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to start datagram listener")
		return nil, newError(KindConnection, "listen "+addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
	}).Info("Datagram server listening")

	return &Server{ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Accept waits for the next connection.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	conn, err := s.ln.Accept(ctx)
	if err != nil {
		return nil, newError(KindConnection, "accept", err)
	}
	return &Peer{conn: conn}, nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Peer is a server-side connection.
type Peer struct {
	conn quic.Connection
}

// Send transmits one datagram to the peer.
func (p *Peer) Send(datagram []byte) error {
	if err := p.conn.SendDatagram(datagram); err != nil {
		return newError(KindStream, "send", err)
	}
	return nil
}

// Receive waits for the next datagram from the peer.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	data, err := p.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, newError(KindStream, "receive", err)
	}
	return data, nil
}

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

// RemoteAddr returns the client address.
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Close closes the connection, giving the close frame a moment to flush.
func (p *Peer) Close() error {
	err := p.conn.CloseWithError(0, "server closed")
	select {
	case <-p.conn.Context().Done():
	case <-time.After(100 * time.Millisecond):
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return newError(KindConnection, "close", err)
	}
	return nil
}
