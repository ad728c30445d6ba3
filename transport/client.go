package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// DefaultALPN is the application protocol negotiated when none is configured.
const DefaultALPN = "playout/1"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = 30 * time.Second
	defaultKeepAlive        = 5 * time.Second
)

// ClientConfig configures a datagram Client.
type ClientConfig struct {
	// RootCAs verifies the server certificate. Nil uses the system pool.
	RootCAs *x509.CertPool
	// InsecureSkipVerify disables certificate verification. Testing only.
	InsecureSkipVerify bool
	// ServerName overrides the SNI and verification name.
	ServerName string
	// ALPN lists application protocols; empty selects DefaultALPN.
	ALPN []string

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if len(c.ALPN) == 0 {
		c.ALPN = []string{DefaultALPN}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	return c
}

// ClientStats is a snapshot of client counters.
type ClientStats struct {
	Connected    bool
	Sent         uint64
	SendErrors   uint64
	Received     uint64
	PushFailures uint64
}

// Client owns one QUIC connection carrying unreliable datagrams (RFC 9221).
//
// Sends are best-effort and never wait for acknowledgment. Received datagrams
// are delivered to exactly one Consumer by a background listener. Loss of the
// connection is reported once on Errors and never retried.
type Client struct {
	cfg ClientConfig

	mu       sync.Mutex
	conn     quic.Connection
	endpoint Endpoint
	closed   bool

	listenCancel context.CancelFunc
	listenDone   chan struct{}

	errCh    chan error
	lossOnce *sync.Once

	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	received     atomic.Uint64
	pushFailures atomic.Uint64
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:   cfg.withDefaults(),
		errCh: make(chan error, 1),
	}
}

// Connect dials address and negotiates datagram support.
//
// Parameters:
//   - ctx: Bounds the dial and handshake
//   - address: "quic://host[:port][/path]" or "https://host[:port][/path]"
//
// Returns:
//   - error: InvalidURL, CertificateError, TLSError or ConnectionError kind
//     for dial failures; ClientError when already connected or closed
func (c *Client) Connect(ctx context.Context, address string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Client.Connect",
		"address":  address,
	}).Info("Connecting datagram client")

	endpoint, err := ParseEndpoint(address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"address":  address,
			"error":    err.Error(),
		}).Error("Invalid server address")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return newError(KindClient, "connect "+endpoint.String(), errors.New("client closed"))
	}
	if c.conn != nil && c.conn.Context().Err() == nil {
		return newError(KindClient, "connect "+endpoint.String(), errors.New("already connected"))
	}

	tlsConf := c.tlsConfig(endpoint)
	quicConf := &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: c.cfg.HandshakeTimeout,
		MaxIdleTimeout:       c.cfg.IdleTimeout,
		KeepAlivePeriod:      c.cfg.KeepAlive,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	op := "dial " + endpoint.String()
	conn, err := quic.DialAddr(dialCtx, endpoint.HostPort(), tlsConf, quicConf)
	if err != nil {
		kind := classifyDialError(err)
		logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"endpoint": endpoint.String(),
			"kind":     kind.String(),
			"error":    err.Error(),
		}).Error("Dial failed")
		return newError(kind, op, err)
	}

	if !conn.ConnectionState().SupportsDatagrams {
		_ = conn.CloseWithError(0, "datagrams not supported")
		logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"endpoint": endpoint.String(),
		}).Error("Peer did not negotiate datagram support")
		return newError(KindConnection, op, errors.New("peer did not negotiate datagram support"))
	}

	c.conn = conn
	c.endpoint = endpoint
	once := &sync.Once{}
	c.lossOnce = once
	go c.watch(conn, once)

	logrus.WithFields(logrus.Fields{
		"function":    "Client.Connect",
		"endpoint":    endpoint.String(),
		"remote_addr": conn.RemoteAddr().String(),
		"alpn":        conn.ConnectionState().TLS.NegotiatedProtocol,
	}).Info("Datagram client connected")

	return nil
}

func (c *Client) tlsConfig(endpoint Endpoint) *tls.Config {
	serverName := c.cfg.ServerName
	if serverName == "" {
		serverName = endpoint.Host
	}
	return &tls.Config{
		RootCAs:            c.cfg.RootCAs,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for loopback testing
		ServerName:         serverName,
		NextProtos:         c.cfg.ALPN,
		MinVersion:         tls.VersionTLS13,
	}
}

// watch reports connection loss once, unless the client closed it.
func (c *Client) watch(conn quic.Connection, once *sync.Once) {
	<-conn.Context().Done()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.reportLoss(once, "connection "+conn.RemoteAddr().String(), context.Cause(conn.Context()))
}

func (c *Client) reportLoss(once *sync.Once, op string, cause error) {
	once.Do(func() {
		err := newError(KindConnection, op, cause)
		logrus.WithFields(logrus.Fields{
			"function": "Client.reportLoss",
			"error":    err.Error(),
		}).Warn("Connection lost")
		select {
		case c.errCh <- err:
		default:
		}
	})
}

// Send transmits one datagram without waiting for acknowledgment.
//
// Returns:
//   - error: ConnectionError kind if never connected; StreamError kind if the
//     connection is closed or the datagram is rejected (e.g. too large)
func (c *Client) Send(datagram []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil {
		return newError(KindConnection, "send", errors.New("not connected"))
	}
	if closed || conn.Context().Err() != nil {
		c.sendErrors.Inc()
		return newError(KindStream, "send", errors.New("connection closed"))
	}
	if err := conn.SendDatagram(datagram); err != nil {
		c.sendErrors.Inc()
		return newError(KindStream, "send", err)
	}
	c.sent.Inc()
	return nil
}

// Subscribe starts the background listener delivering every received
// datagram to consumer. Only one listener may run at a time.
//
// Returns:
//   - error: ConnectionError kind if not connected; ClientError kind if a
//     listener is already running or consumer is nil
func (c *Client) Subscribe(consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if consumer == nil {
		return newError(KindClient, "subscribe", errors.New("nil consumer"))
	}
	if c.conn == nil || c.closed {
		return newError(KindConnection, "subscribe", errors.New("not connected"))
	}
	if c.listenDone != nil {
		select {
		case <-c.listenDone:
		default:
			return newError(KindClient, "subscribe", errors.New("listener already running"))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.listenCancel = cancel
	c.listenDone = done

	go c.listen(ctx, c.conn, c.lossOnce, consumer, done)

	logrus.WithFields(logrus.Fields{
		"function": "Client.Subscribe",
		"endpoint": c.endpoint.String(),
	}).Info("Datagram listener started")
	return nil
}

// listen receives datagrams until ctx is cancelled or the connection fails.
func (c *Client) listen(ctx context.Context, conn quic.Connection, once *sync.Once, consumer Consumer, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.reportLoss(once, "receive", err)
			}
			return
		}

		c.received.Inc()
		if err := consumer.Push(data); err != nil {
			c.pushFailures.Inc()
			if errors.Is(err, ErrQueue) {
				logrus.WithFields(logrus.Fields{
					"function": "Client.listen",
					"error":    err.Error(),
				}).Debug("Consumer closed, stopping listener")
				return
			}
		}
	}
}

// StopListener stops the background listener and waits for it to exit.
// It is safe to call when no listener is running.
func (c *Client) StopListener() {
	c.mu.Lock()
	cancel := c.listenCancel
	done := c.listenDone
	c.listenCancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Client.StopListener",
	}).Debug("Datagram listener stopped")
}

// Errors delivers the connection-loss error, at most once per connection.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// IsConnected reports whether the connection is established and alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && c.conn.Context().Err() == nil
}

// RemoteAddr returns the peer address, or nil before Connect.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Connected:    c.IsConnected(),
		Sent:         c.sent.Load(),
		SendErrors:   c.sendErrors.Load(),
		Received:     c.received.Load(),
		PushFailures: c.pushFailures.Load(),
	}
}

// Close stops the listener and closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.StopListener()

	if conn == nil {
		return nil
	}
	if err := conn.CloseWithError(0, "client closed"); err != nil {
		return newError(KindConnection, "close", fmt.Errorf("close connection: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Close",
		"endpoint": c.endpoint.String(),
	}).Info("Datagram client closed")
	return nil
}
