// Package transport carries audio datagrams over QUIC.
//
// A Client dials a quic:// endpoint with TLS 1.3 and the DefaultALPN
// protocol, then exchanges unreliable QUIC datagrams with the peer:
//
//	client := transport.NewClient(transport.ClientConfig{RootCAs: pool})
//	if err := client.Connect(ctx, "quic://media.example.com:4433"); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	queue := transport.NewDatagramQueue(transport.QueueConfig{MaxEntries: 2048})
//	if err := client.Subscribe(queue); err != nil {
//	    return err
//	}
//
// Received datagrams are handed to a Consumer. The DatagramQueue consumer is a
// bounded FIFO that evicts the oldest entries when it overflows so that the
// playout side always sees the most recent audio.
//
// # Errors
//
// Every failure surfaced by this package is an *Error carrying an ErrorKind.
// Callers branch with errors.Is against the sentinel errors or with KindOf:
//
//	if transport.KindOf(err) == transport.KindCertificate {
//	    // untrusted server certificate
//	}
//
// Connection loss after a successful Connect is reported once on the
// channel returned by Errors.
//
// # Server
//
// Listen and Server.Accept provide the sending side used by tests and by the
// playout serve command. Each accepted Peer wraps one QUIC connection.
package transport
