package stream

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/playout/certs"
	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/packet"
	"github.com/opd-ai/playout/ringbuffer"
	"github.com/opd-ai/playout/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmPayload(n int, v int16) []byte {
	b := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// manualConfig is 8 kHz mono with 10 ms frames and the pump driven by hand.
func manualConfig() Config {
	return Config{
		Name: "test",
		Jitter: jitter.Config{
			SampleRate:         8000,
			FrameDuration:      10 * time.Millisecond,
			PacketDuration:     10 * time.Millisecond,
			DisableTimeStretch: true,
		},
		RingCapacity: 100 * time.Millisecond,
		RingTarget:   20 * time.Millisecond,
		PumpInterval: -1,
	}
}

func newStream(t *testing.T, cfg Config) *Stream {
	t.Helper()
	dec, err := codec.NewPCMDecoder(cfg.Jitter.SampleRate, max(cfg.Jitter.Channels, 1))
	require.NoError(t, err)
	s, err := New(cfg, dec)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// TestNewRejectsBadConfig verifies configuration errors surface from New.
func TestNewRejectsBadConfig(t *testing.T) {
	dec, err := codec.NewPCMDecoder(8000, 1)
	require.NoError(t, err)

	cfg := manualConfig()
	cfg.Jitter.SampleRate = 16000
	_, err = New(cfg, dec)
	assert.ErrorIs(t, err, jitter.ErrInvalidConfig)

	cfg = manualConfig()
	cfg.RingCapacity = time.Millisecond
	_, err = New(cfg, dec)
	assert.ErrorIs(t, err, ringbuffer.ErrInvalidConfig)
}

// TestFreshStreamStops verifies a stream that never started can be pumped,
// queried and stopped.
func TestFreshStreamStops(t *testing.T) {
	s := newStream(t, manualConfig())

	assert.NotPanics(t, func() {
		assert.Zero(t, s.Pump())
		assert.False(t, s.IsStopped())
		assert.False(t, s.IsInitialized())
		s.Stop()
		s.Stop()
	})
	assert.True(t, s.IsStopped())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

// TestInsertPumpRead verifies audio flows from insert through the ring.
func TestInsertPumpRead(t *testing.T) {
	s := newStream(t, manualConfig())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsInitialized())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertPacket(uint16(i), uint32(i*80), pcmPayload(80, 1000)))
	}
	assert.Equal(t, 2, s.Pump())
	assert.Zero(t, s.Pump(), "ring already at target")

	dst := make([]float32, 160)
	assert.Equal(t, 160, s.ReadAudio(dst))
	for _, v := range dst {
		require.Equal(t, float32(1000)/32768, v)
	}

	assert.Equal(t, 2, s.Pump())
	stats := s.Stats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, uint64(4), stats.Frames)
	assert.Equal(t, uint64(3), stats.Engine.PacketsDecoded)
	assert.Equal(t, uint64(1), stats.Engine.ConcealedFrames)
	assert.Equal(t, 160, stats.Ring.Fill)
}

// TestPumpParsesDatagrams verifies queued datagrams are parsed and malformed
// ones are counted.
func TestPumpParsesDatagrams(t *testing.T) {
	s := newStream(t, manualConfig())
	require.NoError(t, s.Start(context.Background()))

	p := packet.NewPacketizerAt(7, 100, 0)
	for i := 0; i < 2; i++ {
		d, err := p.Next(pcmPayload(80, 500), 80)
		require.NoError(t, err)
		require.NoError(t, s.queue.Push(d))
	}
	require.NoError(t, s.queue.Push([]byte{0x80}))

	assert.Equal(t, 2, s.Pump())
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MalformedDatagrams)
	assert.Equal(t, uint64(2), stats.Engine.PacketsReceived)
	assert.Equal(t, uint64(2), stats.Engine.PacketsDecoded)
	assert.Zero(t, stats.Queue.Depth)
}

// TestPullFrameDirect verifies hosts can bypass the ring.
func TestPullFrameDirect(t *testing.T) {
	s := newStream(t, manualConfig())
	dst := make([]float32, s.FrameSamples())
	_, err := s.PullFrame(dst)
	assert.ErrorIs(t, err, jitter.ErrNotReady)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.InsertPacket(1, 0, pcmPayload(80, 2000)))
	n, err := s.PullFrame(dst)
	require.NoError(t, err)
	assert.Equal(t, 80, n)
	assert.Equal(t, float32(2000)/32768, dst[79])

	rate, channels := s.Format()
	assert.Equal(t, uint32(8000), rate)
	assert.Equal(t, 1, channels)
}

// TestEvents verifies lifecycle events and single subscription per kind.
func TestEvents(t *testing.T) {
	s := newStream(t, manualConfig())
	started, err := s.Subscribe(EventStarted)
	require.NoError(t, err)
	stopped, err := s.Subscribe(EventStopped)
	require.NoError(t, err)
	_, err = s.Subscribe(EventStarted)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	ev := <-started
	assert.Equal(t, EventStarted, ev.Kind)
	assert.Empty(t, started, "second Start publishes nothing")

	s.Stop()
	ev = <-stopped
	assert.Equal(t, EventStopped, ev.Kind)
	assert.Equal(t, "stopped", ev.Kind.String())
}

// TestStopIsIdempotent verifies Stop may race with every other operation.
func TestStopIsIdempotent(t *testing.T) {
	cfg := manualConfig()
	cfg.PumpInterval = time.Millisecond
	s := newStream(t, cfg)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		dst := make([]float32, 80)
		for {
			select {
			case <-done:
				return
			default:
				s.ReadAudio(dst)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
				_ = s.InsertPacket(uint16(i), uint32(i*80), pcmPayload(80, 1))
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	var stops sync.WaitGroup
	for i := 0; i < 4; i++ {
		stops.Add(1)
		go func() {
			defer stops.Done()
			s.Stop()
		}()
	}
	stops.Wait()
	close(done)
	wg.Wait()

	assert.True(t, s.IsStopped())
	assert.False(t, s.IsInitialized())
	assert.ErrorIs(t, s.InsertPacket(1, 0, pcmPayload(80, 1)), jitter.ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
	assert.ErrorIs(t, s.Connect(context.Background(), "quic://127.0.0.1:1"), ErrStopped)
	assert.ErrorIs(t, s.Send([]byte{1}), ErrStopped)
	assert.Zero(t, s.Pump())

	// The ring drains to silence.
	dst := make([]float32, 4096)
	s.ReadAudio(dst)
	assert.Zero(t, s.ReadAudio(dst))
	for _, v := range dst {
		require.Zero(t, v)
	}
}

// TestSendRequiresConnection verifies the transport error passes through.
func TestSendRequiresConnection(t *testing.T) {
	s := newStream(t, manualConfig())
	assert.ErrorIs(t, s.Send([]byte{1}), transport.ErrConnection)
}

// TestConnectFailure verifies dial errors are returned, not retried.
func TestConnectFailure(t *testing.T) {
	s := newStream(t, manualConfig())
	err := s.Connect(context.Background(), "tcp://example.com")
	assert.ErrorIs(t, err, transport.ErrInvalidURL)
	assert.False(t, s.Stats().Client.Connected)
}

// TestLoopbackStream plays packets sent by a loopback server and reports
// the server hanging up.
func TestLoopbackStream(t *testing.T) {
	bundle, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	srv, err := transport.Listen("127.0.0.1:0", bundle.ServerTLS())
	require.NoError(t, err)
	defer srv.Close()

	peers := make(chan *transport.Peer, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if p, err := srv.Accept(ctx); err == nil {
			peers <- p
		}
		close(peers)
	}()

	cfg := manualConfig()
	cfg.PumpInterval = 0
	cfg.Client = transport.ClientConfig{
		RootCAs:          bundle.CertPool(),
		ServerName:       "localhost",
		HandshakeTimeout: 5 * time.Second,
	}
	s := newStream(t, cfg)
	connected, err := s.Subscribe(EventConnected)
	require.NoError(t, err)
	disconnected, err := s.Subscribe(EventDisconnected)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, "quic://"+srv.Addr().String()))
	require.NoError(t, s.Start(ctx))
	<-connected

	peer := <-peers
	require.NotNil(t, peer)

	p := packet.NewPacketizerAt(1, 0, 0)
	assert.Eventually(t, func() bool {
		if d, err := p.Next(pcmPayload(80, 4000), 80); err == nil {
			_ = peer.Send(d)
		}
		return s.Stats().Engine.PacketsDecoded >= 5
	}, 5*time.Second, 10*time.Millisecond)

	heard := false
	dst := make([]float32, 80)
	assert.Eventually(t, func() bool {
		for s.ReadAudio(dst) > 0 {
			for _, v := range dst {
				if v != 0 {
					heard = true
				}
			}
		}
		return heard
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, peer.Close())
	select {
	case ev := <-disconnected:
		assert.ErrorIs(t, ev.Err, transport.ErrConnection)
	case <-time.After(10 * time.Second):
		t.Fatal("no disconnect event")
	}
}
