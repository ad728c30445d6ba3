// Package stream wires one audio stream end to end: datagram client, queue,
// jitter buffer and playout ring.
//
// The network listener pushes raw datagrams into the queue. A pump goroutine
// drains the queue into the jitter buffer and keeps the ring filled with
// pulled frames. The audio device reads from the ring on its own real-time
// thread.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/packet"
	"github.com/opd-ai/playout/ringbuffer"
	"github.com/opd-ai/playout/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by operations on a stopped stream.
var ErrStopped = errors.New("stream stopped")

// Config configures a Stream. Zero fields take defaults.
type Config struct {
	// Name labels the stream in logs and metrics.
	Name string

	Jitter jitter.Config
	Queue  transport.QueueConfig
	Client transport.ClientConfig

	// RingCapacity is the playout ring size as a duration.
	RingCapacity time.Duration
	// RingTarget is the fill level the pump keeps the ring at.
	RingTarget   time.Duration
	Layout       ringbuffer.Layout
	UnderrunFill ringbuffer.UnderrunFill

	// PumpInterval is the pump period; zero selects half a frame and a
	// negative value disables the pump goroutine so Pump is driven by hand.
	PumpInterval time.Duration
	// EventBuffer is the channel depth per event kind.
	EventBuffer int
}

const (
	defaultRingCapacity = 200 * time.Millisecond
	defaultRingTarget   = 40 * time.Millisecond
	defaultEventBuffer  = 16
)

// Stats is a combined snapshot of every pipeline stage.
type Stats struct {
	Name               string
	Engine             jitter.Stats
	Queue              transport.QueueStats
	Ring               ringbuffer.Stats
	Client             transport.ClientStats
	MalformedDatagrams uint64
	DroppedEvents      uint64
	Frames             uint64
}

// Stream is one receive pipeline. All methods are safe for concurrent use;
// ReadAudio and ReadAudioPlanar must be called from a single reader.
type Stream struct {
	cfg    Config
	engine *jitter.Engine
	queue  *transport.DatagramQueue
	ring   *ringbuffer.RingBuffer
	client *transport.Client
	bus    *eventBus

	ringTarget int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// pumpMu makes the pump the single ring writer.
	pumpMu sync.Mutex

	stopped  core.Fuse
	stopOnce sync.Once

	malformed atomic.Uint64
	frames    atomic.Uint64
}

// New builds a stream around decoder. Nothing connects or runs until
// Connect and Start.
//
// Parameters:
//   - cfg: Stream configuration
//   - decoder: Codec for the incoming payloads
//
// Returns:
//   - *Stream: Stream ready for Connect and Start
//   - error: jitter.ErrInvalidConfig or ringbuffer.ErrInvalidConfig
func New(cfg Config, decoder codec.Decoder) (*Stream, error) {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.RingTarget <= 0 {
		cfg.RingTarget = defaultRingTarget
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	engine, err := jitter.New(cfg.Jitter, decoder)
	if err != nil {
		return nil, err
	}
	jc := engine.Config()
	if cfg.PumpInterval == 0 {
		cfg.PumpInterval = jc.FrameDuration / 2
	}

	capacity := ringbuffer.CapacityFor(jc.SampleRate, jc.Channels, cfg.RingCapacity)
	ring, err := ringbuffer.New(ringbuffer.Config{
		Capacity:     capacity,
		Channels:     jc.Channels,
		Layout:       cfg.Layout,
		UnderrunFill: cfg.UnderrunFill,
	})
	if err != nil {
		return nil, err
	}
	target := ringbuffer.CapacityFor(jc.SampleRate, jc.Channels, cfg.RingTarget)
	if maxTarget := ring.Capacity() - engine.FrameSamples(); target > maxTarget {
		if maxTarget < 1 {
			return nil, fmt.Errorf("%w: ring of %v cannot hold one frame", ringbuffer.ErrInvalidConfig, cfg.RingCapacity)
		}
		target = maxTarget
	}

	s := &Stream{
		cfg:        cfg,
		engine:     engine,
		queue:      transport.NewDatagramQueue(cfg.Queue),
		ring:       ring,
		client:     transport.NewClient(cfg.Client),
		bus:        newEventBus(cfg.EventBuffer),
		ringTarget: target,
		stopped:    core.NewFuse(),
	}

	logrus.WithFields(logrus.Fields{
		"function":      "stream.New",
		"name":          cfg.Name,
		"sample_rate":   jc.SampleRate,
		"channels":      jc.Channels,
		"ring_capacity": ring.Capacity(),
		"ring_target":   target,
	}).Info("Stream created")
	return s, nil
}

// Connect dials address and routes received datagrams into the queue.
// Failures are returned immediately and never retried.
//
// Returns:
//   - error: transport.Error of the dial failure, or ErrStopped
func (s *Stream) Connect(ctx context.Context, address string) error {
	if s.stopped.IsBroken() {
		return ErrStopped
	}
	if err := s.client.Connect(ctx, address); err != nil {
		return err
	}
	if err := s.client.Subscribe(s.queue); err != nil {
		_ = s.client.Close()
		return err
	}
	s.publish(EventConnected, nil)
	return nil
}

// Start initializes the codec and starts the pump and the connection
// watcher. Calling Start again is a no-op.
//
// Returns:
//   - error: jitter.ErrCodecInit, or ErrStopped
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsBroken() {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	if err := s.engine.Init(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if s.cfg.PumpInterval > 0 {
		g.Go(func() error { return s.pumpLoop(gctx) })
	}
	g.Go(func() error { return s.watch(gctx) })

	s.cancel = cancel
	s.group = g
	s.started = true

	logrus.WithFields(logrus.Fields{
		"function":      "Stream.Start",
		"name":          s.cfg.Name,
		"pump_interval": s.cfg.PumpInterval,
	}).Info("Stream started")
	s.publish(EventStarted, nil)
	return nil
}

func (s *Stream) pumpLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopped.Watch():
			return nil
		case <-ticker.C:
			s.Pump()
		}
	}
}

// watch forwards connection loss as EventDisconnected.
func (s *Stream) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopped.Watch():
			return nil
		case err := <-s.client.Errors():
			logrus.WithFields(logrus.Fields{
				"function": "Stream.watch",
				"name":     s.cfg.Name,
				"error":    err.Error(),
			}).Warn("Stream disconnected")
			s.publish(EventDisconnected, err)
		}
	}
}

// Pump runs one pump iteration: queued datagrams are parsed into the jitter
// buffer, then frames are pulled until the ring reaches its target fill.
//
// Returns the number of frames written to the ring.
func (s *Stream) Pump() int {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()

	if s.stopped.IsBroken() {
		return 0
	}

	s.queue.Drain(func(d []byte) {
		p, err := packet.Parse(d)
		if err != nil {
			s.malformed.Inc()
			return
		}
		// Rejections are counted by the engine.
		_ = s.engine.InsertPacket(p)
	})

	written := 0
	for s.ring.Available() < s.ringTarget {
		f, err := s.engine.PullFrame()
		if err != nil {
			break
		}
		if s.ring.Write(f.Samples) == 0 {
			break
		}
		written++
	}
	s.frames.Add(uint64(written))
	return written
}

// InsertPacket feeds a packet directly, bypassing the transport.
func (s *Stream) InsertPacket(seq uint16, timestamp uint32, payload []byte) error {
	return s.engine.Insert(seq, timestamp, payload)
}

// PullFrame pulls one frame straight from the jitter buffer into dst, for
// hosts that drive play-out themselves instead of reading the ring.
//
// Returns:
//   - int: Samples copied
//   - error: jitter.ErrNotReady or jitter.ErrClosed
func (s *Stream) PullFrame(dst []float32) (int, error) {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()

	f, err := s.engine.PullFrame()
	if err != nil {
		return 0, err
	}
	return copy(dst, f.Samples), nil
}

// Send transmits one outbound datagram.
func (s *Stream) Send(datagram []byte) error {
	if s.stopped.IsBroken() {
		return ErrStopped
	}
	return s.client.Send(datagram)
}

// ReadAudio is the real-time read of interleaved samples.
func (s *Stream) ReadAudio(dst []float32) int {
	return s.ring.Read(dst)
}

// ReadAudioPlanar is the real-time read into one slice per channel.
func (s *Stream) ReadAudioPlanar(dst [][]float32) int {
	return s.ring.ReadPlanar(dst)
}

// Subscribe returns the channel for one event kind. Each kind accepts a
// single subscriber.
func (s *Stream) Subscribe(kind EventKind) (<-chan Event, error) {
	return s.bus.subscribe(kind)
}

func (s *Stream) publish(kind EventKind, err error) {
	s.bus.publish(Event{Kind: kind, Err: err, Time: time.Now()})
}

// Stats returns a combined snapshot.
func (s *Stream) Stats() Stats {
	return Stats{
		Name:               s.cfg.Name,
		Engine:             s.engine.Stats(),
		Queue:              s.queue.Stats(),
		Ring:               s.ring.Stats(),
		Client:             s.client.Stats(),
		MalformedDatagrams: s.malformed.Load(),
		DroppedEvents:      s.bus.dropped.Load(),
		Frames:             s.frames.Load(),
	}
}

// Name returns the stream label.
func (s *Stream) Name() string { return s.cfg.Name }

// Format returns the stream sample rate and channel count.
func (s *Stream) Format() (uint32, int) {
	jc := s.engine.Config()
	return jc.SampleRate, jc.Channels
}

// FrameSamples returns the interleaved samples in one pulled frame.
func (s *Stream) FrameSamples() int { return s.engine.FrameSamples() }

// SetDelayBounds sets the jitter buffer minimum and maximum target delay and
// returns the effective values.
func (s *Stream) SetDelayBounds(minimum, maximum time.Duration) (time.Duration, time.Duration) {
	effMin := s.engine.SetMinimumDelay(minimum)
	effMax := s.engine.SetMaximumDelay(maximum)
	return effMin, effMax
}

// IsInitialized reports whether the stream is started and not stopped.
func (s *Stream) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped.IsBroken()
}

// IsStopped reports whether Stop has been called.
func (s *Stream) IsStopped() bool {
	return s.stopped.IsBroken()
}

// Stop tears the stream down: the pump and watcher exit, the connection is
// closed exactly once and the queue and jitter buffer are closed. The ring
// stays readable and drains to silence. Stop is idempotent and safe to call
// concurrently with every other method.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Break()

		s.mu.Lock()
		cancel, group := s.cancel, s.group
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := s.client.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stream.Stop",
				"name":     s.cfg.Name,
				"error":    err.Error(),
			}).Warn("Closing connection failed")
		}
		if group != nil {
			_ = group.Wait()
		}
		s.queue.Close()

		s.pumpMu.Lock()
		_ = s.engine.Close()
		s.pumpMu.Unlock()

		stats := s.Stats()
		logrus.WithFields(logrus.Fields{
			"function":  "Stream.Stop",
			"name":      s.cfg.Name,
			"frames":    stats.Frames,
			"concealed": stats.Engine.ConcealedFrames,
			"underruns": stats.Ring.Underruns,
			"malformed": stats.MalformedDatagrams,
		}).Info("Stream stopped")
		s.publish(EventStopped, nil)
	})
}
