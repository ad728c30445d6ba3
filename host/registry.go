// Package host exposes streams to foreign callers through opaque handles
// and stable error codes. A Registry owns every stream it creates; there is
// no package-level state.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/config"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/metrics"
	"github.com/opd-ai/playout/stream"
	"github.com/sirupsen/logrus"
)

// Version is reported by the C surface.
const Version = "0.1.0"

var (
	// ErrInvalidHandle is recorded for operations on unknown handles.
	ErrInvalidHandle = errors.New("invalid stream handle")
	// ErrClosed is recorded for operations after Shutdown.
	ErrClosed = errors.New("registry shut down")
	// ErrInvalidArgument is recorded for rejected arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Handle identifies a stream. Zero is never a valid handle.
type Handle uint64

type entry struct {
	stream *stream.Stream

	mu      sync.Mutex
	lastErr error
}

// Registry maps handles to streams.
type Registry struct {
	mu      sync.RWMutex
	next    Handle
	streams map[Handle]*entry
	closed  bool
	lastErr error

	sources *metrics.Sources
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[Handle]*entry),
		sources: metrics.NewSources(),
	}
}

// Sources returns the metrics sources of every live stream.
func (r *Registry) Sources() *metrics.Sources {
	return r.sources
}

// Create builds a stream with the named codec.
//
// Parameters:
//   - cfg: Stream configuration; zero format fields take jitter defaults
//   - codecName: "pcm" or "opus"
//
// Returns:
//   - Handle: New handle, zero on failure
//   - Code: OK, InvalidArgument or Closed
func (r *Registry) Create(cfg stream.Config, codecName string) (Handle, Code) {
	d := jitter.DefaultConfig()
	if cfg.Jitter.SampleRate == 0 {
		cfg.Jitter.SampleRate = d.SampleRate
	}
	if cfg.Jitter.Channels == 0 {
		cfg.Jitter.Channels = d.Channels
	}
	dec, err := codec.NewDecoder(codecName, cfg.Jitter.SampleRate, cfg.Jitter.Channels)
	if err != nil {
		return 0, r.fail(err)
	}
	return r.add(cfg, dec)
}

// CreateFromConfig builds a stream from a parsed configuration file.
func (r *Registry) CreateFromConfig(conf *config.Config) (Handle, Code) {
	if conf == nil {
		return 0, r.fail(fmt.Errorf("%w: nil config", ErrInvalidArgument))
	}
	sc, err := conf.StreamConfig()
	if err != nil {
		return 0, r.fail(err)
	}
	dec, err := conf.NewDecoder()
	if err != nil {
		return 0, r.fail(err)
	}
	return r.add(sc, dec)
}

// CreateFromYAML parses a strict configuration document and builds its
// stream. manualPump disables the pump goroutine.
func (r *Registry) CreateFromYAML(doc []byte, manualPump bool) (Handle, Code) {
	conf, err := config.Parse(doc, true)
	if err != nil {
		return 0, r.fail(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	if !manualPump {
		return r.CreateFromConfig(conf)
	}
	sc, err := conf.StreamConfig()
	if err != nil {
		return 0, r.fail(err)
	}
	sc.PumpInterval = -1
	return r.Create(sc, conf.Audio.Codec)
}

func (r *Registry) add(cfg stream.Config, dec codec.Decoder) (Handle, Code) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.lastErr = ErrClosed
		return 0, Closed
	}
	r.next++
	h := r.next
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("stream-%d", h)
	}
	s, err := stream.New(cfg, dec)
	if err != nil {
		r.lastErr = err
		return 0, CodeOf(err)
	}
	r.streams[h] = &entry{stream: s}
	r.sources.Add(s)

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Create",
		"handle":   h,
		"name":     cfg.Name,
	}).Info("Stream registered")
	return h, OK
}

func (r *Registry) fail(err error) Code {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	return CodeOf(err)
}

// lookup returns the entry for h. Failures are recorded as the registry
// error since there is no entry to hold them.
func (r *Registry) lookup(h Handle) (*entry, Code) {
	r.mu.RLock()
	closed := r.closed
	e, ok := r.streams[h]
	r.mu.RUnlock()

	switch {
	case closed:
		r.fail(ErrClosed)
		return nil, Closed
	case !ok:
		r.fail(fmt.Errorf("%w: %d", ErrInvalidHandle, h))
		return nil, InvalidHandle
	}
	return e, OK
}

func (e *entry) record(err error) Code {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	return CodeOf(err)
}

// Connect dials address for stream h.
func (r *Registry) Connect(ctx context.Context, h Handle, address string) Code {
	e, code := r.lookup(h)
	if code != OK {
		return code
	}
	return e.record(e.stream.Connect(ctx, address))
}

// Send transmits one datagram on stream h.
func (r *Registry) Send(h Handle, datagram []byte) Code {
	e, code := r.lookup(h)
	if code != OK {
		return code
	}
	if len(datagram) == 0 {
		return e.record(fmt.Errorf("%w: empty datagram", ErrInvalidArgument))
	}
	return e.record(e.stream.Send(datagram))
}

// Subscribe starts the pump of stream h so received datagrams flow into
// the playout ring.
func (r *Registry) Subscribe(ctx context.Context, h Handle) Code {
	e, code := r.lookup(h)
	if code != OK {
		return code
	}
	return e.record(e.stream.Start(ctx))
}

// InsertPacket feeds a packet into stream h directly.
func (r *Registry) InsertPacket(h Handle, seq uint16, timestamp uint32, payload []byte) Code {
	e, code := r.lookup(h)
	if code != OK {
		return code
	}
	return e.record(e.stream.InsertPacket(seq, timestamp, payload))
}

// PullFrame copies one jitter buffer frame of stream h into dst.
func (r *Registry) PullFrame(h Handle, dst []float32) (int, Code) {
	e, code := r.lookup(h)
	if code != OK {
		return 0, code
	}
	if len(dst) < e.stream.FrameSamples() {
		return 0, e.record(fmt.Errorf("%w: buffer of %d samples, frame needs %d", ErrInvalidArgument, len(dst), e.stream.FrameSamples()))
	}
	n, err := e.stream.PullFrame(dst)
	return n, e.record(err)
}

// Pump runs one pump iteration of stream h and returns the frames written
// to the ring. Hosts that disable the pump goroutine call it from their own
// scheduler.
func (r *Registry) Pump(h Handle) (int, Code) {
	e, code := r.lookup(h)
	if code != OK {
		return 0, code
	}
	return e.stream.Pump(), OK
}

// GetAudio reads interleaved samples from the playout ring of stream h and
// returns how many came from the ring. The rest of dst is underrun fill.
func (r *Registry) GetAudio(h Handle, dst []float32) (int, Code) {
	e, code := r.lookup(h)
	if code != OK {
		return 0, code
	}
	return e.stream.ReadAudio(dst), OK
}

// Stop stops stream h, keeping its handle valid for Stats and GetAudio.
func (r *Registry) Stop(h Handle) Code {
	e, code := r.lookup(h)
	if code != OK {
		return code
	}
	e.stream.Stop()
	return OK
}

// Destroy stops stream h and releases its handle.
func (r *Registry) Destroy(h Handle) Code {
	r.mu.Lock()
	e, ok := r.streams[h]
	delete(r.streams, h)
	r.mu.Unlock()
	if !ok {
		return r.fail(fmt.Errorf("%w: %d", ErrInvalidHandle, h))
	}
	r.sources.Remove(e.stream.Name())
	e.stream.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Destroy",
		"handle":   h,
	}).Info("Stream destroyed")
	return OK
}

// IsInitialized reports whether stream h is subscribed and not stopped.
func (r *Registry) IsInitialized(h Handle) bool {
	r.mu.RLock()
	e, ok := r.streams[h]
	r.mu.RUnlock()
	return ok && e.stream.IsInitialized()
}

// Stats returns a snapshot of stream h.
func (r *Registry) Stats(h Handle) (stream.Stats, Code) {
	e, code := r.lookup(h)
	if code != OK {
		return stream.Stats{}, code
	}
	return e.stream.Stats(), OK
}

// Format returns the sample rate, channel count and frame size of stream h.
func (r *Registry) Format(h Handle) (sampleRate uint32, channels, frameSamples int, code Code) {
	e, code := r.lookup(h)
	if code != OK {
		return 0, 0, 0, code
	}
	rate, ch := e.stream.Format()
	return rate, ch, e.stream.FrameSamples(), OK
}

// LastError returns the most recent failure on stream h with a hint where
// one applies, or an empty string. Handle zero returns the registry-level
// failure, which covers Create and unknown handles.
func (r *Registry) LastError(h Handle) string {
	var err error
	if h == 0 {
		r.mu.RLock()
		err = r.lastErr
		r.mu.RUnlock()
	} else {
		r.mu.RLock()
		e, ok := r.streams[h]
		r.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("%v: %d (%s)", ErrInvalidHandle, h, hints[InvalidHandle])
		}
		e.mu.Lock()
		err = e.lastErr
		e.mu.Unlock()
	}
	if err == nil {
		return ""
	}
	if hint, ok := hints[CodeOf(err)]; ok {
		return fmt.Sprintf("%v (%s)", err, hint)
	}
	return err.Error()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Shutdown stops and releases every stream. Later operations return Closed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	streams := r.streams
	r.streams = make(map[Handle]*entry)
	r.mu.Unlock()

	for _, e := range streams {
		r.sources.Remove(e.stream.Name())
		e.stream.Stop()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Registry.Shutdown",
		"streams":  len(streams),
	}).Info("Registry shut down")
}
