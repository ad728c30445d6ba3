// Package device plays a stream on the default audio output through
// miniaudio. The device callback reads the playout ring directly, so the
// audio thread never waits on the network or the decoder.
package device

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/opd-ai/playout/limits"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	// ErrInvalidConfig is returned for an unusable device configuration.
	ErrInvalidConfig = errors.New("invalid device configuration")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("player closed")
)

// Source is read from the device callback. *stream.Stream implements it.
type Source interface {
	// ReadAudio fills dst with interleaved float32 samples and returns how
	// many came from real audio. It must not block.
	ReadAudio(dst []float32) int
}

// Config selects the output format. It must match the stream format;
// miniaudio converts to the hardware format.
type Config struct {
	SampleRate uint32
	Channels   int
	// PeriodMs is the device callback period; zero lets the backend decide.
	PeriodMs int
}

// Validate checks the format.
func (c Config) Validate() error {
	if c.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate 0", ErrInvalidConfig)
	}
	if c.Channels < 1 || c.Channels > limits.MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.Channels)
	}
	if c.PeriodMs < 0 {
		return fmt.Errorf("%w: period %d ms", ErrInvalidConfig, c.PeriodMs)
	}
	return nil
}

// Stats counts device callbacks.
type Stats struct {
	Callbacks      uint64
	FramesPlayed   uint64
	SamplesSourced uint64
}

// Player owns a miniaudio context and playback device.
type Player struct {
	cfg Config
	src Source

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	running bool
	closed  bool

	callbacks atomic.Uint64
	frames    atomic.Uint64
	sourced   atomic.Uint64
}

// New creates a player for src. The device is opened by Start.
func New(cfg Config, src Source) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	return &Player{cfg: cfg, src: src}, nil
}

// Start opens the default playback device on first use and starts it.
//
// Returns:
//   - error: Device or context initialization failure, or ErrClosed
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.running {
		return nil
	}
	if p.dev == nil {
		if err := p.open(); err != nil {
			return err
		}
	}
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	p.running = true

	logrus.WithFields(logrus.Fields{
		"function":    "Player.Start",
		"sample_rate": p.cfg.SampleRate,
		"channels":    p.cfg.Channels,
	}).Info("Playback started")
	return nil
}

func (p *Player) open() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(p.cfg.Channels)
	deviceConfig.SampleRate = p.cfg.SampleRate
	deviceConfig.PeriodSizeInMilliseconds = uint32(p.cfg.PeriodMs)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: p.onData,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	p.ctx, p.dev = ctx, dev
	return nil
}

// onData runs on the audio thread.
func (p *Player) onData(out, _ []byte, frameCount uint32) {
	p.callbacks.Inc()
	p.frames.Add(uint64(frameCount))
	p.sourced.Add(uint64(fill(out, p.src)))
}

// fill reinterprets the device buffer as float32 samples and reads the
// source into it.
func fill(out []byte, src Source) int {
	n := len(out) / 4
	if n == 0 {
		return 0
	}
	samples := unsafe.Slice((*float32)(unsafe.Pointer(&out[0])), n)
	return src.ReadAudio(samples)
}

// Stop pauses playback; Start resumes it.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	if err := p.dev.Stop(); err != nil {
		return fmt.Errorf("stop playback device: %w", err)
	}
	return nil
}

// IsRunning reports whether the device is started.
func (p *Player) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns callback counters.
func (p *Player) Stats() Stats {
	return Stats{
		Callbacks:      p.callbacks.Load(),
		FramesPlayed:   p.frames.Load(),
		SamplesSourced: p.sourced.Load(),
	}
}

// Close stops the device and frees the audio context. It is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.running = false

	var err error
	if p.dev != nil {
		p.dev.Uninit()
		p.dev = nil
	}
	if p.ctx != nil {
		err = p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Player.Close",
	}).Info("Playback device released")
	return err
}
