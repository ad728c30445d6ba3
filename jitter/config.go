package jitter

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/playout/limits"
)

// Engine sentinel errors.
var (
	// ErrNotReady is returned by operations called before Init.
	ErrNotReady = errors.New("jitter buffer not initialized")
	// ErrClosed is returned by operations called after Close.
	ErrClosed = errors.New("jitter buffer closed")
	// ErrCodecInit is returned when the decoder fails to initialize.
	ErrCodecInit = errors.New("codec initialization failed")
	// ErrInvalidPayload is returned for payloads that fail validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidConfig is returned for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid jitter buffer configuration")
)

// Config configures an Engine. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// SampleRate is the stream clock rate in Hz; timestamps count samples
	// per channel at this rate.
	SampleRate uint32
	// Channels is the interleaved channel count.
	Channels int
	// FrameDuration is the length of each pulled frame.
	FrameDuration time.Duration
	// PacketDuration is the expected packet length, used until the first
	// packet is decoded.
	PacketDuration time.Duration
	// MaxPackets bounds the reorder window.
	MaxPackets int

	// MinDelay and MaxDelay bound the target delay; zero leaves a bound unset.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Delay tunes the default DelayManager.
	Delay DelayConfig

	// DisableTimeStretch turns off accelerate and preemptive expand.
	DisableTimeStretch bool
	// MaxConcealFrames is the number of consecutive concealed frames after
	// which output fades to silence.
	MaxConcealFrames int

	// Concealer overrides the default FadeConcealer.
	Concealer Concealer
	// DelayEstimator overrides the default DelayManager.
	DelayEstimator DelayEstimator
	// Clock stamps packets that carry no arrival time.
	Clock TimeProvider
}

// DefaultConfig returns 48 kHz mono with 10 ms frames.
func DefaultConfig() Config {
	return Config{
		SampleRate:       48000,
		Channels:         1,
		FrameDuration:    10 * time.Millisecond,
		PacketDuration:   20 * time.Millisecond,
		MaxPackets:       200,
		Delay:            DefaultDelayConfig(),
		MaxConcealFrames: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.PacketDuration == 0 {
		c.PacketDuration = d.PacketDuration
	}
	if c.MaxPackets == 0 {
		c.MaxPackets = d.MaxPackets
	}
	if c.Delay == (DelayConfig{}) {
		c.Delay = d.Delay
	}
	if c.MaxConcealFrames == 0 {
		c.MaxConcealFrames = d.MaxConcealFrames
	}
	if c.Clock == nil {
		c.Clock = DefaultTimeProvider{}
	}
	return c
}

// FrameSamples returns the samples per channel in one frame.
func (c Config) FrameSamples() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.SampleRate < 1000 || c.SampleRate > 384000 {
		return fmt.Errorf("%w: sample rate %d Hz", ErrInvalidConfig, c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > limits.MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.Channels)
	}
	f := c.FrameSamples()
	if f < 1 || f > limits.MaxPacketSamples {
		return fmt.Errorf("%w: frame duration %v", ErrInvalidConfig, c.FrameDuration)
	}
	if int64(f)*int64(time.Second) != int64(c.SampleRate)*int64(c.FrameDuration) {
		return fmt.Errorf("%w: frame duration %v is not a whole number of samples at %d Hz", ErrInvalidConfig, c.FrameDuration, c.SampleRate)
	}
	if c.PacketDuration < 0 || c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if c.MaxPackets < 2 {
		return fmt.Errorf("%w: max packets %d", ErrInvalidConfig, c.MaxPackets)
	}
	if c.Delay.Quantile <= 0 || c.Delay.Quantile > 1 {
		return fmt.Errorf("%w: quantile %v", ErrInvalidConfig, c.Delay.Quantile)
	}
	if c.Delay.ForgetFactor < 0 || c.Delay.ForgetFactor >= 1 {
		return fmt.Errorf("%w: forget factor %v", ErrInvalidConfig, c.Delay.ForgetFactor)
	}
	if c.MaxConcealFrames < 0 {
		return fmt.Errorf("%w: max conceal frames %d", ErrInvalidConfig, c.MaxConcealFrames)
	}
	return nil
}
