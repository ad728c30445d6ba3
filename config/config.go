// Package config loads playout settings from YAML and converts them into
// the option structs of the pipeline packages.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/ringbuffer"
	"github.com/opd-ai/playout/stream"
	"github.com/opd-ai/playout/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate and wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration file.
type Config struct {
	Name             string        `yaml:"name,omitempty"`
	Address          string        `yaml:"address,omitempty"`
	Insecure         bool          `yaml:"insecure,omitempty"`
	CAFile           string        `yaml:"ca_file,omitempty"`
	ALPN             []string      `yaml:"alpn,omitempty"`
	ServerName       string        `yaml:"server_name,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	Audio   AudioConfig   `yaml:"audio"`
	Jitter  JitterConfig  `yaml:"jitter"`
	Queue   QueueConfig   `yaml:"queue"`
	Ring    RingConfig    `yaml:"ring"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// AudioConfig describes the stream format.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameMs    int    `yaml:"frame_ms"`
	PacketMs   int    `yaml:"packet_ms"`
	Codec      string `yaml:"codec"`
}

// JitterConfig tunes the jitter buffer.
type JitterConfig struct {
	MinDelayMs         int     `yaml:"min_delay_ms,omitempty"`
	MaxDelayMs         int     `yaml:"max_delay_ms,omitempty"`
	MaxPackets         int     `yaml:"max_packets"`
	Quantile           float64 `yaml:"quantile"`
	ForgetFactor       float64 `yaml:"forget_factor"`
	DisableTimeStretch bool    `yaml:"disable_time_stretch,omitempty"`
	// Concealment is "fade" or "noise".
	Concealment      string `yaml:"concealment"`
	MaxConcealFrames int    `yaml:"max_conceal_frames"`
}

// QueueConfig bounds the datagram queue.
type QueueConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxBytes   int `yaml:"max_bytes,omitempty"`
}

// RingConfig sizes the playout ring.
type RingConfig struct {
	CapacityMs int `yaml:"capacity_ms"`
	TargetMs   int `yaml:"target_ms"`
	// Layout is "interleaved" or "planar".
	Layout string `yaml:"layout"`
	// UnderrunFill is "silence" or "hold_last".
	UnderrunFill string `yaml:"underrun_fill"`
}

// MetricsConfig enables the Prometheus endpoint and the periodic reporter.
type MetricsConfig struct {
	Addr           string        `yaml:"addr,omitempty"`
	ReportInterval time.Duration `yaml:"report_interval,omitempty"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Default returns the configuration used when a file sets nothing.
func Default() Config {
	return Config{
		Name:             "default",
		HandshakeTimeout: 10 * time.Second,
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   2,
			FrameMs:    10,
			PacketMs:   20,
			Codec:      string(codec.NameOpus),
		},
		Jitter: JitterConfig{
			MaxPackets:       200,
			Quantile:         0.97,
			ForgetFactor:     0.9993,
			Concealment:      "fade",
			MaxConcealFrames: 10,
		},
		Queue: QueueConfig{MaxEntries: 2048},
		Ring: RingConfig{
			CapacityMs:   200,
			TargetMs:     40,
			Layout:       "interleaved",
			UnderrunFill: "silence",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Parse builds a configuration from YAML overlaid on Default. In strict mode
// unknown keys are rejected.
//
// Parameters:
//   - data: YAML document; empty input yields the defaults
//   - strict: Reject keys that match no field
//
// Returns:
//   - *Config: Parsed and validated configuration
//   - error: Parse or validation failure
func Parse(data []byte, strict bool) (*Config, error) {
	defaults := Default()
	marshalled, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(strict)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %w", err)
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Load reads and parses the file at path.
func Load(path string, strict bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	conf, err := Parse(data, strict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"name":     conf.Name,
	}).Debug("Loaded configuration")
	return conf, nil
}

// Validate checks ranges that the pipeline packages cannot repair.
func (c *Config) Validate() error {
	if c.Address != "" {
		if _, err := transport.ParseEndpoint(c.Address); err != nil {
			return fmt.Errorf("%w: address: %v", ErrInvalid, err)
		}
	}
	if c.Audio.FrameMs <= 0 || c.Audio.PacketMs <= 0 {
		return fmt.Errorf("%w: audio frame_ms and packet_ms must be positive", ErrInvalid)
	}
	if _, err := codec.NewDecoder(c.Audio.Codec, c.Audio.SampleRate, c.Audio.Channels); err != nil {
		return fmt.Errorf("%w: audio: %v", ErrInvalid, err)
	}
	if c.Jitter.MinDelayMs < 0 || c.Jitter.MaxDelayMs < 0 {
		return fmt.Errorf("%w: jitter delay bounds must not be negative", ErrInvalid)
	}
	if c.Jitter.MaxDelayMs > 0 && c.Jitter.MinDelayMs > c.Jitter.MaxDelayMs {
		return fmt.Errorf("%w: jitter min_delay_ms %d exceeds max_delay_ms %d", ErrInvalid, c.Jitter.MinDelayMs, c.Jitter.MaxDelayMs)
	}
	if _, err := concealer(c.Jitter.Concealment); err != nil {
		return err
	}
	if c.Queue.MaxEntries < 0 || c.Queue.MaxBytes < 0 {
		return fmt.Errorf("%w: queue bounds must not be negative", ErrInvalid)
	}
	if c.Ring.CapacityMs < 0 || c.Ring.TargetMs < 0 {
		return fmt.Errorf("%w: ring sizes must not be negative", ErrInvalid)
	}
	if _, err := layout(c.Ring.Layout); err != nil {
		return err
	}
	if _, err := underrunFill(c.Ring.UnderrunFill); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalid, err)
	}

	sc, err := c.StreamConfig()
	if err != nil {
		return err
	}
	if err := sc.Jitter.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// StreamConfig converts the file into a stream configuration. Transport
// settings are filled in from ClientConfig.
func (c *Config) StreamConfig() (stream.Config, error) {
	conc, err := concealer(c.Jitter.Concealment)
	if err != nil {
		return stream.Config{}, err
	}
	lay, err := layout(c.Ring.Layout)
	if err != nil {
		return stream.Config{}, err
	}
	fill, err := underrunFill(c.Ring.UnderrunFill)
	if err != nil {
		return stream.Config{}, err
	}
	client, err := c.ClientConfig()
	if err != nil {
		return stream.Config{}, err
	}

	jc := jitter.DefaultConfig()
	jc.SampleRate = c.Audio.SampleRate
	jc.Channels = c.Audio.Channels
	jc.FrameDuration = ms(c.Audio.FrameMs)
	jc.PacketDuration = ms(c.Audio.PacketMs)
	jc.MinDelay = ms(c.Jitter.MinDelayMs)
	jc.MaxDelay = ms(c.Jitter.MaxDelayMs)
	if c.Jitter.MaxPackets > 0 {
		jc.MaxPackets = c.Jitter.MaxPackets
	}
	if c.Jitter.Quantile > 0 {
		jc.Delay.Quantile = c.Jitter.Quantile
	}
	if c.Jitter.ForgetFactor > 0 {
		jc.Delay.ForgetFactor = c.Jitter.ForgetFactor
	}
	jc.DisableTimeStretch = c.Jitter.DisableTimeStretch
	if c.Jitter.MaxConcealFrames > 0 {
		jc.MaxConcealFrames = c.Jitter.MaxConcealFrames
	}
	jc.Concealer = conc

	return stream.Config{
		Name:         c.Name,
		Jitter:       jc,
		Queue:        transport.QueueConfig{MaxEntries: c.Queue.MaxEntries, MaxBytes: c.Queue.MaxBytes},
		Client:       client,
		RingCapacity: ms(c.Ring.CapacityMs),
		RingTarget:   ms(c.Ring.TargetMs),
		Layout:       lay,
		UnderrunFill: fill,
	}, nil
}

// ClientConfig converts the transport settings, loading CAFile if set.
func (c *Config) ClientConfig() (transport.ClientConfig, error) {
	cc := transport.ClientConfig{
		InsecureSkipVerify: c.Insecure,
		ServerName:         c.ServerName,
		ALPN:               c.ALPN,
		HandshakeTimeout:   c.HandshakeTimeout,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return cc, fmt.Errorf("%w: ca_file: %v", ErrInvalid, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return cc, fmt.Errorf("%w: ca_file %s holds no PEM certificates", ErrInvalid, c.CAFile)
		}
		cc.RootCAs = pool
	}
	return cc, nil
}

// NewDecoder builds the decoder named by Audio.Codec.
func (c *Config) NewDecoder() (codec.Decoder, error) {
	return codec.NewDecoder(c.Audio.Codec, c.Audio.SampleRate, c.Audio.Channels)
}

// ApplyLogging sets the global logrus level and formatter.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.Logging.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func concealer(name string) (jitter.Concealer, error) {
	switch strings.ToLower(name) {
	case "", "fade":
		return nil, nil
	case "noise":
		return jitter.NewNoiseConcealer(), nil
	default:
		return nil, fmt.Errorf("%w: unknown concealment %q", ErrInvalid, name)
	}
}

func layout(name string) (ringbuffer.Layout, error) {
	switch strings.ToLower(name) {
	case "", "interleaved":
		return ringbuffer.Interleaved, nil
	case "planar":
		return ringbuffer.Planar, nil
	default:
		return 0, fmt.Errorf("%w: unknown ring layout %q", ErrInvalid, name)
	}
}

func underrunFill(name string) (ringbuffer.UnderrunFill, error) {
	switch strings.ToLower(name) {
	case "", "silence":
		return ringbuffer.UnderrunSilence, nil
	case "hold_last":
		return ringbuffer.UnderrunHoldLast, nil
	default:
		return 0, fmt.Errorf("%w: unknown underrun fill %q", ErrInvalid, name)
	}
}
