// Package codec defines the decoder collaborator used by the jitter buffer
// and provides the PCM and Opus implementations.
//
// Decoders produce interleaved float32 samples in [-1, 1]. The engine calls
// Init exactly once before the first Decode and never calls Decode
// concurrently.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayload indicates a payload that can never be decoded.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrShortBuffer indicates the output slice cannot hold the decoded samples.
	ErrShortBuffer = errors.New("output buffer too small")

	// ErrUnsupported indicates a codec name or configuration is not supported.
	ErrUnsupported = errors.New("unsupported codec")
)

// Decoder turns one compressed payload into PCM samples.
type Decoder interface {
	// Init loads codec state. A failure here is fatal for the stream.
	Init() error
	// Decode writes interleaved samples into out and returns the number of
	// samples written across all channels.
	Decode(payload []byte, out []float32) (int, error)
	// SampleRate returns the decoded sample rate in Hz.
	SampleRate() uint32
	// Channels returns the decoded channel count.
	Channels() int
}

// Validator is implemented by decoders that can reject a payload without
// decoding it. Payloads failing validation are dropped before buffering.
type Validator interface {
	Validate(payload []byte) error
}

// Encoder is the sender-side counterpart of Decoder.
type Encoder interface {
	Encode(samples []float32) ([]byte, error)
}

// Name identifies a built-in codec.
type Name string

const (
	NamePCM  Name = "pcm"
	NameOpus Name = "opus"
)

// NewDecoder builds a built-in decoder by name.
//
// Parameters:
//   - name: "pcm" or "opus", case-insensitive
//   - sampleRate: Stream sample rate in Hz
//   - channels: Interleaved channel count
//
// Returns:
//   - Decoder: Uninitialized decoder
//   - error: ErrUnsupported for an unknown name or invalid format
func NewDecoder(name string, sampleRate uint32, channels int) (Decoder, error) {
	switch Name(strings.ToLower(name)) {
	case NamePCM, "":
		return NewPCMDecoder(sampleRate, channels)
	case NameOpus:
		return NewOpusDecoder(sampleRate, channels)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}
