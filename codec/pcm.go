package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opd-ai/playout/limits"
)

const pcmScale = 32768.0

// PCMDecoder decodes 16-bit signed little-endian interleaved PCM.
type PCMDecoder struct {
	sampleRate uint32
	channels   int
}

// NewPCMDecoder creates a PCM decoder for the given format.
func NewPCMDecoder(sampleRate uint32, channels int) (*PCMDecoder, error) {
	if sampleRate == 0 || channels <= 0 || channels > limits.MaxChannels {
		return nil, fmt.Errorf("%w: pcm %d Hz, %d channels", ErrUnsupported, sampleRate, channels)
	}
	return &PCMDecoder{sampleRate: sampleRate, channels: channels}, nil
}

// Init is a no-op; PCM carries no codec state.
func (d *PCMDecoder) Init() error { return nil }

// SampleRate returns the decoded sample rate.
func (d *PCMDecoder) SampleRate() uint32 { return d.sampleRate }

// Channels returns the decoded channel count.
func (d *PCMDecoder) Channels() int { return d.channels }

// Validate rejects payloads that do not hold a whole number of sample frames.
func (d *PCMDecoder) Validate(payload []byte) error {
	frameBytes := 2 * d.channels
	if len(payload) == 0 || len(payload)%frameBytes != 0 {
		return fmt.Errorf("%w: pcm payload of %d bytes is not a multiple of %d", ErrInvalidPayload, len(payload), frameBytes)
	}
	if len(payload)/2 > limits.MaxPacketSamples*d.channels {
		return fmt.Errorf("%w: pcm payload of %d bytes exceeds packet limit", ErrInvalidPayload, len(payload))
	}
	return nil
}

// Decode converts payload into float32 samples.
func (d *PCMDecoder) Decode(payload []byte, out []float32) (int, error) {
	if err := d.Validate(payload); err != nil {
		return 0, err
	}
	n := len(payload) / 2
	if len(out) < n {
		return 0, fmt.Errorf("%w: need %d samples, have %d", ErrShortBuffer, n, len(out))
	}
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(payload[2*i:]))) / pcmScale
	}
	return n, nil
}

// PCMEncoder encodes float32 samples as 16-bit signed little-endian PCM.
type PCMEncoder struct{}

// NewPCMEncoder creates a PCM encoder.
func NewPCMEncoder() *PCMEncoder {
	return &PCMEncoder{}
}

// Encode quantizes samples, clipping to the 16-bit range.
func (e *PCMEncoder) Encode(samples []float32) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidPayload)
	}
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * pcmScale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out, nil
}
