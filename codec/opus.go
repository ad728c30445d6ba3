package codec

import (
	"fmt"
	"sync"

	"github.com/opd-ai/playout/limits"
	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// opusRate is the clock rate of every Opus stream regardless of coded bandwidth.
const opusRate = 48000

// opusDecodedSamples is what one Decode call yields: a 20 ms mono frame.
const opusDecodedSamples = 960

// frameSamples48k maps a TOC configuration number to samples per frame at 48 kHz.
var frameSamples48k = [32]int{
	// SILK-only NB, MB, WB: 10, 20, 40, 60 ms
	480, 960, 1920, 2880,
	480, 960, 1920, 2880,
	480, 960, 1920, 2880,
	// Hybrid SWB, FB: 10, 20 ms
	480, 960, 480, 960,
	// CELT-only NB, WB, SWB, FB: 2.5, 5, 10, 20 ms
	120, 240, 480, 960,
	120, 240, 480, 960,
	120, 240, 480, 960,
	120, 240, 480, 960,
}

// TOC is the parsed table-of-contents byte of an Opus packet.
type TOC struct {
	Config int
	Stereo bool
	// Frames is the number of frames carried by the packet.
	Frames int
	// Samples is the packet duration in samples per channel at 48 kHz.
	Samples int
}

// ParseTOC parses and validates the table-of-contents of an Opus packet.
//
// Parameters:
//   - payload: A complete Opus packet
//
// Returns:
//   - TOC: Parsed configuration and duration
//   - error: ErrInvalidPayload for a truncated packet or a duration above 120 ms
func ParseTOC(payload []byte) (TOC, error) {
	if len(payload) == 0 {
		return TOC{}, fmt.Errorf("%w: empty opus packet", ErrInvalidPayload)
	}
	toc := payload[0]
	t := TOC{
		Config: int(toc >> 3),
		Stereo: toc&0x04 != 0,
	}

	switch toc & 0x03 {
	case 0:
		t.Frames = 1
	case 1, 2:
		t.Frames = 2
	case 3:
		if len(payload) < 2 {
			return TOC{}, fmt.Errorf("%w: opus code 3 packet without frame count", ErrInvalidPayload)
		}
		t.Frames = int(payload[1] & 0x3F)
		if t.Frames == 0 {
			return TOC{}, fmt.Errorf("%w: opus code 3 packet with zero frames", ErrInvalidPayload)
		}
	}

	t.Samples = t.Frames * frameSamples48k[t.Config]
	if t.Samples > limits.MaxPacketSamples {
		return TOC{}, fmt.Errorf("%w: opus packet of %d samples exceeds 120 ms", ErrInvalidPayload, t.Samples)
	}
	return t, nil
}

// OpusDecoder decodes Opus packets with the pure Go pion/opus decoder.
type OpusDecoder struct {
	mu         sync.Mutex
	decoder    *opus.Decoder
	sampleRate uint32
	channels   int
	pcm        []float32
}

// NewOpusDecoder creates an Opus decoder producing samples at sampleRate.
// Decoded audio is produced at 48 kHz; other rates must divide 48000 and are
// reached by decimation.
func NewOpusDecoder(sampleRate uint32, channels int) (*OpusDecoder, error) {
	if sampleRate == 0 || opusRate%sampleRate != 0 || channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: opus %d Hz, %d channels", ErrUnsupported, sampleRate, channels)
	}
	return &OpusDecoder{sampleRate: sampleRate, channels: channels}, nil
}

// Init creates the underlying decoder state.
func (d *OpusDecoder) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.decoder != nil {
		return nil
	}
	dec := opus.NewDecoder()
	d.decoder = &dec
	d.pcm = make([]float32, limits.MaxPacketSamples)

	logrus.WithFields(logrus.Fields{
		"function":    "OpusDecoder.Init",
		"sample_rate": d.sampleRate,
		"channels":    d.channels,
	}).Debug("Opus decoder initialized")
	return nil
}

// SampleRate returns the decoded sample rate.
func (d *OpusDecoder) SampleRate() uint32 { return d.sampleRate }

// Channels returns the decoded channel count.
func (d *OpusDecoder) Channels() int { return d.channels }

// Validate checks the packet's table-of-contents.
func (d *OpusDecoder) Validate(payload []byte) error {
	if err := limits.ValidatePayload(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	_, err := ParseTOC(payload)
	return err
}

// Decode decodes one Opus packet into interleaved float32 samples.
//
// The decoder produces mono audio at 48 kHz, one 20 ms frame per packet.
// Mono is copied to every output channel. Packets coded as stereo are
// rejected with ErrUnsupported.
func (d *OpusDecoder) Decode(payload []byte, out []float32) (int, error) {
	toc, err := ParseTOC(payload)
	if err != nil {
		return 0, err
	}
	if toc.Stereo {
		return 0, fmt.Errorf("%w: stereo opus packet", ErrUnsupported)
	}

	step := int(opusRate / d.sampleRate)
	frames := min(toc.Samples, opusDecodedSamples) / step
	need := frames * d.channels
	if len(out) < need {
		return 0, fmt.Errorf("%w: need %d samples, have %d", ErrShortBuffer, need, len(out))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoder == nil {
		return 0, fmt.Errorf("opus decoder not initialized")
	}

	if _, _, err := d.decoder.DecodeFloat32(payload, d.pcm); err != nil {
		return 0, fmt.Errorf("opus decode failed: %w", err)
	}

	for i := 0; i < frames; i++ {
		v := d.pcm[i*step]
		for c := 0; c < d.channels; c++ {
			out[i*d.channels+c] = v
		}
	}
	return need, nil
}
