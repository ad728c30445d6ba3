package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram accepted from the network. QUIC
	// datagrams must fit in a single packet, so anything above the maximum
	// UDP payload is malformed.
	MaxDatagram = 65527

	// MaxPayload is the largest compressed audio payload carried by one packet
	// (a 120 ms Opus packet at the highest bit rate fits comfortably).
	MaxPayload = 1500

	// RTPHeaderSize is the fixed RTP header length without CSRCs or extensions.
	RTPHeaderSize = 12

	// DefaultQueueEntries is the default number of datagrams held by a queue.
	DefaultQueueEntries = 2048

	// MaxQueueEntries bounds any configured queue capacity.
	MaxQueueEntries = 1 << 16

	// MaxPacketSamples bounds the decoded size of one packet per channel
	// (120 ms at 48 kHz, the longest Opus packet).
	MaxPacketSamples = 5760

	// MaxChannels is the largest channel count the engine and ring accept.
	MaxChannels = 8

	// MaxRingSamples bounds the playout ring (10 s of 48 kHz stereo).
	MaxRingSamples = 48000 * 2 * 10
)

var (
	// ErrEmpty indicates an empty datagram or payload was provided
	ErrEmpty = errors.New("empty buffer")

	// ErrTooLarge indicates a buffer exceeds its maximum size
	ErrTooLarge = errors.New("buffer too large")
)

// ValidateSize validates a buffer against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidateDatagram validates a raw datagram against MaxDatagram.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrTooLarge, len(data), MaxDatagram)
	}
	return nil
}

// ValidatePayload validates a compressed audio payload against MaxPayload.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmpty
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrTooLarge, len(payload), MaxPayload)
	}
	return nil
}
