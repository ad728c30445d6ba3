// Package packet defines the audio packet model shared by the transport,
// the jitter buffer and the sender side.
//
// Sequence numbers are 16-bit and timestamps are 32-bit; both wrap, so all
// ordering comparisons use serial-number arithmetic (RFC 3550 / RFC 1982)
// rather than plain integer comparison. The wire format is RTP, handled by
// pion/rtp.
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/playout/limits"
	"github.com/pion/rtp"
)

// ErrMalformed is returned when a datagram cannot be parsed as an audio packet.
var ErrMalformed = errors.New("malformed packet")

// Packet is one unit of compressed audio as received from the network.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	Payload        []byte
	// Arrival is stamped by the receiver and is zero for packets that were
	// never on the wire.
	Arrival time.Time
}

// SeqDiff returns a-b interpreted as a signed 16-bit serial distance.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SeqNewer reports whether sequence number a is newer than b.
func SeqNewer(a, b uint16) bool {
	return SeqDiff(a, b) > 0
}

// TimestampDiff returns a-b interpreted as a signed 32-bit serial distance.
func TimestampDiff(a, b uint32) int32 {
	return int32(a - b)
}

// TimestampBefore reports whether timestamp a precedes b.
func TimestampBefore(a, b uint32) bool {
	return TimestampDiff(a, b) < 0
}

// Parse decodes an RTP datagram into a Packet.
//
// The returned payload aliases the datagram buffer; callers that reuse the
// buffer must copy it first.
//
// Parameters:
//   - datagram: Raw bytes received from the transport
//
// Returns:
//   - Packet: Parsed packet with a zero Arrival time
//   - error: ErrMalformed wrapped with the parse failure
func Parse(datagram []byte) (Packet, error) {
	if err := limits.ValidateDatagram(datagram); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var p rtp.Packet
	if err := p.Unmarshal(datagram); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(p.Payload) == 0 {
		return Packet{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	return Packet{
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		Payload:        p.Payload,
	}, nil
}

// Marshal encodes the packet as an RTP datagram.
func (p Packet) Marshal(ssrc uint32, payloadType uint8) ([]byte, error) {
	if err := limits.ValidatePayload(p.Payload); err != nil {
		return nil, fmt.Errorf("marshal packet %d: %w", p.SequenceNumber, err)
	}

	rp := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           ssrc,
		},
		Payload: p.Payload,
	}
	return rp.Marshal()
}
