package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DynamicPayloadType is the RTP payload type used for audio packets.
const DynamicPayloadType = 111

// Packetizer assigns sequence numbers and timestamps to encoded audio
// and produces RTP datagrams. It is the sender-side counterpart of Parse.
type Packetizer struct {
	mu          sync.Mutex
	ssrc        uint32
	payloadType uint8
	seq         uint16
	timestamp   uint32
}

// NewPacketizer creates a packetizer with a random SSRC and random initial
// sequence number and timestamp.
//
// Returns:
//   - *Packetizer: New packetizer instance
//   - error: Any error reading from the system random source
func NewPacketizer() (*Packetizer, error) {
	var seed [10]byte
	if _, err := rand.Read(seed[:]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewPacketizer",
			"error":    err.Error(),
		}).Error("Failed to generate SSRC")
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}

	p := &Packetizer{
		ssrc:        binary.BigEndian.Uint32(seed[0:4]),
		payloadType: DynamicPayloadType,
		seq:         binary.BigEndian.Uint16(seed[4:6]),
		timestamp:   binary.BigEndian.Uint32(seed[6:10]),
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPacketizer",
		"ssrc":     p.ssrc,
	}).Debug("Packetizer created")

	return p, nil
}

// NewPacketizerAt creates a packetizer with fixed starting values. Useful for
// reproducible streams and for exercising wrap-around.
func NewPacketizerAt(ssrc uint32, seq uint16, timestamp uint32) *Packetizer {
	return &Packetizer{
		ssrc:        ssrc,
		payloadType: DynamicPayloadType,
		seq:         seq,
		timestamp:   timestamp,
	}
}

// Next wraps payload in an RTP datagram and advances the sequence number by
// one and the timestamp by samples.
//
// Parameters:
//   - payload: Encoded audio for one packet
//   - samples: Samples per channel carried by the payload
//
// Returns:
//   - []byte: Marshalled datagram
//   - error: Any validation or marshal error; counters do not advance on error
func (p *Packetizer) Next(payload []byte, samples uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pkt := Packet{
		SequenceNumber: p.seq,
		Timestamp:      p.timestamp,
		Payload:        payload,
	}
	data, err := pkt.Marshal(p.ssrc, p.payloadType)
	if err != nil {
		return nil, err
	}

	p.seq++
	p.timestamp += samples
	return data, nil
}

// SSRC returns the stream's synchronization source identifier.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}
