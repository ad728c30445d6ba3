package jitter

import (
	"sort"

	"github.com/opd-ai/playout/packet"
)

// PacketBuffer is the reorder window: packets awaiting decode, kept sorted by
// timestamp in serial-number order. Storage is allocated once.
type PacketBuffer struct {
	packets []packet.Packet
}

// NewPacketBuffer creates a buffer holding at most capacity packets.
func NewPacketBuffer(capacity int) *PacketBuffer {
	return &PacketBuffer{packets: make([]packet.Packet, 0, capacity)}
}

// Insert adds p in timestamp order. It reports false when a packet with the
// same timestamp is already buffered, or when the buffer is full.
func (b *PacketBuffer) Insert(p packet.Packet) bool {
	if len(b.packets) == cap(b.packets) {
		return false
	}
	i := sort.Search(len(b.packets), func(i int) bool {
		return !packet.TimestampBefore(b.packets[i].Timestamp, p.Timestamp)
	})
	if i < len(b.packets) && b.packets[i].Timestamp == p.Timestamp {
		return false
	}
	b.packets = b.packets[:len(b.packets)+1]
	copy(b.packets[i+1:], b.packets[i:])
	b.packets[i] = p
	return true
}

// Contains reports whether a packet with timestamp ts is buffered.
func (b *PacketBuffer) Contains(ts uint32) bool {
	i := sort.Search(len(b.packets), func(i int) bool {
		return !packet.TimestampBefore(b.packets[i].Timestamp, ts)
	})
	return i < len(b.packets) && b.packets[i].Timestamp == ts
}

// Peek returns the oldest packet without removing it.
func (b *PacketBuffer) Peek() (packet.Packet, bool) {
	if len(b.packets) == 0 {
		return packet.Packet{}, false
	}
	return b.packets[0], true
}

// Pop removes and returns the oldest packet.
func (b *PacketBuffer) Pop() (packet.Packet, bool) {
	if len(b.packets) == 0 {
		return packet.Packet{}, false
	}
	p := b.packets[0]
	b.dropFront(1)
	return p, true
}

// Newest returns the most recent packet.
func (b *PacketBuffer) Newest() (packet.Packet, bool) {
	if len(b.packets) == 0 {
		return packet.Packet{}, false
	}
	return b.packets[len(b.packets)-1], true
}

// DiscardBefore drops packets whose timestamp precedes ts and returns how
// many were dropped.
func (b *PacketBuffer) DiscardBefore(ts uint32) int {
	n := 0
	for n < len(b.packets) && packet.TimestampBefore(b.packets[n].Timestamp, ts) {
		n++
	}
	b.dropFront(n)
	return n
}

// KeepNewest drops the oldest packets so that at most n remain and returns
// how many were dropped.
func (b *PacketBuffer) KeepNewest(n int) int {
	if n < 0 {
		n = 0
	}
	drop := len(b.packets) - n
	if drop <= 0 {
		return 0
	}
	b.dropFront(drop)
	return drop
}

func (b *PacketBuffer) dropFront(n int) {
	if n == 0 {
		return
	}
	remaining := copy(b.packets, b.packets[n:])
	for i := remaining; i < len(b.packets); i++ {
		b.packets[i] = packet.Packet{}
	}
	b.packets = b.packets[:remaining]
}

// Len returns the number of buffered packets.
func (b *PacketBuffer) Len() int { return len(b.packets) }

// Cap returns the buffer capacity.
func (b *PacketBuffer) Cap() int { return cap(b.packets) }

// Full reports whether no more packets fit.
func (b *PacketBuffer) Full() bool { return len(b.packets) == cap(b.packets) }

// Clear drops every packet and returns how many were dropped.
func (b *PacketBuffer) Clear() int {
	n := len(b.packets)
	b.dropFront(n)
	return n
}
