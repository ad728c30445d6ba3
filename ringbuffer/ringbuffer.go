// Package ringbuffer provides the single-producer single-consumer playout
// ring between the decode pipeline and the audio device callback.
//
// The ring holds interleaved float32 samples in storage allocated once by
// New. Write and Read never allocate, lock, log or block, so Read may be
// called from a real-time audio thread. Cursors are monotonic counters; the
// fill level is derived from them rather than stored.
package ringbuffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/playout/limits"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("invalid ring buffer configuration")

// Layout is the sample layout the reader consumes.
type Layout int

const (
	// Interleaved readers call Read.
	Interleaved Layout = iota
	// Planar readers call ReadPlanar.
	Planar
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case Interleaved:
		return "interleaved"
	case Planar:
		return "planar"
	default:
		return "unknown"
	}
}

// UnderrunFill selects what a read produces for samples the ring lacks.
type UnderrunFill int

const (
	// UnderrunSilence fills missing samples with zeros.
	UnderrunSilence UnderrunFill = iota
	// UnderrunHoldLast repeats the last sample frame that was read.
	UnderrunHoldLast
)

// String returns the policy name.
func (f UnderrunFill) String() string {
	switch f {
	case UnderrunSilence:
		return "silence"
	case UnderrunHoldLast:
		return "hold"
	default:
		return "unknown"
	}
}

// Config configures a RingBuffer.
type Config struct {
	// Capacity in samples; rounded up to a whole number of sample frames.
	Capacity int
	// Channels per sample frame.
	Channels int
	// Layout the reader consumes.
	Layout Layout
	// UnderrunFill policy for short reads.
	UnderrunFill UnderrunFill
}

// Stats is a snapshot of ring counters. It is safe to take from any
// goroutine.
type Stats struct {
	Written         uint64
	Read            uint64
	Overruns        uint64
	Underruns       uint64
	DroppedSamples  uint64
	SilencedSamples uint64
	Fill            int
}

// RingBuffer is a lock-free SPSC ring of float32 samples. Exactly one
// goroutine may write and exactly one may read.
type RingBuffer struct {
	buf      []float32
	capacity uint64
	channels int
	layout   Layout
	fill     UnderrunFill

	// write is only stored by the writer, read only by the reader.
	write atomic.Uint64
	read  atomic.Uint64

	// last is the most recent sample frame read; reader owned.
	last []float32

	written   atomic.Uint64
	consumed  atomic.Uint64
	overruns  atomic.Uint64
	underruns atomic.Uint64
	dropped   atomic.Uint64
	silenced  atomic.Uint64
}

// New allocates a ring.
//
// Parameters:
//   - cfg: Capacity and channel layout
//
// Returns:
//   - *RingBuffer: Empty ring
//   - error: ErrInvalidConfig when the capacity or channel count is out of range
func New(cfg Config) (*RingBuffer, error) {
	if cfg.Channels < 1 || cfg.Channels > limits.MaxChannels {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidConfig, cfg.Channels)
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidConfig, cfg.Capacity)
	}
	capacity := (cfg.Capacity + cfg.Channels - 1) / cfg.Channels * cfg.Channels
	if capacity > limits.MaxRingSamples {
		return nil, fmt.Errorf("%w: capacity %d exceeds %d samples", ErrInvalidConfig, capacity, limits.MaxRingSamples)
	}
	if cfg.Layout != Interleaved && cfg.Layout != Planar {
		return nil, fmt.Errorf("%w: layout %d", ErrInvalidConfig, cfg.Layout)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ringbuffer.New",
		"capacity": capacity,
		"channels": cfg.Channels,
		"layout":   cfg.Layout.String(),
		"underrun": cfg.UnderrunFill.String(),
	}).Debug("Allocating playout ring")

	return &RingBuffer{
		buf:      make([]float32, capacity),
		capacity: uint64(capacity),
		channels: cfg.Channels,
		layout:   cfg.Layout,
		fill:     cfg.UnderrunFill,
		last:     make([]float32, cfg.Channels),
	}, nil
}

// CapacityFor returns the capacity in samples holding d of audio.
func CapacityFor(sampleRate uint32, channels int, d time.Duration) int {
	frames := (int64(sampleRate)*int64(d) + int64(time.Second) - 1) / int64(time.Second)
	return int(max(frames, 1)) * max(channels, 1)
}

// Write copies samples into the ring. The write is all or nothing: when the
// whole slice does not fit it is dropped and counted as an overrun. A
// trailing partial sample frame is always dropped.
//
// Returns the number of samples written.
func (r *RingBuffer) Write(samples []float32) int {
	partial := len(samples) % r.channels
	if partial != 0 {
		r.dropped.Add(uint64(partial))
		samples = samples[:len(samples)-partial]
	}
	n := uint64(len(samples))
	if n == 0 {
		return 0
	}

	w := r.write.Load()
	if n > r.capacity-(w-r.read.Load()) {
		r.overruns.Inc()
		r.dropped.Add(n)
		return 0
	}

	start := w % r.capacity
	first := min(n, r.capacity-start)
	copy(r.buf[start:], samples[:first])
	copy(r.buf, samples[first:])

	r.write.Store(w + n)
	r.written.Add(n)
	return int(n)
}

// Read fills dst with interleaved samples. Samples the ring lacks are
// filled according to the underrun policy and counted as an underrun.
//
// Returns the number of samples read from the ring; the rest of dst is fill.
func (r *RingBuffer) Read(dst []float32) int {
	if len(dst) == 0 {
		return 0
	}
	ch := uint64(r.channels)
	rd := r.read.Load()
	avail := r.write.Load() - rd
	take := min(uint64(len(dst)), avail) / ch * ch

	if take > 0 {
		start := rd % r.capacity
		first := min(take, r.capacity-start)
		copy(dst, r.buf[start:start+first])
		copy(dst[first:take], r.buf[:take-first])
		copy(r.last, dst[take-ch:take])
		r.read.Store(rd + take)
		r.consumed.Add(take)
	}

	if missing := uint64(len(dst)) - take; missing > 0 {
		r.underruns.Inc()
		r.silenced.Add(missing)
		rest := dst[take:]
		if r.fill == UnderrunHoldLast {
			for i := range rest {
				rest[i] = r.last[i%r.channels]
			}
		} else {
			clear(rest)
		}
	}
	return int(take)
}

// ReadPlanar fills one slice per channel, deinterleaving from the ring.
// The frame count is the length of the shortest slice. dst must hold
// exactly Channels slices, otherwise nothing is read.
//
// Returns the number of sample frames read from the ring.
func (r *RingBuffer) ReadPlanar(dst [][]float32) int {
	if len(dst) != r.channels {
		return 0
	}
	frames := len(dst[0])
	for _, d := range dst[1:] {
		frames = min(frames, len(d))
	}
	if frames == 0 {
		return 0
	}

	ch := uint64(r.channels)
	rd := r.read.Load()
	avail := (r.write.Load() - rd) / ch
	take := min(uint64(frames), avail)

	for i := uint64(0); i < take; i++ {
		base := (rd + i*ch) % r.capacity
		for c := range dst {
			dst[c][i] = r.buf[base+uint64(c)]
		}
	}
	if take > 0 {
		for c := range dst {
			r.last[c] = dst[c][take-1]
		}
		r.read.Store(rd + take*ch)
		r.consumed.Add(take * ch)
	}

	if missing := uint64(frames) - take; missing > 0 {
		r.underruns.Inc()
		r.silenced.Add(missing * ch)
		for c := range dst {
			rest := dst[c][take:frames]
			if r.fill == UnderrunHoldLast {
				for i := range rest {
					rest[i] = r.last[c]
				}
			} else {
				clear(rest)
			}
		}
	}
	return int(take)
}

// Available returns the number of buffered samples.
func (r *RingBuffer) Available() int {
	return int(r.write.Load() - r.read.Load())
}

// Free returns the number of samples that can be written.
func (r *RingBuffer) Free() int {
	return int(r.capacity) - r.Available()
}

// Capacity returns the ring size in samples.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// Channels returns the channels per sample frame.
func (r *RingBuffer) Channels() int { return r.channels }

// Layout returns the reader layout.
func (r *RingBuffer) Layout() Layout { return r.layout }

// Reset empties the ring. It must only be called while the reader is
// stopped.
func (r *RingBuffer) Reset() {
	r.read.Store(r.write.Load())
	clear(r.last)
}

// Stats returns a snapshot of the counters.
func (r *RingBuffer) Stats() Stats {
	return Stats{
		Written:         r.written.Load(),
		Read:            r.consumed.Load(),
		Overruns:        r.overruns.Load(),
		Underruns:       r.underruns.Load(),
		DroppedSamples:  r.dropped.Load(),
		SilencedSamples: r.silenced.Load(),
		Fill:            r.Available(),
	}
}
