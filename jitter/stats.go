package jitter

import "time"

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateStreaming
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Operation is the decision taken to produce a frame.
type Operation int

const (
	// OpNormal plays decoded audio unchanged.
	OpNormal Operation = iota
	// OpExpand synthesizes audio for missing data.
	OpExpand
	// OpAccelerate time-compresses 1.5 frames of audio into one.
	OpAccelerate
	// OpFastAccelerate time-compresses 2 frames of audio into one.
	OpFastAccelerate
	// OpPreemptiveExpand stretches two thirds of a frame into one.
	OpPreemptiveExpand
	// OpSilence emits zeros: before play-out starts, or after concealment
	// has faded out.
	OpSilence
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpNormal:
		return "normal"
	case OpExpand:
		return "expand"
	case OpAccelerate:
		return "accelerate"
	case OpFastAccelerate:
		return "fast_accelerate"
	case OpPreemptiveExpand:
		return "preemptive_expand"
	case OpSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Frame is one pulled frame of audio. Samples is reused by the next pull.
type Frame struct {
	// Timestamp is the stream timestamp of the first sample. After a resync
	// it is the timestamp play-out jumped to. Audio synthesized while the
	// buffer is empty does not advance the timeline, so the frame that
	// follows such a frame can carry the same timestamp.
	Timestamp uint32
	Samples   []float32
	Operation Operation
	// Concealed is set when any sample was synthesized.
	Concealed bool
}

// Stats is a snapshot of engine counters.
type Stats struct {
	PacketsReceived  uint64
	PacketsDecoded   uint64
	LatePackets      uint64
	DuplicatePackets uint64
	ReorderedPackets uint64
	CorruptPackets   uint64
	InvalidPackets   uint64
	FlushedPackets   uint64
	Resyncs          uint64

	FramesPulled      uint64
	NormalFrames      uint64
	ConcealedFrames   uint64
	SilenceFrames     uint64
	AcceleratedFrames uint64
	PreemptiveFrames  uint64

	ConcealedSamples   uint64
	AcceleratedSamples uint64
	PreemptiveSamples  uint64

	BufferLevel     time.Duration
	FilteredLevel   time.Duration
	TargetDelay     time.Duration
	PacketsBuffered int
	State           State
}

// ConcealmentRate returns the fraction of pulled frames that were concealed.
func (s Stats) ConcealmentRate() float64 {
	if s.FramesPulled == 0 {
		return 0
	}
	return float64(s.ConcealedFrames) / float64(s.FramesPulled)
}
