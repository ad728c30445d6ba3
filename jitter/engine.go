package jitter

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/limits"
	"github.com/opd-ai/playout/packet"
	"github.com/sirupsen/logrus"
)

const (
	// Limits around the target delay between which no time stretching occurs.
	lowLimitMargin  = 85 * time.Millisecond
	highLimitMargin = 20 * time.Millisecond

	// mergeDuration is the crossfade from concealment back into real audio.
	mergeDuration = 2500 * time.Microsecond

	// maxGapDuration is the largest timestamp gap bridged by concealment;
	// larger gaps jump the play-out point instead.
	maxGapDuration = time.Second
)

type fillResult int

const (
	fillOK fillResult = iota
	fillGap
	fillEmpty
)

// Engine is the adaptive jitter buffer and decode engine. Packets are
// inserted as they arrive, in any order; frames are pulled at the device
// rate. Decoding is deferred until a packet is due for play-out.
//
// All methods are safe for concurrent use. Neither Insert nor PullFrame
// ever blocks waiting for data.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	decoder   codec.Decoder
	validator codec.Validator
	state     State

	delay     DelayEstimator
	filter    *LevelFilter
	buffer    *PacketBuffer
	concealer Concealer
	minDelay  time.Duration
	maxDelay  time.Duration

	channels      int
	frameSamples  int
	packetSamples int
	mergeSamples  int
	maxGap        int
	lowMargin     int
	highMargin    int

	frame      []float32
	history    []float32
	historyLen int
	scratch    []float32

	// pending holds decoded samples starting at nextTS.
	pending      []float32
	pendingStart int
	pendingEnd   int

	started    bool
	nextTS     uint32
	highestSeq uint16
	hasSeq     bool
	stalled    int
	concealRun int
	concealing bool
	stretched  int
	lastOp     Operation

	stats Stats
}

// New creates an uninitialized engine.
//
// Parameters:
//   - cfg: Engine configuration; zero fields take defaults
//   - decoder: Codec matching cfg.SampleRate and cfg.Channels
//
// Returns:
//   - *Engine: Engine in StateUninitialized
//   - error: ErrInvalidConfig for an unusable configuration
func New(cfg Config, decoder codec.Decoder) (*Engine, error) {
	cfg = cfg.withDefaults()

	logrus.WithFields(logrus.Fields{
		"function":    "jitter.New",
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
		"frame":       cfg.FrameDuration,
	}).Info("Creating jitter buffer")

	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "jitter.New",
			"error":    err.Error(),
		}).Error("Invalid jitter buffer configuration")
		return nil, err
	}
	if decoder == nil {
		return nil, fmt.Errorf("%w: nil decoder", ErrInvalidConfig)
	}
	if decoder.SampleRate() != cfg.SampleRate || decoder.Channels() != cfg.Channels {
		return nil, fmt.Errorf("%w: decoder produces %d Hz x %d, stream is %d Hz x %d",
			ErrInvalidConfig, decoder.SampleRate(), decoder.Channels(), cfg.SampleRate, cfg.Channels)
	}

	f := cfg.FrameSamples()
	ch := cfg.Channels
	rate := int(cfg.SampleRate)
	toSamples := func(d time.Duration) int {
		return int(int64(d) * int64(rate) / int64(time.Second))
	}

	e := &Engine{
		cfg:          cfg,
		decoder:      decoder,
		delay:        cfg.DelayEstimator,
		filter:       NewLevelFilter(cfg.SampleRate),
		buffer:       NewPacketBuffer(cfg.MaxPackets),
		concealer:    cfg.Concealer,
		minDelay:     cfg.MinDelay,
		maxDelay:     cfg.MaxDelay,
		channels:     ch,
		frameSamples: f,
		mergeSamples: max(1, min(toSamples(mergeDuration), f)),
		maxGap:       toSamples(maxGapDuration),
		lowMargin:    toSamples(lowLimitMargin),
		highMargin:   toSamples(highLimitMargin),
		frame:        make([]float32, f*ch),
		history:      make([]float32, f*ch),
		scratch:      make([]float32, f*ch),
		pending:      make([]float32, (3*f+limits.MaxPacketSamples)*ch),
		lastOp:       OpSilence,
	}
	e.packetSamples = max(1, toSamples(cfg.PacketDuration))
	if v, ok := decoder.(codec.Validator); ok {
		e.validator = v
	}
	if e.concealer == nil {
		e.concealer = NewFadeConcealer(cfg.MaxConcealFrames * f)
	}
	if e.delay == nil {
		e.delay = NewDelayManager(cfg.Delay, 0)
	}
	e.delay.SetBounds(e.minDelay, e.maxDelay)

	return e, nil
}

// Init loads the codec. It is idempotent once the engine is ready.
//
// Returns:
//   - error: ErrCodecInit wrapping the decoder failure, or ErrClosed
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return ErrClosed
	case StateReady, StateStreaming:
		return nil
	}

	if err := e.decoder.Init(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Init",
			"error":    err.Error(),
		}).Error("Codec initialization failed")
		return fmt.Errorf("%w: %v", ErrCodecInit, err)
	}
	e.state = StateReady

	logrus.WithFields(logrus.Fields{
		"function":      "Engine.Init",
		"frame_samples": e.frameSamples,
		"target_delay":  e.delay.TargetDelay(),
	}).Info("Jitter buffer ready")
	return nil
}

// Insert buffers one packet for deferred decode.
func (e *Engine) Insert(seq uint16, timestamp uint32, payload []byte) error {
	return e.InsertPacket(packet.Packet{SequenceNumber: seq, Timestamp: timestamp, Payload: payload})
}

// InsertPacket buffers one packet for deferred decode. The engine takes
// ownership of the payload.
//
// Late and duplicate packets are counted and dropped without error.
//
// Returns:
//   - error: ErrInvalidPayload for a payload failing validation,
//     ErrNotReady before Init, ErrClosed after Close
func (e *Engine) InsertPacket(p packet.Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkState(); err != nil {
		return err
	}

	if err := limits.ValidatePayload(p.Payload); err != nil {
		e.stats.InvalidPackets++
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if e.validator != nil {
		if err := e.validator.Validate(p.Payload); err != nil {
			e.stats.InvalidPackets++
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	e.stats.PacketsReceived++

	if e.started && !packet.TimestampBefore(p.Timestamp, e.nextTS) &&
		packet.TimestampBefore(p.Timestamp, e.nextTS+uint32(e.pendingFrames())) {
		e.stats.DuplicatePackets++
		return nil
	}
	if e.buffer.Contains(p.Timestamp) {
		e.stats.DuplicatePackets++
		return nil
	}

	at := p.Arrival
	if at.IsZero() {
		at = e.cfg.Clock.Now()
	}
	e.delay.Update(p.Timestamp, e.cfg.SampleRate, at)

	if e.started && packet.TimestampBefore(p.Timestamp, e.nextTS) {
		e.stats.LatePackets++
		return nil
	}

	if e.hasSeq && !packet.SeqNewer(p.SequenceNumber, e.highestSeq) {
		e.stats.ReorderedPackets++
	} else {
		e.highestSeq = p.SequenceNumber
		e.hasSeq = true
	}

	if e.buffer.Full() {
		e.smartFlush()
	}
	e.buffer.Insert(p)
	return nil
}

// smartFlush keeps only the newest packets worth of the target delay.
func (e *Engine) smartFlush() {
	target := e.toSamples(e.delay.TargetDelay())
	keep := min(max(1, target/e.packetSamples), e.buffer.Cap()-1)
	flushed := e.buffer.KeepNewest(keep)
	e.stats.FlushedPackets += uint64(flushed)

	if e.started {
		if oldest, ok := e.buffer.Peek(); ok {
			e.nextTS = oldest.Timestamp
		}
		e.pendingStart, e.pendingEnd = 0, 0
		e.stalled = 0
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.smartFlush",
		"flushed":  flushed,
		"kept":     e.buffer.Len(),
	}).Warn("Packet buffer full, flushed oldest packets")
}

// PullFrame produces exactly one frame. It never blocks: missing audio is
// concealed and, before play-out starts, silence is returned.
//
// Returns:
//   - Frame: The frame; Samples is reused by the next call
//   - error: ErrNotReady before Init, ErrClosed after Close
func (e *Engine) PullFrame() (Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkState(); err != nil {
		return Frame{}, err
	}

	out := e.frame
	e.stats.FramesPulled++

	if !e.started {
		first, ok := e.buffer.Peek()
		if !ok {
			clear(out)
			e.stats.SilenceFrames++
			return Frame{Timestamp: e.nextTS, Samples: out, Operation: OpSilence}, nil
		}
		e.started = true
		e.state = StateStreaming
		e.nextTS = first.Timestamp
		e.filter.Set(e.levelSamples())
	}

	ts := e.nextTS
	op, done := e.timeStretch(out)

	concealed := 0
	if !done {
		var good int
		concealed, good, ts = e.produce(out, e.frameSamples)
		switch {
		case concealed == 0:
			op = OpNormal
			e.concealRun = 0
		case good > 0:
			op = OpExpand
			e.concealRun = 0
		default:
			e.concealRun++
			op = OpExpand
			if e.concealRun > e.cfg.MaxConcealFrames {
				op = OpSilence
			}
		}
	}

	e.account(op, concealed)
	if concealed == 0 {
		copy(e.history, out)
		e.historyLen = len(out)
	}

	if op != e.lastOp && logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.PullFrame",
			"operation": op.String(),
			"previous":  e.lastOp.String(),
			"timestamp": ts,
			"level":     e.levelSamples(),
		}).Debug("Play-out decision changed")
	}
	e.lastOp = op

	return Frame{Timestamp: ts, Samples: out, Operation: op, Concealed: concealed > 0}, nil
}

func (e *Engine) account(op Operation, concealed int) {
	switch op {
	case OpNormal:
		e.stats.NormalFrames++
	case OpExpand:
		e.stats.ConcealedFrames++
	case OpSilence:
		e.stats.SilenceFrames++
	case OpAccelerate, OpFastAccelerate:
		e.stats.AcceleratedFrames++
	case OpPreemptiveExpand:
		e.stats.PreemptiveFrames++
	}
	e.stats.ConcealedSamples += uint64(concealed)
}

// timeStretch applies accelerate or preemptive expand when the filtered
// buffer level is outside the limits around the target delay.
func (e *Engine) timeStretch(out []float32) (Operation, bool) {
	target := e.toSamples(e.delay.TargetDelay())
	e.filter.SetTargetDelay(e.delay.TargetDelay())
	e.filter.Update(e.levelSamples(), e.stretched)
	e.stretched = 0

	if e.cfg.DisableTimeStretch || e.concealRun > 0 || e.concealing {
		return OpNormal, false
	}

	low := max(target*3/4, target-e.lowMargin)
	high := max(target, low+e.highMargin)
	level := e.filter.Level()
	f := e.frameSamples

	switch {
	case level >= 4*high:
		if e.accelerate(out, f, f) {
			return OpFastAccelerate, true
		}
		if e.accelerate(out, f, f/2) {
			return OpAccelerate, true
		}
	case level >= high:
		if e.accelerate(out, f, f/2) {
			return OpAccelerate, true
		}
	case level < low:
		if e.preemptiveExpand(out, f, f/3) {
			return OpPreemptiveExpand, true
		}
	}
	return OpNormal, false
}

// accelerate compresses frames+remove sample frames into one frame.
func (e *Engine) accelerate(out []float32, frames, remove int) bool {
	input := frames + remove
	if remove < 1 || !stretchable(input, frames) || e.assemble(input) < input {
		return false
	}
	ch := e.channels
	compress(out, e.pending[e.pendingStart:e.pendingStart+input*ch], ch, input, frames)
	e.consume(input)
	e.stretched += remove
	e.stats.AcceleratedSamples += uint64(remove)
	e.concealer.Reset()
	return true
}

// preemptiveExpand stretches frames-add sample frames into one frame.
func (e *Engine) preemptiveExpand(out []float32, frames, add int) bool {
	input := frames - add
	if add < 1 || !stretchable(input, frames) || e.assemble(input) < input {
		return false
	}
	ch := e.channels
	expand(out, e.pending[e.pendingStart:e.pendingStart+input*ch], ch, input, frames)
	e.consume(input)
	e.stretched -= add
	e.stats.PreemptiveSamples += uint64(add)
	e.concealer.Reset()
	return true
}

// produce fills frames sample frames of out with decoded audio, concealing
// gaps and starvation. It returns how many frames were concealed, how many
// were real audio and the timestamp of the first sample written, which is
// past any resync or stall skip.
func (e *Engine) produce(out []float32, frames int) (concealed, good int, first uint32) {
	ch := e.channels
	written := 0
	first = e.nextTS
	for written < frames {
		if e.pendingFrames() == 0 {
			res, gap := e.refill()
			switch res {
			case fillGap:
				if e.stalled > 0 {
					skip := min(gap, e.stalled)
					e.nextTS += uint32(skip)
					e.stalled = 0
					gap -= skip
					if gap == 0 {
						continue
					}
				}
				if gap > e.maxGap {
					e.nextTS += uint32(gap)
					e.stats.Resyncs++
					continue
				}
				n := min(gap, frames-written)
				if written == 0 {
					first = e.nextTS
				}
				e.conceal(out[written*ch:(written+n)*ch], n)
				e.nextTS += uint32(n)
				written += n
				concealed += n
				continue
			case fillEmpty:
				n := frames - written
				if written == 0 {
					first = e.nextTS
				}
				e.conceal(out[written*ch:(written+n)*ch], n)
				e.stalled += n
				written += n
				concealed += n
				continue
			}
		}

		n := min(e.pendingFrames(), frames-written)
		if written == 0 {
			first = e.nextTS
		}
		dst := out[written*ch : (written+n)*ch]
		copy(dst, e.pending[e.pendingStart:e.pendingStart+n*ch])
		if e.concealing {
			e.merge(dst, n)
		}
		e.consume(n)
		e.stalled = 0
		written += n
		good += n
	}
	return concealed, good, first
}

// merge crossfades from the concealment signal into real audio.
func (e *Engine) merge(dst []float32, n int) {
	m := min(e.mergeSamples, n)
	if e.concealRun <= e.cfg.MaxConcealFrames {
		e.concealer.Conceal(e.history[:e.historyLen], e.scratch[:m*e.channels], e.channels, m)
	} else {
		clear(e.scratch[:m*e.channels])
	}
	crossfade(dst[:m*e.channels], e.scratch[:m*e.channels], dst[:m*e.channels], e.channels, m)
	e.concealer.Reset()
	e.concealing = false
}

// conceal synthesizes n sample frames into out.
func (e *Engine) conceal(out []float32, n int) {
	if e.concealRun >= e.cfg.MaxConcealFrames {
		clear(out)
	} else {
		e.concealer.Conceal(e.history[:e.historyLen], out, e.channels, n)
	}
	e.concealing = true
}

// assemble decodes contiguous packets until at least frames sample frames
// are pending, stopping at a gap or an empty buffer.
func (e *Engine) assemble(frames int) int {
	for e.pendingFrames() < frames {
		if res, _ := e.refill(); res != fillOK {
			break
		}
	}
	return e.pendingFrames()
}

// refill decodes the next due packet into pending. Packets entirely before
// the expected timestamp are dropped; a packet overlapping it is trimmed.
func (e *Engine) refill() (fillResult, int) {
	ch := e.channels
	for {
		p, ok := e.buffer.Peek()
		if !ok {
			return fillEmpty, 0
		}
		expected := e.nextTS + uint32(e.pendingFrames())
		d := int(packet.TimestampDiff(p.Timestamp, expected))
		if d > 0 {
			return fillGap, d
		}
		e.buffer.Pop()

		e.compact()
		n, err := e.decoder.Decode(p.Payload, e.pending[e.pendingEnd:])
		if err != nil || n <= 0 || n%ch != 0 {
			e.stats.CorruptPackets++
			if logrus.IsLevelEnabled(logrus.DebugLevel) {
				logrus.WithFields(logrus.Fields{
					"function":  "Engine.refill",
					"timestamp": p.Timestamp,
					"error":     err,
				}).Debug("Packet failed to decode, concealing")
			}
			continue
		}
		e.stats.PacketsDecoded++
		e.packetSamples = n / ch

		if d < 0 {
			overlap := -d
			if overlap >= n/ch {
				e.stats.LatePackets++
				continue
			}
			copy(e.pending[e.pendingEnd:], e.pending[e.pendingEnd+overlap*ch:e.pendingEnd+n])
			n -= overlap * ch
		}
		e.pendingEnd += n
		return fillOK, 0
	}
}

// compact moves pending samples to the front so a full packet fits after them.
func (e *Engine) compact() {
	if e.pendingStart == 0 {
		return
	}
	n := copy(e.pending, e.pending[e.pendingStart:e.pendingEnd])
	e.pendingStart = 0
	e.pendingEnd = n
}

func (e *Engine) consume(frames int) {
	e.pendingStart += frames * e.channels
	if e.pendingStart == e.pendingEnd {
		e.pendingStart, e.pendingEnd = 0, 0
	}
	e.nextTS += uint32(frames)
}

func (e *Engine) pendingFrames() int {
	return (e.pendingEnd - e.pendingStart) / e.channels
}

// levelSamples is the buffered audio ahead of the play-out point.
func (e *Engine) levelSamples() int {
	return e.pendingFrames() + e.buffer.Len()*e.packetSamples
}

func (e *Engine) toSamples(d time.Duration) int {
	return int(int64(d) * int64(e.cfg.SampleRate) / int64(time.Second))
}

func (e *Engine) checkState() error {
	switch e.state {
	case StateUninitialized:
		return ErrNotReady
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// Flush drops every buffered packet and decoded sample and restarts
// adaptation. Play-out restarts at the next inserted packet.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkState(); err != nil {
		return err
	}

	flushed := e.buffer.Clear()
	e.stats.FlushedPackets += uint64(flushed)
	e.pendingStart, e.pendingEnd = 0, 0
	e.started = false
	e.stalled = 0
	e.concealRun = 0
	e.concealing = false
	e.stretched = 0
	e.hasSeq = false
	e.delay.Reset()
	e.filter.Reset()
	e.concealer.Reset()
	e.state = StateReady

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Flush",
		"flushed":  flushed,
	}).Info("Jitter buffer flushed")
	return nil
}

// SetMinimumDelay sets the minimum target delay; zero removes the bound.
// It returns the effective minimum.
func (e *Engine) SetMinimumDelay(d time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minDelay = d
	minimum, _ := e.delay.SetBounds(e.minDelay, e.maxDelay)
	return minimum
}

// SetMaximumDelay sets the maximum target delay; zero removes the bound.
// It returns the effective maximum, which is never below the minimum.
func (e *Engine) SetMaximumDelay(d time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxDelay = d
	_, maximum := e.delay.SetBounds(e.minDelay, e.maxDelay)
	return maximum
}

// TargetDelay returns the current target delay.
func (e *Engine) TargetDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay.TargetDelay()
}

// BufferLevel returns the audio buffered ahead of the play-out point.
func (e *Engine) BufferLevel() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samplesToDuration(e.levelSamples())
}

func (e *Engine) samplesToDuration(n int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(e.cfg.SampleRate))
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FrameSamples returns the interleaved sample count of each pulled frame.
func (e *Engine) FrameSamples() int {
	return e.frameSamples * e.channels
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.BufferLevel = e.samplesToDuration(e.levelSamples())
	s.FilteredLevel = e.filter.LevelDuration()
	s.TargetDelay = e.delay.TargetDelay()
	s.PacketsBuffered = e.buffer.Len()
	s.State = e.state
	return s
}

// Close releases buffered packets. Further calls return ErrClosed.
// Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}
	e.buffer.Clear()
	e.pendingStart, e.pendingEnd = 0, 0
	e.state = StateClosed

	logrus.WithFields(logrus.Fields{
		"function":        "Engine.Close",
		"frames_pulled":   e.stats.FramesPulled,
		"concealed":       e.stats.ConcealedFrames,
		"late_packets":    e.stats.LatePackets,
		"decoded_packets": e.stats.PacketsDecoded,
	}).Info("Jitter buffer closed")
	return nil
}
