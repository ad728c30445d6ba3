package jitter

import (
	"math"
	"time"
)

// Jump thresholds, expressed as durations so they hold at any sample rate.
const (
	startupLevel         = 2 * time.Millisecond
	startupJumpThreshold = 62500 * time.Microsecond
	steadyJumpThreshold  = 31250 * time.Microsecond
	jumpFactor           = 0.7
)

// LevelFilter smooths the buffer level with an exponential filter whose
// coefficient depends on the target delay. Large jumps use a faster
// coefficient so an overloaded buffer is noticed quickly.
type LevelFilter struct {
	sampleRate  uint32
	filtered    float64
	levelFactor float64
}

// NewLevelFilter creates a filter for a stream at sampleRate.
func NewLevelFilter(sampleRate uint32) *LevelFilter {
	return &LevelFilter{sampleRate: sampleRate, levelFactor: 253.0 / 256.0}
}

// SetTargetDelay selects the smoothing coefficient: lower targets react faster.
func (f *LevelFilter) SetTargetDelay(target time.Duration) {
	switch {
	case target <= 20*time.Millisecond:
		f.levelFactor = 251.0 / 256.0
	case target <= 60*time.Millisecond:
		f.levelFactor = 252.0 / 256.0
	case target <= 140*time.Millisecond:
		f.levelFactor = 253.0 / 256.0
	default:
		f.levelFactor = 254.0 / 256.0
	}
}

// Update folds in the current buffer size and subtracts samples removed or
// added by time stretching since the last update (positive for accelerate,
// negative for preemptive expand).
func (f *LevelFilter) Update(bufferSamples int, stretched int) {
	level := float64(bufferSamples)
	jump := math.Abs(level - f.filtered)

	var threshold float64
	if f.filtered < f.samples(startupLevel) {
		threshold = math.Max(0.75*level, f.samples(startupJumpThreshold))
	} else {
		threshold = math.Max(3*f.filtered, f.samples(steadyJumpThreshold))
	}

	factor := f.levelFactor
	if jump > threshold {
		factor = jumpFactor
	}

	filtered := factor*f.filtered + (1-factor)*level
	f.filtered = math.Max(filtered-float64(stretched), 0)
}

// Set forces the filtered level, used when play-out (re)starts.
func (f *LevelFilter) Set(bufferSamples int) {
	f.filtered = float64(bufferSamples)
}

// Level returns the filtered level in samples.
func (f *LevelFilter) Level() int {
	return int(f.filtered)
}

// LevelDuration returns the filtered level as a duration.
func (f *LevelFilter) LevelDuration() time.Duration {
	if f.sampleRate == 0 {
		return 0
	}
	return time.Duration(f.filtered * float64(time.Second) / float64(f.sampleRate))
}

// Coefficient returns the current smoothing coefficient.
func (f *LevelFilter) Coefficient() float64 {
	return f.levelFactor
}

// Reset clears the filter.
func (f *LevelFilter) Reset() {
	f.filtered = 0
	f.levelFactor = 253.0 / 256.0
}

func (f *LevelFilter) samples(d time.Duration) float64 {
	return d.Seconds() * float64(f.sampleRate)
}
