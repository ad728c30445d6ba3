package jitter

import (
	"sync"
	"time"

	"github.com/opd-ai/playout/packet"
	"github.com/sirupsen/logrus"
)

const (
	// StartDelay is the target delay before any arrival statistics exist.
	StartDelay = 80 * time.Millisecond

	delayBuckets    = 100
	delayBucketSize = 20 * time.Millisecond

	// baseMaximumDelay bounds every target; it is what the histogram can represent.
	baseMaximumDelay = delayBuckets * delayBucketSize
)

// DelayConfig tunes the adaptive delay estimate.
type DelayConfig struct {
	// Quantile of the relative arrival delay distribution to cover.
	Quantile float64
	// ForgetFactor is the steady-state histogram forget factor.
	ForgetFactor float64
	// StartForgetWeight speeds up convergence of a fresh histogram; zero
	// disables it.
	StartForgetWeight float64
	// ResampleInterval registers the maximum relative delay seen per
	// interval instead of every packet; zero registers every packet.
	ResampleInterval time.Duration
	// MaxHistory bounds the arrival window used for relative delay.
	MaxHistory time.Duration
}

// DefaultDelayConfig returns the standard tuning.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		Quantile:          0.97,
		ForgetFactor:      0.9993,
		StartForgetWeight: 2,
		ResampleInterval:  500 * time.Millisecond,
		MaxHistory:        2 * time.Second,
	}
}

// DelayEstimator computes the target play-out delay from packet arrivals.
type DelayEstimator interface {
	// Update registers the arrival of a packet with the given timestamp.
	Update(timestamp uint32, sampleRate uint32, at time.Time)
	// TargetDelay returns the current target delay within the bounds.
	TargetDelay() time.Duration
	// SetBounds sets the caller-requested minimum and maximum delay; zero
	// leaves a bound unset. It returns the effective bounds.
	SetBounds(minimum, maximum time.Duration) (time.Duration, time.Duration)
	// Reset forgets the arrival history.
	Reset()
}

type arrival struct {
	iatDelay time.Duration
	at       time.Time
}

// ArrivalTracker measures how late packets arrive relative to their
// timestamps, accumulated over a sliding window.
type ArrivalTracker struct {
	maxHistory    time.Duration
	history       []arrival
	lastTimestamp uint32
	lastArrival   time.Time
	hasLast       bool
}

// NewArrivalTracker creates a tracker keeping maxHistory of arrivals.
func NewArrivalTracker(maxHistory time.Duration) *ArrivalTracker {
	return &ArrivalTracker{maxHistory: maxHistory}
}

// Update registers an arrival and returns the relative arrival delay: the
// accumulated lateness of the packets in the window relative to the packet
// preceding it. The running sum restarts whenever it drops below zero, so
// early packets do not hide late ones.
//
// The previous timestamp always advances, including to a reordered packet,
// so the per-packet terms telescope: the sum over any run equals the
// difference in one-way delay between its last and first packet.
func (t *ArrivalTracker) Update(timestamp uint32, sampleRate uint32, at time.Time) time.Duration {
	var iatDelay time.Duration
	if t.hasLast && sampleRate > 0 {
		expected := time.Duration(packet.TimestampDiff(timestamp, t.lastTimestamp)) * time.Second / time.Duration(sampleRate)
		iatDelay = at.Sub(t.lastArrival) - expected
	}

	t.lastTimestamp = timestamp
	t.lastArrival = at
	t.hasLast = true

	t.history = append(t.history, arrival{iatDelay: iatDelay, at: at})
	drop := 0
	for drop < len(t.history) && at.Sub(t.history[drop].at) > t.maxHistory {
		drop++
	}
	if drop > 0 {
		t.history = append(t.history[:0], t.history[drop:]...)
	}

	return t.relativeDelay()
}

func (t *ArrivalTracker) relativeDelay() time.Duration {
	if len(t.history) < 2 {
		return 0
	}
	var sum time.Duration
	for _, a := range t.history {
		sum += a.iatDelay
		if sum < 0 {
			sum = 0
		}
	}
	return sum
}

// Reset clears the window.
func (t *ArrivalTracker) Reset() {
	t.history = t.history[:0]
	t.hasLast = false
}

// DelayManager is the histogram-based DelayEstimator. It tracks the
// configured quantile of the relative arrival delay in 20 ms buckets.
type DelayManager struct {
	mu sync.Mutex

	cfg       DelayConfig
	tracker   *ArrivalTracker
	histogram *Histogram

	target  time.Duration
	minimum time.Duration
	maximum time.Duration

	baseMinimum      time.Duration
	effectiveMinimum time.Duration
	effectiveMaximum time.Duration

	resampled    time.Duration
	lastResample time.Time
	hasResample  bool
}

// NewDelayManager creates a delay manager.
//
// Parameters:
//   - cfg: Histogram and resampling tuning
//   - baseMinimum: Floor that applies even when no minimum is set
func NewDelayManager(cfg DelayConfig, baseMinimum time.Duration) *DelayManager {
	if baseMinimum > baseMaximumDelay {
		baseMinimum = baseMaximumDelay
	}
	dm := &DelayManager{
		cfg:         cfg,
		tracker:     NewArrivalTracker(cfg.MaxHistory),
		histogram:   NewHistogram(delayBuckets, cfg.ForgetFactor, cfg.StartForgetWeight),
		baseMinimum: baseMinimum,
	}
	dm.updateBounds()
	dm.target = max(StartDelay, dm.effectiveMinimum)
	return dm
}

// Update registers a packet arrival and recomputes the target delay.
func (d *DelayManager) Update(timestamp uint32, sampleRate uint32, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	relative := d.tracker.Update(timestamp, sampleRate, at)

	if d.cfg.ResampleInterval <= 0 {
		d.register(relative)
		return
	}

	if !d.hasResample {
		d.lastResample = at
		d.hasResample = true
	} else if elapsed := at.Sub(d.lastResample); elapsed >= d.cfg.ResampleInterval {
		d.register(d.resampled)
		d.resampled = 0
		// Advance by whole intervals so the schedule does not drift.
		d.lastResample = d.lastResample.Add(elapsed / d.cfg.ResampleInterval * d.cfg.ResampleInterval)
	}
	d.resampled = max(d.resampled, relative)
}

func (d *DelayManager) register(relative time.Duration) {
	index := int(relative / delayBucketSize)
	if index >= d.histogram.NumBuckets() {
		return
	}
	d.histogram.Add(index)

	previous := d.target
	d.target = time.Duration(1+d.histogram.Quantile(d.cfg.Quantile)) * delayBucketSize
	if d.target != previous {
		logrus.WithFields(logrus.Fields{
			"function":  "DelayManager.register",
			"target_ms": d.target.Milliseconds(),
			"previous":  previous.Milliseconds(),
		}).Debug("Target delay changed")
	}
}

// TargetDelay returns the target clamped to the effective bounds.
func (d *DelayManager) TargetDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return min(max(d.target, d.effectiveMinimum), d.effectiveMaximum)
}

// SetBounds sets the requested minimum and maximum delay.
//
// The maximum never drops below the effective minimum and both are capped
// at the largest representable delay. A zero bound falls back to the base.
//
// Returns:
//   - time.Duration: Effective minimum
//   - time.Duration: Effective maximum
func (d *DelayManager) SetBounds(minimum, maximum time.Duration) (time.Duration, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minimum = max(minimum, 0)
	d.maximum = max(maximum, 0)
	d.updateBounds()
	return d.effectiveMinimum, d.effectiveMaximum
}

func (d *DelayManager) updateBounds() {
	upper := time.Duration(baseMaximumDelay)
	lower := min(d.baseMinimum, upper)

	if d.minimum > 0 {
		d.effectiveMinimum = min(max(d.minimum, lower), upper)
	} else {
		d.effectiveMinimum = lower
	}

	if d.maximum > 0 {
		d.effectiveMaximum = min(max(d.maximum, d.effectiveMinimum), upper)
	} else {
		d.effectiveMaximum = upper
	}
}

// Reset forgets arrival history and restores the start delay. The
// histogram keeps its long-term statistics.
func (d *DelayManager) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker.Reset()
	d.target = max(StartDelay, d.effectiveMinimum)
	d.resampled = 0
	d.hasResample = false
}
