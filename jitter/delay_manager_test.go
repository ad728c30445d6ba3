package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestDelayManagerStartDelay verifies the initial target.
func TestDelayManagerStartDelay(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)
	assert.Equal(t, 80*time.Millisecond, dm.TargetDelay())
}

// TestDelayManagerBounds follows the effective bound rules: the maximum
// never drops below the minimum and both cap at the base maximum.
func TestDelayManagerBounds(t *testing.T) {
	ms := time.Millisecond
	dm := NewDelayManager(DefaultDelayConfig(), 20*ms)

	minimum, maximum := dm.SetBounds(0, 0)
	assert.Equal(t, 20*ms, minimum)
	assert.Equal(t, 2000*ms, maximum)

	minimum, _ = dm.SetBounds(50*ms, 0)
	assert.Equal(t, 50*ms, minimum)
	assert.Equal(t, 80*ms, dm.TargetDelay())

	_, maximum = dm.SetBounds(50*ms, 150*ms)
	assert.Equal(t, 150*ms, maximum)
	_, maximum = dm.SetBounds(50*ms, 40*ms)
	assert.Equal(t, 50*ms, maximum, "max clamped to min")

	minimum, maximum = dm.SetBounds(30*ms, 40*ms)
	assert.Equal(t, 30*ms, minimum)
	assert.Equal(t, 40*ms, maximum)
	assert.Equal(t, 40*ms, dm.TargetDelay())

	minimum, maximum = dm.SetBounds(3000*ms, 0)
	assert.Equal(t, 2000*ms, minimum)
	assert.Equal(t, 2000*ms, maximum)

	minimum, maximum = dm.SetBounds(0, 0)
	assert.Equal(t, 20*ms, minimum)
	assert.Equal(t, 2000*ms, maximum)
}

// feed simulates packets of packetDur arriving with the given extra delays.
func feed(dm *DelayManager, start time.Time, packetDur time.Duration, rate uint32, delays []time.Duration) {
	samples := uint32(packetDur.Seconds() * float64(rate))
	for i, d := range delays {
		at := start.Add(time.Duration(i)*packetDur + d)
		dm.Update(uint32(i)*samples, rate, at)
	}
}

// TestDelayManagerSteadyArrivals verifies regular arrivals give the smallest
// target.
func TestDelayManagerSteadyArrivals(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)
	feed(dm, time.Unix(0, 0), 20*time.Millisecond, 16000, make([]time.Duration, 200))

	assert.Equal(t, 20*time.Millisecond, dm.TargetDelay())
}

// TestDelayManagerAdaptsToJitter verifies late arrivals raise the target.
func TestDelayManagerAdaptsToJitter(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)

	delays := make([]time.Duration, 300)
	for i := range delays {
		if i%5 == 4 {
			delays[i] = 70 * time.Millisecond
		}
	}
	feed(dm, time.Unix(0, 0), 20*time.Millisecond, 16000, delays)

	assert.GreaterOrEqual(t, dm.TargetDelay(), 80*time.Millisecond)
}

// TestDelayManagerMaximumCapsTarget verifies a pinned maximum wins.
func TestDelayManagerMaximumCapsTarget(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)
	dm.SetBounds(0, 20*time.Millisecond)

	delays := make([]time.Duration, 300)
	for i := range delays {
		if i%5 == 4 {
			delays[i] = 70 * time.Millisecond
		}
	}
	feed(dm, time.Unix(0, 0), 20*time.Millisecond, 16000, delays)
	assert.Equal(t, 20*time.Millisecond, dm.TargetDelay())
}

// TestDelayManagerReset verifies reset restores the start delay.
func TestDelayManagerReset(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)
	feed(dm, time.Unix(0, 0), 20*time.Millisecond, 16000, make([]time.Duration, 100))
	dm.Reset()
	assert.Equal(t, StartDelay, dm.TargetDelay())
}

// TestArrivalTrackerRelativeDelay verifies accumulated lateness and reset at
// zero.
func TestArrivalTrackerRelativeDelay(t *testing.T) {
	tr := NewArrivalTracker(2 * time.Second)
	start := time.Unix(0, 0)
	ms := time.Millisecond

	assert.Zero(t, tr.Update(0, 1000, start))
	assert.Zero(t, tr.Update(20, 1000, start.Add(20*ms)))
	assert.Equal(t, 30*ms, tr.Update(40, 1000, start.Add(70*ms)))
	assert.Equal(t, 11*ms, tr.Update(60, 1000, start.Add(71*ms)))
	// Early packets pull the sum below zero, so it restarts.
	assert.Equal(t, 0*ms, tr.Update(80, 1000, start.Add(72*ms)))
	assert.Equal(t, 9*ms, tr.Update(100, 1000, start.Add(101*ms)))

	tr.Reset()
	assert.Zero(t, tr.Update(1000, 1000, start.Add(time.Hour)))
}

// TestArrivalTrackerWindow verifies old arrivals leave the window.
func TestArrivalTrackerWindow(t *testing.T) {
	tr := NewArrivalTracker(100 * time.Millisecond)
	start := time.Unix(0, 0)
	ms := time.Millisecond

	tr.Update(0, 1000, start)
	tr.Update(20, 1000, start.Add(70*ms))
	assert.Len(t, tr.history, 2)
	tr.Update(40, 1000, start.Add(300*ms))
	assert.Len(t, tr.history, 1)
}

// swappedPairs returns arrivals of 20 ms packets (timestamps in ms at
// 1 kHz) whose pairs are swapped on the path: packet 2k+1 arrives first and
// packet 2k right after it. Network delay varies between 0 and 25 ms, so no
// packet is more than 46 ms later than the earliest one.
func swappedPairs(pairs int) (timestamps []uint32, arrivals []time.Duration) {
	ms := time.Millisecond
	for k := 0; k < pairs; k++ {
		d := time.Duration((k*7)%26) * ms
		first := time.Duration(40*k+20)*ms + d
		timestamps = append(timestamps, uint32(40*k+20), uint32(40*k))
		arrivals = append(arrivals, first, first+ms)
	}
	return timestamps, arrivals
}

// TestArrivalTrackerReorderedPairs verifies reordered packets do not
// accumulate: the relative delay stays within the real delay spread.
func TestArrivalTrackerReorderedPairs(t *testing.T) {
	tr := NewArrivalTracker(2 * time.Second)
	start := time.Unix(0, 0)
	timestamps, arrivals := swappedPairs(50)

	var worst time.Duration
	for i := range timestamps {
		worst = max(worst, tr.Update(timestamps[i], 1000, start.Add(arrivals[i])))
	}
	assert.LessOrEqual(t, worst, 46*time.Millisecond)
	assert.Greater(t, worst, 20*time.Millisecond, "reordering shows up as lateness")
}

// TestDelayManagerReorderedPairs verifies the target covers the reordering
// without growing past it.
func TestDelayManagerReorderedPairs(t *testing.T) {
	dm := NewDelayManager(DefaultDelayConfig(), 0)
	start := time.Unix(0, 0)
	timestamps, arrivals := swappedPairs(200)

	for i := range timestamps {
		dm.Update(timestamps[i], 1000, start.Add(arrivals[i]))
	}
	assert.LessOrEqual(t, dm.TargetDelay(), 60*time.Millisecond)
	assert.GreaterOrEqual(t, dm.TargetDelay(), 40*time.Millisecond)
}
