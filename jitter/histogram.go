package jitter

import "math"

const (
	q15One = 1 << 15
	q30One = 1 << 30
)

// Histogram is a probability histogram in Q30 fixed point with exponential
// forgetting. The bucket probabilities always sum to one.
type Histogram struct {
	buckets           []int32
	forgetFactor      int32
	baseForgetFactor  int32
	addCount          uint32
	startForgetWeight float64
}

// NewHistogram creates a histogram with numBuckets buckets.
//
// Parameters:
//   - numBuckets: Number of buckets
//   - forgetFactor: Steady-state forget factor in [0, 1)
//   - startForgetWeight: When positive, early samples get weight
//     startForgetWeight/(n+1) so the histogram converges quickly; zero ramps
//     the forget factor geometrically instead
func NewHistogram(numBuckets int, forgetFactor, startForgetWeight float64) *Histogram {
	if numBuckets < 1 {
		numBuckets = 1
	}
	base := int32(math.Round(forgetFactor * q15One))
	if base >= q15One {
		base = q15One - 1
	}
	if base < 0 {
		base = 0
	}
	return &Histogram{
		buckets:           make([]int32, numBuckets),
		baseForgetFactor:  base,
		startForgetWeight: startForgetWeight,
	}
}

// Add registers one observation in bucket value. Out of range values are
// clamped to the last bucket.
func (h *Histogram) Add(value int) {
	if value < 0 {
		value = 0
	}
	if value >= len(h.buckets) {
		value = len(h.buckets) - 1
	}

	var sum int64
	for i, b := range h.buckets {
		scaled := (int64(b) * int64(h.forgetFactor)) >> 15
		h.buckets[i] = int32(scaled)
		sum += scaled
	}

	addAmount := int64(q15One-h.forgetFactor) << 15
	h.buckets[value] = int32(int64(h.buckets[value]) + addAmount)
	sum += addAmount

	// Rounding drift: nudge buckets until the total is exactly one again.
	sum -= q30One
	if sum != 0 {
		sign := int64(1)
		if sum > 0 {
			sign = -1
		}
		for i, b := range h.buckets {
			abs := sum
			if abs < 0 {
				abs = -abs
			}
			correction := sign * max(min(abs, int64(b)>>4), 0)
			h.buckets[i] = int32(int64(b) + correction)
			sum += correction
			if sum == 0 {
				break
			}
		}
	}

	if h.addCount < math.MaxUint32 {
		h.addCount++
	}

	if h.startForgetWeight > 0 {
		if h.forgetFactor != h.baseForgetFactor {
			f := math.Round(q15One * (1 - h.startForgetWeight/float64(h.addCount+1)))
			h.forgetFactor = max(0, min(h.baseForgetFactor, int32(f)))
		}
	} else {
		h.forgetFactor += (h.baseForgetFactor - h.forgetFactor + 3) >> 2
	}
}

// Quantile returns the smallest bucket index whose cumulative probability
// reaches probability.
func (h *Histogram) Quantile(probability float64) int {
	probability = math.Max(0, math.Min(1, probability))
	inverse := int64(q30One) - int64(math.Round(probability*q30One))

	sum := int64(q30One) - int64(h.buckets[0])
	index := 0
	for sum > inverse && index < len(h.buckets)-1 {
		index++
		sum -= int64(h.buckets[index])
	}
	return index
}

// Reset restores an exponentially decaying prior and restarts forgetting.
func (h *Histogram) Reset() {
	prob := uint32(0x4002)
	for i := range h.buckets {
		prob >>= 1
		h.buckets[i] = int32(prob << 16)
	}
	h.forgetFactor = 0
	h.addCount = 0
}

// NumBuckets returns the number of buckets.
func (h *Histogram) NumBuckets() int {
	return len(h.buckets)
}

// Probability returns the probability of bucket i as a float.
func (h *Histogram) Probability(i int) float64 {
	if i < 0 || i >= len(h.buckets) {
		return 0
	}
	return float64(h.buckets[i]) / q30One
}
