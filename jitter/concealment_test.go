package jitter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFadeConcealerFadesToSilence verifies repetition with a linear fade.
func TestFadeConcealerFadesToSilence(t *testing.T) {
	c := NewFadeConcealer(4)
	history := []float32{1, 1}
	out := make([]float32, 6)

	c.Conceal(history, out, 1, 6)
	assert.Equal(t, []float32{1, 0.75, 0.5, 0.25, 0, 0}, out)

	c.Reset()
	c.Conceal(history, out[:1], 1, 1)
	assert.Equal(t, float32(1), out[0])
}

// TestFadeConcealerStereo verifies channels stay aligned.
func TestFadeConcealerStereo(t *testing.T) {
	c := NewFadeConcealer(100)
	history := []float32{0.5, -0.5, 0.25, -0.25}
	out := make([]float32, 8)

	c.Conceal(history, out, 2, 4)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, -out[2*i], out[2*i+1], 1e-6)
	}
}

// TestFadeConcealerNoHistory verifies silence without history.
func TestFadeConcealerNoHistory(t *testing.T) {
	c := NewFadeConcealer(10)
	out := []float32{9, 9, 9}
	c.Conceal(nil, out, 1, 3)
	assert.Equal(t, []float32{0, 0, 0}, out)
}

// TestNoiseConcealerIsQuiet verifies the noise is bounded by the ceiling.
func TestNoiseConcealerIsQuiet(t *testing.T) {
	c := NewNoiseConcealer()
	history := make([]float32, 480)
	for i := range history {
		history[i] = float32(math.Sin(float64(i) / 10))
	}
	out := make([]float32, 960)
	c.Conceal(history, out, 2, 480)

	var peak float32
	nonZero := false
	for _, v := range out {
		if v != 0 {
			nonZero = true
		}
		peak = max(peak, float32(math.Abs(float64(v))))
	}
	assert.True(t, nonZero)
	assert.LessOrEqual(t, peak, c.Ceiling)
}

// TestCompressAndExpandLengths verifies continuity of the stretched output.
func TestCompressAndExpandLengths(t *testing.T) {
	in := make([]float32, 15)
	for i := range in {
		in[i] = 1
	}

	out := make([]float32, 10)
	assert.True(t, stretchable(15, 10))
	compress(out, in, 1, 15, 10)
	for _, v := range out {
		assert.InDelta(t, 1.0, v, 1e-6)
	}

	assert.True(t, stretchable(7, 10))
	expand(out, in[:7], 1, 7, 10)
	for _, v := range out {
		assert.InDelta(t, 1.0, v, 1e-6)
	}

	assert.False(t, stretchable(4, 10))
	assert.False(t, stretchable(25, 10))
}

// TestExpandKeepsEdges verifies the stretched frame starts and ends with the
// input edges.
func TestExpandKeepsEdges(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}
	out := make([]float32, 12)
	expand(out, in, 1, 9, 12)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, float32(8), out[11])

	comp := make([]float32, 6)
	compress(comp, in, 1, 9, 6)
	assert.Equal(t, float32(0), comp[0])
	assert.Equal(t, float32(8), comp[5])
}
