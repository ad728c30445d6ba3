package ringbuffer

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRing(t *testing.T, cfg Config) *RingBuffer {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func seq(from, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(from + i)
	}
	return s
}

// TestNewValidatesConfig verifies configuration checks and rounding.
func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no channels", Config{Capacity: 16}},
		{"too many channels", Config{Capacity: 16, Channels: 9}},
		{"no capacity", Config{Channels: 1}},
		{"too large", Config{Capacity: 1 << 30, Channels: 2}},
		{"bad layout", Config{Capacity: 16, Channels: 1, Layout: Layout(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	r := newRing(t, Config{Capacity: 7, Channels: 2, Layout: Planar})
	assert.Equal(t, 8, r.Capacity())
	assert.Equal(t, 2, r.Channels())
	assert.Equal(t, Planar, r.Layout())
	assert.Equal(t, 8, r.Free())
}

// TestCapacityFor verifies sizing from a duration.
func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 9600, CapacityFor(48000, 2, 100*time.Millisecond))
	assert.Equal(t, 2, CapacityFor(48000, 2, 0))
	assert.Equal(t, 1, CapacityFor(1000, 1, 100*time.Microsecond))
}

// TestWriteReadWrap verifies ordering across the wrap point.
func TestWriteReadWrap(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 1})
	dst := make([]float32, 6)

	require.Equal(t, 6, r.Write(seq(0, 6)))
	require.Equal(t, 6, r.Read(dst))
	assert.Equal(t, seq(0, 6), dst)

	require.Equal(t, 6, r.Write(seq(6, 6)))
	assert.Equal(t, 6, r.Available())
	assert.Equal(t, 2, r.Free())
	require.Equal(t, 6, r.Read(dst))
	assert.Equal(t, seq(6, 6), dst)
	assert.Zero(t, r.Available())
}

// TestOverrunRejectsNewest verifies a write that does not fit is dropped
// whole and the buffered audio is untouched.
func TestOverrunRejectsNewest(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 1})
	require.Equal(t, 6, r.Write(seq(0, 6)))
	assert.Zero(t, r.Write(seq(100, 3)))
	require.Equal(t, 2, r.Write(seq(6, 2)))

	dst := make([]float32, 8)
	assert.Equal(t, 8, r.Read(dst))
	assert.Equal(t, seq(0, 8), dst)

	s := r.Stats()
	assert.Equal(t, uint64(1), s.Overruns)
	assert.Equal(t, uint64(3), s.DroppedSamples)
	assert.Equal(t, uint64(8), s.Written)
	assert.Equal(t, uint64(8), s.Read)
}

// TestPartialFrameDropped verifies only whole sample frames are written.
func TestPartialFrameDropped(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 2})
	assert.Equal(t, 4, r.Write(seq(0, 5)))
	assert.Equal(t, uint64(1), r.Stats().DroppedSamples)
	assert.Zero(t, r.Write(seq(0, 1)))
}

// TestUnderrunSilence verifies short reads are zero filled.
func TestUnderrunSilence(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 2})
	r.Write([]float32{1, 2, 3, 4})

	dst := []float32{9, 9, 9, 9, 9, 9, 9, 9}
	assert.Equal(t, 4, r.Read(dst))
	assert.Equal(t, []float32{1, 2, 3, 4, 0, 0, 0, 0}, dst)

	s := r.Stats()
	assert.Equal(t, uint64(1), s.Underruns)
	assert.Equal(t, uint64(4), s.SilencedSamples)

	assert.Zero(t, r.Read(dst))
	assert.Equal(t, uint64(2), r.Stats().Underruns)
}

// TestUnderrunHoldLast verifies the last frame is repeated.
func TestUnderrunHoldLast(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 2, UnderrunFill: UnderrunHoldLast})
	r.Write([]float32{1, 2, 3, 4})

	dst := make([]float32, 8)
	assert.Equal(t, 4, r.Read(dst))
	assert.Equal(t, []float32{1, 2, 3, 4, 3, 4, 3, 4}, dst)
}

// TestReadPlanar verifies deinterleaving and planar underrun fill.
func TestReadPlanar(t *testing.T) {
	r := newRing(t, Config{Capacity: 6, Channels: 2, Layout: Planar})
	r.Write([]float32{1, -1, 2, -2})
	dst := make([]float32, 2)
	require.Equal(t, 2, r.Read(dst))
	// The next write wraps past the end of storage.
	require.Equal(t, 4, r.Write([]float32{3, -3, 4, -4}))

	left := make([]float32, 4)
	right := make([]float32, 4)
	assert.Equal(t, 3, r.ReadPlanar([][]float32{left, right}))
	assert.Equal(t, []float32{2, 3, 4, 0}, left)
	assert.Equal(t, []float32{-2, -3, -4, 0}, right)

	s := r.Stats()
	assert.Equal(t, uint64(1), s.Underruns)
	assert.Equal(t, uint64(2), s.SilencedSamples)

	assert.Zero(t, r.ReadPlanar([][]float32{left}), "channel count mismatch")
}

// TestReadPlanarHoldLast verifies each channel holds its own last sample.
func TestReadPlanarHoldLast(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 2, Layout: Planar, UnderrunFill: UnderrunHoldLast})
	r.Write([]float32{1, -1})

	left := make([]float32, 3)
	right := make([]float32, 3)
	assert.Equal(t, 1, r.ReadPlanar([][]float32{left, right}))
	assert.Equal(t, []float32{1, 1, 1}, left)
	assert.Equal(t, []float32{-1, -1, -1}, right)
}

// TestReset verifies Reset empties the ring.
func TestReset(t *testing.T) {
	r := newRing(t, Config{Capacity: 8, Channels: 1, UnderrunFill: UnderrunHoldLast})
	r.Write(seq(1, 5))
	dst := make([]float32, 2)
	r.Read(dst)

	r.Reset()
	assert.Zero(t, r.Available())
	assert.Equal(t, 8, r.Free())
	assert.Zero(t, r.Read(dst))
	assert.Equal(t, []float32{0, 0}, dst)
}

// TestNoAllocations verifies the real-time paths never allocate.
func TestNoAllocations(t *testing.T) {
	r := newRing(t, Config{Capacity: 960, Channels: 2})
	src := seq(0, 480)
	dst := make([]float32, 480)
	left := make([]float32, 240)
	right := make([]float32, 240)
	planar := [][]float32{left, right}

	allocs := testing.AllocsPerRun(200, func() {
		r.Write(src)
		r.Read(dst)
		r.Write(src)
		r.ReadPlanar(planar)
		r.ReadPlanar(planar)
		r.Read(dst)
		_ = r.Stats()
	})
	assert.Zero(t, allocs)
}

// TestConcurrentProducerConsumer streams a counting sequence through the
// ring from one writer goroutine to one reader and checks nothing is lost,
// duplicated or reordered.
func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 200000
	r := newRing(t, Config{Capacity: 256, Channels: 2})

	go func() {
		chunk := make([]float32, 64)
		for next := 0; next < total; {
			for i := range chunk {
				chunk[i] = float32(next + i)
			}
			if r.Write(chunk) == len(chunk) {
				next += len(chunk)
			} else {
				runtime.Gosched()
			}
		}
	}()

	dst := make([]float32, 48)
	deadline := time.Now().Add(10 * time.Second)
	for expected := 0; expected < total; {
		require.True(t, time.Now().Before(deadline), "reader stalled at %d", expected)
		n := r.Read(dst)
		for i := 0; i < n; i++ {
			require.Equal(t, float32(expected), dst[i])
			expected++
		}
		if n == 0 {
			runtime.Gosched()
		}
	}

	s := r.Stats()
	assert.Equal(t, uint64(total), s.Written)
	assert.Equal(t, uint64(total), s.Read)
	assert.Zero(t, s.Fill)
}
