package netsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func sendAll(s *Simulator, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		s.Send([]byte{byte(i)}, epoch.Add(time.Duration(i)*interval))
	}
}

// TestValidate rejects out of range impairments.
func TestValidate(t *testing.T) {
	tests := []Config{
		{Loss: 1},
		{Loss: -0.1},
		{Duplicate: 1.5},
		{Reorder: 1},
		{Delay: -time.Millisecond},
		{Jitter: -time.Millisecond},
	}
	for _, cfg := range tests {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}

// TestPerfectPath verifies a clean path delivers everything in order after
// the base delay.
func TestPerfectPath(t *testing.T) {
	s, err := New(Config{Delay: 30 * time.Millisecond})
	require.NoError(t, err)
	sendAll(s, 10, 20*time.Millisecond)

	assert.Empty(t, s.Deliver(epoch.Add(29*time.Millisecond)))
	next, ok := s.NextArrival()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*time.Millisecond), next)

	got := s.Deliver(epoch.Add(time.Second))
	require.Len(t, got, 10)
	for i, d := range got {
		assert.Equal(t, i, d.Index)
		assert.Equal(t, d.Sent.Add(30*time.Millisecond), d.Arrival)
	}
	assert.Zero(t, s.Pending())
	assert.Equal(t, Stats{Sent: 10, Delivered: 10}, s.Stats())
}

// TestJitterReorders verifies jitter larger than the send interval reorders
// datagrams and arrivals stay sorted.
func TestJitterReorders(t *testing.T) {
	s, err := New(Config{Jitter: 80 * time.Millisecond, Seed: 7})
	require.NoError(t, err)
	sendAll(s, 500, 20*time.Millisecond)

	got := s.Deliver(epoch.Add(time.Hour))
	require.Len(t, got, 500)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Arrival.Before(got[i-1].Arrival))
	}
	for _, d := range got {
		extra := d.Arrival.Sub(d.Sent)
		assert.GreaterOrEqual(t, extra, time.Duration(0))
		assert.Less(t, extra, 80*time.Millisecond)
	}
	assert.Positive(t, s.Stats().Reordered)
}

// TestLossAndDuplicates verifies the counters follow the draws.
func TestLossAndDuplicates(t *testing.T) {
	s, err := New(Config{Loss: 0.2, Duplicate: 0.1, Seed: 3})
	require.NoError(t, err)
	sendAll(s, 2000, time.Millisecond)

	st := s.Stats()
	assert.Equal(t, 2000, st.Sent)
	assert.InDelta(t, 400, st.Dropped, 80)
	assert.InDelta(t, 160, st.Duplicated, 60)
	assert.Equal(t, st.Sent-st.Dropped+st.Duplicated, s.Pending())
}

// TestDeterministic verifies the same seed yields the same trace.
func TestDeterministic(t *testing.T) {
	cfg := Config{Delay: 10 * time.Millisecond, Jitter: 40 * time.Millisecond, Loss: 0.1, Reorder: 0.05, ReorderDelay: 100 * time.Millisecond, Seed: 42}
	a, err := New(cfg)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)
	sendAll(a, 300, 20*time.Millisecond)
	sendAll(b, 300, 20*time.Millisecond)

	end := epoch.Add(time.Minute)
	assert.Equal(t, a.Deliver(end), b.Deliver(end))

	a.Reset()
	assert.Zero(t, a.Pending())
	assert.Equal(t, Stats{}, a.Stats())
	sendAll(a, 300, 20*time.Millisecond)
	b.Reset()
	sendAll(b, 300, 20*time.Millisecond)
	assert.Equal(t, a.Deliver(end), b.Deliver(end))
}
