package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/ringbuffer"
	"github.com/opd-ai/playout/stream"
	"github.com/opd-ai/playout/transport"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	stats stream.Stats
}

func (f *fakeSource) Name() string        { return f.name }
func (f *fakeSource) Stats() stream.Stats { return f.stats }

func concealedSource(name string, pulled, concealed uint64) *fakeSource {
	return &fakeSource{name: name, stats: stream.Stats{
		Engine: jitter.Stats{
			FramesPulled:     pulled,
			NormalFrames:     pulled - concealed,
			ConcealedFrames:  concealed,
			PacketsReceived:  pulled,
			ConcealedSamples: concealed * 160,
			TargetDelay:      60 * time.Millisecond,
			BufferLevel:      40 * time.Millisecond,
		},
		Queue:              transport.QueueStats{Overflows: 2, Evicted: 5, Depth: 3},
		Ring:               ringbuffer.Stats{Underruns: 7, Overruns: 1, Fill: 320},
		Client:             transport.ClientStats{Sent: 9},
		MalformedDatagrams: 4,
	}}
}

func TestAssess(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		pulled, concealed uint64
		want              QualityLevel
	}{
		{0, 0, QualityExcellent},
		{1000, 4, QualityExcellent},
		{1000, 12, QualityGood},
		{1000, 35, QualityFair},
		{1000, 90, QualityPoor},
		{1000, 200, QualityUnacceptable},
		{10, 10, QualityUnacceptable},
	}
	for _, tt := range tests {
		s := concealedSource("s", tt.pulled, tt.concealed).Stats()
		assert.Equal(t, tt.want, th.Assess(s), "%d/%d", tt.concealed, tt.pulled)
	}
	assert.Equal(t, "Fair", QualityFair.String())
	assert.Equal(t, "Unknown", QualityLevel(42).String())
}

func TestSourcesSnapshotSorted(t *testing.T) {
	s := NewSources()
	s.Add(&fakeSource{name: "b"})
	s.Add(&fakeSource{name: "a"})
	s.Add(&fakeSource{name: "c"})
	s.Remove("c")

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "b", snap[1].Name)
	assert.Equal(t, 2, s.Len())
}

func findMetric(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func TestCollectorExportsStreams(t *testing.T) {
	sources := NewSources()
	sources.Add(concealedSource("left", 100, 10))
	sources.Add(concealedSource("right", 50, 0))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(sources)))

	families, err := reg.Gather()
	require.NoError(t, err)

	m := findMetric(t, families, "playout_frames_total", map[string]string{"stream": "left", "operation": "expand"})
	assert.Equal(t, 10.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_frames_total", map[string]string{"stream": "right", "operation": "normal"})
	assert.Equal(t, 50.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_packets_total", map[string]string{"stream": "left", "outcome": "received"})
	assert.Equal(t, 100.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_concealed_samples_total", map[string]string{"stream": "left"})
	assert.Equal(t, 1600.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_ring_underruns_total", map[string]string{"stream": "right"})
	assert.Equal(t, 7.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_queue_evicted_total", map[string]string{"stream": "right"})
	assert.Equal(t, 5.0, m.GetCounter().GetValue())
	m = findMetric(t, families, "playout_malformed_datagrams_total", map[string]string{"stream": "left"})
	assert.Equal(t, 4.0, m.GetCounter().GetValue())

	m = findMetric(t, families, "playout_target_delay_seconds", map[string]string{"stream": "left"})
	assert.InDelta(t, 0.06, m.GetGauge().GetValue(), 1e-9)
	m = findMetric(t, families, "playout_buffer_level_seconds", map[string]string{"stream": "left"})
	assert.InDelta(t, 0.04, m.GetGauge().GetValue(), 1e-9)
	m = findMetric(t, families, "playout_ring_fill_samples", map[string]string{"stream": "left"})
	assert.Equal(t, 320.0, m.GetGauge().GetValue())
	m = findMetric(t, families, "playout_concealment_ratio", map[string]string{"stream": "left"})
	assert.InDelta(t, 0.1, m.GetGauge().GetValue(), 1e-9)
}

func TestCollectorEmptySources(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(NewSources())))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestReporterGenerate(t *testing.T) {
	sources := NewSources()
	sources.Add(concealedSource("a", 1000, 0))
	sources.Add(concealedSource("b", 1000, 0))
	sources.Add(concealedSource("c", 1000, 200))

	r := NewReporter(sources, time.Hour)
	rep := r.Generate()

	assert.Equal(t, 3, rep.Summary.Streams)
	assert.Equal(t, uint64(3000), rep.Summary.FramesPulled)
	assert.Equal(t, uint64(200), rep.Summary.ConcealedFrames)
	assert.Equal(t, 60*time.Millisecond, rep.Summary.AverageDelay)
	assert.Equal(t, 2, rep.Summary.ExcellentStreams)
	assert.Equal(t, 1, rep.Summary.PoorStreams)
	assert.Equal(t, QualityExcellent, rep.Overall)
	require.Len(t, rep.Streams, 3)
	assert.Equal(t, QualityUnacceptable, rep.Streams[2].Quality)
}

func TestReporterHistoryWindow(t *testing.T) {
	sources := NewSources()
	src := concealedSource("a", 10, 0)
	sources.Add(src)

	r := NewReporter(sources, time.Hour)
	for i := 0; i < DefaultHistory+5; i++ {
		src.stats.Frames = uint64(i)
		r.Generate()
	}
	h := r.History("a")
	require.Len(t, h, DefaultHistory)
	assert.Equal(t, uint64(5), h[0].Frames)
	assert.Equal(t, uint64(DefaultHistory+4), h[len(h)-1].Frames)

	sources.Remove("a")
	r.Generate()
	assert.Empty(t, r.History("a"))
}

func TestReporterLifecycle(t *testing.T) {
	sources := NewSources()
	sources.Add(concealedSource("a", 10, 0))

	r := NewReporter(sources, 5*time.Millisecond)
	var reports atomic.Int32
	r.OnReport(func(rep Report) {
		if rep.Summary.Streams == 1 {
			reports.Add(1)
		}
	})

	assert.False(t, r.IsRunning())
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRunning)
	assert.True(t, r.IsRunning())

	assert.Eventually(t, func() bool { return reports.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()

	require.NoError(t, r.Start())
	r.Stop()
}

func TestOverallMajority(t *testing.T) {
	assert.Equal(t, QualityExcellent, overall(Summary{}))
	assert.Equal(t, QualityPoor, overall(Summary{Streams: 3, PoorStreams: 2, ExcellentStreams: 1}))
	assert.Equal(t, QualityFair, overall(Summary{Streams: 4, FairStreams: 2, PoorStreams: 1, GoodStreams: 1}))
	assert.Equal(t, QualityGood, overall(Summary{Streams: 2, GoodStreams: 2}))
}
