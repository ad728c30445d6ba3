// Package metrics exports stream statistics. The Collector serves them to
// Prometheus on scrape; the Reporter snapshots them periodically for logs
// and dashboards. Both read counters only and stay off the audio path.
package metrics

import (
	"sort"
	"sync"

	"github.com/opd-ai/playout/stream"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "playout"

// StatsSource is anything that reports stream statistics, normally a
// *stream.Stream.
type StatsSource interface {
	Name() string
	Stats() stream.Stats
}

// Sources is a set of named stats sources shared by collectors and
// reporters.
type Sources struct {
	mu      sync.RWMutex
	sources map[string]StatsSource
}

// NewSources creates an empty set.
func NewSources() *Sources {
	return &Sources{sources: make(map[string]StatsSource)}
}

// Add registers src under its name, replacing any source of the same name.
func (s *Sources) Add(src StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Name()] = src
}

// Remove unregisters the source called name.
func (s *Sources) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, name)
}

// Len returns the number of sources.
func (s *Sources) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources)
}

// Snapshot returns stats of every source sorted by name.
func (s *Sources) Snapshot() []stream.Stats {
	s.mu.RLock()
	srcs := make([]StatsSource, 0, len(s.sources))
	for _, src := range s.sources {
		srcs = append(srcs, src)
	}
	s.mu.RUnlock()

	out := make([]stream.Stats, 0, len(srcs))
	for _, src := range srcs {
		st := src.Stats()
		st.Name = src.Name()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var streamLabel = []string{"stream"}

// Collector implements prometheus.Collector over a Sources set.
type Collector struct {
	sources *Sources

	packets       *prometheus.Desc
	frames        *prometheus.Desc
	concealed     *prometheus.Desc
	resyncs       *prometheus.Desc
	malformed     *prometheus.Desc
	underruns     *prometheus.Desc
	overruns      *prometheus.Desc
	overflows     *prometheus.Desc
	evicted       *prometheus.Desc
	targetDelay   *prometheus.Desc
	bufferLevel   *prometheus.Desc
	ringFill      *prometheus.Desc
	queueDepth    *prometheus.Desc
	concealRate   *prometheus.Desc
	transportSent *prometheus.Desc
}

// NewCollector creates a collector over sources.
func NewCollector(sources *Sources) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append(streamLabel, labels...), nil)
	}
	return &Collector{
		sources:       sources,
		packets:       desc("packets_total", "Packets seen by the jitter buffer, by outcome.", "outcome"),
		frames:        desc("frames_total", "Frames pulled, by play-out operation.", "operation"),
		concealed:     desc("concealed_samples_total", "Samples synthesized by concealment."),
		resyncs:       desc("resyncs_total", "Play-out point jumps over long gaps."),
		malformed:     desc("malformed_datagrams_total", "Datagrams that failed to parse."),
		underruns:     desc("ring_underruns_total", "Ring reads that ran short."),
		overruns:      desc("ring_overruns_total", "Ring writes rejected for lack of space."),
		overflows:     desc("queue_overflows_total", "Pushes that evicted queued datagrams."),
		evicted:       desc("queue_evicted_total", "Datagrams evicted from the queue."),
		targetDelay:   desc("target_delay_seconds", "Current jitter buffer target delay."),
		bufferLevel:   desc("buffer_level_seconds", "Audio buffered ahead of the play-out point."),
		ringFill:      desc("ring_fill_samples", "Samples waiting in the playout ring."),
		queueDepth:    desc("queue_depth", "Datagrams waiting in the queue."),
		concealRate:   desc("concealment_ratio", "Fraction of pulled frames that were concealed."),
		transportSent: desc("datagrams_sent_total", "Datagrams sent by the transport client."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.packets, c.frames, c.concealed, c.resyncs, c.malformed,
		c.underruns, c.overruns, c.overflows, c.evicted,
		c.targetDelay, c.bufferLevel, c.ringFill, c.queueDepth, c.concealRate,
		c.transportSent,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.sources.Snapshot() {
		name := s.Name
		e := s.Engine
		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{name}, labels...)...)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}

		counter(c.packets, e.PacketsReceived, "received")
		counter(c.packets, e.PacketsDecoded, "decoded")
		counter(c.packets, e.LatePackets, "late")
		counter(c.packets, e.DuplicatePackets, "duplicate")
		counter(c.packets, e.ReorderedPackets, "reordered")
		counter(c.packets, e.CorruptPackets, "corrupt")
		counter(c.packets, e.InvalidPackets, "invalid")
		counter(c.packets, e.FlushedPackets, "flushed")

		counter(c.frames, e.NormalFrames, "normal")
		counter(c.frames, e.ConcealedFrames, "expand")
		counter(c.frames, e.SilenceFrames, "silence")
		counter(c.frames, e.AcceleratedFrames, "accelerate")
		counter(c.frames, e.PreemptiveFrames, "preemptive_expand")

		counter(c.concealed, e.ConcealedSamples)
		counter(c.resyncs, e.Resyncs)
		counter(c.malformed, s.MalformedDatagrams)
		counter(c.underruns, s.Ring.Underruns)
		counter(c.overruns, s.Ring.Overruns)
		counter(c.overflows, s.Queue.Overflows)
		counter(c.evicted, s.Queue.Evicted)
		counter(c.transportSent, s.Client.Sent)

		gauge(c.targetDelay, e.TargetDelay.Seconds())
		gauge(c.bufferLevel, e.BufferLevel.Seconds())
		gauge(c.ringFill, float64(s.Ring.Fill))
		gauge(c.queueDepth, float64(s.Queue.Depth))
		gauge(c.concealRate, e.ConcealmentRate())
	}
}
