package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/opd-ai/playout/stream"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when starting a reporter that is running.
var ErrAlreadyRunning = errors.New("reporter is already running")

// DefaultHistory is the number of snapshots kept per stream.
const DefaultHistory = 60

// StreamReport is one stream's entry in a Report.
type StreamReport struct {
	Stats   stream.Stats
	Quality QualityLevel
}

// Summary aggregates a report across streams.
type Summary struct {
	Streams          int
	FramesPulled     uint64
	ConcealedFrames  uint64
	Underruns        uint64
	AverageDelay     time.Duration
	ExcellentStreams int
	GoodStreams      int
	FairStreams      int
	PoorStreams      int
}

// Report is a periodic snapshot of every registered stream.
type Report struct {
	Streams   []StreamReport
	Summary   Summary
	Overall   QualityLevel
	Timestamp time.Time
	Interval  time.Duration
}

// Reporter snapshots a Sources set at a fixed interval and hands each
// report to a callback.
//
// Example usage:
//
//	r := metrics.NewReporter(sources, 5*time.Second)
//	r.OnReport(func(rep metrics.Report) {
//	    log.Printf("overall %s across %d streams", rep.Overall, rep.Summary.Streams)
//	})
//	r.Start()
//	defer r.Stop()
type Reporter struct {
	sources    *Sources
	interval   time.Duration
	thresholds Thresholds
	maxHistory int

	mu       sync.RWMutex
	stop     core.Fuse
	done     chan struct{}
	callback func(Report)
	history  map[string][]stream.Stats
}

// NewReporter creates a reporter over sources.
//
// Parameters:
//   - sources: Streams to report on
//   - interval: Time between reports; non-positive values default to one second
//
// Returns:
//   - *Reporter: Stopped reporter
func NewReporter(sources *Sources, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewReporter",
		"interval": interval,
	}).Debug("Creating metrics reporter")

	return &Reporter{
		sources:    sources,
		interval:   interval,
		thresholds: DefaultThresholds(),
		maxHistory: DefaultHistory,
		history:    make(map[string][]stream.Stats),
	}
}

// SetThresholds replaces the quality thresholds used by later reports.
func (r *Reporter) SetThresholds(t Thresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = t
}

// OnReport registers the callback invoked with each periodic report. The
// callback runs on the reporter goroutine and should return promptly.
func (r *Reporter) OnReport(cb func(Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// Start begins periodic reporting.
func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return ErrAlreadyRunning
	}
	r.stop = core.NewFuse()
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)

	logrus.WithFields(logrus.Fields{
		"function": "Reporter.Start",
		"interval": r.interval,
	}).Info("Metrics reporter started")
	return nil
}

// Stop halts reporting and waits for the loop to exit. It is a no-op when
// the reporter is not running.
func (r *Reporter) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	stop.Break()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Reporter.Stop",
	}).Info("Metrics reporter stopped")
}

// IsRunning reports whether the reporter loop is active.
func (r *Reporter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stop != nil
}

func (r *Reporter) loop(stop core.Fuse, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop.Watch():
			return
		case <-ticker.C:
			rep := r.Generate()
			r.mu.RLock()
			cb := r.callback
			r.mu.RUnlock()
			if cb != nil {
				cb(rep)
			}
		}
	}
}

// Generate takes a snapshot now, records it in the history and returns it.
func (r *Reporter) Generate() Report {
	snap := r.sources.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		Streams:   make([]StreamReport, 0, len(snap)),
		Timestamp: time.Now(),
		Interval:  r.interval,
	}
	seen := make(map[string]bool, len(snap))
	var delay time.Duration
	for _, s := range snap {
		q := r.thresholds.Assess(s)
		rep.Streams = append(rep.Streams, StreamReport{Stats: s, Quality: q})
		seen[s.Name] = true

		h := append(r.history[s.Name], s)
		if len(h) > r.maxHistory {
			h = h[len(h)-r.maxHistory:]
		}
		r.history[s.Name] = h

		rep.Summary.FramesPulled += s.Engine.FramesPulled
		rep.Summary.ConcealedFrames += s.Engine.ConcealedFrames
		rep.Summary.Underruns += s.Ring.Underruns
		delay += s.Engine.TargetDelay
		switch q {
		case QualityExcellent:
			rep.Summary.ExcellentStreams++
		case QualityGood:
			rep.Summary.GoodStreams++
		case QualityFair:
			rep.Summary.FairStreams++
		default:
			rep.Summary.PoorStreams++
		}
	}
	for name := range r.history {
		if !seen[name] {
			delete(r.history, name)
		}
	}
	rep.Summary.Streams = len(snap)
	if len(snap) > 0 {
		rep.Summary.AverageDelay = delay / time.Duration(len(snap))
	}
	rep.Overall = overall(rep.Summary)

	logrus.WithFields(logrus.Fields{
		"function": "Reporter.Generate",
		"streams":  rep.Summary.Streams,
		"overall":  rep.Overall.String(),
	}).Debug("Generated metrics report")
	return rep
}

// History returns the recorded snapshots of the stream called name, oldest
// first.
func (r *Reporter) History(name string) []stream.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.history[name]
	out := make([]stream.Stats, len(h))
	copy(out, h)
	return out
}

// overall grades a set of streams by the majority of their levels.
func overall(s Summary) QualityLevel {
	if s.Streams == 0 {
		return QualityExcellent
	}
	half := s.Streams / 2
	if s.PoorStreams > half {
		return QualityPoor
	}
	if s.FairStreams+s.PoorStreams > half {
		return QualityFair
	}
	if s.ExcellentStreams > s.GoodStreams && s.ExcellentStreams+s.GoodStreams > half {
		return QualityExcellent
	}
	return QualityGood
}
