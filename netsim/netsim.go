// Package netsim simulates an impaired datagram path: fixed delay, uniform
// jitter, random loss, duplication and deliberate reordering. Runs are
// deterministic for a given seed, which makes the simulator suitable for
// tests, the loopback sender and offline benchmarks.
package netsim

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig is returned for probabilities outside [0, 1) or negative
// durations.
var ErrInvalidConfig = errors.New("invalid network simulation")

// Config describes the impairments applied to each datagram.
type Config struct {
	// Delay is the base one-way delay.
	Delay time.Duration
	// Jitter adds a uniform random delay in [0, Jitter).
	Jitter time.Duration
	// Loss is the probability a datagram is dropped.
	Loss float64
	// Duplicate is the probability a datagram is delivered twice.
	Duplicate float64
	// Reorder is the probability a datagram is held back by ReorderDelay.
	Reorder float64
	// ReorderDelay is the extra delay of a held back datagram.
	ReorderDelay time.Duration
	// Seed makes runs reproducible.
	Seed int64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for name, p := range map[string]float64{"loss": c.Loss, "duplicate": c.Duplicate, "reorder": c.Reorder} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: %s probability %v", ErrInvalidConfig, name, p)
		}
	}
	if c.Delay < 0 || c.Jitter < 0 || c.ReorderDelay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// Delivery is one datagram leaving the simulated path.
type Delivery struct {
	Data    []byte
	Index   int
	Sent    time.Time
	Arrival time.Time
}

// Stats counts what the path did to the traffic.
type Stats struct {
	Sent       int
	Dropped    int
	Duplicated int
	Delivered  int
	Reordered  int
}

// Simulator is a deterministic impaired path. It is safe for concurrent use.
type Simulator struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	pending []Delivery
	next    int
	highest int
	stats   Stats
}

// New creates a simulator.
//
// Parameters:
//   - cfg: Impairments and seed
//
// Returns:
//   - *Simulator: Simulator with an empty path
//   - error: ErrInvalidConfig for invalid probabilities or durations
func New(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "netsim.New",
		"delay":     cfg.Delay,
		"jitter":    cfg.Jitter,
		"loss":      cfg.Loss,
		"duplicate": cfg.Duplicate,
		"reorder":   cfg.Reorder,
		"seed":      cfg.Seed,
	}).Info("Creating network simulator")

	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), highest: -1}, nil
}

// Send puts a datagram on the path at time at. The simulator keeps data;
// callers must not modify it afterwards.
//
// Returns whether the datagram survived the loss draw.
func (s *Simulator) Send(data []byte, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.next
	s.next++
	s.stats.Sent++

	if s.cfg.Loss > 0 && s.rng.Float64() < s.cfg.Loss {
		s.stats.Dropped++
		return false
	}
	s.schedule(Delivery{Data: data, Index: index, Sent: at, Arrival: at.Add(s.delay())})

	if s.cfg.Duplicate > 0 && s.rng.Float64() < s.cfg.Duplicate {
		s.stats.Duplicated++
		s.schedule(Delivery{Data: data, Index: index, Sent: at, Arrival: at.Add(s.delay())})
	}
	return true
}

func (s *Simulator) delay() time.Duration {
	d := s.cfg.Delay
	if s.cfg.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(s.cfg.Jitter)))
	}
	if s.cfg.Reorder > 0 && s.rng.Float64() < s.cfg.Reorder {
		d += s.cfg.ReorderDelay
	}
	return d
}

// schedule inserts d keeping pending sorted by arrival, stable for equal
// arrivals.
func (s *Simulator) schedule(d Delivery) {
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].Arrival.After(d.Arrival)
	})
	s.pending = append(s.pending, Delivery{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = d
}

// Deliver removes and returns every datagram that has arrived by now, in
// arrival order.
func (s *Simulator) Deliver(now time.Time) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.pending) && !s.pending[n].Arrival.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]Delivery, n)
	copy(out, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)

	for _, d := range out {
		if d.Index < s.highest {
			s.stats.Reordered++
		}
		s.highest = max(s.highest, d.Index)
	}
	s.stats.Delivered += n
	return out
}

// NextArrival returns the arrival time of the earliest pending datagram.
func (s *Simulator) NextArrival() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].Arrival, true
}

// Pending returns the number of datagrams in flight.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats returns a snapshot of the counters.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset drops everything in flight and restarts the random sequence.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.next = 0
	s.highest = -1
	s.stats = Stats{}
}
