package transport

import (
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/opd-ai/playout/limits"
	"go.uber.org/atomic"
)

// Consumer receives datagrams from a subscribed Client. Push must not block.
type Consumer interface {
	Push(datagram []byte) error
}

// QueueConfig bounds a DatagramQueue.
type QueueConfig struct {
	// MaxEntries is the maximum number of queued datagrams. Zero selects
	// limits.DefaultQueueEntries.
	MaxEntries int
	// MaxBytes bounds the total queued payload size. Zero means no byte bound.
	MaxBytes int
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pushed    uint64
	Popped    uint64
	Overflows uint64
	Evicted   uint64
	Depth     int
	Bytes     int
}

// DatagramQueue is a bounded FIFO of raw datagrams shared between the
// network receive loop (producer) and the stream pump (consumer).
//
// When full, a push evicts the oldest entries so the newest audio always
// wins. Neither Push nor Pop ever waits for capacity.
type DatagramQueue struct {
	mu         sync.Mutex
	entries    deque.Deque[[]byte]
	bytes      int
	maxEntries int
	maxBytes   int
	closed     bool

	pushed    atomic.Uint64
	popped    atomic.Uint64
	overflows atomic.Uint64
	evicted   atomic.Uint64
	depth     atomic.Int64
}

// NewDatagramQueue creates a queue with the given bounds.
func NewDatagramQueue(cfg QueueConfig) *DatagramQueue {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = limits.DefaultQueueEntries
	}
	if maxEntries > limits.MaxQueueEntries {
		maxEntries = limits.MaxQueueEntries
	}
	maxBytes := cfg.MaxBytes
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &DatagramQueue{maxEntries: maxEntries, maxBytes: maxBytes}
}

// Push appends a datagram, evicting the oldest entries when full.
//
// Parameters:
//   - datagram: Raw datagram; the queue takes ownership of the slice
//
// Returns:
//   - error: ErrQueue kind only when the queue is closed
func (q *DatagramQueue) Push(datagram []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return newError(KindQueue, "push", errors.New("queue closed"))
	}

	evicted := 0
	for q.entries.Len() > 0 && q.wouldOverflow(len(datagram)) {
		old := q.entries.PopFront()
		q.bytes -= len(old)
		evicted++
	}
	if evicted > 0 {
		q.overflows.Inc()
		q.evicted.Add(uint64(evicted))
	}

	q.entries.PushBack(datagram)
	q.bytes += len(datagram)
	q.pushed.Inc()
	q.depth.Store(int64(q.entries.Len()))
	return nil
}

// wouldOverflow reports whether adding n bytes as a new entry exceeds a bound.
func (q *DatagramQueue) wouldOverflow(n int) bool {
	if q.entries.Len()+1 > q.maxEntries {
		return true
	}
	return q.maxBytes > 0 && q.bytes+n > q.maxBytes
}

// HasPending reports whether at least one datagram is queued.
func (q *DatagramQueue) HasPending() bool {
	return q.depth.Load() > 0
}

// Len returns the number of queued datagrams.
func (q *DatagramQueue) Len() int {
	return int(q.depth.Load())
}

// Bytes returns the total size of queued datagrams.
func (q *DatagramQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Pop removes and returns the oldest datagram.
//
// Returns:
//   - []byte: The oldest datagram
//   - error: ErrQueue kind when the queue is empty or closed
func (q *DatagramQueue) Pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, newError(KindQueue, "pop", errors.New("queue closed"))
	}
	if q.entries.Len() == 0 {
		return nil, newError(KindQueue, "pop", errors.New("queue empty"))
	}
	return q.popLocked(), nil
}

func (q *DatagramQueue) popLocked() []byte {
	d := q.entries.PopFront()
	q.bytes -= len(d)
	q.popped.Inc()
	q.depth.Store(int64(q.entries.Len()))
	return d
}

// Drain pops every datagram queued at the time of the call and hands each to
// fn in FIFO order. fn runs without the queue lock held.
//
// Returns:
//   - int: Number of datagrams drained
func (q *DatagramQueue) Drain(fn func([]byte)) int {
	n := 0
	limit := q.Len()
	for n < limit {
		q.mu.Lock()
		if q.closed || q.entries.Len() == 0 {
			q.mu.Unlock()
			return n
		}
		d := q.popLocked()
		q.mu.Unlock()

		fn(d)
		n++
	}
	return n
}

// Close discards pending datagrams and rejects further pushes. Idempotent.
func (q *DatagramQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.entries.Clear()
	q.bytes = 0
	q.depth.Store(0)
}

// IsClosed reports whether Close has been called.
func (q *DatagramQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns a snapshot of the queue counters.
func (q *DatagramQueue) Stats() QueueStats {
	return QueueStats{
		Pushed:    q.pushed.Load(),
		Popped:    q.popped.Load(),
		Overflows: q.overflows.Load(),
		Evicted:   q.evicted.Load(),
		Depth:     int(q.depth.Load()),
		Bytes:     q.Bytes(),
	}
}
