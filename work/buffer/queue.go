package buffer

import (
	"sync"
	"sync/atomic"
)

// FrameQueue is a bounded FIFO of encoded frames shared by many producers and a
// single consumer. When a frame is offered to a full queue the oldest frame is
// evicted first, so a slow consumer sees fresh frames with gaps instead of
// stalling the producer or growing without bound.
//
// Poll never blocks; the consumer paces itself. Close wakes nothing but makes
// every later Poll report the queue as closed, which is how a stopping server
// tells its sessions to exit.
type FrameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	head   int
	size   int

	closed  atomic.Bool
	dropped atomic.Int64
}

// NewFrameQueue creates a queue holding at most capacity frames. A capacity
// below one is raised to one.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{frames: make([][]byte, capacity)}
}

// Offer appends frame, evicting the oldest entry when the queue is full. It
// reports whether an eviction took place. Offers to a closed queue are discarded.
func (q *FrameQueue) Offer(frame []byte) (evicted bool) {
	if q.closed.Load() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.frames) {
		q.frames[q.head] = nil
		q.head = (q.head + 1) % len(q.frames)
		q.size--
		evicted = true
		q.dropped.Add(1)
	}

	q.frames[(q.head+q.size)%len(q.frames)] = frame
	q.size++
	return evicted
}

// Poll removes and returns the oldest frame. ok is false when the queue is empty.
// closed is true once Close has been called, in which case no frame is returned.
func (q *FrameQueue) Poll() (frame []byte, ok bool, closed bool) {
	if q.closed.Load() {
		return nil, false, true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false, false
	}

	frame = q.frames[q.head]
	q.frames[q.head] = nil
	q.head = (q.head + 1) % len(q.frames)
	q.size--
	return frame, true, false
}

// Len returns the number of frames currently queued.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int {
	return len(q.frames)
}

// Dropped returns how many frames have been evicted since the queue was created.
func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Close marks the queue closed and releases any queued frames. Calling Close
// more than once is harmless.
func (q *FrameQueue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.frames {
		q.frames[i] = nil
	}
	q.head, q.size = 0, 0
}

// IsClosed reports whether Close has been called.
func (q *FrameQueue) IsClosed() bool {
	return q.closed.Load()
}
