package orkestra

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// queueEntry is one request waiting for an execution slot.
type queueEntry struct {
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	admitted   chan struct{}
	isAdmitted bool
	rejected   error
	index      int
}

// entryHeap orders by priority tier first, then admission order within a
// tier, so high priority preempts the next admission slot but nothing
// already dispatched.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduler admits queued requests into execution while the active count
// stays under the configured bound. Settlement of a dispatched request is the
// sole re-admission trigger; there is no polling.
type scheduler struct {
	mu            sync.Mutex
	queue         entryHeap
	active        int
	maxConcurrent int
	queueTimeout  time.Duration
	seq           uint64
	closed        bool
}

func newScheduler(maxConcurrent int, queueTimeout time.Duration) *scheduler {
	return &scheduler{
		maxConcurrent: maxConcurrent,
		queueTimeout:  queueTimeout,
	}
}

// run blocks until the entry is admitted, then executes exec in the calling
// goroutine while holding an execution slot. An entry still queued when its
// queue-wait deadline fires fails with a QueueTimeout classification.
func (s *scheduler) run(ctx context.Context, priority Priority, exec func() (*Response, error)) (*Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	s.seq++
	e := &queueEntry{
		priority:   priority,
		seq:        s.seq,
		enqueuedAt: time.Now(),
		admitted:   make(chan struct{}),
		index:      -1,
	}

	if s.active < s.maxConcurrent && len(s.queue) == 0 {
		s.active++
		e.isAdmitted = true
		close(e.admitted)
	} else {
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()

	if !e.isAdmitted {
		if err := s.await(ctx, e); err != nil {
			return nil, err
		}
	}

	defer s.release()
	return exec()
}

// await waits for admission, the queue-wait deadline, or caller cancellation,
// whichever comes first.
func (s *scheduler) await(ctx context.Context, e *queueEntry) error {
	var deadline <-chan time.Time
	if s.queueTimeout > 0 {
		timer := time.NewTimer(s.queueTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-e.admitted:
		if e.rejected != nil {
			return e.rejected
		}
		return nil
	case <-deadline:
		if s.tryRemove(e) {
			return &ClientError{
				Type:      ErrorTypeQueueTimeout,
				Message:   "not admitted before queue wait deadline",
				Duration:  time.Since(e.enqueuedAt),
				Timestamp: time.Now(),
			}
		}
		// Admitted while the deadline fired; the slot is ours.
		if e.rejected != nil {
			return e.rejected
		}
		return nil
	case <-ctx.Done():
		if s.tryRemove(e) {
			return ctx.Err()
		}
		if e.rejected != nil {
			return e.rejected
		}
		return nil
	}
}

// tryRemove takes the entry out of the queue if it has not been admitted.
// Returns false when admission won the race, in which case the held slot must
// be used (and later released) by the caller.
func (s *scheduler) tryRemove(e *queueEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.isAdmitted {
		return false
	}
	heap.Remove(&s.queue, e.index)
	return true
}

// release frees the slot and immediately admits the next queued entry.
func (s *scheduler) release() {
	s.mu.Lock()
	s.active--
	s.admitLocked()
	s.mu.Unlock()
}

func (s *scheduler) admitLocked() {
	for s.active < s.maxConcurrent && len(s.queue) > 0 {
		e := heap.Pop(&s.queue).(*queueEntry)
		e.isAdmitted = true
		s.active++
		close(e.admitted)
	}
}

// close rejects every queued entry and refuses new ones. Dispatched entries
// run to settlement.
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for len(s.queue) > 0 {
		e := heap.Pop(&s.queue).(*queueEntry)
		e.rejected = ErrClosed
		e.isAdmitted = true
		close(e.admitted)
	}
}

func (s *scheduler) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
