// Package runnerctx implements the Runner Service's per-lifecycle Run
// Context: the appendable bar stream a strategy consumes, script-change
// detection, and the dispatch logic that turns prerun_ready/run_ready
// bus events into strategy steps.
package runnerctx

import (
	"sync"

	"github.com/arai-quant/barrunner/internal/bar"
)

// BarStream is an ordered, blocking bar queue a strategy consumes one
// bar at a time. Unlike a buffered channel, it supports ReplaceLast —
// mutating the most recently queued-but-unconsumed bar — which has no
// clean channel equivalent; this is modeled directly on
// runner_service/appendable_iter.py's AppendableIterable, a deque
// guarded by a condition variable instead of channel semantics.
type BarStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []bar.Bar
	closed bool
}

// NewBarStream returns an empty, open stream.
func NewBarStream() *BarStream {
	s := &BarStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Append adds b to the end of the queue and wakes any blocked
// consumer. It panics if the stream has already been finished, mirroring
// AppendableIterable.append raising after close().
func (s *BarStream) Append(b bar.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("runnerctx: Append on a finished BarStream")
	}
	s.queue = append(s.queue, b)
	s.cond.Signal()
}

// ReplaceLast overwrites the last queued-but-unconsumed bar with b. It
// panics if the queue is empty, mirroring AppendableIterable's
// IndexError on an empty deque.
func (s *BarStream) ReplaceLast(b bar.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		panic("runnerctx: ReplaceLast on an empty BarStream")
	}
	s.queue[len(s.queue)-1] = b
}

// Finish marks the stream closed: no more bars will ever be appended,
// and Next returns (Bar{}, false) once the queue drains.
func (s *BarStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Next blocks until a bar is available or the stream is finished and
// drained, matching AppendableIterable.__iter__'s cv.wait() loop.
func (s *BarStream) Next() (bar.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return bar.Bar{}, false
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	return b, true
}

// Len reports the number of bars currently queued but not yet consumed.
func (s *BarStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
