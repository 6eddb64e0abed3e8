// Package scheduler holds pending reconcile requests keyed by ObjectRef,
// releases them when due, and coalesces duplicates. See spec.md §4.3.
//
// The implementation follows sigs.k8s.io/controller-runtime's
// pkg/controller/priorityqueue: a btree ordered by due time backs the
// queue, with a side map for O(log n) coalescing lookups.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"k8s.io/utils/clock"

	"github.com/controllerkit/runtime/internal/metrics"
	"github.com/controllerkit/runtime/objectref"
)

// Request is a pending reconcile request for a single ObjectRef. Reasons
// accumulate across coalesced schedule() calls into a set.
type Request struct {
	Ref     objectref.ObjectRef
	Due     time.Time
	Reasons map[string]struct{}
}

// item is the btree element; it wraps a *Request plus an insertion counter
// used to break due-time ties in FIFO order, per spec.md §4.3's ordering
// guarantee.
type item struct {
	req     *Request
	counter uint64
}

func less(a, b *item) bool {
	if !a.req.Due.Equal(b.req.Due) {
		return a.req.Due.Before(b.req.Due)
	}
	return a.counter < b.counter
}

// Scheduler is a min-heap of (ObjectRef, due) keyed requests, backed by a
// btree for logarithmic coalescing.
type Scheduler struct {
	mu sync.Mutex

	tree  *btree.BTreeG[*item]
	byRef map[objectref.ObjectRef]*item

	counter uint64
	clock   clock.Clock

	// name labels this Scheduler's metrics, since a process may run several
	// controllers, each with its own Scheduler.
	name string

	// notify is closed and replaced on every mutation, so callers blocked
	// in a wait-for-deadline loop wake up promptly instead of polling.
	notify chan struct{}

	shuttingDown bool
	drained      bool
}

// Opt configures a Scheduler at construction time.
type Opt func(*Scheduler)

// WithClock injects a clock.Clock, for deterministic tests.
func WithClock(c clock.Clock) Opt {
	return func(s *Scheduler) { s.clock = c }
}

// WithName labels this Scheduler's metrics; several controllers running in
// one process otherwise collide on the same label value.
func WithName(name string) Opt {
	return func(s *Scheduler) { s.name = name }
}

// New constructs an empty Scheduler.
func New(opts ...Opt) *Scheduler {
	s := &Scheduler{
		tree:   btree.NewG(32, less),
		byRef:  make(map[objectref.ObjectRef]*item),
		clock:  clock.RealClock{},
		notify: make(chan struct{}),
		name:   "controller",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// reportDepthLocked must be called with mu held, after the tree's length has
// settled for this call.
func (s *Scheduler) reportDepthLocked() {
	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(s.tree.Len()))
}

// Schedule inserts a request for ref due at due with reason, or, if one is
// already pending, coalesces: the earlier of the two due times wins and
// reasons accumulate into a set. Per spec.md §4.3 and testable property 4.
func (s *Scheduler) Schedule(ref objectref.ObjectRef, due time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}

	if existing, ok := s.byRef[ref]; ok {
		s.tree.Delete(existing)
		if due.Before(existing.req.Due) {
			existing.req.Due = due
		}
		if reason != "" {
			existing.req.Reasons[reason] = struct{}{}
		}
		existing.counter = s.nextCounter()
		s.tree.ReplaceOrInsert(existing)
		s.reportDepthLocked()
		s.wake()
		return
	}

	reasons := map[string]struct{}{}
	if reason != "" {
		reasons[reason] = struct{}{}
	}
	it := &item{
		req:     &Request{Ref: ref, Due: due, Reasons: reasons},
		counter: s.nextCounter(),
	}
	s.byRef[ref] = it
	s.tree.ReplaceOrInsert(it)
	s.reportDepthLocked()
	s.wake()
}

func (s *Scheduler) nextCounter() uint64 {
	s.counter++
	return s.counter
}

// PollDue removes and returns every request whose Due is <= now, in
// non-decreasing Due order (ties in FIFO order).
func (s *Scheduler) PollDue(now time.Time) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*item
	s.tree.Ascend(func(it *item) bool {
		if it.req.Due.After(now) {
			return false
		}
		due = append(due, it)
		return true
	})

	out := make([]*Request, 0, len(due))
	for _, it := range due {
		s.tree.Delete(it)
		delete(s.byRef, it.req.Ref)
		metrics.SchedulerLatency.WithLabelValues(s.name).Observe(now.Sub(it.req.Due).Seconds())
		out = append(out, it.req)
	}
	if len(out) > 0 {
		s.reportDepthLocked()
		s.wake()
	}
	return out
}

// NextDeadline returns the earliest pending Due, if any.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDeadlineLocked()
}

// Cancel removes the pending request for ref, if any.
func (s *Scheduler) Cancel(ref objectref.ObjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byRef[ref]; ok {
		s.tree.Delete(it)
		delete(s.byRef, ref)
		s.reportDepthLocked()
		s.wake()
	}
}

// Len reports the number of pending requests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// Shutdown stops accepting new requests: Schedule becomes a no-op. If
// graceful, pending requests stay queued, so a caller can keep draining the
// ones already due with PollDue; requests with future deadlines are left in
// place, not dropped. Non-graceful shutdown drops everything immediately
// and makes WaitForDeadline return at once.
func (s *Scheduler) Shutdown(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
	if !graceful {
		s.tree.Clear(false)
		s.byRef = make(map[objectref.ObjectRef]*item)
		s.drained = true
		s.reportDepthLocked()
	}
	s.wake()
}

// WaitForDeadline blocks until the earliest pending request becomes due or
// ctx is cancelled, re-checking the earliest deadline whenever the queue
// changes, so a newly scheduled earlier request shortens the wait. It
// returns immediately if a request is already due, or once a non-graceful
// Shutdown has drained the queue.
func (s *Scheduler) WaitForDeadline(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.drained {
			s.mu.Unlock()
			return
		}
		due, ok := s.nextDeadlineLocked()
		wake := s.notify
		s.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		now := s.clock.Now()
		if !due.After(now) {
			return
		}
		t := s.clock.NewTimer(due.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
			t.Stop()
			continue
		case <-t.C():
			return
		}
	}
}

func (s *Scheduler) nextDeadlineLocked() (time.Time, bool) {
	var found *item
	s.tree.Ascend(func(it *item) bool {
		found = it
		return false
	})
	if found == nil {
		return time.Time{}, false
	}
	return found.req.Due, true
}
