// Package store holds the concurrent mapping from ObjectRef to the latest
// known object that a Reflector maintains and readers query.
package store

import (
	"context"
	"sync"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/objectref"
)

// Store is a concurrent ObjectRef -> api.Object map. There is exactly one
// writer (a Reflector) and arbitrarily many readers. Readers take a short
// read lock per call and never block a writer for longer than one event
// apply, per spec.md §4.2.
type Store struct {
	mu   sync.RWMutex
	objs map[objectref.ObjectRef]api.Object

	// changed is closed and replaced under mu on every mutation, so WaitFor
	// can block on it without polling.
	changed chan struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		objs:    make(map[objectref.ObjectRef]api.Object),
		changed: make(chan struct{}),
	}
}

// notify must be called with mu held for writing.
func (s *Store) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Get returns a snapshot of the object for ref at the moment of the call.
func (s *Store) Get(ref objectref.ObjectRef) (api.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objs[ref]
	return o, ok
}

// List returns a snapshot of all objects currently held.
func (s *Store) List() []api.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Object, 0, len(s.objs))
	for _, o := range s.objs {
		out = append(out, o)
	}
	return out
}

// ListRefs returns a snapshot of all keys currently held, used by
// reconcile-all to fan a trigger out over the whole Store without copying
// every object.
func (s *Store) ListRefs() []objectref.ObjectRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objectref.ObjectRef, 0, len(s.objs))
	for ref := range s.objs {
		out = append(out, ref)
	}
	return out
}

// Apply inserts or replaces the entry for ref. Exported for the reflector
// package; readers of a Store should never call this — it is the write
// half of the single-writer contract in spec.md §4.2.
func (s *Store) Apply(ref objectref.ObjectRef, obj api.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[ref] = obj
	s.notify()
}

// Delete removes the entry for ref, if present. Exported for the reflector
// package; see Apply's note on the single-writer contract.
func (s *Store) Delete(ref objectref.ObjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objs, ref)
	s.notify()
}

// Replace atomically swaps the entire contents of the Store for snapshot.
// This is the only place deletions-by-absence are resolved: any ref that
// was present before and is absent from snapshot is implicitly deleted.
// Exported for the reflector package, called at an InitDone boundary; see
// Apply's note on the single-writer contract.
func (s *Store) Replace(snapshot map[objectref.ObjectRef]api.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs = snapshot
	s.notify()
}

// WaitFor blocks until an entry for ref exists and satisfies pred, or ctx
// is cancelled. It resolves immediately if the condition already holds.
func (s *Store) WaitFor(ctx context.Context, ref objectref.ObjectRef, pred func(api.Object) bool) (api.Object, error) {
	for {
		s.mu.RLock()
		o, ok := s.objs[ref]
		wake := s.changed
		s.mu.RUnlock()

		if ok && pred(o) {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}
