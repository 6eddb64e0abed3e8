// Package reflector drives a watcher.Watcher and keeps a store.Store
// strongly consistent with the latest snapshot it observes. See spec.md
// §4.2.
package reflector

import (
	"context"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/log"
	"github.com/controllerkit/runtime/objectref"
	"github.com/controllerkit/runtime/store"
	"github.com/controllerkit/runtime/watcher"
)

// GroupKind identifies which ObjectRef.Group/Kind to stamp onto every
// object the Reflector applies, since the objects themselves may not carry
// reliable TypeMeta.
type GroupKind struct {
	Group string
	Kind  string
}

// Reflector drains a watcher.Watcher's event stream into a store.Store,
// per the algorithm in spec.md §4.2: a staging buffer accumulates InitApply
// events and is atomically swapped in on InitDone, so readers never see a
// torn relist.
type Reflector struct {
	gk GroupKind
	w  *watcher.Watcher
	s  *store.Store

	// OnEvent, if set, is called with every event the Reflector consumes,
	// after it has been applied to the Store. Used by the controller
	// composition layer to also drive the Scheduler off the same stream
	// without a second Watcher connection.
	OnEvent func(watcher.Event)
}

// New constructs a Reflector that will keep s synchronized with w.
func New(gk GroupKind, w *watcher.Watcher, s *store.Store) *Reflector {
	return &Reflector{gk: gk, w: w, s: s}
}

// Store returns the backing Store, for callers that constructed the
// Reflector with one they already hold.
func (r *Reflector) Store() *store.Store { return r.s }

// Run drives the Reflector until ctx is cancelled or the underlying
// Watcher's event channel closes.
func (r *Reflector) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("reflector").WithValues("kind", r.gk.Kind)
	events := r.w.Run(ctx)

	var staging map[objectref.ObjectRef]api.Object

	for ev := range events {
		switch ev.Type {
		case watcher.Init:
			staging = make(map[objectref.ObjectRef]api.Object)
		case watcher.InitApply:
			ref := r.ref(ev.Object)
			if staging == nil {
				// Defensive: a well-behaved Watcher always emits Init
				// first, but don't let a misbehaving one write into a nil
				// map.
				staging = make(map[objectref.ObjectRef]api.Object)
			}
			staging[ref] = ev.Object
		case watcher.InitDone:
			if staging == nil {
				staging = make(map[objectref.ObjectRef]api.Object)
			}
			r.s.Replace(staging)
			staging = nil
			logger.V(1).Info("relist complete", "objects", len(r.s.List()))
		case watcher.Apply:
			r.s.Apply(r.ref(ev.Object), ev.Object)
		case watcher.Delete:
			r.s.Delete(r.ref(ev.Object))
		}

		if r.OnEvent != nil {
			r.OnEvent(ev)
		}
	}

	return ctx.Err()
}

func (r *Reflector) ref(obj api.Object) objectref.ObjectRef {
	return objectref.New(r.gk.Group, r.gk.Kind, obj.GetNamespace(), obj.GetName())
}
