// Package controller composes a primary Watcher with zero or more related
// Watchers into a single Scheduler/Runner pipeline reconciling one kind. See
// spec.md §4.5.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/log"
	"github.com/controllerkit/runtime/objectref"
	"github.com/controllerkit/runtime/reconcile"
	"github.com/controllerkit/runtime/reflector"
	"github.com/controllerkit/runtime/runner"
	"github.com/controllerkit/runtime/scheduler"
	"github.com/controllerkit/runtime/store"
	"github.com/controllerkit/runtime/watcher"
)

// MapFunc maps an event on a related source onto zero or more primary-kind
// ObjectRefs to reconcile. Used by Watches; Owns supplies its own
// owner-reference-walking MapFunc.
type MapFunc func(api.Object) []objectref.ObjectRef

// Reconciler is user reconcile logic, resolved from an ObjectRef against
// whichever Store(s) the caller closed over when constructing it.
type Reconciler interface {
	Reconcile(ctx context.Context, ref objectref.ObjectRef) (reconcile.Result, error)
}

// listWatchPair adapts a separately-supplied Lister and Watcher into a
// single api.ListWatcher, the shape watcher.New requires. client-go's own
// cache.ListWatch plays the same role for the split List/Watch funcs it's
// commonly built from.
type listWatchPair struct {
	api.Lister
	api.Watcher
}

// relatedSource is one Owns or Watches registration: its own watcher and
// store, plus the mapping policy from its events onto primary ObjectRefs.
type relatedSource struct {
	label  string
	gk     reflector.GroupKind
	w      *watcher.Watcher
	mapper MapFunc
}

// Builder accumulates a primary source plus related sources before Complete
// wires them into a runnable Controller.
type Builder struct {
	name      string
	primaryGK reflector.GroupKind
	primaryW  *watcher.Watcher
	related   []relatedSource
	allOn     []<-chan time.Time
}

// New starts a Builder for a controller named name, reconciling instances of
// the kind served by primary/primaryWatch. name also labels the primary
// ObjectRef's Kind and every metric/log line this controller emits.
func New(name string, primary api.Lister, primaryWatch api.Watcher, params watcher.Params) *Builder {
	gk := reflector.GroupKind{Kind: name}
	return &Builder{
		name:      name,
		primaryGK: gk,
		primaryW:  watcher.New(name, listWatchPair{primary, primaryWatch}, params),
	}
}

// Owns registers a related source whose objects are owned (via
// metadata.ownerReferences) by instances of the primary kind: an event on a
// child schedules a reconcile of its owner(s). Per spec.md §4.5's Owns
// mapping; owner references missing or pointing at a different Kind are
// skipped, not errored.
func (b *Builder) Owns(child api.Lister, childWatch api.Watcher, params watcher.Params) *Builder {
	label := fmt.Sprintf("%s-owns-%d", b.name, len(b.related))
	b.related = append(b.related, relatedSource{
		label:  label,
		gk:     reflector.GroupKind{Kind: label},
		w:      watcher.New(label, listWatchPair{child, childWatch}, params),
		mapper: ownerMapper(b.primaryGK),
	})
	return b
}

// Watches registers a related source with a caller-supplied mapping from
// its objects onto primary ObjectRefs to reconcile. Per spec.md §4.5's
// Watches mapping.
func (b *Builder) Watches(src api.Lister, srcWatch api.Watcher, params watcher.Params, mapper MapFunc) *Builder {
	label := fmt.Sprintf("%s-watches-%d", b.name, len(b.related))
	b.related = append(b.related, relatedSource{
		label:  label,
		gk:     reflector.GroupKind{Kind: label},
		w:      watcher.New(label, listWatchPair{src, srcWatch}, params),
		mapper: mapper,
	})
	return b
}

// ReconcileAllOn registers an administrative trigger: every tick received
// from ticks schedules a reconcile of every object currently in the primary
// Store. Per spec.md §4.5's reconcile_all_on.
func (b *Builder) ReconcileAllOn(ticks <-chan time.Time) *Builder {
	b.allOn = append(b.allOn, ticks)
	return b
}

// ownerMapper implements the Owns mapping: walk a child's ownerReferences,
// keep the ones naming the primary Kind, and turn each into a primary
// ObjectRef in the child's own namespace (owner references never cross
// namespaces, per the Kubernetes API's own constraint).
func ownerMapper(primary reflector.GroupKind) MapFunc {
	return func(obj api.Object) []objectref.ObjectRef {
		var refs []objectref.ObjectRef
		for _, owner := range obj.GetOwnerReferences() {
			if owner.Kind != primary.Kind {
				continue
			}
			refs = append(refs, objectref.New(primary.Group, primary.Kind, obj.GetNamespace(), owner.Name))
		}
		return refs
	}
}

// Options configures the Runner and shutdown behavior of a Controller.
type Options struct {
	// MaxConcurrentReconciles bounds in-flight reconciles. Defaults to 1.
	MaxConcurrentReconciles int
	// RequeueDelay is the deferred-coalesce delay for requests that arrive
	// while their ObjectRef is already in flight. Defaults to 25ms.
	RequeueDelay time.Duration
	// ErrorPolicy maps a reconcile error onto a requeue action. Defaults to
	// runner.NewRateLimitingErrorPolicy's exponential per-ObjectRef backoff.
	ErrorPolicy runner.ErrorPolicy
	// ShutdownTimeout bounds how long Start waits for in-flight reconciles
	// to finish once its context is cancelled, per spec.md §4.5's graceful
	// shutdown. Zero means wait indefinitely.
	ShutdownTimeout time.Duration
}

// setDefaults fills in the default ErrorPolicy and returns the rate limiter
// backing it (nil when the caller supplied their own), kept separate from
// Options so Complete can also wire its Succeeded hook.
func (o *Options) setDefaults() *runner.RateLimitingErrorPolicy {
	var rl *runner.RateLimitingErrorPolicy
	if o.ErrorPolicy == nil {
		rl = runner.NewRateLimitingErrorPolicy()
		o.ErrorPolicy = rl.Policy()
	}
	return rl
}

// Controller is a fully wired primary watcher/reflector plus its related
// sources, feeding one Scheduler/Runner pipeline.
type Controller struct {
	name string
	opts Options

	primaryStore *store.Store
	reflectors   []*reflector.Reflector
	sched        *scheduler.Scheduler
	run          *runner.Runner
	allOn        []<-chan time.Time
}

// Complete wires the accumulated sources against r and opts into a runnable
// Controller.
func (b *Builder) Complete(r Reconciler, opts Options) (*Controller, error) {
	defaultRL := opts.setDefaults()

	sched := scheduler.New(scheduler.WithName(b.name))
	primaryStore := store.New()
	primaryRefl := reflector.New(b.primaryGK, b.primaryW, primaryStore)
	primaryRefl.OnEvent = func(ev watcher.Event) {
		scheduleSelf(sched, b.primaryGK, ev)
	}

	c := &Controller{
		name:         b.name,
		opts:         opts,
		primaryStore: primaryStore,
		reflectors:   []*reflector.Reflector{primaryRefl},
		sched:        sched,
		allOn:        b.allOn,
	}

	for _, rs := range b.related {
		rs := rs
		relStore := store.New()
		relRefl := reflector.New(rs.gk, rs.w, relStore)
		relRefl.OnEvent = func(ev watcher.Event) {
			scheduleMapped(sched, rs.mapper, ev)
		}
		c.reflectors = append(c.reflectors, relRefl)
	}

	recon := func(ctx context.Context, ref objectref.ObjectRef) (reconcile.Result, error) {
		return r.Reconcile(ctx, ref)
	}
	runOpts := runner.Options{
		MaxConcurrentReconciles: opts.MaxConcurrentReconciles,
		RequeueDelay:            opts.RequeueDelay,
		Name:                    b.name,
	}
	if defaultRL != nil {
		runOpts.Succeeded = defaultRL.Succeeded
	}
	c.run = runner.New(sched, recon, opts.ErrorPolicy, runOpts)

	return c, nil
}

// scheduleSelf implements spec.md §4.5's Self mapping: every event on the
// primary kind, including each object replayed at the Init/InitDone
// boundary, schedules a reconcile of itself.
func scheduleSelf(sched *scheduler.Scheduler, gk reflector.GroupKind, ev watcher.Event) {
	if ev.Object == nil {
		return
	}
	ref := objectref.New(gk.Group, gk.Kind, ev.Object.GetNamespace(), ev.Object.GetName())
	sched.Schedule(ref, time.Now(), "self")
}

// scheduleMapped implements the Owns/Watches mappings: every event on a
// related source is fed through mapper, and every ref it returns is
// scheduled.
func scheduleMapped(sched *scheduler.Scheduler, mapper MapFunc, ev watcher.Event) {
	if ev.Object == nil || mapper == nil {
		return
	}
	for _, ref := range mapper(ev.Object) {
		sched.Schedule(ref, time.Now(), "mapped")
	}
}

// Store returns the primary kind's Store, for callers that want read access
// alongside Start (e.g. to serve a status endpoint).
func (c *Controller) Store() *store.Store { return c.primaryStore }

// Start runs every reflector, the reconcile-all tickers, and the Runner
// until ctx is cancelled, then performs the graceful shutdown spec.md §4.5
// and §5 call for: stop accepting new trigger events, flush the Scheduler
// of currently-due requests, and await in-flight reconciles bounded by
// opts.ShutdownTimeout.
func (c *Controller) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("controller").WithValues("controller", c.name)

	// Sources (reflectors, reconcile-all tickers) stop the moment the
	// caller's ctx goes away. The Runner gets its own context so it can
	// keep draining requests already due, per spec.md §4.5's "flush the
	// Scheduler of currently-due requests" — it only stops once that drain
	// settles or the shutdown deadline elapses.
	srcCtx, srcCancel := context.WithCancel(ctx)
	defer srcCancel()
	srcCtx = log.IntoContext(srcCtx, logger)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	runCtx = log.IntoContext(runCtx, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, len(c.reflectors)+len(c.allOn))

	for _, refl := range c.reflectors {
		refl := refl
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := refl.Run(srcCtx); err != nil && srcCtx.Err() == nil {
				errCh <- err
			}
		}()
	}

	for _, ticks := range c.allOn {
		ticks := ticks
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runReconcileAll(srcCtx, ticks)
		}()
	}

	results := c.run.Run(runCtx)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		for res := range results {
			if res.Err != nil {
				logger.Error(res.Err, "reconcile failed", "ref", res.Ref.String())
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		srcCancel()
		wg.Wait()
		c.drainAndStop(runCancel, runnerDone, logger)
		return err
	}

	srcCancel()
	wg.Wait()
	c.drainAndStop(runCancel, runnerDone, logger)
	return nil
}

// drainAndStop implements spec.md §4.5's graceful shutdown tail: sources
// have already stopped, so only currently-pending-and-due requests are
// drained here, not future deadlines (per spec.md §4.3) — a request
// scheduled an hour out shouldn't hold up shutdown. Wait for the due set
// to empty or for the shutdown deadline, whichever comes first, then stop
// the Runner and await runnerDone for the same deadline.
func (c *Controller) drainAndStop(runCancel context.CancelFunc, runnerDone <-chan struct{}, logger logr.Logger) {
	c.sched.Shutdown(true)

	deadline := c.opts.ShutdownTimeout
	var drainDeadline <-chan time.Time
	if deadline > 0 {
		drainDeadline = time.After(deadline)
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		due, ok := c.sched.NextDeadline()
		if !ok || due.After(time.Now()) {
			break drain
		}
		select {
		case <-ticker.C:
		case <-drainDeadline:
			logger.Info("shutdown deadline elapsed while requests were still due")
			break drain
		}
	}

	runCancel()

	if deadline <= 0 {
		<-runnerDone
		return
	}
	select {
	case <-runnerDone:
	case <-time.After(deadline):
		logger.Info("shutdown deadline elapsed with reconciles still in flight")
	}
}

// runReconcileAll schedules every object currently in the primary Store on
// each tick, until ctx is cancelled or ticks closes.
func (c *Controller) runReconcileAll(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			for _, ref := range c.primaryStore.ListRefs() {
				c.sched.Schedule(ref, time.Now(), "reconcile-all")
			}
		}
	}
}
