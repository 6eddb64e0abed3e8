// Package runner takes due requests from a scheduler.Scheduler and invokes
// a user reconcile function, enforcing at-most-one reconcile in flight per
// ObjectRef. See spec.md §4.4.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/controllerkit/runtime/internal/log"
	"github.com/controllerkit/runtime/internal/metrics"
	"github.com/controllerkit/runtime/objectref"
	"github.com/controllerkit/runtime/reconcile"
	"github.com/controllerkit/runtime/scheduler"
)

// ReconcileFunc is user reconcile logic: idempotent, converges world state
// toward desired state for a single ObjectRef.
type ReconcileFunc func(ctx context.Context, ref objectref.ObjectRef) (reconcile.Result, error)

// ErrorPolicy maps a reconcile error onto a requeue action. Returning a
// zero Result with RequeueAfter == 0 means "don't requeue".
type ErrorPolicy func(ref objectref.ObjectRef, err error) reconcile.Result

// Result is one completed reconcile attempt, published on the Runner's
// output stream for the controller composition layer (and ultimately the
// user) to observe. Per spec.md §6/§7.
type Result struct {
	Ref objectref.ObjectRef
	Err error
}

// Options configures a Runner.
type Options struct {
	// MaxConcurrentReconciles bounds how many reconcile tasks may run in
	// parallel (never more than one per ObjectRef, regardless of this
	// bound). Defaults to 1.
	MaxConcurrentReconciles int
	// RequeueDelay is the small delay used to re-schedule a request that
	// arrived while its ObjectRef was already in flight. Defaults to
	// 25ms, per spec.md §4.4's 0-50ms window.
	RequeueDelay time.Duration
	// Name labels metrics and logs for this Runner.
	Name string
	// Succeeded, if set, is called after a reconcile attempt completes
	// without error, before any requeue is scheduled. A rate-limiting
	// ErrorPolicy uses this to forget an ObjectRef's accumulated backoff.
	Succeeded func(ref objectref.ObjectRef)
}

func (o *Options) setDefaults() {
	if o.MaxConcurrentReconciles <= 0 {
		o.MaxConcurrentReconciles = 1
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 25 * time.Millisecond
	}
	if o.Name == "" {
		o.Name = "controller"
	}
}

// Runner enforces at-most-one-in-flight-per-ObjectRef dispatch of due
// scheduler.Requests to a ReconcileFunc.
type Runner struct {
	sched *scheduler.Scheduler
	recon ReconcileFunc
	pol   ErrorPolicy
	opts  Options

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[objectref.ObjectRef]struct{}

	wg sync.WaitGroup
}

// New constructs a Runner draining sched and invoking recon for each due
// request, applying pol to reconcile errors.
func New(sched *scheduler.Scheduler, recon ReconcileFunc, pol ErrorPolicy, opts Options) *Runner {
	opts.setDefaults()
	return &Runner{
		sched:    sched,
		recon:    recon,
		pol:      pol,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrentReconciles),
		inFlight: make(map[objectref.ObjectRef]struct{}),
	}
}

// Run drains due requests until ctx is cancelled, publishing one Result per
// completed reconcile attempt on the returned channel. On cancellation, no
// new reconcile tasks start; in-flight ones are awaited before the channel
// is closed (graceful shutdown per spec.md §5).
func (r *Runner) Run(ctx context.Context) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		defer r.wg.Wait()

		logger := log.FromContext(ctx).WithName("runner").WithValues("controller", r.opts.Name)
		for {
			r.sched.WaitForDeadline(ctx)
			if ctx.Err() != nil {
				return
			}

			due := r.sched.PollDue(time.Now())
			for _, req := range due {
				if ctx.Err() != nil {
					return
				}
				r.dispatch(ctx, req, out, logger)
			}
		}
	}()
	return out
}

func (r *Runner) dispatch(ctx context.Context, req *scheduler.Request, out chan<- Result, logger logr.Logger) {
	r.mu.Lock()
	_, busy := r.inFlight[req.Ref]
	if !busy {
		r.inFlight[req.Ref] = struct{}{}
	}
	r.mu.Unlock()

	if busy {
		// Deferred coalesce: someone else is already reconciling this
		// ObjectRef, try again shortly. Per spec.md §4.4 step 3.
		logger.V(1).Info("object already in flight, deferring", "ref", req.Ref.String())
		r.sched.Schedule(req.Ref, time.Now().Add(r.opts.RequeueDelay), "runner-busy-retry")
		return
	}

	metrics.RunnerInFlight.WithLabelValues(r.opts.Name).Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runOne(ctx, req, out, logger)
	}()
}

func (r *Runner) runOne(ctx context.Context, req *scheduler.Request, out chan<- Result, logger logr.Logger) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.finish(req.Ref)
		return
	}
	defer func() { <-r.sem }()

	// Each attempt gets its own correlation ID, threaded through the
	// logger so every log line a reconcile emits can be grepped together,
	// the same way a request ID ties together one HTTP call's log lines.
	attemptID := uuid.NewString()
	rctx := log.IntoContext(ctx, logger.WithValues("ref", req.Ref.String(), "reconcileID", attemptID))

	start := time.Now()
	result, err := r.recon(rctx, req.Ref)
	metrics.RunnerReconcileDuration.WithLabelValues(r.opts.Name).Observe(time.Since(start).Seconds())

	r.finish(req.Ref)

	if err != nil {
		metrics.RunnerReconcileTotal.WithLabelValues(r.opts.Name, "error").Inc()
		action := r.pol(req.Ref, err)
		if action.RequeueAfter > 0 {
			r.sched.Schedule(req.Ref, time.Now().Add(action.RequeueAfter), "error-policy")
		}
	} else {
		metrics.RunnerReconcileTotal.WithLabelValues(r.opts.Name, "success").Inc()
		if r.opts.Succeeded != nil {
			r.opts.Succeeded(req.Ref)
		}
		if result.RequeueAfter > 0 {
			r.sched.Schedule(req.Ref, time.Now().Add(result.RequeueAfter), "requeue-after")
		}
	}

	select {
	case out <- Result{Ref: req.Ref, Err: err}:
	case <-ctx.Done():
	}
}

func (r *Runner) finish(ref objectref.ObjectRef) {
	r.mu.Lock()
	delete(r.inFlight, ref)
	r.mu.Unlock()
	metrics.RunnerInFlight.WithLabelValues(r.opts.Name).Dec()
}

// InFlightCount reports how many ObjectRefs currently have a reconcile
// task running, primarily for tests asserting exclusivity.
func (r *Runner) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}
