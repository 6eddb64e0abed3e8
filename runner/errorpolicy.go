package runner

import (
	"k8s.io/client-go/util/workqueue"

	"github.com/controllerkit/runtime/objectref"
	"github.com/controllerkit/runtime/reconcile"
)

// RateLimitingErrorPolicy adapts client-go's standard controller rate
// limiter (exponential per-key backoff, capped by an overall token
// bucket) into an ErrorPolicy: the same shape workqueue.RateLimitingInterface
// gives a controller loop built directly on client-go's workqueue, here
// driven by hand since this core schedules requeues through its own
// Scheduler rather than a workqueue.
type RateLimitingErrorPolicy struct {
	limiter workqueue.RateLimiter
}

// NewRateLimitingErrorPolicy constructs a RateLimitingErrorPolicy using
// client-go's DefaultControllerRateLimiter.
func NewRateLimitingErrorPolicy() *RateLimitingErrorPolicy {
	return &RateLimitingErrorPolicy{limiter: workqueue.DefaultControllerRateLimiter()}
}

// Policy returns the ErrorPolicy to pass to New.
func (p *RateLimitingErrorPolicy) Policy() ErrorPolicy {
	return func(ref objectref.ObjectRef, err error) reconcile.Result {
		return reconcile.Result{RequeueAfter: p.limiter.When(ref)}
	}
}

// Succeeded resets ref's accumulated backoff. Wire as Options.Succeeded.
func (p *RateLimitingErrorPolicy) Succeeded(ref objectref.ObjectRef) {
	p.limiter.Forget(ref)
}
