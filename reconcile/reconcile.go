// Package reconcile defines the shape of a reconcile result, returned by
// user code and consumed by the runner to decide whether to requeue.
package reconcile

import "time"

// Result is what reconcile user code hands back. A zero Result means
// "nothing more to do unless another event arrives".
type Result struct {
	// RequeueAfter, if positive, schedules another reconcile of the same
	// ObjectRef after this duration, per spec.md §3's ReconcilerAction.
	RequeueAfter time.Duration
}
