// Package finalizer wraps a reconcile function so it participates
// correctly in the Kubernetes deletion protocol. See spec.md §4.6.
package finalizer

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "gomodules.xyz/jsonpatch/v2"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/reconcile"
)

// Funcs are the user callbacks a Reconcile wraps: apply converges desired
// state for a live object, cleanup releases external resources before
// deletion may proceed. Both must be idempotent, per spec.md §4.6.
type Funcs struct {
	Apply   func(context.Context, api.Object) (reconcile.Result, error)
	Cleanup func(context.Context, api.Object) (reconcile.Result, error)
}

// Reconcile runs the finalizer state machine in spec.md §4.6's table
// against obj, using patcher to add/remove name from metadata.finalizers.
//
//	deletionTimestamp == nil, name not present -> add finalizer; zero Result, no requeue
//	deletionTimestamp == nil, name present     -> apply(obj)
//	deletionTimestamp != nil, name present     -> cleanup(obj); on success remove finalizer
//	deletionTimestamp != nil, name not present -> no-op
func Reconcile(ctx context.Context, patcher api.Patcher, name string, obj api.Object, fns Funcs) (reconcile.Result, error) {
	idx := indexOf(obj.GetFinalizers(), name)
	deleting := obj.GetDeletionTimestamp() != nil && !obj.GetDeletionTimestamp().IsZero()

	switch {
	case !deleting && idx < 0:
		if err := addFinalizer(ctx, patcher, obj, name); err != nil {
			return reconcile.Result{}, fmt.Errorf("adding finalizer %q: %w", name, err)
		}
		// No point calling apply here: the patch above causes a fresh
		// reconciliation with the finalizer already present.
		return reconcile.Result{}, nil

	case !deleting && idx >= 0:
		return fns.Apply(ctx, obj)

	case deleting && idx >= 0:
		result, err := fns.Cleanup(ctx, obj)
		if err != nil {
			// Keep the finalizer: cleanup must succeed before removal is
			// safe, per spec.md §4.6's contract.
			return result, fmt.Errorf("cleanup for finalizer %q: %w", name, err)
		}
		if err := removeFinalizer(ctx, patcher, obj, name, idx); err != nil {
			return result, fmt.Errorf("removing finalizer %q: %w", name, err)
		}
		return result, nil

	default: // deleting && idx < 0
		return reconcile.Result{}, nil
	}
}

func indexOf(finalizers []string, name string) int {
	for i, f := range finalizers {
		if f == name {
			return i
		}
	}
	return -1
}

// addFinalizer issues a JSON test-and-set patch: test that /metadata/finalizers
// still equals what we observed, then append. A conflicting concurrent
// writer makes the test fail and the patch is rejected, surfacing as a
// retryable error rather than silently clobbering someone else's finalizer.
// Grounded on kube-runtime's finalizer.rs patch construction.
func addFinalizer(ctx context.Context, patcher api.Patcher, obj api.Object, name string) error {
	existing := obj.GetFinalizers()
	var patch []jsonpatch.JsonPatchOperation
	if len(existing) == 0 {
		patch = []jsonpatch.JsonPatchOperation{
			// Value is a typed nil, not a bare nil interface, so it
			// survives the library's `omitempty` tag and marshals to a
			// literal JSON null instead of being dropped.
			{Operation: "test", Path: "/metadata/finalizers", Value: []string(nil)},
			{Operation: "add", Path: "/metadata/finalizers", Value: []string{name}},
		}
	} else {
		patch = []jsonpatch.JsonPatchOperation{
			{Operation: "test", Path: "/metadata/finalizers", Value: existing},
			{Operation: "add", Path: "/metadata/finalizers/-", Value: name},
		}
	}
	return applyPatch(ctx, patcher, obj, patch)
}

// removeFinalizer test-and-sets on the specific index, so a concurrent
// finalizer removal by another controller fails this patch (triggering a
// fresh reconcile with a Cleanup retry) rather than removing the wrong
// entry.
func removeFinalizer(ctx context.Context, patcher api.Patcher, obj api.Object, name string, idx int) error {
	path := fmt.Sprintf("/metadata/finalizers/%d", idx)
	patch := []jsonpatch.JsonPatchOperation{
		{Operation: "test", Path: path, Value: name},
		{Operation: "remove", Path: path},
	}
	return applyPatch(ctx, patcher, obj, patch)
}

func applyPatch(ctx context.Context, patcher api.Patcher, obj api.Object, ops []jsonpatch.JsonPatchOperation) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshaling finalizer patch: %w", err)
	}
	_, err = patcher.Patch(ctx, obj.GetNamespace(), obj.GetName(), raw)
	return err
}
