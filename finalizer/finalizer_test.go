package finalizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/testutil"
	"github.com/controllerkit/runtime/reconcile"
)

const name = "example.com/cleanup"

func TestReconcileAddsFinalizerWhenLiveAndAbsent(t *testing.T) {
	obj := testutil.NewObject("default", "widget", "1")
	patcher := testutil.NewFakePatcher(obj)

	var applyCalled bool
	fns := Funcs{
		Apply: func(context.Context, api.Object) (reconcile.Result, error) {
			applyCalled = true
			return reconcile.Result{}, nil
		},
		Cleanup: func(context.Context, api.Object) (reconcile.Result, error) {
			t.Fatal("cleanup should not be called on a live object")
			return reconcile.Result{}, nil
		},
	}

	_, err := Reconcile(context.Background(), patcher, name, obj, fns)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if applyCalled {
		t.Error("apply should not run in the same pass that adds the finalizer")
	}

	stored, ok := patcher.Get("default", "widget")
	if !ok {
		t.Fatal("expected object to still be present")
	}
	if idx := indexOf(stored.Finalizers, name); idx < 0 {
		t.Errorf("expected finalizer %q to have been added, got %v", name, stored.Finalizers)
	}
}

func TestReconcileAppliesWhenLiveAndPresent(t *testing.T) {
	obj := testutil.NewObject("default", "widget", "1")
	obj.Finalizers = []string{name}
	patcher := testutil.NewFakePatcher(obj)

	var applyCalled bool
	fns := Funcs{
		Apply: func(ctx context.Context, o api.Object) (reconcile.Result, error) {
			applyCalled = true
			if o.GetName() != "widget" {
				t.Errorf("apply got unexpected object %q", o.GetName())
			}
			return reconcile.Result{RequeueAfter: time.Minute}, nil
		},
		Cleanup: func(context.Context, api.Object) (reconcile.Result, error) {
			t.Fatal("cleanup should not be called on a live object")
			return reconcile.Result{}, nil
		},
	}

	result, err := Reconcile(context.Background(), patcher, name, obj, fns)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !applyCalled {
		t.Error("expected apply to be called")
	}
	if result.RequeueAfter != time.Minute {
		t.Errorf("result.RequeueAfter = %v, want 1m", result.RequeueAfter)
	}
}

func TestReconcileCleansUpAndRemovesFinalizerOnDeletion(t *testing.T) {
	obj := testutil.NewObject("default", "widget", "1")
	obj.Finalizers = []string{"other.example.com/first", name}
	obj.MarkForDeletion(0)
	patcher := testutil.NewFakePatcher(obj)

	var cleanupCalled bool
	fns := Funcs{
		Apply: func(context.Context, api.Object) (reconcile.Result, error) {
			t.Fatal("apply should not be called on a deleting object")
			return reconcile.Result{}, nil
		},
		Cleanup: func(ctx context.Context, o api.Object) (reconcile.Result, error) {
			cleanupCalled = true
			return reconcile.Result{}, nil
		},
	}

	_, err := Reconcile(context.Background(), patcher, name, obj, fns)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !cleanupCalled {
		t.Fatal("expected cleanup to be called")
	}

	stored, ok := patcher.Get("default", "widget")
	if !ok {
		t.Fatal("expected object to still be present")
	}
	if idx := indexOf(stored.Finalizers, name); idx >= 0 {
		t.Errorf("expected finalizer %q to have been removed, got %v", name, stored.Finalizers)
	}
	if idx := indexOf(stored.Finalizers, "other.example.com/first"); idx < 0 {
		t.Errorf("expected unrelated finalizer to survive removal, got %v", stored.Finalizers)
	}
}

func TestReconcileKeepsFinalizerWhenCleanupFails(t *testing.T) {
	obj := testutil.NewObject("default", "widget", "1")
	obj.Finalizers = []string{name}
	obj.MarkForDeletion(0)
	patcher := testutil.NewFakePatcher(obj)

	cleanupErr := errors.New("external resource still draining")
	fns := Funcs{
		Apply: func(context.Context, api.Object) (reconcile.Result, error) {
			return reconcile.Result{}, nil
		},
		Cleanup: func(context.Context, api.Object) (reconcile.Result, error) {
			return reconcile.Result{}, cleanupErr
		},
	}

	_, err := Reconcile(context.Background(), patcher, name, obj, fns)
	if err == nil {
		t.Fatal("expected an error when cleanup fails")
	}
	if !errors.Is(err, cleanupErr) {
		t.Errorf("expected error to wrap cleanupErr, got %v", err)
	}

	stored, ok := patcher.Get("default", "widget")
	if !ok {
		t.Fatal("expected object to still be present")
	}
	if idx := indexOf(stored.Finalizers, name); idx < 0 {
		t.Errorf("expected finalizer to survive a failed cleanup, got %v", stored.Finalizers)
	}
}

func TestReconcileNoopWhenDeletingWithoutFinalizer(t *testing.T) {
	obj := testutil.NewObject("default", "widget", "1")
	obj.MarkForDeletion(0)
	patcher := testutil.NewFakePatcher(obj)

	fns := Funcs{
		Apply: func(context.Context, api.Object) (reconcile.Result, error) {
			t.Fatal("apply should not be called")
			return reconcile.Result{}, nil
		},
		Cleanup: func(context.Context, api.Object) (reconcile.Result, error) {
			t.Fatal("cleanup should not be called for a finalizer this controller never added")
			return reconcile.Result{}, nil
		},
	}

	result, err := Reconcile(context.Background(), patcher, name, obj, fns)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if result != (reconcile.Result{}) {
		t.Errorf("expected a zero Result, got %+v", result)
	}
}
