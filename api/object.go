// Package api defines the narrow surface the controller runtime core
// consumes from an API collaborator: listing, watching and patching
// objects. Everything else — transport, auth, typed object generation —
// is out of scope and lives on the other side of these interfaces.
package api

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/controllerkit/runtime/objectref"
)

// Object is the opaque record the core operates on. Only metadata is ever
// inspected; the payload (spec/status) passes through untouched. Any
// generated Kubernetes API type already satisfies this, since it embeds
// both metav1.ObjectMeta accessors and runtime.Object.
type Object interface {
	metav1.Object
	runtime.Object
}

// Ref derives the ObjectRef for an object given the group/kind it was
// fetched as. The group/kind aren't recoverable from metav1.Object alone
// (TypeMeta is frequently stripped by decoders), so callers that know
// which kind they're watching pass it in explicitly.
func Ref(group, kind string, obj Object) objectref.ObjectRef {
	return objectref.New(group, kind, obj.GetNamespace(), obj.GetName())
}
