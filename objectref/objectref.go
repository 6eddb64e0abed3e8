// Package objectref defines the cluster-unique identity used as a key
// throughout the controller runtime core.
package objectref

import "fmt"

// ObjectRef identifies a single Kubernetes object independent of the
// resourceVersion it was last observed at. Two ObjectRefs are equal iff
// they denote the same logical resource: equality intentionally ignores
// any notion of API version, since a resource keeps its identity across
// version migrations.
//
// ObjectRef is a plain comparable struct, safe to use directly as a map
// key and cheap to copy.
type ObjectRef struct {
	// Group is the API group, empty for the legacy core group.
	Group string
	// Kind is the resource kind, e.g. "Pod", "ConfigMap".
	Kind string
	// Namespace is empty for cluster-scoped resources.
	Namespace string
	// Name is the object's metadata.name.
	Name string
	// DynType distinguishes references produced by a dynamic client from
	// a hard-coded one when the same GVK is watched through both, e.g.
	// "unstructured" vs "". Most callers leave this empty.
	DynType string
}

// New builds an ObjectRef for a namespaced or cluster-scoped object.
func New(group, kind, namespace, name string) ObjectRef {
	return ObjectRef{Group: group, Kind: kind, Namespace: namespace, Name: name}
}

// String renders a debug-friendly identifier, group/kind first since that's
// what disambiguates same-named objects of different kinds.
func (r ObjectRef) String() string {
	gk := r.Kind
	if r.Group != "" {
		gk = r.Group + "/" + r.Kind
	}
	if r.Namespace == "" {
		return fmt.Sprintf("%s:%s", gk, r.Name)
	}
	return fmt.Sprintf("%s:%s/%s", gk, r.Namespace, r.Name)
}

// IsNamespaced reports whether this ref carries a namespace.
func (r ObjectRef) IsNamespaced() bool {
	return r.Namespace != ""
}
