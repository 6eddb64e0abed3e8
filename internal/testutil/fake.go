// Package testutil provides small fakes shared across this module's test
// suites: an api.Object implementation backed by plain ObjectMeta, a
// scriptable api.ListWatcher, and a Patcher that applies JSON patches
// in-memory. Mirrors the shape of the teacher's
// pkg/controller/controllertest.FakeInformer: a minimal stand-in driven
// directly by test code rather than a real API server.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/controllerkit/runtime/api"
)

// Object is a minimal api.Object: just the metadata every component of this
// core actually reads, plus the no-op runtime.Object plumbing every real
// typed object also carries. The embedded ObjectMeta carries an explicit
// "metadata" tag so this marshals with the same shape a real typed object
// does (finalizer JSON patches address /metadata/finalizers).
type Object struct {
	metav1.ObjectMeta `json:"metadata"`
}

// NewObject builds an Object with the given identity and resourceVersion.
func NewObject(namespace, name, resourceVersion string) *Object {
	return &Object{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, ResourceVersion: resourceVersion}}
}

// MarkForDeletion stamps obj with a DeletionTimestamp and
// DeletionGracePeriodSeconds, the pair a real API server sets atomically
// on a delete request against an object still carrying finalizers. Uses
// ptr.To since DeletionGracePeriodSeconds is an optional *int64, the same
// way a real typed object's field is.
func (o *Object) MarkForDeletion(gracePeriodSeconds int64) {
	now := metav1.Now()
	o.DeletionTimestamp = &now
	o.DeletionGracePeriodSeconds = ptr.To(gracePeriodSeconds)
}

func (o *Object) GetObjectKind() schema.ObjectKind { return schema.EmptyObjectKind }

func (o *Object) DeepCopyObject() runtime.Object {
	cp := *o
	cp.ObjectMeta = *o.ObjectMeta.DeepCopy()
	return &cp
}

var _ api.Object = &Object{}

// FakeSession is a driver-controlled api.WatchSession: test code calls Send
// to push items and Close to simulate either end of the connection tearing
// down, matching the single "Events is closed either way" contract
// api.WatchSession documents.
type FakeSession struct {
	mu      sync.Mutex
	ch      chan api.WatchItem
	done    chan struct{}
	senders sync.WaitGroup
	closed  bool
}

// NewFakeSession returns a session with no items yet delivered.
func NewFakeSession() *FakeSession {
	return &FakeSession{ch: make(chan api.WatchItem), done: make(chan struct{})}
}

func (s *FakeSession) Events() <-chan api.WatchItem { return s.ch }

// Close ends the session. Safe to call from test code or from the code
// under test; idempotent.
func (s *FakeSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.senders.Wait()
	close(s.ch)
}

// Send delivers item to whoever is reading Events(), blocking until they
// do. Silently dropped once the session has been closed, so test
// goroutines don't panic on a send-after-close race during teardown.
func (s *FakeSession) Send(item api.WatchItem) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()
	select {
	case s.ch <- item:
	case <-s.done:
	}
}

// FakeListWatcher is a scriptable api.ListWatcher: List responses and
// opened sessions are supplied by the test via channels/funcs rather than a
// real API server round trip.
type FakeListWatcher struct {
	mu        sync.Mutex
	ListFunc  func(ctx context.Context, opts api.ListOptions) (api.Page, error)
	WatchFunc func(ctx context.Context, opts api.ListOptions, sinceResourceVersion string) (api.WatchSession, error)
	listCalls int
	watchCalls int
}

func (f *FakeListWatcher) List(ctx context.Context, opts api.ListOptions) (api.Page, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.ListFunc
	f.mu.Unlock()
	if fn == nil {
		return api.Page{}, nil
	}
	return fn(ctx, opts)
}

func (f *FakeListWatcher) Watch(ctx context.Context, opts api.ListOptions, sinceResourceVersion string) (api.WatchSession, error) {
	f.mu.Lock()
	f.watchCalls++
	fn := f.WatchFunc
	f.mu.Unlock()
	if fn == nil {
		return NewFakeSession(), nil
	}
	return fn(ctx, opts, sinceResourceVersion)
}

// ListCalls reports how many times List has been invoked so far.
func (f *FakeListWatcher) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// WatchCalls reports how many times Watch has been invoked so far.
func (f *FakeListWatcher) WatchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchCalls
}

var _ api.ListWatcher = &FakeListWatcher{}

// FakePatcher applies JSON test-and-set patches against an in-memory object
// set, the same semantics the finalizer helper expects from a real
// collaborator, without any wire format in between.
type FakePatcher struct {
	mu   sync.Mutex
	objs map[string]*Object
}

// NewFakePatcher seeds a FakePatcher with obj, keyed by namespace/name.
func NewFakePatcher(obj *Object) *FakePatcher {
	return &FakePatcher{objs: map[string]*Object{key(obj.Namespace, obj.Name): obj}}
}

func key(namespace, name string) string { return namespace + "/" + name }

// Get returns the current stored state for namespace/name, for test
// assertions after a Patch call.
func (p *FakePatcher) Get(namespace, name string) (*Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objs[key(namespace, name)]
	return o, ok
}

// Patch decodes patch as an RFC 6902 document and applies it against the
// JSON representation of the stored object, via evanphx/json-patch/v5 — the
// same library a real API server-backed Patcher's HTTP round trip
// ultimately has to agree with. A failed "test" operation (a conflicting
// concurrent writer) surfaces as an error here exactly as it would against
// a real server, so finalizer tests can exercise that path for real instead
// of a fake that always succeeds.
func (p *FakePatcher) Patch(ctx context.Context, namespace, name string, patch []byte) (api.Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objs[key(namespace, name)]
	if !ok {
		return nil, errNotFound{namespace: namespace, name: name}
	}

	doc, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, err
	}
	patched, err := decoded.Apply(doc)
	if err != nil {
		return nil, err
	}

	var next Object
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, err
	}
	p.objs[key(namespace, name)] = &next
	return &next, nil
}

type errNotFound struct {
	namespace, name string
}

func (e errNotFound) Error() string {
	return "object not found: " + key(e.namespace, e.name)
}

var _ api.Patcher = &FakePatcher{}
