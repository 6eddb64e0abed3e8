package watcher_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/testutil"
	"github.com/controllerkit/runtime/watcher"
)

// fixtureObject decodes a literal YAML manifest into an unstructured.Unstructured,
// the same decode path a dynamic (typeless) api.Lister hands back real objects
// through.
func fixtureObject(manifest string) *unstructured.Unstructured {
	var m map[string]interface{}
	Expect(yaml.Unmarshal([]byte(manifest), &m)).To(Succeed())
	return &unstructured.Unstructured{Object: m}
}

// fastBackoff keeps retry-driven tests from actually waiting out the
// production 1s...30s schedule.
func fastBackoff() wait.Backoff {
	return wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 100, Cap: 10 * time.Millisecond}
}

func drain(ctx context.Context, events <-chan watcher.Event, n int) []watcher.Event {
	var got []watcher.Event
	for len(got) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-ctx.Done():
			return got
		}
	}
	return got
}

var _ = Describe("Watcher", func() {
	It("emits Init, InitApply per item, and InitDone on a clean bootstrap", func() {
		ignore := goleak.IgnoreCurrent()

		obj1 := testutil.NewObject("default", "a", "1")
		obj2 := testutil.NewObject("default", "b", "1")

		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				return api.Page{Items: []api.Object{obj1, obj2}, ResourceVersion: "10"}, nil
			},
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				Expect(sinceRV).To(Equal("10"))
				return testutil.NewFakeSession(), nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()

		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		got := drain(ctx, events, 4)
		Expect(got).To(HaveLen(4))
		Expect(got[0].Type).To(Equal(watcher.Init))
		Expect(got[1].Type).To(Equal(watcher.InitApply))
		Expect(got[2].Type).To(Equal(watcher.InitApply))
		Expect(got[3].Type).To(Equal(watcher.InitDone))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("bootstraps from a YAML-defined fixture object, decoded as unstructured", func() {
		ignore := goleak.IgnoreCurrent()

		obj := fixtureObject(`
apiVersion: example.com/v1
kind: Widget
metadata:
  namespace: default
  name: from-yaml
  resourceVersion: "7"
`)

		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				return api.Page{Items: []api.Object{obj}, ResourceVersion: "7"}, nil
			},
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				return testutil.NewFakeSession(), nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		got := drain(ctx, events, 3)
		Expect(got).To(HaveLen(3))
		Expect(got[1].Type).To(Equal(watcher.InitApply))
		Expect(got[1].Object.GetName()).To(Equal("from-yaml"))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("delivers Apply and Delete for live watch events", func() {
		ignore := goleak.IgnoreCurrent()

		sess := testutil.NewFakeSession()
		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				return api.Page{ResourceVersion: "1"}, nil
			},
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				return sess, nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		// Consume the bootstrap's Init/InitDone pair first.
		_ = drain(ctx, events, 2)

		applied := testutil.NewObject("default", "a", "2")
		go sess.Send(api.WatchItem{Type: api.WatchAdded, Object: applied})
		got := drain(ctx, events, 1)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Type).To(Equal(watcher.Apply))
		Expect(got[0].Object.GetName()).To(Equal("a"))

		deleted := testutil.NewObject("default", "a", "3")
		go sess.Send(api.WatchItem{Type: api.WatchDeleted, Object: deleted})
		got = drain(ctx, events, 1)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Type).To(Equal(watcher.Delete))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("reopens a stalled watch connection after Timeout even with bookmarks allowed", func() {
		ignore := goleak.IgnoreCurrent()

		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				return api.Page{ResourceVersion: "1"}, nil
			},
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				// Never sends anything and never closes: a wedged
				// connection. Without a Timeout-driven teardown this would
				// hang the Watcher forever.
				return testutil.NewFakeSession(), nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		params.AllowBookmarks = true
		params.Timeout = 20 * time.Millisecond
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		_ = drain(ctx, events, 2) // Init, InitDone

		Eventually(func() int { return lw.WatchCalls() }, time.Second).Should(BeNumerically(">=", 2))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("discards partial staging and re-emits Init when a streamed bootstrap closes mid-flight", func() {
		ignore := goleak.IgnoreCurrent()

		var mu sync.Mutex
		var sessions []*testutil.FakeSession
		lw := &testutil.FakeListWatcher{
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				s := testutil.NewFakeSession()
				mu.Lock()
				sessions = append(sessions, s)
				n := len(sessions)
				mu.Unlock()

				if n == 1 {
					// First attempt: deliver one item, then go away before
					// ever sending the InitialEventsEnd bookmark.
					go func() {
						s.Send(api.WatchItem{Type: api.WatchAdded, Object: testutil.NewObject("default", "stale", "1")})
						s.Close()
					}()
				} else {
					// Reconnect: deliver a different item and terminate
					// cleanly.
					go func() {
						s.Send(api.WatchItem{Type: api.WatchAdded, Object: testutil.NewObject("default", "fresh", "1")})
						s.Send(api.WatchItem{Type: api.WatchBookmark, ResourceVersion: "2", InitialEventsEnd: true})
					}()
				}
				return s, nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		params.StreamInitialPage = true
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		// Init, InitApply(stale) from the aborted first attempt, then a
		// fresh Init, InitApply(fresh), InitDone from the reconnect. The
		// fresh Init is the fix under test: without it the reconnect's
		// InitApply would append onto the first attempt's stale staging.
		got := drain(ctx, events, 5)
		Expect(got).To(HaveLen(5))
		Expect(got[0].Type).To(Equal(watcher.Init))
		Expect(got[1].Type).To(Equal(watcher.InitApply))
		Expect(got[1].Object.GetName()).To(Equal("stale"))
		Expect(got[2].Type).To(Equal(watcher.Init))
		Expect(got[3].Type).To(Equal(watcher.InitApply))
		Expect(got[3].Object.GetName()).To(Equal("fresh"))
		Expect(got[4].Type).To(Equal(watcher.InitDone))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("relists after a desync error on the watch stream", func() {
		ignore := goleak.IgnoreCurrent()

		var mu sync.Mutex
		var current *testutil.FakeSession
		var listCount int
		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				listCount++
				return api.Page{ResourceVersion: "1"}, nil
			},
			WatchFunc: func(ctx context.Context, opts api.ListOptions, sinceRV string) (api.WatchSession, error) {
				s := testutil.NewFakeSession()
				mu.Lock()
				current = s
				mu.Unlock()
				return s, nil
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		events := w.Run(ctx)

		_ = drain(ctx, events, 2) // Init, InitDone

		// The watch session is opened by the step after InitDone, so it
		// may not exist yet when InitDone has been received.
		var sess *testutil.FakeSession
		Eventually(func() *testutil.FakeSession {
			mu.Lock()
			defer mu.Unlock()
			sess = current
			return sess
		}).ShouldNot(BeNil())
		go sess.Send(api.WatchItem{
			Type: api.WatchError,
			Err:  &api.DesyncError{Err: errors.New("410 Gone")},
		})

		// The relist re-emits Init/InitApply(none)/InitDone.
		got := drain(ctx, events, 2)
		Expect(got).To(HaveLen(2))
		Expect(got[0].Type).To(Equal(watcher.Init))
		Expect(got[1].Type).To(Equal(watcher.InitDone))
		Expect(listCount).To(BeNumerically(">=", 2))

		cancel()
		Eventually(events).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})

	It("stops without relisting on a fatal auth error", func() {
		ignore := goleak.IgnoreCurrent()

		lw := &testutil.FakeListWatcher{
			ListFunc: func(ctx context.Context, opts api.ListOptions) (api.Page, error) {
				return api.Page{}, &api.AuthError{Err: errors.New("token expired")}
			},
		}

		params := watcher.DefaultParams()
		params.Backoff = fastBackoff()
		w := watcher.New("widget", lw, params)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events := w.Run(ctx)

		// Init is emitted before the fatal List call; nothing further
		// follows once the fatal error is classified.
		got := drain(ctx, events, 1)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Type).To(Equal(watcher.Init))

		Eventually(events, time.Second).Should(BeClosed())
		Eventually(func() error { return goleak.Find(ignore) }, time.Second).Should(Succeed())
	})
})
