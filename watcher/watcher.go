// Package watcher turns the Kubernetes list/watch HTTP protocol into a
// durable, self-healing stream of object-level events. See spec.md §4.1.
package watcher

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/log"
)

// EventType tags the variant carried by an Event.
type EventType int

const (
	// Init signals a relist beginning; consumers should discard their
	// prior view of the world.
	Init EventType = iota
	// InitApply carries one object present at the initial snapshot.
	InitApply
	// InitDone signals the initial snapshot is complete.
	InitDone
	// Apply signals an object was added or modified.
	Apply
	// Delete signals an object was deleted; Object carries its last
	// observed state.
	Delete
)

func (t EventType) String() string {
	switch t {
	case Init:
		return "Init"
	case InitApply:
		return "InitApply"
	case InitDone:
		return "InitDone"
	case Apply:
		return "Apply"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Event is one item in the stream a Watcher produces.
type Event struct {
	Type   EventType
	Object api.Object
}

// Params configures a Watcher.
type Params struct {
	api.ListOptions

	// Timeout bounds a single watch connection's lifetime; the default
	// sits below the typical server-side 300s idle limit so stalls are
	// caught deterministically rather than by waiting for the server to
	// hang up. Per spec.md §5.
	Timeout time.Duration
	// AllowBookmarks records whether the collaborator's watch stream
	// delivers bookmark events; it is not passed to the collaborator's
	// List or Watch call. When false, the Watcher relies on ResyncPeriod
	// and the idle Timeout alone to catch up (spec.md §9 Open Questions).
	AllowBookmarks bool
	// ResyncPeriod forces a periodic relist while AllowBookmarks is false;
	// it is not used when bookmarks are allowed. When AllowBookmarks is
	// false, New replaces a zero ResyncPeriod with the 10m default.
	ResyncPeriod time.Duration
	// PageSize bounds the page size of the initial list.
	PageSize int64
	// StreamInitialPage selects the InitPage bootstrap (a
	// resource-version-streamed initial set) over the plain paginated
	// list. See spec.md §3 WatcherState.
	StreamInitialPage bool
	// Backoff governs the delay between retries of a failed list/watch.
	// Defaults to 1s...30s with jitter, per spec.md §4.1.
	Backoff wait.Backoff
}

// DefaultParams returns Params with the defaults spec.md §4.1 and §9
// call for.
func DefaultParams() Params {
	return Params{
		Timeout:      290 * time.Second,
		ResyncPeriod: 10 * time.Minute,
		Backoff: wait.Backoff{
			Duration: time.Second,
			Factor:   2,
			Jitter:   0.5,
			Steps:    6,
			Cap:      30 * time.Second,
		},
	}
}

// Watcher drives the list/watch state machine described in spec.md §4.1 for
// a single resource kind and selector.
type Watcher struct {
	kindLabel string
	lw        api.ListWatcher
	params    Params
}

// New constructs a Watcher. kindLabel is used only for logging/metrics.
func New(kindLabel string, lw api.ListWatcher, params Params) *Watcher {
	if params.Timeout == 0 {
		params.Timeout = DefaultParams().Timeout
	}
	if params.Backoff.Steps == 0 {
		params.Backoff = DefaultParams().Backoff
	}
	if params.ResyncPeriod == 0 && !params.AllowBookmarks {
		params.ResyncPeriod = DefaultParams().ResyncPeriod
	}
	return &Watcher{kindLabel: kindLabel, lw: lw, params: params}
}

// Run starts the watcher loop and returns a channel of Events. The channel
// is closed when ctx is cancelled or a fatal error (AuthError, a fatal
// DecodeError) is encountered; the latter is logged, since spec.md §6
// limits the observable surface to WatcherEvents and leaves fatal surfacing
// to the caller via logs plus stream closure.
func (w *Watcher) Run(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go w.run(ctx, out)
	return out
}

func (w *Watcher) run(ctx context.Context, out chan<- Event) {
	defer close(out)
	logger := log.FromContext(ctx).WithName("watcher").WithValues("kind", w.kindLabel)

	st := state{phase: phaseEmpty}
	backoff := w.params.Backoff

	for ctx.Err() == nil {
		next, err := w.step(ctx, st, out)
		if err != nil {
			if isFatal(err) {
				logger.Error(err, "watcher stopped on fatal error")
				return
			}
			logger.Error(err, "watcher retrying after error")
			if !sleepContext(ctx, backoff.Step()) {
				return
			}
			st = next
			continue
		}

		// A step that made forward progress (listed a page, received a
		// watch event) resets the backoff clock for the next failure.
		backoff = w.params.Backoff
		st = next
	}

	// ctx was cancelled between steps: close the watch session the last
	// step left open so it does not outlive Run.
	if st.session != nil {
		st.session.Close()
	}
}

// sleepContext sleeps for d or returns early (false) if ctx is cancelled
// first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isFatal(err error) bool {
	var authErr *api.AuthError
	var decodeErr *api.DecodeError
	if errors.As(err, &authErr) {
		return true
	}
	if errors.As(err, &decodeErr) {
		return decodeErr.Fatal
	}
	return false
}
