package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/controllerkit/runtime/api"
	"github.com/controllerkit/runtime/internal/metrics"
)

// phase is the Watcher's internal state, matching spec.md §3's
// WatcherState exactly: Empty, InitListed, InitPage, Watching.
type phase int

const (
	phaseEmpty phase = iota
	phaseInitListed
	phaseInitPage
	phaseWatching
)

// state is the Watcher's full internal state for one bootstrap cycle. It
// is a value type passed through step() rather than mutated in place, so
// retries never see a half-updated state.
type state struct {
	phase phase

	// continueToken paginates InitListed; empty means "no more pages" once
	// at least one page has been fetched.
	continueToken string
	// rv is the resourceVersion to resume from, carried from whichever
	// bootstrap produced it into Watching, and advanced by every
	// subsequent watch event and bookmark.
	rv string

	// initEmitted tracks whether Init has already been emitted for this
	// bootstrap cycle, so retried list pages don't re-emit it.
	initEmitted bool

	// session is the live watch connection while phase is phaseInitPage or
	// phaseWatching. nil means "need to (re)open one".
	session api.WatchSession

	// resyncAt is when the current watch session should be torn down and a
	// fresh relist started, used only when AllowBookmarks is false: without
	// bookmarks there's no cheap signal that the watch position is still
	// good, so spec.md §9's decision is a periodic forced relist instead.
	// Zero means "no resync scheduled".
	resyncAt time.Time

	// timeoutAt bounds the current watch session's lifetime regardless of
	// AllowBookmarks, per spec.md §5: a connection that never sends an
	// event and never closes must still be torn down and reopened rather
	// than stall the Watcher forever. Set whenever a watch session is
	// opened; never zero while session != nil.
	timeoutAt time.Time
}

// step advances the state machine by exactly one transition, emitting zero
// or more Events to out. It returns the next state and any error
// encountered; on error the returned state is safe to retry from (no
// partial progress is lost, per spec.md's "retry without losing position").
func (w *Watcher) step(ctx context.Context, st state, out chan<- Event) (state, error) {
	switch st.phase {
	case phaseEmpty:
		return w.stepBootstrap(ctx, st, out)
	case phaseInitListed:
		return w.stepBootstrap(ctx, st, out)
	case phaseInitPage:
		return w.stepInitPage(ctx, st, out)
	case phaseWatching:
		return w.stepWatching(ctx, st, out)
	default:
		return st, nil
	}
}

// stepBootstrap drives the InitListed path: Empty -> InitListed -> ... ->
// Watching, paginating through api.Lister.List.
func (w *Watcher) stepBootstrap(ctx context.Context, st state, out chan<- Event) (state, error) {
	if w.params.StreamInitialPage {
		st.phase = phaseInitPage
		return st, nil
	}

	if !st.initEmitted {
		if !emit(ctx, out, Event{Type: Init}) {
			return st, ctx.Err()
		}
		st.initEmitted = true
	}

	opts := w.params.ListOptions
	opts.Continue = st.continueToken
	if w.params.PageSize > 0 {
		opts.Limit = w.params.PageSize
	}

	listStart := time.Now()
	page, err := w.lw.List(ctx, opts)
	metrics.WatchListDuration.WithLabelValues(w.kindLabel).Observe(time.Since(listStart).Seconds())
	if err != nil {
		return st, api.Classify(err)
	}

	for _, o := range page.Items {
		if o == nil {
			continue // individually malformed items are logged and skipped by the caller's decoder
		}
		if !emit(ctx, out, Event{Type: InitApply, Object: o}) {
			return st, ctx.Err()
		}
	}

	if page.ResourceVersion != "" {
		st.rv = page.ResourceVersion
	}
	st.continueToken = page.Continue

	if st.continueToken != "" {
		st.phase = phaseInitListed
		return st, nil
	}

	if st.rv == "" {
		return st, &api.DecodeError{Fatal: true, ItemHint: "list response", Err: errMissingResourceVersion}
	}

	if !emit(ctx, out, Event{Type: InitDone}) {
		return st, ctx.Err()
	}
	return state{phase: phaseWatching, rv: st.rv}, nil
}

// stepInitPage drives the alternative, resource-version-streamed bootstrap:
// the collaborator's Watch is opened from the start of history and replays
// the current set as a run of Added items terminated by a bookmark marking
// the end of the initial set (the "watch-list" protocol), per spec.md §3's
// InitPage state.
func (w *Watcher) stepInitPage(ctx context.Context, st state, out chan<- Event) (state, error) {
	if !st.initEmitted {
		if !emit(ctx, out, Event{Type: Init}) {
			return st, ctx.Err()
		}
		st.initEmitted = true
	}

	if st.session == nil {
		opts := w.params.ListOptions
		opts.ResourceVersionMatch = "NotOlderThan"
		sess, err := w.lw.Watch(ctx, opts, "")
		if err != nil {
			return st, api.Classify(err)
		}
		st.session = sess
	}

	select {
	case item, ok := <-st.session.Events():
		if !ok {
			// The bootstrap stream closed before delivering its
			// InitialEventsEnd bookmark. The reconnect below replays the
			// full current set from scratch, so this attempt's partial
			// staging buffer must be discarded: fall back to phaseEmpty
			// (clearing initEmitted) so the next attempt emits a fresh
			// Init, the same way the desync path below resets staging.
			st.session.Close()
			return state{phase: phaseEmpty}, &api.TransportError{Err: errSessionClosed}
		}
		return w.handleInitPageItem(st, item, out)
	case <-ctx.Done():
		st.session.Close()
		return st, ctx.Err()
	}
}

func (w *Watcher) handleInitPageItem(st state, item api.WatchItem, out chan<- Event) (state, error) {
	switch item.Type {
	case api.WatchAdded, api.WatchModified:
		if item.Object == nil {
			return st, nil
		}
		emitSync(out, Event{Type: InitApply, Object: item.Object})
		return st, nil
	case api.WatchBookmark:
		st.rv = item.ResourceVersion
		if !initialEventsEnd(item) {
			return st, nil
		}
		st.session.Close()
		st.session = nil
		emitSync(out, Event{Type: InitDone})
		return state{phase: phaseWatching, rv: st.rv}, nil
	case api.WatchError:
		st.session.Close()
		st.session = nil
		metrics.WatchRestartsTotal.WithLabelValues(w.kindLabel).Inc()
		return state{phase: phaseEmpty}, api.Classify(item.Err)
	default:
		return st, nil
	}
}

// stepWatching drives live watch delivery: Watching -> Watching, emitting
// Apply/Delete for real events and silently advancing rv on bookmarks.
func (w *Watcher) stepWatching(ctx context.Context, st state, out chan<- Event) (state, error) {
	if st.session == nil {
		opts := w.params.ListOptions
		sess, err := w.lw.Watch(ctx, opts, st.rv)
		if err != nil {
			return st, api.Classify(err)
		}
		st.session = sess
		st.timeoutAt = time.Now().Add(w.params.Timeout)
		if !w.params.AllowBookmarks && w.params.ResyncPeriod > 0 {
			st.resyncAt = time.Now().Add(w.params.ResyncPeriod)
		} else {
			st.resyncAt = time.Time{}
		}
	}

	var resync <-chan time.Time
	if !st.resyncAt.IsZero() {
		t := time.NewTimer(time.Until(st.resyncAt))
		defer t.Stop()
		resync = t.C
	}

	timeout := time.NewTimer(time.Until(st.timeoutAt))
	defer timeout.Stop()

	select {
	case item, ok := <-st.session.Events():
		if !ok {
			// Server closed the connection cleanly (idle timeout). Resume
			// watching from the last committed resourceVersion; no events
			// lost.
			st.session = nil
			return st, nil
		}
		return w.handleWatchItem(st, item, out)
	case <-resync:
		// No bookmarks in use: force a relist rather than trust an
		// unconfirmed watch position indefinitely. Per spec.md §9.
		st.session.Close()
		st.session = nil
		return state{phase: phaseEmpty}, nil
	case <-timeout.C:
		// The connection neither delivered an event nor closed on its own
		// within Timeout: bound the stall by tearing it down and reopening
		// from the last committed resourceVersion, regardless of whether
		// bookmarks are in use. Per spec.md §5.
		metrics.WatchRestartsTotal.WithLabelValues(w.kindLabel).Inc()
		st.session.Close()
		st.session = nil
		return st, nil
	case <-ctx.Done():
		st.session.Close()
		return st, ctx.Err()
	}
}

func (w *Watcher) handleWatchItem(st state, item api.WatchItem, out chan<- Event) (state, error) {
	switch item.Type {
	case api.WatchAdded, api.WatchModified:
		if item.Object == nil {
			return st, nil
		}
		st.rv = item.Object.GetResourceVersion()
		emitSync(out, Event{Type: Apply, Object: item.Object})
		return st, nil
	case api.WatchDeleted:
		if item.Object == nil {
			return st, nil
		}
		st.rv = item.Object.GetResourceVersion()
		emitSync(out, Event{Type: Delete, Object: item.Object})
		return st, nil
	case api.WatchBookmark:
		if item.ResourceVersion != "" {
			st.rv = item.ResourceVersion
		}
		return st, nil
	case api.WatchError:
		st.session.Close()
		st.session = nil
		classified := api.Classify(item.Err)
		var desync *api.DesyncError
		if errors.As(classified, &desync) {
			// Relist: emit nothing now, the caller sees Init on the next
			// tick once we're back in phaseEmpty. Per spec.md §4.1.
			metrics.WatchRestartsTotal.WithLabelValues(w.kindLabel).Inc()
			return state{phase: phaseEmpty}, classified
		}
		// Transient: stay in Watching, resume from the last good rv after
		// backoff.
		return state{phase: phaseWatching, rv: st.rv}, classified
	default:
		// Unknown watch item kinds are logged and skipped, never panic.
		return st, nil
	}
}

func initialEventsEnd(item api.WatchItem) bool {
	return item.InitialEventsEnd
}

// emit writes an event to out, returning false if ctx was cancelled first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitSync writes ev to out. It never short-circuits on ctx, since the
// caller already owns a select on ctx.Done() at the point it read the item
// being handled here.
func emitSync(out chan<- Event, ev Event) {
	out <- ev
}
