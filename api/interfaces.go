package api

import "context"

// ListOptions mirrors the subset of metav1.ListOptions the core actually
// consumes.
type ListOptions struct {
	LabelSelector string
	FieldSelector string
	// Limit bounds page size for the initial list. Zero means "no paging
	// preference", left to the collaborator's default.
	Limit int64
	// Continue carries a server-issued continuation token between list
	// pages.
	Continue string
	// ResourceVersion pins List to a point in the change stream. Used both
	// for the streamed-bootstrap variant (InitPage) and for consistent
	// reads.
	ResourceVersion string
	// ResourceVersionMatch mirrors metav1.ResourceVersionMatch ("Exact",
	// "NotOlderThan", or empty).
	ResourceVersionMatch string
}

// Page is one page of a List response.
type Page struct {
	Items           []Object
	Continue        string
	ResourceVersion string
}

// Lister is the list half of the list/watch protocol.
type Lister interface {
	List(ctx context.Context, opts ListOptions) (Page, error)
}

// WatchItemType tags the variant carried by a WatchItem.
type WatchItemType int

const (
	WatchAdded WatchItemType = iota
	WatchModified
	WatchDeleted
	WatchBookmark
	WatchError
)

// WatchItem is a single item off a watch stream.
type WatchItem struct {
	Type WatchItemType
	// Object is set for Added, Modified, Deleted.
	Object Object
	// ResourceVersion is set for Bookmark.
	ResourceVersion string
	// InitialEventsEnd is set on the terminal Bookmark of a streamed
	// initial-list ("watch-list") bootstrap, marking the end of the
	// replayed initial set. Only meaningful when Type == WatchBookmark.
	InitialEventsEnd bool
	// Err is set for Error; classify it with errors.As against the kinds
	// in api/errors.go.
	Err error
}

// WatchSession is a live watch connection. Events is closed when the
// session ends, whether cleanly (server closed it) or via Close.
type WatchSession interface {
	Events() <-chan WatchItem
	Close()
}

// Watcher is the watch half of the list/watch protocol.
type Watcher interface {
	Watch(ctx context.Context, opts ListOptions, sinceResourceVersion string) (WatchSession, error)
}

// ListWatcher bundles both halves, the shape most collaborators implement
// as a single value (mirrors client-go's cache.ListerWatcher).
type ListWatcher interface {
	Lister
	Watcher
}

// Patcher is the narrow write surface the finalizer helper needs: a single
// JSON-patch application against one object, by namespace/name.
type Patcher interface {
	Patch(ctx context.Context, namespace, name string, patch []byte) (Object, error)
}
