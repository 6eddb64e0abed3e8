package watcher

import "errors"

var (
	errMissingResourceVersion = errors.New("list response carried no resourceVersion")
	errSessionClosed          = errors.New("watch session closed by collaborator")
)
