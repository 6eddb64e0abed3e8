// Package log provides the base logger the rest of controllerkit logs
// through, with the same SetLogger/Log entry points as
// sigs.k8s.io/controller-runtime's pkg/log. Log returns the logger
// installed at the time of the call, a no-op sink until SetLogger runs.
// Unlike pkg/log's delegating logger, a Logger obtained before SetLogger
// keeps the no-op sink; it does not pick up a sink installed later.
package log

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// delegating holds the process-wide logger. A Logger read from it (and any
// Logger derived with WithName / WithValues) is a copy taken at that
// moment and does not follow a later SetLogger.
var delegating atomic.Pointer[logr.Logger]

func init() {
	discard := logr.Discard()
	delegating.Store(&discard)
}

// SetLogger installs the sink every component logs through. Call once at
// process start; safe to call again in tests to swap the sink.
func SetLogger(l logr.Logger) {
	delegating.Store(&l)
}

// Log returns the currently installed logger.
func Log() logr.Logger {
	return *delegating.Load()
}

type ctxKey struct{}

// IntoContext attaches l to ctx, to be retrieved later with FromContext.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger attached to ctx, or the process-wide
// logger if none was attached.
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return l
	}
	return Log()
}
