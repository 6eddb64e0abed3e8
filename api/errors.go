package api

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// TransportError wraps network/TLS/connection failures. The Watcher
// retries these with backoff; they never surface to reconcile results.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// DesyncError signals an HTTP 410 Gone or an expired resourceVersion. The
// Watcher recovers by relisting and emitting a fresh Init.
type DesyncError struct{ Err error }

func (e *DesyncError) Error() string { return fmt.Sprintf("desync: %v", e.Err) }
func (e *DesyncError) Unwrap() error { return e.Err }

// AuthError signals 401/403 or token refresh failure. Fatal to the
// affected stream.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// DecodeError signals a malformed object or unknown schema. Individual
// watch events are logged and skipped; a DecodeError affecting list
// pagination metadata is fatal to the bootstrap.
type DecodeError struct {
	Err      error
	Fatal    bool
	ItemHint string
}

func (e *DecodeError) Error() string {
	if e.ItemHint != "" {
		return fmt.Sprintf("decode error (%s): %v", e.ItemHint, e.Err)
	}
	return fmt.Sprintf("decode error: %v", e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// ReconcileError wraps an error raised by user reconcile code. The
// error_policy the caller supplies to the Runner maps this to a
// reconcile.Result.
type ReconcileError struct{ Err error }

func (e *ReconcileError) Error() string { return fmt.Sprintf("reconcile error: %v", e.Err) }
func (e *ReconcileError) Unwrap() error { return e.Err }

// QueueError is an internal Scheduler/Runner failure. Always fatal.
type QueueError struct{ Err error }

func (e *QueueError) Error() string { return fmt.Sprintf("queue error: %v", e.Err) }
func (e *QueueError) Unwrap() error { return e.Err }

// Classify maps a raw collaborator error (typically a
// k8s.io/apimachinery/pkg/api/errors.StatusError) onto the taxonomy above.
// Collaborators that don't use apimachinery's status errors can still
// satisfy this by returning one of the typed errors directly.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		transport *TransportError
		desync    *DesyncError
		auth      *AuthError
		decode    *DecodeError
		queue     *QueueError
	)
	if errors.As(err, &transport) || errors.As(err, &desync) || errors.As(err, &auth) ||
		errors.As(err, &decode) || errors.As(err, &queue) {
		return err
	}

	switch {
	case apierrors.IsResourceExpired(err) || apierrors.IsGone(err):
		return &DesyncError{Err: err}
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return &AuthError{Err: err}
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) || apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) || apierrors.IsTooManyRequests(err):
		return &TransportError{Err: err}
	case apierrors.IsBadRequest(err) || apierrors.IsInvalid(err):
		return &AuthError{Err: err} // malformed request: fatal like auth, per spec.md §4.1
	default:
		return &TransportError{Err: err}
	}
}
