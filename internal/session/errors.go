package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is returned by Call while no authenticated connection
	// exists and by in-flight calls whose connection was torn down. The
	// caller knows the request was either never sent or has an unknown
	// outcome; nothing is queued.
	ErrDisconnected = errors.New("session: disconnected")

	// ErrCallTimeout means no response arrived within the configured bound.
	// The outcome is ambiguous: the exchange may have processed the request.
	// Callers must reconcile, not assume failure.
	ErrCallTimeout = errors.New("session: call timed out")
)

// ConnectionError wraps transient network failures. The transport retries
// these internally; they surface only through session state events.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports a credential or token failure. Permanent means the
// exchange rejected the credentials themselves; retrying cannot help and the
// transport gives up.
type AuthError struct {
	Code      int
	Message   string
	Permanent bool
}

func (e *AuthError) Error() string {
	kind := "temporary"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("session: auth failed (%s, code %d): %s", kind, e.Code, e.Message)
}
