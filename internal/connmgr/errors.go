package connmgr

import "errors"

// Errors returned by the read-only lookup helpers. State transition
// failures are never errors; they are delivered through the pending
// operation's callback as a failed result.
var (
	// ErrNotFound is returned when neither index has a record for the key.
	ErrNotFound = errors.New("connmgr: no connection for key")

	// ErrStopped is returned when an action is submitted after Stop.
	ErrStopped = errors.New("connmgr: manager is stopped")
)
