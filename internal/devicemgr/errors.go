package devicemgr

import "errors"

var (
	// ErrStopped is returned when an operation is attempted after Stop.
	ErrStopped = errors.New("devicemgr: manager is stopped")

	// ErrMonitorNotFound is returned when a monitor id does not resolve to a
	// live subscription.
	ErrMonitorNotFound = errors.New("devicemgr: monitor not found")

	// ErrBadEventName is returned when a monitor filter names an event kind
	// outside the known set.
	ErrBadEventName = errors.New("devicemgr: unknown event name")
)
