package connmgr

import (
	"fmt"
	"time"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

// State is the macrostate of one connection.
type State int

// Connection macrostates. Any id not present in the table is Disconnected.
const (
	Disconnected State = iota
	Connecting
	Idle
	InProgress
	Disconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Microstate names for in-flight operations while a connection is
// InProgress. RPC and debug microstates change the shape of the completion
// callback; everything else completes with the plain two-value shape.
const (
	MicroRPC            = "rpc"
	MicroOpenInterface  = "open_interface"
	MicroCloseInterface = "close_interface"
	MicroScript         = "send_script"
	MicroDebug          = "debug"
)

// Key addresses a connection by either its caller-visible integer id or the
// adapter-specific internal id (a hardware address or device slug). Both
// keys always resolve to the same record.
type Key struct {
	connID     int
	internalID string
	byInternal bool
}

// ConnID builds a Key from a caller-visible connection id.
func ConnID(id int) Key {
	return Key{connID: id}
}

// InternalID builds a Key from an adapter-specific internal id.
func InternalID(id string) Key {
	return Key{internalID: id, byInternal: true}
}

// String formats the key for log messages.
func (k Key) String() string {
	if k.byInternal {
		return fmt.Sprintf("internal:%s", k.internalID)
	}
	return fmt.Sprintf("conn:%d", k.connID)
}

// record is one entry in the connection table. It is created by a
// begin_connection action and destroyed by a failed connect, a successful
// disconnect, or a force disconnect. Only the worker goroutine touches the
// mutable fields.
type record struct {
	state      State
	microstate string

	connID     int
	internalID string

	// context is an open key/value bag for adapter-specific bookkeeping,
	// such as which physical handle backs this connection.
	context map[string]any

	// deadline is the absolute expiry of the pending action; zero when
	// nothing is pending.
	deadline time.Time

	// Exactly one of these is non-nil while an action is pending. Cleared
	// after invocation so a completion can never fire twice.
	callback      adapter.Callback
	rpcCallback   adapter.RPCCallback
	debugCallback adapter.DebugCallback
}

// clearPending resets the pending action fields after a completion fired.
func (r *record) clearPending() {
	r.deadline = time.Time{}
	r.callback = nil
	r.rpcCallback = nil
	r.debugCallback = nil
}

// pending reports whether any completion callback is registered.
func (r *record) pending() bool {
	return r.callback != nil || r.rpcCallback != nil || r.debugCallback != nil
}
