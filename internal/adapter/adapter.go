package adapter

import (
	"context"
	"time"
)

// Interface names a logical channel that can be opened on a connected tile.
type Interface string

// The closed set of interfaces a tile can expose. An adapter that does not
// support one of these must fail the open request explicitly rather than
// silently succeeding.
const (
	InterfaceRPC       Interface = "rpc"
	InterfaceScript    Interface = "script"
	InterfaceStreaming Interface = "streaming"
	InterfaceTracing   Interface = "tracing"
	InterfaceDebug     Interface = "debug"
)

// ValidInterface reports whether iface is one of the known interface names.
func ValidInterface(iface Interface) bool {
	switch iface {
	case InterfaceRPC, InterfaceScript, InterfaceStreaming, InterfaceTracing, InterfaceDebug:
		return true
	default:
		return false
	}
}

// Result carries the outcome of an asynchronous adapter operation.
//
// Failures are values, not errors: a timeout and a rejection reported by
// hardware arrive in exactly the same shape, distinguishable only by Reason.
type Result struct {
	Success bool
	Reason  string
}

// Ok returns a successful Result.
func Ok() Result {
	return Result{Success: true}
}

// Fail returns a failed Result with the given reason.
func Fail(reason string) Result {
	return Result{Success: false, Reason: reason}
}

// RPCResponse is the payload returned by a tile for a successful RPC.
type RPCResponse struct {
	// Status is the one-byte status code returned by the tile.
	Status byte

	// Payload is the response payload, at most a few tens of bytes.
	Payload []byte
}

// Callback is the completion handler for connect, disconnect, interface and
// script operations. It is invoked exactly once per operation, on a
// goroutine belonging to the adapter; it must not block.
type Callback func(connID int, adapterID int, result Result)

// RPCCallback is the completion handler for SendRPC. The response is nil
// whenever result.Success is false, including timeouts.
type RPCCallback func(connID int, adapterID int, result Result, response *RPCResponse)

// DebugCallback is the completion handler for Debug. The value is
// command-specific and nil on failure.
type DebugCallback func(connID int, adapterID int, result Result, value any)

// ProgressCallback reports forward progress of a long-running transfer.
// It may be invoked zero or more times before the operation completes.
type ProgressCallback func(done int, total int)

// Adapter is the contract every transport backend implements.
//
// Connection ids are allocated by the caller (the device manager) and are
// opaque to the adapter beyond being unique. Connection strings are
// adapter-specific and come from that adapter's own scan events.
type Adapter interface {
	// ID returns the adapter id assigned via SetID, or -1 before assignment.
	ID() int

	// SetID assigns the id this adapter reports in completion callbacks and
	// events. Called once by the device manager at registration.
	SetID(id int)

	// Start brings up transport resources. It must be called before any
	// operation and may block while the transport link is established.
	Start(ctx context.Context) error

	// Stop gracefully tears down all active connections and releases
	// adapter resources. It is idempotent.
	Stop() error

	// Connect opens a connection to the tile identified by connString.
	Connect(connID int, connString string, done Callback)

	// Disconnect closes a previously opened connection.
	Disconnect(connID int, done Callback)

	// OpenInterface enables one of the tile's logical channels.
	OpenInterface(connID int, iface Interface, done Callback)

	// CloseInterface disables one of the tile's logical channels.
	CloseInterface(connID int, iface Interface, done Callback)

	// SendRPC executes a single remote procedure call against the tile at
	// the given internal address.
	SendRPC(connID int, address uint8, rpcID uint16, payload []byte, timeout time.Duration, done RPCCallback)

	// SendScript streams a binary script to the tile, reporting transfer
	// progress along the way.
	SendScript(connID int, script []byte, progress ProgressCallback, done Callback)

	// Debug runs an adapter-defined low-level command such as a memory dump
	// or snapshot restore. Adapters without a debug channel fail the call.
	Debug(connID int, command string, args map[string]any, progress ProgressCallback, done DebugCallback)

	// Probe triggers an out-of-band scan on adapters that support
	// discovery. Sightings arrive through the Events hub.
	Probe(done Callback)

	// PeriodicCallback is invoked on a fixed cadence (order of one second)
	// by the device manager's scheduler for housekeeping. It must not block.
	PeriodicCallback()

	// CanConnect reports whether the adapter currently has a free
	// connection slot.
	CanConnect() bool

	// Config exposes the adapter's small key/value tunable store.
	Config() *ConfigStore

	// Events exposes the adapter's event subscription hub.
	Events() *Events
}

// Well-known config store keys shared by the built-in transports.
const (
	// ConfigDefaultTimeout is the fallback timeout for connect, disconnect
	// and interface operations.
	ConfigDefaultTimeout = "default_timeout"

	// ConfigMaxConnections caps simultaneous connections on one adapter.
	ConfigMaxConnections = "max_connections"

	// ConfigProbeSupported marks adapters that can perform on-demand scans.
	ConfigProbeSupported = "probe_supported"
)
