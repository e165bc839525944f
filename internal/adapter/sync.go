package adapter

import "time"

// Blocking conveniences for the asynchronous Adapter operations.
//
// Each helper registers an internal completion callback, blocks the calling
// goroutine until it fires, and returns the outcome synchronously. They are
// purely mechanical: implementers only ever provide the callback forms.

// ConnectSync connects to a tile and waits for the outcome.
func ConnectSync(a Adapter, connID int, connString string) Result {
	done := make(chan Result, 1)
	a.Connect(connID, connString, func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}

// DisconnectSync disconnects from a tile and waits for the outcome.
func DisconnectSync(a Adapter, connID int) Result {
	done := make(chan Result, 1)
	a.Disconnect(connID, func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}

// OpenInterfaceSync opens a tile interface and waits for the outcome.
func OpenInterfaceSync(a Adapter, connID int, iface Interface) Result {
	done := make(chan Result, 1)
	a.OpenInterface(connID, iface, func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}

// CloseInterfaceSync closes a tile interface and waits for the outcome.
func CloseInterfaceSync(a Adapter, connID int, iface Interface) Result {
	done := make(chan Result, 1)
	a.CloseInterface(connID, iface, func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}

// SendRPCSync executes an RPC and waits for the outcome. The response is
// nil when the result is unsuccessful.
func SendRPCSync(a Adapter, connID int, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (Result, *RPCResponse) {
	type outcome struct {
		res  Result
		resp *RPCResponse
	}

	done := make(chan outcome, 1)
	a.SendRPC(connID, address, rpcID, payload, timeout, func(_, _ int, res Result, resp *RPCResponse) {
		done <- outcome{res: res, resp: resp}
	})

	out := <-done
	return out.res, out.resp
}

// SendScriptSync streams a script to a tile and waits for the outcome.
func SendScriptSync(a Adapter, connID int, script []byte, progress ProgressCallback) Result {
	done := make(chan Result, 1)
	a.SendScript(connID, script, progress, func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}

// DebugSync runs a debug command and waits for the outcome. The returned
// value is command-specific and nil on failure.
func DebugSync(a Adapter, connID int, command string, args map[string]any, progress ProgressCallback) (Result, any) {
	type outcome struct {
		res   Result
		value any
	}

	done := make(chan outcome, 1)
	a.Debug(connID, command, args, progress, func(_, _ int, res Result, value any) {
		done <- outcome{res: res, value: value}
	})

	out := <-done
	return out.res, out.value
}

// ProbeSync triggers a scan and waits for the outcome.
func ProbeSync(a Adapter) Result {
	done := make(chan Result, 1)
	a.Probe(func(_, _ int, res Result) {
		done <- res
	})
	return <-done
}
