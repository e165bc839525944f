// Package connmgr provides the per-adapter connection state machine.
//
// Every transport backend embeds one Manager and routes all connection
// bookkeeping through it. The Manager owns its connection table outright:
// mutating entry points enqueue an action and return immediately, and a
// single worker goroutine drains the queue one action at a time, which
// serializes every state transition without a lock on the table itself.
// Other goroutines may only enqueue actions or perform read-only
// enumeration under a short-lived lock.
//
// A connection moves through five states:
//
//	Disconnected -> Connecting -> Idle <-> InProgress
//	                              Idle -> Disconnecting -> Disconnected
//
// ForceDisconnect is the only transition usable from every non-terminal
// state; it synthesizes the completion appropriate to whatever was pending
// before removing the record.
//
// Before draining each action the worker scans open records for expired
// deadlines and synthesizes the matching failure completion, so an adapter
// that never answers cannot strand a callback. Every registered callback
// fires exactly once.
package connmgr
