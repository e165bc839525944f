// Package loopback implements a transport adapter backed by simulated
// in-process tiles.
//
// Each configured tile answers connects, a small set of RPCs, script
// transfers and debug commands without any real I/O, which makes the adapter
// useful for demo configurations and for exercising the connection stack in
// tests. Connection state is tracked by a connmgr.Manager exactly as the
// real transports do; completions arrive on goroutines foreign to the
// caller, so the timing behaves like a real link without the flakiness.
package loopback
