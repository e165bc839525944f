// Package adapter defines the capability contract that every tilelink
// transport backend implements.
//
// An Adapter encapsulates access to tiles over one communication channel
// (an MQTT broker tunnel, a WebSocket tunnel, short-range radio, or a
// simulated loopback). The device manager talks to every backend through
// this contract and never sees transport details.
//
// All primary operations are non-blocking: they take an explicit completion
// callback and return immediately. The blocking *Sync helpers in this
// package are mechanical conveniences layered on top of the callback forms
// and are the only places a calling goroutine suspends.
//
// Operation failures (including timeouts) are delivered in-band as a Result
// with Success == false and a human-readable Reason. Go errors are reserved
// for programming mistakes such as reading a missing config key with no
// default.
package adapter
