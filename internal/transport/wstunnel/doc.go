// Package wstunnel implements a transport adapter that reaches a single
// tile through a WebSocket tunnel to a remote agent.
//
// One adapter owns one socket and therefore one connection slot. The agent
// announces its tile with a hello frame after the socket comes up; request
// and response frames matched by correlation id carry connect, disconnect,
// interface, RPC, script and debug exchanges; report and trace frames carry
// raw tile bytes. A dropped socket force-disconnects the live connection
// and the periodic callback redials.
//
// Connection state lives in a connmgr.Manager. The read pump is the only
// goroutine touching inbound frames; writes are serialized by a mutex as
// gorilla/websocket requires.
package wstunnel
