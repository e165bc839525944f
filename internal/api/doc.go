// Package api implements the HTTP REST API and WebSocket monitor server
// for TileLink Core.
//
// This package provides:
//   - Device discovery listing (scanned tiles with their routes)
//   - Connection lifecycle endpoints (connect, disconnect, interfaces)
//   - RPC, script transfer and debug command endpoints
//   - A WebSocket monitor stream for report, trace and disconnect events
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines. Handlers delegate to the device manager, which serializes
// all state on its own goroutine.
package api
