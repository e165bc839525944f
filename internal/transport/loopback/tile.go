package loopback

// Tile describes one simulated tile served by the adapter.
type Tile struct {
	// UUID identifies the tile to the device manager.
	UUID string

	// Name is returned by the status RPC.
	Name string

	// SignalStrength is reported in scan events. Loopback links do not
	// degrade, so this is just a fixed rank against other adapters.
	SignalStrength int
}

// The RPCs every simulated tile answers. The id packs a feature byte and a
// command byte.
const (
	// rpcStatus returns the tile's name bytes.
	rpcStatus uint16 = 0x0004

	// rpcEcho returns the request payload unchanged.
	rpcEcho uint16 = 0x0008
)

// Tile-level RPC status bytes.
const (
	statusOK        byte = 0x40
	statusNoCommand byte = 0xFF
)

// simTile is the runtime state of one simulated tile.
type simTile struct {
	info Tile

	// connected marks the tile busy; loopback tiles accept one connection
	// at a time like a point-to-point radio link would.
	connected bool

	// script holds the last fully transferred script.
	script []byte
}

// callRPC executes one RPC against the tile. Unknown ids answer with an
// error status byte rather than a transport failure, which is what real
// tiles do.
func (t *simTile) callRPC(rpcID uint16, payload []byte) (byte, []byte) {
	switch rpcID {
	case rpcStatus:
		return statusOK, []byte(t.info.Name)
	case rpcEcho:
		out := make([]byte, len(payload))
		copy(out, payload)
		return statusOK, out
	default:
		return statusNoCommand, nil
	}
}
