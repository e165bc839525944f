package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/tilelink/tilelink-core/internal/adapter"
	"github.com/tilelink/tilelink-core/internal/connmgr"
)

const (
	// defaultTimeout bounds connect, disconnect and interface operations
	// when the config store carries no override.
	defaultTimeout = 2 * time.Second

	// scriptChunk is the simulated transfer unit for progress reporting.
	scriptChunk = 20
)

// Adapter serves a fixed set of simulated tiles.
//
// Thread Safety: safe for concurrent use; connection state lives in a
// connmgr.Manager and tile/interface bookkeeping is guarded by a mutex.
type Adapter struct {
	id     int
	events *adapter.Events
	config *adapter.ConfigStore
	conns  *connmgr.Manager
	logger connmgr.Logger

	mu    sync.Mutex
	tiles map[string]*simTile
	open  map[int]map[adapter.Interface]bool

	stopOnce sync.Once
}

// New creates a loopback adapter serving the given tiles. Tiles are keyed by
// UUID, which doubles as the connection string.
func New(tiles []Tile) *Adapter {
	a := &Adapter{
		id:     -1,
		events: adapter.NewEvents(),
		config: adapter.NewConfigStore(),
		tiles:  make(map[string]*simTile, len(tiles)),
		open:   make(map[int]map[adapter.Interface]bool),
	}
	for _, t := range tiles {
		a.tiles[t.UUID] = &simTile{info: t}
	}

	a.config.Set(adapter.ConfigDefaultTimeout, defaultTimeout)
	a.config.Set(adapter.ConfigMaxConnections, len(tiles))
	a.config.Set(adapter.ConfigProbeSupported, true)
	return a
}

// ID returns the adapter id assigned by the device manager.
func (a *Adapter) ID() int { return a.id }

// SetID assigns the adapter id. Call before Start.
func (a *Adapter) SetID(id int) { a.id = id }

// SetLogger sets the logger for the adapter and its connection manager.
func (a *Adapter) SetLogger(logger connmgr.Logger) { a.logger = logger }

// Start brings up the connection manager and announces every tile. Loopback
// sightings never expire; the tiles exist as long as the adapter does.
func (a *Adapter) Start(_ context.Context) error {
	a.conns = connmgr.New(a.id)
	if a.logger != nil {
		a.conns.SetLogger(a.logger)
	}
	a.conns.Start()

	a.announceTiles()
	return nil
}

// Stop force-disconnects everything and shuts down the connection manager.
// Idempotent.
func (a *Adapter) Stop() error {
	a.stopOnce.Do(func() {
		if a.conns == nil {
			return
		}
		for _, connID := range a.conns.Connections() {
			a.releaseTile(connID)
			a.conns.ForceDisconnect(connmgr.ConnID(connID))
		}
		a.conns.Stop()
	})
	return nil
}

// Connect opens a connection to the tile named by connString.
func (a *Adapter) Connect(connID int, connString string, done adapter.Callback) {
	a.conns.BeginConnection(connID, connString,
		map[string]any{"slug": connString}, done, a.timeout())

	go func() {
		a.mu.Lock()
		tile := a.tiles[connString]
		free := tile != nil && !tile.connected
		if free {
			tile.connected = true
		}
		a.mu.Unlock()

		switch {
		case tile == nil:
			a.conns.FinishConnection(connmgr.ConnID(connID), false, "no tile with that connection string")
		case !free:
			a.conns.FinishConnection(connmgr.ConnID(connID), false, "tile already has a connection")
		default:
			a.conns.FinishConnection(connmgr.ConnID(connID), true, "")
		}
	}()
}

// Disconnect closes a previously opened connection.
func (a *Adapter) Disconnect(connID int, done adapter.Callback) {
	a.conns.BeginDisconnection(connmgr.ConnID(connID), done, a.timeout())

	go func() {
		a.releaseTile(connID)
		a.conns.FinishDisconnection(connmgr.ConnID(connID), true, "")
	}()
}

// OpenInterface enables a logical channel on the connected tile. Opening the
// streaming or tracing interface starts the corresponding event flow.
func (a *Adapter) OpenInterface(connID int, iface adapter.Interface, done adapter.Callback) {
	a.conns.BeginOperation(connmgr.ConnID(connID), connmgr.MicroOpenInterface, done, a.timeout())

	go func() {
		if !adapter.ValidInterface(iface) {
			a.conns.FinishOperation(connmgr.ConnID(connID), false, "unsupported interface")
			return
		}

		a.mu.Lock()
		ifaces := a.open[connID]
		if ifaces == nil {
			ifaces = make(map[adapter.Interface]bool)
			a.open[connID] = ifaces
		}
		ifaces[iface] = true
		a.mu.Unlock()

		a.conns.FinishOperation(connmgr.ConnID(connID), true, "")

		// Simulated tiles greet a fresh channel immediately.
		switch iface {
		case adapter.InterfaceStreaming:
			a.events.EmitReport(adapter.ReportEvent{ConnID: connID, Report: a.greeting(connID)})
		case adapter.InterfaceTracing:
			a.events.EmitTrace(adapter.TraceEvent{ConnID: connID, Data: []byte("trace on\n")})
		}
	}()
}

// CloseInterface disables a logical channel.
func (a *Adapter) CloseInterface(connID int, iface adapter.Interface, done adapter.Callback) {
	a.conns.BeginOperation(connmgr.ConnID(connID), connmgr.MicroCloseInterface, done, a.timeout())

	go func() {
		a.mu.Lock()
		delete(a.open[connID], iface)
		a.mu.Unlock()
		a.conns.FinishOperation(connmgr.ConnID(connID), true, "")
	}()
}

// SendRPC executes one RPC against the connected tile. The rpc interface
// must be open.
func (a *Adapter) SendRPC(connID int, _ uint8, rpcID uint16, payload []byte, timeout time.Duration, done adapter.RPCCallback) {
	if timeout <= 0 {
		timeout = a.timeout()
	}
	a.conns.BeginRPC(connmgr.ConnID(connID), done, timeout)

	go func() {
		tile, ifaceOpen := a.lookupTile(connID, adapter.InterfaceRPC)
		if tile == nil {
			a.conns.FinishRPC(connmgr.ConnID(connID), false, "connection has no tile", nil)
			return
		}
		if !ifaceOpen {
			a.conns.FinishRPC(connmgr.ConnID(connID), false, "rpc interface is not open", nil)
			return
		}

		status, resp := tile.callRPC(rpcID, payload)
		a.conns.FinishRPC(connmgr.ConnID(connID), true, "",
			&adapter.RPCResponse{Status: status, Payload: resp})
	}()
}

// SendScript streams a script to the tile in fixed-size chunks so that
// progress reporting can be observed.
func (a *Adapter) SendScript(connID int, script []byte, progress adapter.ProgressCallback, done adapter.Callback) {
	a.conns.BeginOperation(connmgr.ConnID(connID), connmgr.MicroScript, done, a.timeout())

	go func() {
		tile, ifaceOpen := a.lookupTile(connID, adapter.InterfaceScript)
		if tile == nil {
			a.conns.FinishOperation(connmgr.ConnID(connID), false, "connection has no tile")
			return
		}
		if !ifaceOpen {
			a.conns.FinishOperation(connmgr.ConnID(connID), false, "script interface is not open")
			return
		}

		total := len(script)
		for sent := 0; sent < total; sent += scriptChunk {
			if progress != nil {
				end := sent + scriptChunk
				if end > total {
					end = total
				}
				progress(end, total)
			}
		}

		a.mu.Lock()
		tile.script = make([]byte, total)
		copy(tile.script, script)
		a.mu.Unlock()

		a.conns.FinishOperation(connmgr.ConnID(connID), true, "")
	}()
}

// Debug runs a simulated debug command. Supported commands: "echo" returns
// args["value"]; "dump_state" returns the tile's runtime state.
func (a *Adapter) Debug(connID int, command string, args map[string]any, _ adapter.ProgressCallback, done adapter.DebugCallback) {
	a.conns.BeginDebug(connmgr.ConnID(connID), done, a.timeout())

	go func() {
		tile, _ := a.lookupTile(connID, adapter.InterfaceDebug)
		if tile == nil {
			a.conns.FinishDebug(connmgr.ConnID(connID), false, "connection has no tile", nil)
			return
		}

		switch command {
		case "echo":
			a.conns.FinishDebug(connmgr.ConnID(connID), true, "", args["value"])
		case "dump_state":
			a.mu.Lock()
			state := map[string]any{
				"uuid":       tile.info.UUID,
				"name":       tile.info.Name,
				"script_len": len(tile.script),
			}
			a.mu.Unlock()
			a.conns.FinishDebug(connmgr.ConnID(connID), true, "", state)
		default:
			a.conns.FinishDebug(connmgr.ConnID(connID), false, "unsupported debug command", nil)
		}
	}()
}

// Probe re-announces every tile.
func (a *Adapter) Probe(done adapter.Callback) {
	go func() {
		a.announceTiles()
		done(0, a.id, adapter.Ok())
	}()
}

// PeriodicCallback is a no-op: loopback sightings never expire and the
// simulated link cannot fail.
func (a *Adapter) PeriodicCallback() {}

// CanConnect reports whether a tile slot is still free.
func (a *Adapter) CanConnect() bool {
	if a.conns == nil {
		return false
	}
	limit := a.config.GetInt(adapter.ConfigMaxConnections, len(a.tiles))
	return a.conns.Count() < limit
}

// Config exposes the adapter's tunable store.
func (a *Adapter) Config() *adapter.ConfigStore { return a.config }

// Events exposes the adapter's event hub.
func (a *Adapter) Events() *adapter.Events { return a.events }

func (a *Adapter) timeout() time.Duration {
	return a.config.GetDuration(adapter.ConfigDefaultTimeout, defaultTimeout)
}

// announceTiles emits a never-expiring scan event per tile.
func (a *Adapter) announceTiles() {
	a.mu.Lock()
	infos := make([]Tile, 0, len(a.tiles))
	for _, t := range a.tiles {
		infos = append(infos, t.info)
	}
	a.mu.Unlock()

	for _, info := range infos {
		a.events.EmitScan(adapter.ScanEvent{
			AdapterID: a.id,
			Device: adapter.DeviceInfo{
				UUID:             info.UUID,
				ConnectionString: info.UUID,
				SignalStrength:   info.SignalStrength,
			},
		})
	}
}

// lookupTile resolves a connection to its tile and reports whether iface is
// open on it.
func (a *Adapter) lookupTile(connID int, iface adapter.Interface) (*simTile, bool) {
	ctx, err := a.conns.Context(connmgr.ConnID(connID))
	if err != nil {
		return nil, false
	}
	slug, _ := ctx["slug"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tiles[slug], a.open[connID][iface]
}

// releaseTile frees the tile behind a connection and forgets its open
// interfaces.
func (a *Adapter) releaseTile(connID int) {
	ctx, err := a.conns.Context(connmgr.ConnID(connID))
	if err != nil {
		return
	}
	slug, _ := ctx["slug"].(string)

	a.mu.Lock()
	if tile := a.tiles[slug]; tile != nil {
		tile.connected = false
	}
	delete(a.open, connID)
	a.mu.Unlock()
}

// greeting is the first report a tile streams after its streaming interface
// opens.
func (a *Adapter) greeting(connID int) []byte {
	ctx, err := a.conns.Context(connmgr.ConnID(connID))
	if err != nil {
		return nil
	}
	slug, _ := ctx["slug"].(string)
	return []byte("report from " + slug)
}
