package wstunnel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tilelink/tilelink-core/internal/adapter"
	"github.com/tilelink/tilelink-core/internal/connmgr"
)

const (
	defaultTimeout = 5 * time.Second

	// scriptTimeout bounds a whole script transfer; the script crosses the
	// socket in one frame but the agent pushes it to the tile slowly.
	scriptTimeout = 60 * time.Second

	// pendingGrace is how long a correlation entry outlives its operation
	// timeout before the periodic sweep discards it.
	pendingGrace = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// Options configures a tunnel adapter.
type Options struct {
	// URL is the agent's WebSocket endpoint (ws:// or wss://). Required.
	URL string

	// DefaultTimeout overrides the fallback operation timeout when
	// positive.
	DefaultTimeout time.Duration

	// Dialer overrides the WebSocket dialer. Nil uses the default.
	Dialer *websocket.Dialer
}

// pendingOp is one in-flight request awaiting its response frame.
type pendingOp struct {
	op       string
	key      connmgr.Key
	progress adapter.ProgressCallback
	deadline time.Time
}

// Adapter tunnels one tile's traffic over a WebSocket to a remote agent.
//
// Thread Safety: safe for concurrent use. Connection state lives in a
// connmgr.Manager; socket and correlation bookkeeping is guarded by a
// mutex. The read pump is the only goroutine consuming the socket, and a
// write mutex serializes outbound frames.
type Adapter struct {
	id     int
	url    string
	dialer *websocket.Dialer
	events *adapter.Events
	config *adapter.ConfigStore
	conns  *connmgr.Manager
	logger connmgr.Logger

	mu       sync.Mutex
	sock     *websocket.Conn
	writeMu  sync.Mutex
	pending  map[string]*pendingOp
	tileUUID string // from the agent's hello, empty when withdrawn
	dialing  bool

	stopOnce sync.Once
	stopped  atomic.Bool
}

// New creates a tunnel adapter for the given agent endpoint.
func New(opts Options) *Adapter {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}

	a := &Adapter{
		id:      -1,
		url:     opts.URL,
		dialer:  dialer,
		events:  adapter.NewEvents(),
		config:  adapter.NewConfigStore(),
		pending: make(map[string]*pendingOp),
	}

	a.config.Set(adapter.ConfigDefaultTimeout, timeout)
	a.config.Set(adapter.ConfigMaxConnections, 1)
	a.config.Set(adapter.ConfigProbeSupported, false)
	return a
}

// ID returns the adapter id assigned by the device manager.
func (a *Adapter) ID() int { return a.id }

// SetID assigns the adapter id. Call before Start.
func (a *Adapter) SetID(id int) { a.id = id }

// SetLogger sets the logger for the adapter and its connection manager.
func (a *Adapter) SetLogger(logger connmgr.Logger) { a.logger = logger }

// Start brings up the connection manager and attempts the first dial. A
// failed dial is not fatal: the periodic callback keeps retrying, and the
// tile simply stays unseen until the agent is reachable.
func (a *Adapter) Start(ctx context.Context) error {
	a.conns = connmgr.New(a.id)
	if a.logger != nil {
		a.conns.SetLogger(a.logger)
	}
	a.conns.Start()

	if err := a.dial(ctx); err != nil {
		a.warn("initial dial failed", "url", a.url, "error", err)
	}
	return nil
}

// Stop closes the socket, force-disconnects the live connection and shuts
// down the connection manager. Idempotent.
func (a *Adapter) Stop() error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		if a.conns == nil {
			return
		}

		a.mu.Lock()
		sock := a.sock
		a.sock = nil
		a.pending = make(map[string]*pendingOp)
		a.mu.Unlock()

		if sock != nil {
			_ = sock.Close()
		}
		for _, connID := range a.conns.Connections() {
			a.conns.ForceDisconnect(connmgr.ConnID(connID))
		}
		a.conns.Stop()
	})
	return nil
}

// Connect opens the tunnel's single connection slot.
func (a *Adapter) Connect(connID int, connString string, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	timeout := a.timeout()

	a.conns.BeginConnection(connID, connString,
		map[string]any{"url": a.url}, done, timeout)

	if !a.socketUp() {
		a.conns.FinishConnection(key, false, "tunnel is down")
		return
	}
	a.send(key, timeout, nil, frame{Type: frameRequest, Op: opConnect, Conn: connID})
}

// Disconnect closes the tunneled connection.
func (a *Adapter) Disconnect(connID int, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	if _, err := a.conns.ConnectionID(key); err != nil {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}
	timeout := a.timeout()

	a.conns.BeginDisconnection(key, done, timeout)
	a.send(key, timeout, nil, frame{Type: frameRequest, Op: opDisconnect, Conn: connID})
}

// OpenInterface asks the agent to enable one of the tile's channels.
func (a *Adapter) OpenInterface(connID int, iface adapter.Interface, done adapter.Callback) {
	a.interfaceOp(connID, iface, connmgr.MicroOpenInterface, opOpenInterface, done)
}

// CloseInterface asks the agent to disable one of the tile's channels.
func (a *Adapter) CloseInterface(connID int, iface adapter.Interface, done adapter.Callback) {
	a.interfaceOp(connID, iface, connmgr.MicroCloseInterface, opCloseInterface, done)
}

func (a *Adapter) interfaceOp(connID int, iface adapter.Interface, microstate, op string, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	if _, err := a.conns.ConnectionID(key); err != nil {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}
	timeout := a.timeout()

	a.conns.BeginOperation(key, microstate, done, timeout)
	a.send(key, timeout, nil,
		frame{Type: frameRequest, Op: op, Conn: connID, Interface: string(iface)})
}

// SendRPC tunnels one remote procedure call to the agent.
func (a *Adapter) SendRPC(connID int, address uint8, rpcID uint16, payload []byte, timeout time.Duration, done adapter.RPCCallback) {
	key := connmgr.ConnID(connID)
	if _, err := a.conns.ConnectionID(key); err != nil {
		go done(connID, a.id, adapter.Fail("unknown connection id"), nil)
		return
	}
	if timeout <= 0 {
		timeout = a.timeout()
	}

	a.conns.BeginRPC(key, done, timeout)
	a.send(key, timeout, nil, frame{
		Type:      frameRequest,
		Op:        opRPC,
		Conn:      connID,
		Address:   address,
		RPCID:     rpcID,
		Payload:   payload,
		TimeoutMS: timeout.Milliseconds(),
	})
}

// SendScript tunnels a script to the agent in one frame; the agent reports
// tile-side progress through intermediate response frames.
func (a *Adapter) SendScript(connID int, script []byte, progress adapter.ProgressCallback, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	if _, err := a.conns.ConnectionID(key); err != nil {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}

	a.conns.BeginOperation(key, connmgr.MicroScript, done, scriptTimeout)
	a.send(key, scriptTimeout, progress,
		frame{Type: frameRequest, Op: opScript, Conn: connID, Payload: script})
}

// Debug tunnels an agent-defined low-level command.
func (a *Adapter) Debug(connID int, command string, args map[string]any, progress adapter.ProgressCallback, done adapter.DebugCallback) {
	key := connmgr.ConnID(connID)
	if _, err := a.conns.ConnectionID(key); err != nil {
		go done(connID, a.id, adapter.Fail("unknown connection id"), nil)
		return
	}
	timeout := a.timeout()

	a.conns.BeginDebug(key, done, timeout)
	a.send(key, timeout, progress,
		frame{Type: frameRequest, Op: opDebug, Conn: connID, Command: command, Args: args})
}

// Probe is unsupported: the agent announces its tile unprompted whenever
// the socket is up.
func (a *Adapter) Probe(done adapter.Callback) {
	go done(0, a.id, adapter.Fail("probe not supported"))
}

// PeriodicCallback redials a dropped socket and discards stale correlation
// entries. Dialing happens on its own goroutine; this must not block.
func (a *Adapter) PeriodicCallback() {
	if a.stopped.Load() {
		return
	}

	now := time.Now()
	a.mu.Lock()
	for id, p := range a.pending {
		if now.After(p.deadline) {
			delete(a.pending, id)
		}
	}
	needDial := a.sock == nil && !a.dialing
	if needDial {
		a.dialing = true
	}
	a.mu.Unlock()

	if needDial {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			if err := a.dial(ctx); err != nil {
				a.debug("redial failed", "url", a.url, "error", err)
			}
			a.mu.Lock()
			a.dialing = false
			a.mu.Unlock()
		}()
	}
}

// CanConnect reports whether the single connection slot is free and the
// tunnel is up.
func (a *Adapter) CanConnect() bool {
	if a.conns == nil || a.stopped.Load() || !a.socketUp() {
		return false
	}
	limit := a.config.GetInt(adapter.ConfigMaxConnections, 1)
	return a.conns.Count() < limit
}

// Config returns the adapter's tunable store.
func (a *Adapter) Config() *adapter.ConfigStore { return a.config }

// Events returns the adapter's event hub.
func (a *Adapter) Events() *adapter.Events { return a.events }

func (a *Adapter) timeout() time.Duration {
	return a.config.GetDuration(adapter.ConfigDefaultTimeout, defaultTimeout)
}

func (a *Adapter) socketUp() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sock != nil
}

// dial establishes the socket and starts its read pump.
func (a *Adapter) dial(ctx context.Context) error {
	sock, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopped.Load() || a.sock != nil {
		a.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	a.sock = sock
	a.mu.Unlock()

	go a.readPump(sock)
	return nil
}

// send registers a correlation entry and writes the request frame. A write
// failure resolves the operation immediately, in the same shape a
// rejection from the agent would take.
func (a *Adapter) send(key connmgr.Key, timeout time.Duration, progress adapter.ProgressCallback, f frame) {
	f.ID = uuid.NewString()

	a.mu.Lock()
	a.pending[f.ID] = &pendingOp{
		op:       f.Op,
		key:      key,
		progress: progress,
		deadline: time.Now().Add(timeout + pendingGrace),
	}
	a.mu.Unlock()

	if err := a.writeFrame(f); err != nil {
		a.mu.Lock()
		delete(a.pending, f.ID)
		a.mu.Unlock()
		a.fail(key, f.Op, "tunnel write failed: "+err.Error())
	}
}

func (a *Adapter) writeFrame(f frame) error {
	a.mu.Lock()
	sock := a.sock
	a.mu.Unlock()
	if sock == nil {
		return websocket.ErrCloseSent
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, payload)
}

// fail resolves an in-flight operation as a transport-level failure.
func (a *Adapter) fail(key connmgr.Key, op, reason string) {
	switch op {
	case opConnect:
		a.conns.FinishConnection(key, false, reason)
	case opDisconnect:
		a.conns.FinishDisconnection(key, false, reason)
	case opRPC:
		a.conns.FinishRPC(key, false, reason, nil)
	case opDebug:
		a.conns.FinishDebug(key, false, reason, nil)
	default:
		a.conns.FinishOperation(key, false, reason)
	}
}

// readPump consumes frames until the socket dies, then tears down whatever
// was riding the tunnel.
func (a *Adapter) readPump(sock *websocket.Conn) {
	for {
		_, payload, err := sock.ReadMessage()
		if err != nil {
			a.socketDown(sock)
			return
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			a.warn("malformed tunnel frame", "error", err)
			continue
		}
		a.handleFrame(f)
	}
}

func (a *Adapter) handleFrame(f frame) {
	switch f.Type {
	case frameHello:
		a.handleHello(f)
	case frameLost:
		a.tileGone()
	case frameResponse:
		a.handleResponse(f)
	case frameReport:
		if connID, ok := a.liveConn(); ok {
			a.events.EmitReport(adapter.ReportEvent{ConnID: connID, Report: f.Payload})
		}
	case frameTrace:
		if connID, ok := a.liveConn(); ok {
			a.events.EmitTrace(adapter.TraceEvent{ConnID: connID, Data: f.Payload})
		}
	default:
		a.debug("unknown tunnel frame type", "type", f.Type)
	}
}

// handleHello records the agent's tile announcement. Hello sightings never
// expire on their own; the agent sends a lost frame or drops the socket.
func (a *Adapter) handleHello(f frame) {
	if f.UUID == "" {
		a.warn("hello frame without uuid")
		return
	}

	a.mu.Lock()
	a.tileUUID = f.UUID
	a.mu.Unlock()

	a.events.EmitScan(adapter.ScanEvent{
		AdapterID: a.id,
		Device: adapter.DeviceInfo{
			UUID:             f.UUID,
			ConnectionString: f.UUID,
			SignalStrength:   f.Signal,
		},
	})
}

// tileGone handles a lost frame or an unsolicited disconnect: the sighting
// is withdrawn and any live connection is forced down.
func (a *Adapter) tileGone() {
	a.mu.Lock()
	tileUUID := a.tileUUID
	a.tileUUID = ""
	a.mu.Unlock()

	if tileUUID != "" {
		a.events.EmitLost(adapter.LostEvent{AdapterID: a.id, UUID: tileUUID})
	}
	a.dropConnections()
}

// dropConnections forces down every live connection and reports each as an
// unexpected disconnect.
func (a *Adapter) dropConnections() {
	for _, connID := range a.conns.Connections() {
		a.conns.ForceDisconnect(connmgr.ConnID(connID))
		a.events.EmitDisconnect(adapter.DisconnectEvent{AdapterID: a.id, ConnID: connID})
	}
}

// socketDown clears the socket reference if it is still current and tears
// down the tunnel's state. The periodic callback handles redialing.
func (a *Adapter) socketDown(sock *websocket.Conn) {
	a.mu.Lock()
	current := a.sock == sock
	if current {
		a.sock = nil
		a.pending = make(map[string]*pendingOp)
	}
	a.mu.Unlock()

	if !current || a.stopped.Load() {
		return
	}
	a.warn("tunnel socket lost", "url", a.url)
	a.tileGone()
}

// handleResponse routes one response frame to its pending operation.
func (a *Adapter) handleResponse(f frame) {
	// Agents push unsolicited disconnects as uncorrelated frames.
	if f.Event == eventUnexpected && f.Op == opDisconnect {
		a.dropConnections()
		return
	}

	a.mu.Lock()
	p, ok := a.pending[f.ID]
	if ok && f.Event != eventProgress {
		delete(a.pending, f.ID)
	}
	a.mu.Unlock()

	if !ok {
		// Late frame after a timeout already resolved the operation.
		a.debug("uncorrelated response frame", "op", f.Op)
		return
	}

	if f.Event == eventProgress {
		if p.progress != nil {
			p.progress(f.Done, f.Total)
		}
		return
	}

	switch p.op {
	case opConnect:
		a.conns.FinishConnection(p.key, f.Success, f.Reason)
	case opDisconnect:
		a.conns.FinishDisconnection(p.key, f.Success, f.Reason)
	case opRPC:
		var resp *adapter.RPCResponse
		if f.Success {
			resp = &adapter.RPCResponse{Status: f.Status, Payload: f.Payload}
		}
		a.conns.FinishRPC(p.key, f.Success, f.Reason, resp)
	case opDebug:
		var value any
		if f.Success {
			value = f.Value
		}
		a.conns.FinishDebug(p.key, f.Success, f.Reason, value)
	default:
		a.conns.FinishOperation(p.key, f.Success, f.Reason)
	}
}

// liveConn returns the connection currently riding the tunnel, if any.
func (a *Adapter) liveConn() (int, bool) {
	ids := a.conns.Connections()
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

func (a *Adapter) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}

func (a *Adapter) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}
