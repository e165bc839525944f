package devicemgr

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

const (
	// taskQueueDepth bounds the hand-off channel that marshals adapter
	// callbacks and public operations onto the owning goroutine.
	taskQueueDepth = 256

	// sweepInterval is the cadence of the scan expiry sweep and of each
	// adapter's PeriodicCallback.
	sweepInterval = time.Second

	// fallbackTimeout is used when an adapter carries no default_timeout in
	// its config store.
	fallbackTimeout = 10 * time.Second
)

// Logger is the logging interface used by the Manager, satisfied by
// logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// connState tracks the manager's own view of one connection, gating which
// operations can be forwarded to the adapter.
type connState int

const (
	connConnecting connState = iota
	connIdle
	connInProgress
	connDisconnecting
)

// connection is the manager's record of one connect attempt or session,
// owned by the manager loop.
type connection struct {
	id      int
	uuid    string
	adapter adapter.Adapter
	state   connState
}

// ConnectResult is the outcome of a Connect call. ConnectionID is set even
// on failure: ids are allocated when the attempt begins and never reused.
type ConnectResult struct {
	Success      bool
	ConnectionID int
	Reason       string
}

// RPCResult is the outcome of a SendRPC call. Status and Payload are only
// meaningful when Success is true.
type RPCResult struct {
	Success bool
	Reason  string
	Status  byte
	Payload []byte
}

// DebugResult is the outcome of a Debug call. Value is command-specific and
// nil on failure.
type DebugResult struct {
	Success bool
	Reason  string
	Value   any
}

// Manager aggregates scans across adapters and routes caller operations to
// the right one. Create with New, then Start; callers block on the public
// operations while the work happens asynchronously behind them.
type Manager struct {
	logger Logger

	tasks chan func()

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the run loop. Stop reads adapters after
	// the loop has exited, which is the only off-loop access.
	adapters      map[int]adapter.Adapter
	nextAdapterID int
	scans         map[string]map[int]scanRecord
	conns         map[int]*connection
	nextConnID    int
	monitors      map[string]*monitor
}

// New creates a device manager. Call Start before use.
func New() *Manager {
	return &Manager{
		logger:     noopLogger{},
		tasks:      make(chan func(), taskQueueDepth),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		adapters:   make(map[int]adapter.Adapter),
		scans:      make(map[string]map[int]scanRecord),
		conns:      make(map[int]*connection),
		nextConnID: 1,
		monitors:   make(map[string]*monitor),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the owning goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop terminates the owning goroutine, waits for it to exit, then stops
// every registered adapter. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped

	for id, a := range m.adapters {
		if err := a.Stop(); err != nil {
			m.logger.Warn("adapter stop failed", "adapter_id", id, "error", err)
		}
	}
}

// AddAdapter registers an adapter, assigns its id and subscribes to its
// events. Register before calling the adapter's Start so the id is in
// place and no early sighting is missed. Returns -1 if the manager has
// stopped.
func (m *Manager) AddAdapter(a adapter.Adapter) int {
	idCh := make(chan int, 1)
	ok := m.post(func() {
		id := m.nextAdapterID
		m.nextAdapterID++
		a.SetID(id)
		m.adapters[id] = a
		m.subscribe(a)
		m.logger.Info("adapter registered", "adapter_id", id)
		idCh <- id
	})
	if !ok {
		return -1
	}
	return <-idCh
}

// subscribe wires an adapter's event hub into the manager loop. Handlers run
// on the adapter's goroutines, so each one re-posts onto the loop; events
// arriving during shutdown are dropped.
func (m *Manager) subscribe(a adapter.Adapter) {
	ev := a.Events()
	ev.OnScan(func(e adapter.ScanEvent) {
		m.post(func() { m.handleScan(e) })
	})
	ev.OnLost(func(e adapter.LostEvent) {
		m.post(func() { m.handleLost(e) })
	})
	ev.OnDisconnect(func(e adapter.DisconnectEvent) {
		m.post(func() { m.handleDisconnect(e) })
	})
	ev.OnReport(func(e adapter.ReportEvent) {
		m.post(func() { m.handleReport(e) })
	})
	ev.OnTrace(func(e adapter.TraceEvent) {
		m.post(func() { m.handleTrace(e) })
	})
}

// Connect finds the best route to the tile and opens a connection. Blocks
// until the attempt resolves.
func (m *Manager) Connect(deviceUUID string) ConnectResult {
	res := make(chan ConnectResult, 1)
	if !m.post(func() { m.startConnect(deviceUUID, res) }) {
		return ConnectResult{Reason: ErrStopped.Error()}
	}
	return <-res
}

// startConnect picks an adapter and begins the attempt. Runs on the loop.
func (m *Manager) startConnect(deviceUUID string, res chan ConnectResult) {
	routes := m.routesFor(deviceUUID, time.Now())
	if len(routes) == 0 {
		res <- ConnectResult{Reason: "could not find UUID"}
		return
	}

	var chosen *Route
	for i := range routes {
		if m.adapters[routes[i].AdapterID].CanConnect() {
			chosen = &routes[i]
			break
		}
	}
	if chosen == nil {
		res <- ConnectResult{Reason: "no room on any adapter"}
		return
	}

	a := m.adapters[chosen.AdapterID]
	connID := m.nextConnID
	m.nextConnID++

	m.conns[connID] = &connection{
		id:      connID,
		uuid:    deviceUUID,
		adapter: a,
		state:   connConnecting,
	}

	m.logger.Debug("connecting",
		"uuid", deviceUUID, "conn_id", connID, "adapter_id", chosen.AdapterID)

	a.Connect(connID, chosen.ConnectionString, func(cid, _ int, result adapter.Result) {
		if !m.post(func() { m.finishConnect(cid, result, res) }) {
			res <- ConnectResult{ConnectionID: cid, Reason: ErrStopped.Error()}
		}
	})
}

func (m *Manager) finishConnect(connID int, result adapter.Result, res chan ConnectResult) {
	conn := m.conns[connID]
	if conn == nil {
		res <- ConnectResult{ConnectionID: connID, Reason: "connection disappeared during attempt"}
		return
	}

	if !result.Success {
		delete(m.conns, connID)
		res <- ConnectResult{ConnectionID: connID, Reason: result.Reason}
		return
	}

	conn.state = connIdle
	res <- ConnectResult{Success: true, ConnectionID: connID}
}

// Disconnect closes an established connection. Blocks until resolved.
func (m *Manager) Disconnect(connID int) adapter.Result {
	res := make(chan adapter.Result, 1)
	if !m.post(func() { m.startDisconnect(connID, res) }) {
		return adapter.Fail(ErrStopped.Error())
	}
	return <-res
}

func (m *Manager) startDisconnect(connID int, res chan adapter.Result) {
	conn := m.conns[connID]
	if conn == nil {
		res <- adapter.Fail("unknown connection id")
		return
	}
	if conn.state != connIdle {
		res <- adapter.Fail("connection is not idle")
		return
	}

	conn.state = connDisconnecting
	conn.adapter.Disconnect(connID, func(cid, _ int, result adapter.Result) {
		if !m.post(func() { m.finishDisconnect(cid, result, res) }) {
			res <- result
		}
	})
}

func (m *Manager) finishDisconnect(connID int, result adapter.Result, res chan adapter.Result) {
	conn := m.conns[connID]
	if conn != nil {
		if result.Success {
			delete(m.conns, connID)
		} else {
			conn.state = connIdle
		}
	}
	res <- result
}

// OpenInterface enables one of the tile's logical channels. Blocks until
// resolved.
func (m *Manager) OpenInterface(connID int, iface adapter.Interface) adapter.Result {
	if !adapter.ValidInterface(iface) {
		return adapter.Fail("unknown interface name")
	}
	return m.forward(connID, func(conn *connection, done adapter.Callback) {
		conn.adapter.OpenInterface(connID, iface, done)
	})
}

// CloseInterface disables one of the tile's logical channels. Blocks until
// resolved.
func (m *Manager) CloseInterface(connID int, iface adapter.Interface) adapter.Result {
	if !adapter.ValidInterface(iface) {
		return adapter.Fail("unknown interface name")
	}
	return m.forward(connID, func(conn *connection, done adapter.Callback) {
		conn.adapter.CloseInterface(connID, iface, done)
	})
}

// SendScript streams a binary script to the tile, reporting progress along
// the way. Blocks until the transfer resolves.
func (m *Manager) SendScript(connID int, script []byte, progress adapter.ProgressCallback) adapter.Result {
	return m.forward(connID, func(conn *connection, done adapter.Callback) {
		conn.adapter.SendScript(connID, script, progress, done)
	})
}

// forward runs one simple operation against a connection's adapter, gating
// on the connection being Idle. Blocks the caller until resolved.
func (m *Manager) forward(connID int, begin func(conn *connection, done adapter.Callback)) adapter.Result {
	res := make(chan adapter.Result, 1)
	ok := m.post(func() {
		conn := m.conns[connID]
		if conn == nil {
			res <- adapter.Fail("unknown connection id")
			return
		}
		if conn.state != connIdle {
			res <- adapter.Fail("connection is not idle")
			return
		}

		conn.state = connInProgress
		begin(conn, func(cid, _ int, result adapter.Result) {
			if !m.post(func() { m.finishOperation(cid, result, res) }) {
				res <- result
			}
		})
	})
	if !ok {
		return adapter.Fail(ErrStopped.Error())
	}
	return <-res
}

func (m *Manager) finishOperation(connID int, result adapter.Result, res chan adapter.Result) {
	if conn := m.conns[connID]; conn != nil && conn.state == connInProgress {
		conn.state = connIdle
	}
	res <- result
}

// SendRPC executes one remote procedure call against the tile. The rpc id is
// composed from the feature and command bytes. Blocks until resolved.
func (m *Manager) SendRPC(connID int, address uint8, feature uint8, command uint8, payload []byte, timeout time.Duration) RPCResult {
	rpcID := uint16(feature)<<8 | uint16(command)

	res := make(chan RPCResult, 1)
	ok := m.post(func() {
		conn := m.conns[connID]
		if conn == nil {
			res <- RPCResult{Reason: "unknown connection id"}
			return
		}
		if conn.state != connIdle {
			res <- RPCResult{Reason: "connection is not idle"}
			return
		}
		if timeout <= 0 {
			timeout = conn.adapter.Config().GetDuration(adapter.ConfigDefaultTimeout, fallbackTimeout)
		}

		conn.state = connInProgress
		conn.adapter.SendRPC(connID, address, rpcID, payload, timeout,
			func(cid, _ int, result adapter.Result, response *adapter.RPCResponse) {
				out := RPCResult{Success: result.Success, Reason: result.Reason}
				if response != nil {
					out.Status = response.Status
					out.Payload = response.Payload
				}
				if !m.post(func() { m.finishRPC(cid, out, res) }) {
					res <- out
				}
			})
	})
	if !ok {
		return RPCResult{Reason: ErrStopped.Error()}
	}
	return <-res
}

func (m *Manager) finishRPC(connID int, out RPCResult, res chan RPCResult) {
	if conn := m.conns[connID]; conn != nil && conn.state == connInProgress {
		conn.state = connIdle
	}
	res <- out
}

// Debug runs an adapter-defined low-level command against the tile. Blocks
// until resolved.
func (m *Manager) Debug(connID int, command string, args map[string]any, progress adapter.ProgressCallback) DebugResult {
	res := make(chan DebugResult, 1)
	ok := m.post(func() {
		conn := m.conns[connID]
		if conn == nil {
			res <- DebugResult{Reason: "unknown connection id"}
			return
		}
		if conn.state != connIdle {
			res <- DebugResult{Reason: "connection is not idle"}
			return
		}

		conn.state = connInProgress
		conn.adapter.Debug(connID, command, args, progress,
			func(cid, _ int, result adapter.Result, value any) {
				out := DebugResult{Success: result.Success, Reason: result.Reason, Value: value}
				if !m.post(func() { m.finishDebug(cid, out, res) }) {
					res <- out
				}
			})
	})
	if !ok {
		return DebugResult{Reason: ErrStopped.Error()}
	}
	return <-res
}

func (m *Manager) finishDebug(connID int, out DebugResult, res chan DebugResult) {
	if conn := m.conns[connID]; conn != nil && conn.state == connInProgress {
		conn.state = connIdle
	}
	res <- out
}

// Probe triggers an out-of-band scan on every adapter whose config store
// marks probe support. Returns without waiting for sightings; they arrive
// through the normal scan flow.
func (m *Manager) Probe() {
	m.post(func() {
		for id, a := range m.adapters {
			if !a.Config().GetBool(adapter.ConfigProbeSupported, false) {
				continue
			}
			aid := id
			a.Probe(func(_, _ int, result adapter.Result) {
				if !result.Success {
					m.logger.Warn("probe failed", "adapter_id", aid, "reason", result.Reason)
				}
			})
		}
	})
}

// RegisterMonitor subscribes a callback to a filtered set of events for one
// tile. The returned id embeds the tile UUID and a random suffix.
func (m *Manager) RegisterMonitor(deviceUUID string, events []EventName, fn MonitorCallback) (string, error) {
	for _, name := range events {
		if !ValidEventName(name) {
			return "", ErrBadEventName
		}
	}

	mon := &monitor{
		id:     deviceUUID + "/" + uuid.NewString(),
		uuid:   deviceUUID,
		events: make(map[EventName]bool, len(events)),
		fn:     fn,
	}
	for _, name := range events {
		mon.events[name] = true
	}

	ack := make(chan struct{})
	if !m.post(func() { m.monitors[mon.id] = mon; close(ack) }) {
		return "", ErrStopped
	}
	<-ack
	return mon.id, nil
}

// AdjustMonitor adds and removes event kinds from an existing monitor's
// interest set. Removals are applied after additions.
func (m *Manager) AdjustMonitor(monitorID string, add, remove []EventName) error {
	for _, name := range add {
		if !ValidEventName(name) {
			return ErrBadEventName
		}
	}
	for _, name := range remove {
		if !ValidEventName(name) {
			return ErrBadEventName
		}
	}

	errCh := make(chan error, 1)
	ok := m.post(func() {
		mon := m.monitors[monitorID]
		if mon == nil {
			errCh <- ErrMonitorNotFound
			return
		}
		for _, name := range add {
			mon.events[name] = true
		}
		for _, name := range remove {
			delete(mon.events, name)
		}
		errCh <- nil
	})
	if !ok {
		return ErrStopped
	}
	return <-errCh
}

// RemoveMonitor deletes a monitor subscription.
func (m *Manager) RemoveMonitor(monitorID string) error {
	errCh := make(chan error, 1)
	ok := m.post(func() {
		if _, found := m.monitors[monitorID]; !found {
			errCh <- ErrMonitorNotFound
			return
		}
		delete(m.monitors, monitorID)
		errCh <- nil
	})
	if !ok {
		return ErrStopped
	}
	return <-errCh
}

// ScannedDevices returns the aggregated device view: every tile currently
// visible through at least one adapter, with routes sorted best first.
func (m *Manager) ScannedDevices() []Device {
	res := make(chan []Device, 1)
	ok := m.post(func() {
		now := time.Now()
		devices := make([]Device, 0, len(m.scans))
		for deviceUUID := range m.scans {
			routes := m.routesFor(deviceUUID, now)
			if len(routes) == 0 {
				continue
			}
			devices = append(devices, Device{UUID: deviceUUID, Routes: routes})
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].UUID < devices[j].UUID })
		res <- devices
	})
	if !ok {
		return nil
	}
	return <-res
}

// ConnectionCount returns the number of live connection records, including
// in-flight attempts.
func (m *Manager) ConnectionCount() int {
	res := make(chan int, 1)
	if !m.post(func() { res <- len(m.conns) }) {
		return 0
	}
	return <-res
}

// post hands a task to the owning goroutine, reporting false if the manager
// has stopped. Safe from any goroutine.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.tasks <- fn:
		return true
	case <-m.done:
		return false
	}
}

// run is the owning loop: it drains tasks and drives the periodic sweep.
func (m *Manager) run() {
	defer close(m.stopped)

	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-m.done:
			return
		case fn := <-m.tasks:
			fn()
		case <-tick.C:
			m.sweepScans()
			for _, a := range m.adapters {
				a.PeriodicCallback()
			}
		}
	}
}

// handleScan records or refreshes one adapter's sighting of a tile.
func (m *Manager) handleScan(ev adapter.ScanEvent) {
	recs := m.scans[ev.Device.UUID]
	if recs == nil {
		recs = make(map[int]scanRecord)
		m.scans[ev.Device.UUID] = recs
	}

	var expiresAt time.Time
	if ev.Validity > 0 {
		expiresAt = time.Now().Add(ev.Validity)
	}
	recs[ev.AdapterID] = scanRecord{device: ev.Device, expiresAt: expiresAt}
}

// handleLost drops one adapter's sighting immediately, for adapters that
// know definitively when a tile disappears.
func (m *Manager) handleLost(ev adapter.LostEvent) {
	if recs := m.scans[ev.UUID]; recs != nil {
		delete(recs, ev.AdapterID)
	}
}

// sweepScans removes expired sightings. Outer per-UUID entries are kept even
// when their last sighting is swept; the aggregated view omits them anyway.
func (m *Manager) sweepScans() {
	now := time.Now()
	for _, recs := range m.scans {
		for adapterID, rec := range recs {
			if rec.expired(now) {
				delete(recs, adapterID)
			}
		}
	}
}

// handleDisconnect tears down the manager's record of a connection the
// adapter lost unexpectedly and notifies interested monitors.
func (m *Manager) handleDisconnect(ev adapter.DisconnectEvent) {
	conn := m.conns[ev.ConnID]
	if conn == nil {
		return
	}

	m.logger.Warn("unexpected disconnection",
		"conn_id", ev.ConnID, "uuid", conn.uuid, "adapter_id", ev.AdapterID)

	delete(m.conns, ev.ConnID)
	m.dispatch(conn.uuid, EventDisconnect, ev.ConnID, nil)
}

func (m *Manager) handleReport(ev adapter.ReportEvent) {
	conn := m.conns[ev.ConnID]
	if conn == nil {
		return
	}
	m.dispatch(conn.uuid, EventReport, ev.ConnID, ev.Report)
}

func (m *Manager) handleTrace(ev adapter.TraceEvent) {
	conn := m.conns[ev.ConnID]
	if conn == nil {
		return
	}
	m.dispatch(conn.uuid, EventTrace, ev.ConnID, ev.Data)
}

// dispatch delivers one event to every monitor whose tile and interest set
// match. Runs on the loop; callbacks must not block.
func (m *Manager) dispatch(deviceUUID string, name EventName, connID int, data []byte) {
	for _, mon := range m.monitors {
		if mon.uuid != deviceUUID || !mon.wants(name) {
			continue
		}
		mon.fn(MonitorEvent{
			UUID:         deviceUUID,
			Name:         name,
			ConnectionID: connID,
			Data:         data,
		})
	}
}
