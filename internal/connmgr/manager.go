package connmgr

import (
	"sync"
	"time"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

const (
	// pollInterval bounds how long an expired deadline can go unnoticed
	// while the action queue is empty.
	pollInterval = 100 * time.Millisecond

	// actionQueueDepth is the buffer of the action channel. Producers block
	// if the worker falls this far behind.
	actionQueueDepth = 64
)

// Logger is the logging interface used by the Manager, satisfied by
// logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type actionKind int

const (
	actBeginConnection actionKind = iota
	actFinishConnection
	actBeginDisconnection
	actFinishDisconnection
	actBeginOperation
	actFinishOperation
	actForceDisconnect
)

// action is one queued state mutation. Which fields are meaningful depends
// on kind.
type action struct {
	kind actionKind
	key  Key

	// begin_connection only
	connID     int
	internalID string
	context    map[string]any

	// pending completion for begin_* actions; one of these is set
	callback      adapter.Callback
	rpcCallback   adapter.RPCCallback
	debugCallback adapter.DebugCallback

	microstate string
	deadline   time.Time

	// finish_* results
	success  bool
	reason   string
	response *adapter.RPCResponse
	value    any
}

// Manager owns the connection table for one adapter and serializes every
// state transition through a single worker goroutine.
type Manager struct {
	adapterID int

	actions chan action

	// mu guards the two index maps and record fields for read-only
	// enumeration from other goroutines. The worker holds it briefly
	// around each mutation.
	mu         sync.Mutex
	byConnID   map[int]*record
	byInternal map[string]*record

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	logger Logger
}

// New creates a connection manager that reports adapterID in the completion
// callbacks it invokes on the adapter's behalf. Call Start before use.
func New(adapterID int) *Manager {
	return &Manager{
		adapterID:  adapterID,
		actions:    make(chan action, actionQueueDepth),
		byConnID:   make(map[int]*record),
		byInternal: make(map[string]*record),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the worker goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop terminates the worker and waits for it to exit. Actions submitted
// after Stop fail their callbacks with ErrStopped's message. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
}

// BeginConnection asynchronously starts a connection attempt. done fires
// exactly once: when FinishConnection resolves the attempt, when the
// deadline expires, or immediately if either id is already in use.
func (m *Manager) BeginConnection(connID int, internalID string, context map[string]any, done adapter.Callback, timeout time.Duration) {
	if context == nil {
		context = make(map[string]any)
	}
	m.submit(action{
		kind:       actBeginConnection,
		connID:     connID,
		internalID: internalID,
		context:    context,
		callback:   done,
		deadline:   time.Now().Add(timeout),
	})
}

// FinishConnection resolves a pending connection attempt.
func (m *Manager) FinishConnection(key Key, success bool, reason string) {
	m.submit(action{kind: actFinishConnection, key: key, success: success, reason: reason})
}

// BeginDisconnection asynchronously starts a disconnect. The connection
// must be Idle; otherwise done fires immediately with a failure.
func (m *Manager) BeginDisconnection(key Key, done adapter.Callback, timeout time.Duration) {
	m.submit(action{
		kind:     actBeginDisconnection,
		key:      key,
		callback: done,
		deadline: time.Now().Add(timeout),
	})
}

// FinishDisconnection resolves a pending disconnect. On failure the record
// is kept and the connection returns to Idle.
func (m *Manager) FinishDisconnection(key Key, success bool, reason string) {
	m.submit(action{kind: actFinishDisconnection, key: key, success: success, reason: reason})
}

// BeginOperation asynchronously starts a plain operation (open or close
// interface, script transfer). microstate names the operation for timeout
// and force-disconnect shaping. The connection must be Idle.
func (m *Manager) BeginOperation(key Key, microstate string, done adapter.Callback, timeout time.Duration) {
	m.submit(action{
		kind:       actBeginOperation,
		key:        key,
		microstate: microstate,
		callback:   done,
		deadline:   time.Now().Add(timeout),
	})
}

// BeginRPC asynchronously starts an RPC operation. Its completion carries
// the four-value RPC shape, with a nil response on failure.
func (m *Manager) BeginRPC(key Key, done adapter.RPCCallback, timeout time.Duration) {
	m.submit(action{
		kind:        actBeginOperation,
		key:         key,
		microstate:  MicroRPC,
		rpcCallback: done,
		deadline:    time.Now().Add(timeout),
	})
}

// BeginDebug asynchronously starts a debug operation. Its completion
// carries the debug shape, with a nil value on failure.
func (m *Manager) BeginDebug(key Key, done adapter.DebugCallback, timeout time.Duration) {
	m.submit(action{
		kind:          actBeginOperation,
		key:           key,
		microstate:    MicroDebug,
		debugCallback: done,
		deadline:      time.Now().Add(timeout),
	})
}

// FinishOperation resolves a pending plain operation.
func (m *Manager) FinishOperation(key Key, success bool, reason string) {
	m.submit(action{kind: actFinishOperation, key: key, success: success, reason: reason})
}

// FinishRPC resolves a pending RPC operation. response must be nil when
// success is false.
func (m *Manager) FinishRPC(key Key, success bool, reason string, response *adapter.RPCResponse) {
	m.submit(action{kind: actFinishOperation, key: key, success: success, reason: reason, response: response})
}

// FinishDebug resolves a pending debug operation.
func (m *Manager) FinishDebug(key Key, success bool, reason string, value any) {
	m.submit(action{kind: actFinishOperation, key: key, success: success, reason: reason, value: value})
}

// ForceDisconnect tears down a connection from any non-terminal state,
// invoking whatever completion was pending with the failure shape
// appropriate to that state, then removing the record under both keys.
// Adapters call this on unexpected link loss.
func (m *Manager) ForceDisconnect(key Key) {
	m.submit(action{kind: actForceDisconnect, key: key})
}

// Connections returns a snapshot of all open connection ids. Connections
// can close at any time, so the snapshot may be stale on return.
func (m *Manager) Connections() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.byConnID))
	for id := range m.byConnID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConnID)
}

// ConnectionID resolves either key form to the caller-visible id.
func (m *Manager) ConnectionID(key Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookupLocked(key)
	if rec == nil {
		return 0, ErrNotFound
	}
	return rec.connID, nil
}

// Context returns the adapter-specific context bag for a connection.
func (m *Manager) Context(key Key) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookupLocked(key)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.context, nil
}

// ConnectionState returns the current state for a key; Disconnected when
// the key is unknown.
func (m *Manager) ConnectionState(key Key) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookupLocked(key)
	if rec == nil {
		return Disconnected
	}
	return rec.state
}

// submit enqueues an action, failing its completion in-band if the manager
// has already stopped.
func (m *Manager) submit(act action) {
	// The action channel is buffered, so check done first: otherwise a
	// post-Stop submission could land in the buffer with no worker left
	// to drain it.
	select {
	case <-m.done:
		m.failSubmitted(act)
		return
	default:
	}

	select {
	case m.actions <- act:
	case <-m.done:
		m.failSubmitted(act)
	}
}

// failSubmitted delivers the stopped-manager failure for an action that
// never reached the worker. Finish actions carry no callback and are
// dropped silently.
func (m *Manager) failSubmitted(act action) {
	reason := ErrStopped.Error()
	connID := act.connID
	if act.kind != actBeginConnection {
		connID = act.key.connID
	}
	switch {
	case act.rpcCallback != nil:
		go act.rpcCallback(connID, m.adapterID, adapter.Fail(reason), nil)
	case act.debugCallback != nil:
		go act.debugCallback(connID, m.adapterID, adapter.Fail(reason), nil)
	case act.callback != nil:
		go act.callback(connID, m.adapterID, adapter.Fail(reason))
	}
}

// run is the worker loop. Before draining each action it scans open
// records for expired deadlines and synthesizes the appropriate failure.
func (m *Manager) run() {
	defer close(m.stopped)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		m.checkTimeouts()

		select {
		case <-m.done:
			return
		case act := <-m.actions:
			m.apply(act)
		case <-poll.C:
		}
	}
}

// apply dispatches one queued action. Runs only on the worker goroutine.
func (m *Manager) apply(act action) {
	switch act.kind {
	case actBeginConnection:
		m.applyBeginConnection(act)
	case actFinishConnection:
		m.applyFinishConnection(act)
	case actBeginDisconnection:
		m.applyBeginDisconnection(act)
	case actFinishDisconnection:
		m.applyFinishDisconnection(act)
	case actBeginOperation:
		m.applyBeginOperation(act)
	case actFinishOperation:
		m.applyFinishOperation(act)
	case actForceDisconnect:
		m.applyForceDisconnect(act)
	}
}

// checkTimeouts synthesizes failure completions for every record whose
// pending action has outlived its deadline.
func (m *Manager) checkTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var expired []*record
	for _, rec := range m.byConnID {
		if rec.pending() && !rec.deadline.IsZero() && now.After(rec.deadline) {
			expired = append(expired, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		switch rec.state {
		case Connecting:
			m.finishConnectionNow(rec, false, "connection attempt timed out")
		case Disconnecting:
			m.finishDisconnectionNow(rec, false, "disconnection attempt timed out")
		case InProgress:
			m.finishOperationNow(rec, false, operationTimeoutReason(rec.microstate), nil, nil)
		}
	}
}

func operationTimeoutReason(microstate string) string {
	switch microstate {
	case MicroRPC:
		return "RPC timed out without response"
	case MicroOpenInterface:
		return "open interface request timed out"
	case MicroCloseInterface:
		return "close interface request timed out"
	case MicroScript:
		return "script transfer timed out"
	case MicroDebug:
		return "debug command timed out"
	default:
		return "operation timed out"
	}
}

func (m *Manager) applyBeginConnection(act action) {
	if st := m.ConnectionState(ConnID(act.connID)); st != Disconnected {
		act.callback(act.connID, m.adapterID, adapter.Fail("connection id is already in use"))
		return
	}
	if st := m.ConnectionState(InternalID(act.internalID)); st != Disconnected {
		act.callback(act.connID, m.adapterID, adapter.Fail("internal id is already in use"))
		return
	}

	rec := &record{
		state:      Connecting,
		connID:     act.connID,
		internalID: act.internalID,
		context:    act.context,
		deadline:   act.deadline,
		callback:   act.callback,
	}

	m.mu.Lock()
	m.byConnID[act.connID] = rec
	m.byInternal[act.internalID] = rec
	m.mu.Unlock()
}

func (m *Manager) applyFinishConnection(act action) {
	rec := m.lookup(act.key)
	if rec == nil || rec.state != Connecting {
		m.logger.Warn("ignoring finish_connection for connection not in Connecting state",
			"key", act.key.String())
		return
	}
	m.finishConnectionNow(rec, act.success, act.reason)
}

// finishConnectionNow resolves a connect attempt. On failure the record is
// removed under both keys; on success the connection becomes Idle.
func (m *Manager) finishConnectionNow(rec *record, success bool, reason string) {
	done := rec.callback

	if success {
		m.mu.Lock()
		rec.state = Idle
		rec.microstate = ""
		rec.clearPending()
		m.mu.Unlock()

		done(rec.connID, m.adapterID, adapter.Ok())
		return
	}

	if reason == "" {
		reason = "no reason was given"
	}
	m.removeRecord(rec)
	done(rec.connID, m.adapterID, adapter.Fail(reason))
}

func (m *Manager) applyBeginDisconnection(act action) {
	rec := m.lookup(act.key)
	if rec == nil || rec.state != Idle {
		connID := act.key.connID
		if rec != nil {
			connID = rec.connID
		}
		act.callback(connID, m.adapterID, adapter.Fail("cannot start disconnection, connection is not idle"))
		return
	}

	m.mu.Lock()
	rec.state = Disconnecting
	rec.microstate = ""
	rec.deadline = act.deadline
	rec.callback = act.callback
	m.mu.Unlock()
}

func (m *Manager) applyFinishDisconnection(act action) {
	rec := m.lookup(act.key)
	if rec == nil || rec.state != Disconnecting {
		m.logger.Warn("ignoring finish_disconnection for connection not in Disconnecting state",
			"key", act.key.String())
		return
	}
	m.finishDisconnectionNow(rec, act.success, act.reason)
}

// finishDisconnectionNow resolves a disconnect. On success the record is
// removed; on failure the connection stays alive and returns to Idle.
func (m *Manager) finishDisconnectionNow(rec *record, success bool, reason string) {
	done := rec.callback

	if success {
		m.removeRecord(rec)
		done(rec.connID, m.adapterID, adapter.Ok())
		return
	}

	if reason == "" {
		reason = "no reason was given"
	}

	m.mu.Lock()
	rec.state = Idle
	rec.microstate = ""
	rec.clearPending()
	m.mu.Unlock()

	done(rec.connID, m.adapterID, adapter.Fail(reason))
}

func (m *Manager) applyBeginOperation(act action) {
	rec := m.lookup(act.key)
	if rec == nil || rec.state != Idle {
		connID := act.key.connID
		if rec != nil {
			connID = rec.connID
		}
		reason := adapter.Fail("cannot start operation, connection is not idle")
		switch {
		case act.rpcCallback != nil:
			act.rpcCallback(connID, m.adapterID, reason, nil)
		case act.debugCallback != nil:
			act.debugCallback(connID, m.adapterID, reason, nil)
		default:
			act.callback(connID, m.adapterID, reason)
		}
		return
	}

	m.mu.Lock()
	rec.state = InProgress
	rec.microstate = act.microstate
	rec.deadline = act.deadline
	rec.callback = act.callback
	rec.rpcCallback = act.rpcCallback
	rec.debugCallback = act.debugCallback
	m.mu.Unlock()
}

func (m *Manager) applyFinishOperation(act action) {
	rec := m.lookup(act.key)
	if rec == nil || rec.state != InProgress {
		m.logger.Warn("ignoring finish_operation for connection not in InProgress state",
			"key", act.key.String())
		return
	}
	m.finishOperationNow(rec, act.success, act.reason, act.response, act.value)
}

// finishOperationNow resolves an in-flight operation and returns the
// connection to Idle, invoking the microstate-appropriate callback shape.
func (m *Manager) finishOperationNow(rec *record, success bool, reason string, response *adapter.RPCResponse, value any) {
	simple := rec.callback
	rpc := rec.rpcCallback
	debug := rec.debugCallback

	m.mu.Lock()
	rec.state = Idle
	rec.microstate = ""
	rec.clearPending()
	m.mu.Unlock()

	result := adapter.Result{Success: success, Reason: reason}
	switch {
	case rpc != nil:
		if !success {
			response = nil
		}
		rpc(rec.connID, m.adapterID, result, response)
	case debug != nil:
		if !success {
			value = nil
		}
		debug(rec.connID, m.adapterID, result, value)
	case simple != nil:
		simple(rec.connID, m.adapterID, result)
	}
}

func (m *Manager) applyForceDisconnect(act action) {
	rec := m.lookup(act.key)
	if rec == nil {
		return
	}

	// Resolve whatever was pending with the shape its state demands.
	switch rec.state {
	case Connecting:
		rec.callback(rec.connID, m.adapterID, adapter.Fail("unexpected disconnection"))
	case Disconnecting:
		// The link is gone either way, so the disconnect succeeded.
		rec.callback(rec.connID, m.adapterID, adapter.Ok())
	case InProgress:
		result := adapter.Fail("unexpected disconnection")
		switch {
		case rec.rpcCallback != nil:
			rec.rpcCallback(rec.connID, m.adapterID, result, nil)
		case rec.debugCallback != nil:
			rec.debugCallback(rec.connID, m.adapterID, result, nil)
		case rec.callback != nil:
			rec.callback(rec.connID, m.adapterID, result)
		}
	}

	m.removeRecord(rec)
}

// lookup resolves a key to its record, or nil. Safe from any goroutine.
func (m *Manager) lookup(key Key) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(key)
}

func (m *Manager) lookupLocked(key Key) *record {
	if key.byInternal {
		return m.byInternal[key.internalID]
	}
	return m.byConnID[key.connID]
}

// removeRecord deletes a record under both of its keys and clears any
// pending completion.
func (m *Manager) removeRecord(rec *record) {
	m.mu.Lock()
	delete(m.byConnID, rec.connID)
	delete(m.byInternal, rec.internalID)
	rec.clearPending()
	m.mu.Unlock()
}
