package mqtttunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tilelink/tilelink-core/internal/adapter"
	"github.com/tilelink/tilelink-core/internal/connmgr"
	"github.com/tilelink/tilelink-core/internal/infrastructure/mqtt"
)

const (
	defaultTimeout = 5 * time.Second

	// scriptTimeout bounds a whole script transfer. Scripts cross the broker
	// in one frame but the agent pushes them to the tile chunk by chunk.
	scriptTimeout = 60 * time.Second

	// defaultMaxConnections caps simultaneous tunneled connections when the
	// config store carries no override.
	defaultMaxConnections = 16

	// pendingGrace is how long a correlation entry outlives its operation
	// timeout before the periodic sweep discards it.
	pendingGrace = 30 * time.Second
)

var errNotStarted = errors.New("mqtttunnel: adapter not started")

// Broker is the slice of the MQTT client the adapter needs. Satisfied by
// *mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Options configures a tunnel adapter.
type Options struct {
	// Broker carries all tile traffic. Required; must already be connected.
	Broker Broker

	// Topics supplies the topic layout. The zero value uses the default
	// prefix.
	Topics mqtt.Topics

	// QoS for every publish and subscribe. Defaults to 1.
	QoS byte
}

// pendingOp is one in-flight request awaiting its response frame.
type pendingOp struct {
	op       string
	key      connmgr.Key
	slug     string
	progress adapter.ProgressCallback
	deadline time.Time
}

// Adapter tunnels tile traffic through an MQTT broker.
//
// Thread Safety: safe for concurrent use. Connection state lives in a
// connmgr.Manager; correlation and advert bookkeeping is guarded by a
// mutex. Broker callbacks arrive on paho goroutines and only ever enqueue
// connection manager completions or emit events.
type Adapter struct {
	id     int
	broker Broker
	topics mqtt.Topics
	qos    byte
	events *adapter.Events
	config *adapter.ConfigStore
	conns  *connmgr.Manager
	logger connmgr.Logger

	mu      sync.Mutex
	adverts map[string]string     // slug -> uuid, from retained adverts
	pending map[string]*pendingOp // correlation id -> in-flight request
	slugSub map[string]bool       // slugs with live response/stream/trace subs

	stopOnce sync.Once
	stopped  atomic.Bool
}

// New creates a tunnel adapter over the given broker.
func New(opts Options) *Adapter {
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	a := &Adapter{
		id:      -1,
		broker:  opts.Broker,
		topics:  opts.Topics,
		qos:     qos,
		events:  adapter.NewEvents(),
		config:  adapter.NewConfigStore(),
		adverts: make(map[string]string),
		pending: make(map[string]*pendingOp),
		slugSub: make(map[string]bool),
	}

	a.config.Set(adapter.ConfigDefaultTimeout, defaultTimeout)
	a.config.Set(adapter.ConfigMaxConnections, defaultMaxConnections)
	a.config.Set(adapter.ConfigProbeSupported, true)
	return a
}

// ID returns the adapter id assigned by the device manager.
func (a *Adapter) ID() int { return a.id }

// SetID assigns the adapter id. Call before Start.
func (a *Adapter) SetID(id int) { a.id = id }

// SetLogger sets the logger for the adapter and its connection manager.
func (a *Adapter) SetLogger(logger connmgr.Logger) { a.logger = logger }

// Start brings up the connection manager and subscribes to the advert
// wildcard. Retained adverts are delivered immediately, so the known tile
// population is rebuilt from the broker on every start.
func (a *Adapter) Start(_ context.Context) error {
	if a.broker == nil {
		return errNotStarted
	}

	a.conns = connmgr.New(a.id)
	if a.logger != nil {
		a.conns.SetLogger(a.logger)
	}
	a.conns.Start()

	if err := a.broker.Subscribe(a.topics.AllAdverts(), a.qos, a.handleAdvert); err != nil {
		a.conns.Stop()
		a.conns = nil
		return fmt.Errorf("mqtttunnel: advert subscription failed: %w", err)
	}
	return nil
}

// Stop force-disconnects every tunneled connection, drops all broker
// subscriptions and shuts down the connection manager. Idempotent.
func (a *Adapter) Stop() error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		if a.conns == nil {
			return
		}
		_ = a.broker.Unsubscribe(a.topics.AllAdverts())

		a.mu.Lock()
		slugs := make([]string, 0, len(a.slugSub))
		for slug := range a.slugSub {
			slugs = append(slugs, slug)
		}
		a.slugSub = make(map[string]bool)
		a.pending = make(map[string]*pendingOp)
		a.mu.Unlock()

		for _, slug := range slugs {
			a.unsubscribeSlug(slug)
		}
		for _, connID := range a.conns.Connections() {
			a.conns.ForceDisconnect(connmgr.ConnID(connID))
		}
		a.conns.Stop()
	})
	return nil
}

// Connect opens a tunneled connection to the tile whose agent listens on
// the request topic for connString.
func (a *Adapter) Connect(connID int, connString string, done adapter.Callback) {
	slug := connString
	key := connmgr.ConnID(connID)
	timeout := a.timeout()

	a.conns.BeginConnection(connID, slug,
		map[string]any{"slug": slug}, done, timeout)

	if err := a.subscribeSlug(slug); err != nil {
		a.conns.FinishConnection(key, false, "agent subscription failed: "+err.Error())
		return
	}
	a.send(key, slug, timeout, nil, request{Op: opConnect, Conn: connID})
}

// Disconnect closes a tunneled connection.
func (a *Adapter) Disconnect(connID int, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	slug, ok := a.slugOf(key)
	if !ok {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}
	timeout := a.timeout()

	a.conns.BeginDisconnection(key, done, timeout)
	a.send(key, slug, timeout, nil, request{Op: opDisconnect, Conn: connID})
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
	slug, ok := a.slugOf(key)
	if !ok {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}
	timeout := a.timeout()

	a.conns.BeginOperation(key, microstate, done, timeout)
	a.send(key, slug, timeout, nil,
		request{Op: op, Conn: connID, Interface: string(iface)})
}

// SendRPC tunnels one remote procedure call to the agent. The caller's
// timeout rides inside the frame so the agent can bound its own wait.
func (a *Adapter) SendRPC(connID int, address uint8, rpcID uint16, payload []byte, timeout time.Duration, done adapter.RPCCallback) {
	key := connmgr.ConnID(connID)
	slug, ok := a.slugOf(key)
	if !ok {
		go done(connID, a.id, adapter.Fail("unknown connection id"), nil)
		return
	}
	if timeout <= 0 {
		timeout = a.timeout()
	}

	a.conns.BeginRPC(key, done, timeout)
	a.send(key, slug, timeout, nil, request{
		Op:        opRPC,
		Conn:      connID,
		Address:   address,
		RPCID:     rpcID,
		Payload:   payload,
		TimeoutMS: timeout.Milliseconds(),
	})
}

// SendScript tunnels a script to the agent in one frame. The agent reports
// tile-side transfer progress through intermediate response frames.
func (a *Adapter) SendScript(connID int, script []byte, progress adapter.ProgressCallback, done adapter.Callback) {
	key := connmgr.ConnID(connID)
	slug, ok := a.slugOf(key)
	if !ok {
		go done(connID, a.id, adapter.Fail("unknown connection id"))
		return
	}

	a.conns.BeginOperation(key, connmgr.MicroScript, done, scriptTimeout)
	a.send(key, slug, scriptTimeout, progress,
		request{Op: opScript, Conn: connID, Payload: script})
}

// Debug tunnels an agent-defined low-level command.
func (a *Adapter) Debug(connID int, command string, args map[string]any, progress adapter.ProgressCallback, done adapter.DebugCallback) {
	key := connmgr.ConnID(connID)
	slug, ok := a.slugOf(key)
	if !ok {
		go done(connID, a.id, adapter.Fail("unknown connection id"), nil)
		return
	}
	timeout := a.timeout()

	a.conns.BeginDebug(key, done, timeout)
	a.send(key, slug, timeout, progress,
		request{Op: opDebug, Conn: connID, Command: command, Args: args})
}

// Probe re-reads the tile population. Adverts are retained, so cycling the
// wildcard subscription makes the broker redeliver every current advert.
func (a *Adapter) Probe(done adapter.Callback) {
	go func() {
		if err := a.broker.Unsubscribe(a.topics.AllAdverts()); err != nil {
			done(0, a.id, adapter.Fail("probe failed: "+err.Error()))
			return
		}
		if err := a.broker.Subscribe(a.topics.AllAdverts(), a.qos, a.handleAdvert); err != nil {
			done(0, a.id, adapter.Fail("probe failed: "+err.Error()))
			return
		}
		done(0, a.id, adapter.Ok())
	}()
}

// PeriodicCallback discards correlation entries whose operation timed out
// long enough ago that no response frame can still be useful.
func (a *Adapter) PeriodicCallback() {
	now := time.Now()

	a.mu.Lock()
	for id, p := range a.pending {
		if now.After(p.deadline) {
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()
}

// CanConnect reports whether a connection slot is free.
func (a *Adapter) CanConnect() bool {
	if a.conns == nil || a.stopped.Load() {
		return false
	}
	limit := a.config.GetInt(adapter.ConfigMaxConnections, defaultMaxConnections)
	return a.conns.Count() < limit
}

// Config returns the adapter's tunable store.
func (a *Adapter) Config() *adapter.ConfigStore { return a.config }

// Events returns the adapter's event hub.
func (a *Adapter) Events() *adapter.Events { return a.events }

func (a *Adapter) timeout() time.Duration {
	return a.config.GetDuration(adapter.ConfigDefaultTimeout, defaultTimeout)
}

// slugOf resolves a connection key to the agent slug stored at connect.
func (a *Adapter) slugOf(key connmgr.Key) (string, bool) {
	if a.conns == nil {
		return "", false
	}
	ctx, err := a.conns.Context(key)
	if err != nil {
		return "", false
	}
	slug, ok := ctx["slug"].(string)
	return slug, ok
}

// send registers a correlation entry and publishes the request. A publish
// failure resolves the operation immediately through the connection
// manager, in the same shape a rejection from the agent would take.
func (a *Adapter) send(key connmgr.Key, slug string, timeout time.Duration, progress adapter.ProgressCallback, req request) {
	req.ID = uuid.NewString()

	a.mu.Lock()
	a.pending[req.ID] = &pendingOp{
		op:       req.Op,
		key:      key,
		slug:     slug,
		progress: progress,
		deadline: time.Now().Add(timeout + pendingGrace),
	}
	a.mu.Unlock()

	payload, err := json.Marshal(req)
	if err == nil {
		err = a.broker.Publish(a.topics.Request(slug), payload, a.qos, false)
	}
	if err != nil {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		a.fail(key, req.Op, "request publish failed: "+err.Error())
	}
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

// subscribeSlug opens the response, stream and trace topics for one agent.
// Response frames resolve pending operations; stream and trace bytes are
// forwarded raw as events.
func (a *Adapter) subscribeSlug(slug string) error {
	a.mu.Lock()
	if a.slugSub[slug] {
		a.mu.Unlock()
		return nil
	}
	a.slugSub[slug] = true
	a.mu.Unlock()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{a.topics.Response(slug), a.handleResponse},
		{a.topics.Stream(slug), a.handleStream},
		{a.topics.Trace(slug), a.handleTrace},
	}
	for _, s := range subs {
		if err := a.broker.Subscribe(s.topic, a.qos, s.handler); err != nil {
			a.mu.Lock()
			delete(a.slugSub, slug)
			a.mu.Unlock()
			a.unsubscribeSlug(slug)
			return err
		}
	}
	return nil
}

func (a *Adapter) unsubscribeSlug(slug string) {
	_ = a.broker.Unsubscribe(a.topics.Response(slug))
	_ = a.broker.Unsubscribe(a.topics.Stream(slug))
	_ = a.broker.Unsubscribe(a.topics.Trace(slug))
}

// dropSlug tears down an agent's per-slug subscriptions after its last
// connection goes away.
func (a *Adapter) dropSlug(slug string) {
	a.mu.Lock()
	subscribed := a.slugSub[slug]
	delete(a.slugSub, slug)
	a.mu.Unlock()

	if subscribed {
		a.unsubscribeSlug(slug)
	}
}

// handleAdvert processes one retained advert. An empty payload is the
// agent clearing its advert: the tile is gone, and any live connection to
// it is torn down.
func (a *Adapter) handleAdvert(topic string, payload []byte) error {
	slug := topic[strings.LastIndexByte(topic, '/')+1:]
	if slug == "" {
		return nil
	}

	if len(payload) == 0 {
		a.agentGone(slug)
		return nil
	}

	var adv advert
	if err := json.Unmarshal(payload, &adv); err != nil {
		a.warn("malformed advert", "slug", slug, "error", err)
		return nil
	}
	if adv.UUID == "" {
		a.warn("advert without uuid", "slug", slug)
		return nil
	}

	a.mu.Lock()
	a.adverts[slug] = adv.UUID
	a.mu.Unlock()

	a.events.EmitScan(adapter.ScanEvent{
		AdapterID: a.id,
		Device: adapter.DeviceInfo{
			UUID:             adv.UUID,
			ConnectionString: slug,
			SignalStrength:   adv.Signal,
		},
		Validity: time.Duration(adv.Validity) * time.Second,
	})
	return nil
}

// agentGone handles a cleared advert or an unsolicited disconnect frame:
// emit the lost sighting and force down any connection riding that agent.
func (a *Adapter) agentGone(slug string) {
	a.mu.Lock()
	tileUUID, known := a.adverts[slug]
	delete(a.adverts, slug)
	a.mu.Unlock()

	if known {
		a.events.EmitLost(adapter.LostEvent{AdapterID: a.id, UUID: tileUUID})
	}

	key := connmgr.InternalID(slug)
	connID, err := a.conns.ConnectionID(key)
	if err != nil {
		return
	}
	a.conns.ForceDisconnect(key)
	a.dropSlug(slug)
	a.events.EmitDisconnect(adapter.DisconnectEvent{AdapterID: a.id, ConnID: connID})
}

// handleResponse routes one response frame to its pending operation.
func (a *Adapter) handleResponse(topic string, payload []byte) error {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		a.warn("malformed response frame", "topic", topic, "error", err)
		return nil
	}

	// Agents push unsolicited disconnects as uncorrelated frames.
	if resp.Event == eventUnexpected && resp.Op == opDisconnect {
		if slug, ok := slugFromDeviceTopic(topic); ok {
			a.agentGone(slug)
		}
		return nil
	}

	a.mu.Lock()
	p, ok := a.pending[resp.ID]
	if ok && resp.Event != eventProgress {
		delete(a.pending, resp.ID)
	}
	a.mu.Unlock()

	if !ok {
		// Late frame after a timeout already resolved the operation.
		a.debug("uncorrelated response frame", "topic", topic, "op", resp.Op)
		return nil
	}

	if resp.Event == eventProgress {
		if p.progress != nil {
			p.progress(resp.Done, resp.Total)
		}
		return nil
	}

	switch p.op {
	case opConnect:
		a.conns.FinishConnection(p.key, resp.Success, resp.Reason)
	case opDisconnect:
		a.conns.FinishDisconnection(p.key, resp.Success, resp.Reason)
		if resp.Success {
			a.dropSlug(p.slug)
		}
	case opRPC:
		var rpcResp *adapter.RPCResponse
		if resp.Success {
			rpcResp = &adapter.RPCResponse{Status: resp.Status, Payload: resp.Payload}
		}
		a.conns.FinishRPC(p.key, resp.Success, resp.Reason, rpcResp)
	case opDebug:
		var value any
		if resp.Success {
			value = resp.Value
		}
		a.conns.FinishDebug(p.key, resp.Success, resp.Reason, value)
	default:
		a.conns.FinishOperation(p.key, resp.Success, resp.Reason)
	}
	return nil
}

// handleStream forwards raw report bytes from an agent's stream topic.
func (a *Adapter) handleStream(topic string, payload []byte) error {
	if connID, ok := a.connForTopic(topic); ok {
		a.events.EmitReport(adapter.ReportEvent{ConnID: connID, Report: payload})
	}
	return nil
}

// handleTrace forwards raw trace bytes from an agent's trace topic.
func (a *Adapter) handleTrace(topic string, payload []byte) error {
	if connID, ok := a.connForTopic(topic); ok {
		a.events.EmitTrace(adapter.TraceEvent{ConnID: connID, Data: payload})
	}
	return nil
}

// slugFromDeviceTopic pulls the agent slug out of a per-device topic.
// Topics are <prefix>/dev/<slug>/<channel>.
func slugFromDeviceTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" {
		return "", false
	}
	return parts[len(parts)-2], true
}

// connForTopic resolves a stream or trace topic to the connection riding
// that agent.
func (a *Adapter) connForTopic(topic string) (int, bool) {
	slug, ok := slugFromDeviceTopic(topic)
	if !ok {
		return 0, false
	}
	connID, err := a.conns.ConnectionID(connmgr.InternalID(slug))
	if err != nil {
		return 0, false
	}
	return connID, true
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
