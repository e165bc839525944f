package adapter

import (
	"sync"
	"time"
)

// DeviceInfo describes one sighting of a tile by one adapter.
type DeviceInfo struct {
	// UUID identifies the tile across all adapters.
	UUID string

	// ConnectionString is the adapter-specific string sufficient to start a
	// connection to this tile through the adapter that saw it.
	ConnectionString string

	// SignalStrength ranks this adapter's route against other adapters
	// that can see the same tile. Higher is better.
	SignalStrength int
}

// ScanEvent is emitted when an adapter sees a tile.
type ScanEvent struct {
	AdapterID int
	Device    DeviceInfo

	// Validity is how long the sighting should be trusted before expiring.
	// Zero means the record never expires on its own; the adapter will send
	// an explicit LostEvent when the tile disappears.
	Validity time.Duration
}

// LostEvent is emitted by adapters that know definitively when a tile
// disappears, rather than relying on scan record expiry.
type LostEvent struct {
	AdapterID int
	UUID      string
}

// DisconnectEvent is emitted when an established connection is lost outside
// of a requested disconnect.
type DisconnectEvent struct {
	AdapterID int
	ConnID    int
}

// ReportEvent is emitted when a tile streams a complete report over its
// streaming interface.
type ReportEvent struct {
	ConnID int
	Report []byte
}

// TraceEvent is emitted when a tile sends tracing data over its tracing
// interface.
type TraceEvent struct {
	ConnID int
	Data   []byte
}

// Events is the typed subscription hub every adapter carries. The set of
// event kinds is closed: subscribing is a method call per kind, so there is
// no unknown-channel failure mode to handle at runtime.
//
// Multiple subscribers per kind are allowed. Emit* calls invoke subscribers
// on the emitting goroutine, which for real transports is an I/O goroutine
// foreign to the device manager; subscribers must marshal accordingly and
// must not block.
type Events struct {
	mu         sync.RWMutex
	scan       []func(ScanEvent)
	lost       []func(LostEvent)
	disconnect []func(DisconnectEvent)
	report     []func(ReportEvent)
	trace      []func(TraceEvent)
}

// NewEvents creates an empty event hub.
func NewEvents() *Events {
	return &Events{}
}

// OnScan registers a subscriber for tile sightings.
func (e *Events) OnScan(fn func(ScanEvent)) {
	e.mu.Lock()
	e.scan = append(e.scan, fn)
	e.mu.Unlock()
}

// OnLost registers a subscriber for definitive tile disappearances.
func (e *Events) OnLost(fn func(LostEvent)) {
	e.mu.Lock()
	e.lost = append(e.lost, fn)
	e.mu.Unlock()
}

// OnDisconnect registers a subscriber for unexpected disconnections.
func (e *Events) OnDisconnect(fn func(DisconnectEvent)) {
	e.mu.Lock()
	e.disconnect = append(e.disconnect, fn)
	e.mu.Unlock()
}

// OnReport registers a subscriber for streamed reports.
func (e *Events) OnReport(fn func(ReportEvent)) {
	e.mu.Lock()
	e.report = append(e.report, fn)
	e.mu.Unlock()
}

// OnTrace registers a subscriber for tracing data.
func (e *Events) OnTrace(fn func(TraceEvent)) {
	e.mu.Lock()
	e.trace = append(e.trace, fn)
	e.mu.Unlock()
}

// EmitScan delivers a sighting to all scan subscribers.
func (e *Events) EmitScan(ev ScanEvent) {
	e.mu.RLock()
	subs := e.scan
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// EmitLost delivers a disappearance to all lost subscribers.
func (e *Events) EmitLost(ev LostEvent) {
	e.mu.RLock()
	subs := e.lost
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// EmitDisconnect delivers an unexpected disconnection to all subscribers.
func (e *Events) EmitDisconnect(ev DisconnectEvent) {
	e.mu.RLock()
	subs := e.disconnect
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// EmitReport delivers a report to all subscribers.
func (e *Events) EmitReport(ev ReportEvent) {
	e.mu.RLock()
	subs := e.report
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// EmitTrace delivers tracing data to all subscribers.
func (e *Events) EmitTrace(ev TraceEvent) {
	e.mu.RLock()
	subs := e.trace
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
