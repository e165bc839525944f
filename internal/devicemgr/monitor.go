package devicemgr

// EventName identifies one kind of tile event a monitor can subscribe to.
type EventName string

// The closed set of monitorable events.
const (
	// EventReport fires when a tile streams a complete report.
	EventReport EventName = "report"

	// EventTrace fires when a tile sends tracing data.
	EventTrace EventName = "trace"

	// EventDisconnect fires when an established connection to the tile is
	// lost outside of a requested disconnect.
	EventDisconnect EventName = "disconnect"
)

// ValidEventName reports whether name is one of the known event kinds.
func ValidEventName(name EventName) bool {
	switch name {
	case EventReport, EventTrace, EventDisconnect:
		return true
	default:
		return false
	}
}

// MonitorEvent is delivered to a monitor callback when a subscribed event
// fires for its tile.
type MonitorEvent struct {
	// UUID is the tile the event concerns.
	UUID string

	// Name is the kind of event.
	Name EventName

	// ConnectionID is the connection the event arrived on.
	ConnectionID int

	// Data is the event payload: the report bytes for EventReport, the trace
	// bytes for EventTrace, nil for EventDisconnect.
	Data []byte
}

// MonitorCallback receives events for one monitor. It is invoked on the
// manager's owning goroutine and must not block.
type MonitorCallback func(event MonitorEvent)

// monitor is one live subscription, owned by the manager loop.
type monitor struct {
	id     string
	uuid   string
	events map[EventName]bool
	fn     MonitorCallback
}

func (m *monitor) wants(name EventName) bool {
	return m.events[name]
}
