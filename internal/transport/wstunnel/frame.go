package wstunnel

// Frame type discriminators. The tunnel multiplexes everything over one
// socket, so every message carries a type.
const (
	frameHello    = "hello"    // agent -> adapter: tile announcement
	frameLost     = "lost"     // agent -> adapter: tile withdrawn
	frameRequest  = "request"  // adapter -> agent
	frameResponse = "response" // agent -> adapter
	frameReport   = "report"   // agent -> adapter: streaming bytes
	frameTrace    = "trace"    // agent -> adapter: tracing bytes
)

// Operation names carried in request and response frames.
const (
	opConnect        = "connect"
	opDisconnect     = "disconnect"
	opOpenInterface  = "open_interface"
	opCloseInterface = "close_interface"
	opRPC            = "rpc"
	opScript         = "script"
	opDebug          = "debug"
)

// Response event markers.
const (
	eventProgress   = "progress"
	eventUnexpected = "unexpected"
)

// frame is the single wire message for both directions. Fields are used
// according to Type; unused fields are omitted.
type frame struct {
	Type string `json:"type"`

	// hello / lost
	UUID   string `json:"uuid,omitempty"`
	Signal int    `json:"signal,omitempty"`

	// request / response correlation
	ID string `json:"id,omitempty"`
	Op string `json:"op,omitempty"`

	// request
	Conn      int    `json:"conn,omitempty"`
	Interface string `json:"iface,omitempty"`
	Address   uint8  `json:"address,omitempty"`
	RPCID     uint16 `json:"rpc_id,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Command   string `json:"command,omitempty"`
	Args      any    `json:"args,omitempty"`

	// response
	Event   string `json:"event,omitempty"`
	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Status  uint8  `json:"status,omitempty"`
	Value   any    `json:"value,omitempty"`
	Done    int    `json:"done,omitempty"`
	Total   int    `json:"total,omitempty"`

	// request script bytes, rpc payloads, report and trace bytes
	Payload []byte `json:"payload,omitempty"`
}
