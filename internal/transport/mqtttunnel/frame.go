package mqtttunnel

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

// Response event markers. A progress event carries intermediate script
// progress and does not resolve the request; an unexpected event is an
// unsolicited disconnect pushed by the agent.
const (
	eventProgress   = "progress"
	eventUnexpected = "unexpected"
)

// advert is the retained JSON payload an agent keeps on its advert topic.
// A zero Validity means the sighting never expires on its own.
type advert struct {
	UUID     string `json:"uuid"`
	Signal   int    `json:"signal"`
	Validity int    `json:"validity,omitempty"` // seconds
}

// request is published on a tile's request topic. The correlation ID ties
// the eventual response frame back to the pending operation.
type request struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	Conn      int    `json:"conn,omitempty"`
	Interface string `json:"iface,omitempty"`
	Address   uint8  `json:"address,omitempty"`
	RPCID     uint16 `json:"rpc_id,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Command   string `json:"command,omitempty"`
	Args      any    `json:"args,omitempty"`
}

// response is received on a tile's response topic.
type response struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	Conn    int    `json:"conn,omitempty"`
	Event   string `json:"event,omitempty"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Status  uint8  `json:"status,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Value   any    `json:"value,omitempty"`
	Done    int    `json:"done,omitempty"`
	Total   int    `json:"total,omitempty"`
}
