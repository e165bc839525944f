package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

// reasonUnknownUUID is the device manager's failure reason for a connect
// against a tile no adapter has sighted. It maps to 404 rather than 409.
const reasonUnknownUUID = "could not find UUID"

// routeResponse is one way of reaching a tile.
type routeResponse struct {
	AdapterID        int    `json:"adapter_id"`
	ConnectionString string `json:"connection_string"`
	SignalStrength   int    `json:"signal_strength"`
}

// deviceResponse is one scanned tile with its current routes.
type deviceResponse struct {
	UUID   string          `json:"uuid"`
	Routes []routeResponse `json:"routes"`
}

// handleHealth returns basic liveness information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"connections": s.devices.ConnectionCount(),
	})
}

// handleListDevices returns every scanned tile and the routes it can be
// reached over, strongest signal first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	scanned := s.devices.ScannedDevices()

	devices := make([]deviceResponse, 0, len(scanned))
	for _, d := range scanned {
		routes := make([]routeResponse, 0, len(d.Routes))
		for _, rt := range d.Routes {
			routes = append(routes, routeResponse{
				AdapterID:        rt.AdapterID,
				ConnectionString: rt.ConnectionString,
				SignalStrength:   rt.SignalStrength,
			})
		}
		devices = append(devices, deviceResponse{UUID: d.UUID, Routes: routes})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleProbe triggers an out-of-band scan on every adapter that supports
// discovery. Sightings arrive asynchronously.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.devices.Probe()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "probing"})
}

// handleConnect opens a connection to a tile, picking the best free route.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceUUID := chi.URLParam(r, "uuid")

	res := s.devices.Connect(deviceUUID)
	if !res.Success {
		if res.Reason == reasonUnknownUUID {
			writeNotFound(w, res.Reason)
			return
		}
		writeConflict(w, res.Reason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connection_id": res.ConnectionID,
	})
}

// handleDisconnect closes a connection.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	connID, ok := s.connIDParam(w, r)
	if !ok {
		return
	}

	res := s.devices.Disconnect(connID)
	if !res.Success {
		s.writeOperationFailure(w, res.Reason)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOpenInterface enables one of a tile's logical channels.
func (s *Server) handleOpenInterface(w http.ResponseWriter, r *http.Request) {
	s.interfaceOp(w, r, s.devices.OpenInterface)
}

// handleCloseInterface disables one of a tile's logical channels.
func (s *Server) handleCloseInterface(w http.ResponseWriter, r *http.Request) {
	s.interfaceOp(w, r, s.devices.CloseInterface)
}

func (s *Server) interfaceOp(w http.ResponseWriter, r *http.Request, op func(int, adapter.Interface) adapter.Result) {
	connID, ok := s.connIDParam(w, r)
	if !ok {
		return
	}
	iface := adapter.Interface(chi.URLParam(r, "iface"))
	if !adapter.ValidInterface(iface) {
		writeBadRequest(w, "unknown interface name")
		return
	}

	res := op(connID, iface)
	if !res.Success {
		s.writeOperationFailure(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// rpcRequest is the body for POST /connections/{id}/rpc. Feature and
// command are the two halves of the tile's RPC identifier.
type rpcRequest struct {
	Address   uint8  `json:"address"`
	Feature   uint8  `json:"feature"`
	Command   uint8  `json:"command"`
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// handleRPC executes a single remote procedure call on a connected tile.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	connID, ok := s.connIDParam(w, r)
	if !ok {
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res := s.devices.SendRPC(connID, req.Address, req.Feature, req.Command, req.Payload, timeout)
	if !res.Success && s.isStateFailure(res.Reason) {
		s.writeOperationFailure(w, res.Reason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Success,
		"reason":  res.Reason,
		"status":  res.Status,
		"payload": res.Payload,
	})
}

// scriptRequest is the body for POST /connections/{id}/script.
type scriptRequest struct {
	Script []byte `json:"script"`
}

// handleScript transfers a script to a connected tile. Progress is not
// surfaced over REST; the call blocks until the transfer resolves.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	connID, ok := s.connIDParam(w, r)
	if !ok {
		return
	}

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Script) == 0 {
		writeBadRequest(w, "script is empty")
		return
	}

	res := s.devices.SendScript(connID, req.Script, nil)
	if !res.Success && s.isStateFailure(res.Reason) {
		s.writeOperationFailure(w, res.Reason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Success,
		"reason":  res.Reason,
	})
}

// debugRequest is the body for POST /connections/{id}/debug.
type debugRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// handleDebug runs an adapter-defined low-level command.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	connID, ok := s.connIDParam(w, r)
	if !ok {
		return
	}

	var req debugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	res := s.devices.Debug(connID, req.Command, req.Args, nil)
	if !res.Success && s.isStateFailure(res.Reason) {
		s.writeOperationFailure(w, res.Reason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Success,
		"reason":  res.Reason,
		"value":   res.Value,
	})
}

// connIDParam parses the {id} path parameter, writing a 400 on failure.
func (s *Server) connIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	connID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "connection id must be an integer")
		return 0, false
	}
	return connID, true
}

// isStateFailure reports whether a failure reason describes the caller
// addressing the wrong connection rather than the tile refusing the
// operation. State failures become HTTP errors; tile refusals come back
// in-band with a 200.
func (s *Server) isStateFailure(reason string) bool {
	return reason == "unknown connection id" ||
		strings.HasPrefix(reason, "connection is not idle")
}

// writeOperationFailure maps a device manager failure reason to an HTTP
// error response.
func (s *Server) writeOperationFailure(w http.ResponseWriter, reason string) {
	if reason == "unknown connection id" {
		writeNotFound(w, reason)
		return
	}
	writeConflict(w, reason)
}
