package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tilelink/tilelink-core/internal/devicemgr"
)

const (
	// monitorQueueDepth buffers events between the device manager loop and
	// the socket writer. A slow client drops events rather than stalling
	// the loop.
	monitorQueueDepth = 64

	monitorWriteTimeout = 5 * time.Second
)

var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// monitorEvent is one tile event delivered over the monitor socket.
type monitorEvent struct {
	UUID         string `json:"uuid"`
	Event        string `json:"event"`
	ConnectionID int    `json:"connection_id"`
	Data         []byte `json:"data,omitempty"`
}

// monitorAdjust is a client message changing the event subscription of a
// live monitor.
type monitorAdjust struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// handleMonitor upgrades to a WebSocket and streams tile events.
//
// The initial subscription comes from the events query parameter, a
// comma-separated list of report, trace and disconnect; it can be changed
// mid-stream by sending an adjust message. The monitor lives until the
// client disconnects.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	deviceUUID := chi.URLParam(r, "uuid")

	events, err := parseEventNames(r.URL.Query().Get("events"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := monitorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("monitor upgrade failed", "error", err)
		return
	}

	// Events flow device manager loop -> queue -> writer goroutine. The
	// callback must not block, so a full queue drops the event.
	queue := make(chan devicemgr.MonitorEvent, monitorQueueDepth)
	monitorID, err := s.devices.RegisterMonitor(deviceUUID, events, func(ev devicemgr.MonitorEvent) {
		select {
		case queue <- ev:
		default:
			s.logger.Warn("monitor queue full, dropping event",
				"uuid", ev.UUID, "event", ev.Name)
		}
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(monitorWriteTimeout))
		_ = conn.Close()
		return
	}

	closed := make(chan struct{})

	// Reader: adjust messages, and close detection.
	go func() {
		defer close(closed)
		for {
			var adj monitorAdjust
			if err := conn.ReadJSON(&adj); err != nil {
				return
			}
			add, err := toEventNames(adj.Add)
			if err != nil {
				continue
			}
			remove, err := toEventNames(adj.Remove)
			if err != nil {
				continue
			}
			if err := s.devices.AdjustMonitor(monitorID, add, remove); err != nil {
				s.logger.Warn("monitor adjust failed", "monitor", monitorID, "error", err)
			}
		}
	}()

	// Writer: drains the queue until the client goes away.
	for {
		select {
		case ev := <-queue:
			msg := monitorEvent{
				UUID:         ev.UUID,
				Event:        string(ev.Name),
				ConnectionID: ev.ConnectionID,
				Data:         ev.Data,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.teardownMonitor(monitorID, conn)
				<-closed
				return
			}
		case <-closed:
			s.teardownMonitor(monitorID, conn)
			return
		}
	}
}

func (s *Server) teardownMonitor(monitorID string, conn *websocket.Conn) {
	if err := s.devices.RemoveMonitor(monitorID); err != nil {
		s.logger.Warn("monitor removal failed", "monitor", monitorID, "error", err)
	}
	_ = conn.Close()
}

// parseEventNames splits and validates the events query parameter. An
// empty parameter subscribes to everything.
func parseEventNames(raw string) ([]devicemgr.EventName, error) {
	if raw == "" {
		return []devicemgr.EventName{
			devicemgr.EventReport,
			devicemgr.EventTrace,
			devicemgr.EventDisconnect,
		}, nil
	}
	return toEventNames(strings.Split(raw, ","))
}

func toEventNames(raw []string) ([]devicemgr.EventName, error) {
	names := make([]devicemgr.EventName, 0, len(raw))
	for _, r := range raw {
		name := devicemgr.EventName(strings.TrimSpace(r))
		if !devicemgr.ValidEventName(name) {
			return nil, devicemgr.ErrBadEventName
		}
		names = append(names, name)
	}
	return names, nil
}
