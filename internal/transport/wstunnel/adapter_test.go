package wstunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

// fakeAgent is the server side of the tunnel: an httptest server that
// upgrades to WebSocket, announces one tile and answers request frames
// according to a per-op script.
type fakeAgent struct {
	t        *testing.T
	srv      *httptest.Server
	tileUUID string
	signal   int

	mu       sync.Mutex
	conn     *websocket.Conn
	silent   map[string]bool
	rejected map[string]string
	requests []frame
}

func newFakeAgent(t *testing.T, tileUUID string, signal int) *fakeAgent {
	t.Helper()
	ag := &fakeAgent{
		t:        t,
		tileUUID: tileUUID,
		signal:   signal,
		silent:   make(map[string]bool),
		rejected: make(map[string]string),
	}
	upgrader := websocket.Upgrader{}
	ag.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ag.mu.Lock()
		ag.conn = conn
		ag.mu.Unlock()

		ag.write(frame{Type: frameHello, UUID: ag.tileUUID, Signal: ag.signal})
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ag.handle(f)
		}
	}))
	t.Cleanup(ag.srv.Close)
	return ag
}

func (ag *fakeAgent) wsURL() string {
	return "ws" + strings.TrimPrefix(ag.srv.URL, "http")
}

func (ag *fakeAgent) write(f frame) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.conn == nil {
		ag.t.Error("agent has no socket to write to")
		return
	}
	if err := ag.conn.WriteJSON(f); err != nil {
		ag.t.Logf("agent write: %v", err)
	}
}

func (ag *fakeAgent) dropSocket() {
	ag.mu.Lock()
	conn := ag.conn
	ag.conn = nil
	ag.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (ag *fakeAgent) handle(req frame) {
	ag.mu.Lock()
	ag.requests = append(ag.requests, req)
	quiet := ag.silent[req.Op]
	reason, reject := ag.rejected[req.Op]
	ag.mu.Unlock()

	if quiet {
		return
	}
	if reject {
		ag.write(frame{Type: frameResponse, ID: req.ID, Op: req.Op, Success: false, Reason: reason})
		return
	}

	resp := frame{Type: frameResponse, ID: req.ID, Op: req.Op, Success: true}
	switch req.Op {
	case opRPC:
		resp.Status = 0x40
		resp.Payload = []byte{0xBE, 0xEF}
	case opScript:
		total := len(req.Payload)
		ag.write(frame{Type: frameResponse, ID: req.ID, Op: req.Op, Event: eventProgress, Done: total / 2, Total: total})
		ag.write(frame{Type: frameResponse, ID: req.ID, Op: req.Op, Event: eventProgress, Done: total, Total: total})
	case opDebug:
		resp.Value = map[string]any{"command": req.Command}
	}
	ag.write(resp)
}

func (ag *fakeAgent) lastRequest(t *testing.T, op string) frame {
	t.Helper()
	ag.mu.Lock()
	defer ag.mu.Unlock()
	for i := len(ag.requests) - 1; i >= 0; i-- {
		if ag.requests[i].Op == op {
			return ag.requests[i]
		}
	}
	t.Fatalf("no %q request seen by agent", op)
	return frame{}
}

// startAdapter brings up an adapter against the agent and waits for the
// hello sighting so tests start from a known state.
func startAdapter(t *testing.T, ag *fakeAgent) (*Adapter, <-chan adapter.ScanEvent) {
	t.Helper()
	a := New(Options{URL: ag.wsURL()})
	a.SetID(2)

	scans := make(chan adapter.ScanEvent, 4)
	a.Events().OnScan(func(ev adapter.ScanEvent) { scans <- ev })

	if err := a.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })

	select {
	case <-scans:
	case <-time.After(2 * time.Second):
		t.Fatal("no hello sighting after start")
	}
	return a, scans
}

func TestHelloProducesScan(t *testing.T) {
	ag := newFakeAgent(t, "a4e7d9c2-1f3b-4c8a-9e2d-5b6f7a8c9d0e", 55)
	a := New(Options{URL: ag.wsURL()})
	a.SetID(2)

	scans := make(chan adapter.ScanEvent, 4)
	a.Events().OnScan(func(ev adapter.ScanEvent) { scans <- ev })

	if err := a.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	select {
	case ev := <-scans:
		if ev.AdapterID != 2 {
			t.Errorf("AdapterID = %d, want 2", ev.AdapterID)
		}
		if ev.Device.UUID != "a4e7d9c2-1f3b-4c8a-9e2d-5b6f7a8c9d0e" {
			t.Errorf("UUID = %q", ev.Device.UUID)
		}
		if ev.Device.ConnectionString != ev.Device.UUID {
			t.Errorf("ConnectionString = %q, want the uuid", ev.Device.ConnectionString)
		}
		if ev.Device.SignalStrength != 55 {
			t.Errorf("SignalStrength = %d, want 55", ev.Device.SignalStrength)
		}
		if ev.Validity != 0 {
			t.Errorf("Validity = %v, want 0 (never expires)", ev.Validity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no scan event")
	}
}

func TestConnectRPCDisconnect(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	if !a.CanConnect() {
		t.Fatal("CanConnect should be true with the socket up and slot free")
	}

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}
	if a.CanConnect() {
		t.Error("CanConnect should be false with the single slot taken")
	}

	res, resp := adapter.SendRPCSync(a, 1, 0x08, 0x1234, []byte{0x01}, time.Second)
	if !res.Success {
		t.Fatalf("rpc failed: %s", res.Reason)
	}
	if resp == nil || resp.Status != 0x40 {
		t.Fatalf("response = %+v, want status 0x40", resp)
	}
	req := ag.lastRequest(t, opRPC)
	if req.Address != 0x08 || req.RPCID != 0x1234 || req.TimeoutMS != 1000 {
		t.Errorf("frame address=%#x rpc_id=%#x timeout_ms=%d", req.Address, req.RPCID, req.TimeoutMS)
	}

	if res := adapter.DisconnectSync(a, 1); !res.Success {
		t.Fatalf("disconnect: %s", res.Reason)
	}
	if !a.CanConnect() {
		t.Error("slot should be free again after disconnect")
	}
}

func TestConnectRejectedByAgent(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	ag.rejected[opConnect] = "tile refused"
	a, _ := startAdapter(t, ag)

	res := adapter.ConnectSync(a, 1, "tile-a")
	if res.Success {
		t.Fatal("connect should have been rejected")
	}
	if res.Reason != "tile refused" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestConnectWhileTunnelDown(t *testing.T) {
	a := New(Options{URL: "ws://127.0.0.1:1/tunnel"})
	a.SetID(2)
	if err := a.Start(testContext(t)); err != nil {
		t.Fatalf("Start should tolerate a failed dial: %v", err)
	}
	defer a.Stop()

	if a.CanConnect() {
		t.Error("CanConnect should be false with no socket")
	}
	res := adapter.ConnectSync(a, 1, "tile-a")
	if res.Success {
		t.Fatal("connect should fail with the tunnel down")
	}
	if res.Reason != "tunnel is down" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestOperationTimeout(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	ag.silent[opOpenInterface] = true
	a, _ := startAdapter(t, ag)
	a.Config().Set(adapter.ConfigDefaultTimeout, 50*time.Millisecond)

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	res := adapter.OpenInterfaceSync(a, 1, adapter.InterfaceRPC)
	if res.Success {
		t.Fatal("open should have timed out")
	}
	if res.Reason != "open interface request timed out" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestScriptProgress(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	var mu sync.Mutex
	var progress [][2]int
	res := adapter.SendScriptSync(a, 1, make([]byte, 64), func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	})
	if !res.Success {
		t.Fatalf("script failed: %s", res.Reason)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 2 || progress[1] != [2]int{64, 64} {
		t.Errorf("progress = %v", progress)
	}
}

func TestDebugCommand(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	res, value := adapter.DebugSync(a, 1, "snapshot", nil, nil)
	if !res.Success {
		t.Fatalf("debug failed: %s", res.Reason)
	}
	m, ok := value.(map[string]any)
	if !ok || m["command"] != "snapshot" {
		t.Errorf("value = %#v", value)
	}
}

func TestReportAndTraceFrames(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	reports := make(chan adapter.ReportEvent, 1)
	traces := make(chan adapter.TraceEvent, 1)
	a.Events().OnReport(func(ev adapter.ReportEvent) { reports <- ev })
	a.Events().OnTrace(func(ev adapter.TraceEvent) { traces <- ev })

	if res := adapter.ConnectSync(a, 5, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	ag.write(frame{Type: frameReport, Payload: []byte("report-bytes")})
	ag.write(frame{Type: frameTrace, Payload: []byte("trace-bytes")})

	select {
	case ev := <-reports:
		if ev.ConnID != 5 || string(ev.Report) != "report-bytes" {
			t.Errorf("report event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no report event")
	}
	select {
	case ev := <-traces:
		if ev.ConnID != 5 || string(ev.Data) != "trace-bytes" {
			t.Errorf("trace event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no trace event")
	}
}

func TestLostFrameTearsDown(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	lost := make(chan adapter.LostEvent, 1)
	gone := make(chan adapter.DisconnectEvent, 1)
	a.Events().OnLost(func(ev adapter.LostEvent) { lost <- ev })
	a.Events().OnDisconnect(func(ev adapter.DisconnectEvent) { gone <- ev })

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	ag.write(frame{Type: frameLost, UUID: "tile-a"})

	select {
	case ev := <-lost:
		if ev.UUID != "tile-a" {
			t.Errorf("lost uuid = %q", ev.UUID)
		}
	case <-time.After(time.Second):
		t.Fatal("no lost event")
	}
	select {
	case ev := <-gone:
		if ev.ConnID != 1 {
			t.Errorf("disconnect conn = %d, want 1", ev.ConnID)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestSocketDropForcesDisconnect(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	lost := make(chan adapter.LostEvent, 1)
	gone := make(chan adapter.DisconnectEvent, 1)
	a.Events().OnLost(func(ev adapter.LostEvent) { lost <- ev })
	a.Events().OnDisconnect(func(ev adapter.DisconnectEvent) { gone <- ev })

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	ag.dropSocket()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("no lost event after socket drop")
	}
	select {
	case ev := <-gone:
		if ev.ConnID != 1 {
			t.Errorf("disconnect conn = %d, want 1", ev.ConnID)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect event after socket drop")
	}
	if a.CanConnect() {
		t.Error("CanConnect should be false with the socket gone")
	}
}

func TestPeriodicCallbackRedials(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, scans := startAdapter(t, ag)

	ag.dropSocket()

	// Wait for the adapter to notice the drop, then ask for a redial.
	deadline := time.Now().Add(2 * time.Second)
	for a.socketUp() {
		if time.Now().After(deadline) {
			t.Fatal("socket drop never noticed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.PeriodicCallback()

	select {
	case ev := <-scans:
		if ev.Device.UUID != "tile-a" {
			t.Errorf("redial sighting uuid = %q", ev.Device.UUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sighting after redial")
	}
	if !a.CanConnect() {
		t.Error("CanConnect should be true after redial")
	}
}

func TestProbeUnsupported(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	if a.Config().GetBool(adapter.ConfigProbeSupported, true) {
		t.Error("probe_supported should default to false")
	}
	if res := adapter.ProbeSync(a); res.Success {
		t.Error("probe should fail")
	}
}

func TestStopIdempotent(t *testing.T) {
	ag := newFakeAgent(t, "tile-a", 50)
	a, _ := startAdapter(t, ag)

	if res := adapter.ConnectSync(a, 1, "tile-a"); !res.Success {
		t.Fatalf("connect: %s", res.Reason)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if a.CanConnect() {
		t.Error("CanConnect should be false after Stop")
	}
}

// testContext returns a context that is canceled when the test completes,
// matching the behavior of (*testing.T).Context from newer Go releases.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
