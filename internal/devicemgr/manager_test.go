package devicemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

const testTimeout = 2 * time.Second

// fakeAdapter is a scripted transport: operations complete on a spawned
// goroutine so completions arrive "foreign" the way real transports deliver
// them.
type fakeAdapter struct {
	id     int
	events *adapter.Events
	config *adapter.ConfigStore

	canConnect  atomic.Bool
	opDelay     time.Duration
	connectFail string

	mu          sync.Mutex
	connects    []int
	disconnects []int
	lastAddress uint8
	lastRPCID   uint16
	probes      int
	stops       int
}

func newFakeAdapter() *fakeAdapter {
	f := &fakeAdapter{
		id:     -1,
		events: adapter.NewEvents(),
		config: adapter.NewConfigStore(),
	}
	f.canConnect.Store(true)
	return f
}

func (f *fakeAdapter) ID() int                         { return f.id }
func (f *fakeAdapter) SetID(id int)                    { f.id = id }
func (f *fakeAdapter) Start(context.Context) error     { return nil }
func (f *fakeAdapter) PeriodicCallback()               {}
func (f *fakeAdapter) CanConnect() bool                { return f.canConnect.Load() }
func (f *fakeAdapter) Config() *adapter.ConfigStore    { return f.config }
func (f *fakeAdapter) Events() *adapter.Events         { return f.events }

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) complete(fn func()) {
	delay := f.opDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		fn()
	}()
}

func (f *fakeAdapter) Connect(connID int, _ string, done adapter.Callback) {
	f.mu.Lock()
	f.connects = append(f.connects, connID)
	f.mu.Unlock()

	f.complete(func() {
		if f.connectFail != "" {
			done(connID, f.id, adapter.Fail(f.connectFail))
			return
		}
		done(connID, f.id, adapter.Ok())
	})
}

func (f *fakeAdapter) Disconnect(connID int, done adapter.Callback) {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, connID)
	f.mu.Unlock()

	f.complete(func() { done(connID, f.id, adapter.Ok()) })
}

func (f *fakeAdapter) OpenInterface(connID int, _ adapter.Interface, done adapter.Callback) {
	f.complete(func() { done(connID, f.id, adapter.Ok()) })
}

func (f *fakeAdapter) CloseInterface(connID int, _ adapter.Interface, done adapter.Callback) {
	f.complete(func() { done(connID, f.id, adapter.Ok()) })
}

func (f *fakeAdapter) SendRPC(connID int, address uint8, rpcID uint16, _ []byte, _ time.Duration, done adapter.RPCCallback) {
	f.mu.Lock()
	f.lastAddress = address
	f.lastRPCID = rpcID
	f.mu.Unlock()

	f.complete(func() {
		done(connID, f.id, adapter.Ok(), &adapter.RPCResponse{Status: 0x40, Payload: []byte{0xAB}})
	})
}

func (f *fakeAdapter) SendScript(connID int, script []byte, progress adapter.ProgressCallback, done adapter.Callback) {
	f.complete(func() {
		if progress != nil {
			progress(len(script), len(script))
		}
		done(connID, f.id, adapter.Ok())
	})
}

func (f *fakeAdapter) Debug(connID int, command string, _ map[string]any, _ adapter.ProgressCallback, done adapter.DebugCallback) {
	f.complete(func() { done(connID, f.id, adapter.Ok(), command) })
}

func (f *fakeAdapter) Probe(done adapter.Callback) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()

	f.complete(func() { done(0, f.id, adapter.Ok()) })
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func newStartedManager(t *testing.T) *Manager {
	t.Helper()
	m := New()
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func emitScan(f *fakeAdapter, deviceUUID string, signal int, validity time.Duration) {
	f.events.EmitScan(adapter.ScanEvent{
		AdapterID: f.id,
		Device: adapter.DeviceInfo{
			UUID:             deviceUUID,
			ConnectionString: deviceUUID + "@fake",
			SignalStrength:   signal,
		},
		Validity: validity,
	})
}

func TestConnectUnknownUUID(t *testing.T) {
	m := newStartedManager(t)
	m.AddAdapter(newFakeAdapter())

	res := m.Connect("tile-nope")
	if res.Success {
		t.Fatal("connect to unseen tile succeeded")
	}
	if res.Reason != "could not find UUID" {
		t.Errorf("reason = %q, want %q", res.Reason, "could not find UUID")
	}
}

func TestRouteSelectionPrefersStrongerSignal(t *testing.T) {
	m := newStartedManager(t)
	weak := newFakeAdapter()
	strong := newFakeAdapter()
	m.AddAdapter(weak)
	m.AddAdapter(strong)

	emitScan(weak, "tile-1", 10, 0)
	emitScan(strong, "tile-1", 20, 0)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}
	if strong.connectCount() != 1 || weak.connectCount() != 0 {
		t.Errorf("connects: strong=%d weak=%d, want the stronger route chosen",
			strong.connectCount(), weak.connectCount())
	}
}

func TestRouteSelectionFallsBackWhenFull(t *testing.T) {
	m := newStartedManager(t)
	weak := newFakeAdapter()
	strong := newFakeAdapter()
	m.AddAdapter(weak)
	m.AddAdapter(strong)

	emitScan(weak, "tile-1", 10, 0)
	emitScan(strong, "tile-1", 20, 0)
	strong.canConnect.Store(false)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}
	if weak.connectCount() != 1 || strong.connectCount() != 0 {
		t.Errorf("connects: strong=%d weak=%d, want fallback to the weaker route",
			strong.connectCount(), weak.connectCount())
	}

	weak.canConnect.Store(false)
	res = m.Connect("tile-1")
	if res.Success {
		t.Fatal("connect succeeded with no free slots")
	}
	if res.Reason != "no room on any adapter" {
		t.Errorf("reason = %q, want %q", res.Reason, "no room on any adapter")
	}
}

func TestMonotonicConnectionIDs(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	var ids []int
	for i := 0; i < 5; i++ {
		// Every other attempt fails; failed attempts still burn an id.
		if i%2 == 1 {
			a.connectFail = "tile refused"
		} else {
			a.connectFail = ""
		}

		res := m.Connect("tile-1")
		ids = append(ids, res.ConnectionID)
		if res.Success {
			if dres := m.Disconnect(res.ConnectionID); !dres.Success {
				t.Fatalf("disconnect failed: %s", dres.Reason)
			}
		}
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestScanExpiry(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)

	emitScan(a, "tile-short", 10, 50*time.Millisecond)
	emitScan(a, "tile-forever", 10, 0)

	devices := m.ScannedDevices()
	if len(devices) != 2 {
		t.Fatalf("devices = %v, want both tiles visible", devices)
	}

	time.Sleep(120 * time.Millisecond)

	devices = m.ScannedDevices()
	if len(devices) != 1 || devices[0].UUID != "tile-forever" {
		t.Fatalf("devices = %v, want only the non-expiring tile", devices)
	}
}

func TestDeviceLostRemovesSighting(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	a.events.EmitLost(adapter.LostEvent{AdapterID: a.id, UUID: "tile-1"})

	if devices := m.ScannedDevices(); len(devices) != 0 {
		t.Fatalf("devices = %v, want empty after lost event", devices)
	}
	if res := m.Connect("tile-1"); res.Success {
		t.Error("connect succeeded after lost event")
	}
}

func TestOperationForwarding(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}
	connID := res.ConnectionID

	if r := m.OpenInterface(connID, adapter.InterfaceRPC); !r.Success {
		t.Errorf("open interface failed: %s", r.Reason)
	}
	if r := m.OpenInterface(connID, adapter.Interface("bogus")); r.Success {
		t.Error("open of unknown interface succeeded")
	}

	rpc := m.SendRPC(connID, 8, 0x12, 0x34, nil, time.Second)
	if !rpc.Success {
		t.Fatalf("rpc failed: %s", rpc.Reason)
	}
	if rpc.Status != 0x40 || len(rpc.Payload) != 1 {
		t.Errorf("rpc response = %+v, want status 0x40 with one byte", rpc)
	}
	a.mu.Lock()
	gotAddr, gotRPCID := a.lastAddress, a.lastRPCID
	a.mu.Unlock()
	if gotAddr != 8 {
		t.Errorf("address = %d, want 8", gotAddr)
	}
	if gotRPCID != 0x1234 {
		t.Errorf("rpc id = %#x, want feature and command packed as 0x1234", gotRPCID)
	}

	var progressCalls atomic.Int32
	if r := m.SendScript(connID, []byte{1, 2, 3}, func(done, total int) {
		progressCalls.Add(1)
	}); !r.Success {
		t.Errorf("send script failed: %s", r.Reason)
	}
	if progressCalls.Load() == 0 {
		t.Error("script progress never reported")
	}

	dbg := m.Debug(connID, "dump_ram", nil, nil)
	if !dbg.Success {
		t.Errorf("debug failed: %s", dbg.Reason)
	}
	if dbg.Value != "dump_ram" {
		t.Errorf("debug value = %v, want command echoed", dbg.Value)
	}

	if r := m.CloseInterface(connID, adapter.InterfaceRPC); !r.Success {
		t.Errorf("close interface failed: %s", r.Reason)
	}
	if r := m.Disconnect(connID); !r.Success {
		t.Errorf("disconnect failed: %s", r.Reason)
	}
}

func TestForwardingRejectsUnknownConnection(t *testing.T) {
	m := newStartedManager(t)
	m.AddAdapter(newFakeAdapter())

	if r := m.OpenInterface(99, adapter.InterfaceRPC); r.Success {
		t.Error("open interface on unknown connection succeeded")
	}
	if r := m.Disconnect(99); r.Success {
		t.Error("disconnect of unknown connection succeeded")
	}
	if r := m.SendRPC(99, 8, 1, 2, nil, time.Second); r.Success {
		t.Error("rpc on unknown connection succeeded")
	}
}

func TestForwardingRejectsBusyConnection(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}
	connID := res.ConnectionID

	// Slow the adapter down so a second request overlaps the first.
	a.opDelay = 200 * time.Millisecond

	first := make(chan adapter.Result, 1)
	go func() { first <- m.OpenInterface(connID, adapter.InterfaceStreaming) }()
	time.Sleep(50 * time.Millisecond)

	if r := m.OpenInterface(connID, adapter.InterfaceRPC); r.Success {
		t.Error("second operation accepted while first in flight")
	}
	if r := m.Disconnect(connID); r.Success {
		t.Error("disconnect accepted while operation in flight")
	}

	select {
	case r := <-first:
		if !r.Success {
			t.Errorf("first operation failed: %s", r.Reason)
		}
	case <-time.After(testTimeout):
		t.Fatal("first operation never resolved")
	}
}

func TestMonitorDispatch(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}

	events := make(chan MonitorEvent, 4)
	monID, err := m.RegisterMonitor("tile-1", []EventName{EventReport}, func(ev MonitorEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("register monitor: %v", err)
	}

	a.events.EmitReport(adapter.ReportEvent{ConnID: res.ConnectionID, Report: []byte{7, 7}})

	select {
	case ev := <-events:
		if ev.UUID != "tile-1" || ev.Name != EventReport || len(ev.Data) != 2 {
			t.Errorf("event = %+v, want report for tile-1", ev)
		}
		if ev.ConnectionID != res.ConnectionID {
			t.Errorf("event conn id = %d, want %d", ev.ConnectionID, res.ConnectionID)
		}
	case <-time.After(testTimeout):
		t.Fatal("report never reached monitor")
	}

	// Swap the interest set from reports to traces.
	if err := m.AdjustMonitor(monID, []EventName{EventTrace}, []EventName{EventReport}); err != nil {
		t.Fatalf("adjust monitor: %v", err)
	}

	a.events.EmitReport(adapter.ReportEvent{ConnID: res.ConnectionID, Report: []byte{8}})
	a.events.EmitTrace(adapter.TraceEvent{ConnID: res.ConnectionID, Data: []byte{9}})

	select {
	case ev := <-events:
		if ev.Name != EventTrace {
			t.Errorf("event = %+v, want only the trace after adjustment", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("trace never reached monitor")
	}

	if err := m.RemoveMonitor(monID); err != nil {
		t.Fatalf("remove monitor: %v", err)
	}
	a.events.EmitTrace(adapter.TraceEvent{ConnID: res.ConnectionID, Data: []byte{10}})

	select {
	case ev := <-events:
		t.Errorf("event after removal: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorValidation(t *testing.T) {
	m := newStartedManager(t)

	if _, err := m.RegisterMonitor("tile-1", []EventName{"bogus"}, func(MonitorEvent) {}); err == nil {
		t.Error("register with unknown event name succeeded")
	}
	if err := m.AdjustMonitor("tile-1/none", []EventName{EventReport}, nil); err != ErrMonitorNotFound {
		t.Errorf("adjust unknown monitor: err = %v, want ErrMonitorNotFound", err)
	}
	if err := m.RemoveMonitor("tile-1/none"); err != ErrMonitorNotFound {
		t.Errorf("remove unknown monitor: err = %v, want ErrMonitorNotFound", err)
	}

	// Ids for the same tile must still be distinct.
	id1, err := m.RegisterMonitor("tile-1", []EventName{EventReport}, func(MonitorEvent) {})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id2, err := m.RegisterMonitor("tile-1", []EventName{EventReport}, func(MonitorEvent) {})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id1 == id2 {
		t.Errorf("duplicate monitor ids: %q", id1)
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	m := newStartedManager(t)
	a := newFakeAdapter()
	m.AddAdapter(a)
	emitScan(a, "tile-1", 10, 0)

	res := m.Connect("tile-1")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Reason)
	}

	events := make(chan MonitorEvent, 1)
	if _, err := m.RegisterMonitor("tile-1", []EventName{EventDisconnect}, func(ev MonitorEvent) {
		events <- ev
	}); err != nil {
		t.Fatalf("register monitor: %v", err)
	}

	a.events.EmitDisconnect(adapter.DisconnectEvent{AdapterID: a.id, ConnID: res.ConnectionID})

	select {
	case ev := <-events:
		if ev.Name != EventDisconnect || ev.ConnectionID != res.ConnectionID {
			t.Errorf("event = %+v, want disconnect for the lost connection", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("disconnect never reached monitor")
	}

	// The connection record is gone.
	if r := m.Disconnect(res.ConnectionID); r.Success {
		t.Error("disconnect succeeded on a connection already torn down")
	}
	if n := m.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount = %d, want 0", n)
	}
}

func TestProbeRespectsConfig(t *testing.T) {
	m := newStartedManager(t)
	probing := newFakeAdapter()
	probing.config.Set(adapter.ConfigProbeSupported, true)
	silent := newFakeAdapter()
	m.AddAdapter(probing)
	m.AddAdapter(silent)

	m.Probe()

	deadline := time.Now().Add(testTimeout)
	for {
		probing.mu.Lock()
		n := probing.probes
		probing.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probe never reached supporting adapter")
		}
		time.Sleep(time.Millisecond)
	}

	silent.mu.Lock()
	n := silent.probes
	silent.mu.Unlock()
	if n != 0 {
		t.Errorf("probe reached adapter without probe support")
	}
}

func TestIdempotentStop(t *testing.T) {
	m := New()
	m.Start()
	a := newFakeAdapter()
	m.AddAdapter(a)

	m.Stop()
	m.Stop()

	a.mu.Lock()
	stops := a.stops
	a.mu.Unlock()
	if stops == 0 {
		t.Error("adapter never stopped")
	}
	if n := m.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount = %d after stop, want 0", n)
	}

	if res := m.Connect("tile-1"); res.Success {
		t.Error("connect succeeded after stop")
	}
}
