package adapter

import (
	"testing"
	"time"
)

func TestEventsDeliverToAllSubscribers(t *testing.T) {
	hub := NewEvents()

	var first, second []ScanEvent
	hub.OnScan(func(ev ScanEvent) { first = append(first, ev) })
	hub.OnScan(func(ev ScanEvent) { second = append(second, ev) })

	ev := ScanEvent{
		AdapterID: 1,
		Device: DeviceInfo{
			UUID:             "tile-0001",
			ConnectionString: "loop/tile-0001",
			SignalStrength:   50,
		},
		Validity: 30 * time.Second,
	}
	hub.EmitScan(ev)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("subscriber counts = %d, %d, want 1, 1", len(first), len(second))
	}
	if first[0].Device.UUID != "tile-0001" {
		t.Errorf("delivered UUID = %q, want tile-0001", first[0].Device.UUID)
	}
}

func TestEventsEachKindIndependent(t *testing.T) {
	hub := NewEvents()

	var disconnects []DisconnectEvent
	var reports []ReportEvent
	var traces []TraceEvent
	var lost []LostEvent
	hub.OnDisconnect(func(ev DisconnectEvent) { disconnects = append(disconnects, ev) })
	hub.OnReport(func(ev ReportEvent) { reports = append(reports, ev) })
	hub.OnTrace(func(ev TraceEvent) { traces = append(traces, ev) })
	hub.OnLost(func(ev LostEvent) { lost = append(lost, ev) })

	hub.EmitDisconnect(DisconnectEvent{AdapterID: 0, ConnID: 7})
	hub.EmitReport(ReportEvent{ConnID: 7, Report: []byte{0x01}})
	hub.EmitTrace(TraceEvent{ConnID: 7, Data: []byte{0x02}})
	hub.EmitLost(LostEvent{AdapterID: 0, UUID: "tile-0002"})

	if len(disconnects) != 1 || disconnects[0].ConnID != 7 {
		t.Errorf("disconnects = %v, want one event for conn 7", disconnects)
	}
	if len(reports) != 1 || len(traces) != 1 || len(lost) != 1 {
		t.Errorf("counts = %d reports, %d traces, %d lost, want 1 each",
			len(reports), len(traces), len(lost))
	}
}

func TestEventsEmitWithoutSubscribers(t *testing.T) {
	hub := NewEvents()

	// Must not panic.
	hub.EmitScan(ScanEvent{})
	hub.EmitDisconnect(DisconnectEvent{})
	hub.EmitReport(ReportEvent{})
	hub.EmitTrace(TraceEvent{})
	hub.EmitLost(LostEvent{})
}
