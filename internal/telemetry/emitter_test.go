package telemetry

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var testTime = time.Date(2026, 8, 25, 19, 30, 0, 0, time.UTC)

func testEmitter(t *testing.T, capacity int) (*Emitter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testTime)
	e, err := NewEmitter(EmitterConfig{NodeID: "node-a", Capacity: capacity, Clock: clock})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	return e, clock
}

func TestEmitter_StampsNodeAndTime(t *testing.T) {
	e, _ := testEmitter(t, 16)
	e.Emit(PacketSent("peer-b", PacketPrepare, 100, "g.c.dest", ""))

	batch := e.Drain(10)
	if len(batch) != 1 {
		t.Fatalf("got %d events, want 1", len(batch))
	}
	ev := batch[0]
	if ev.NodeID != "node-a" {
		t.Fatalf("node id = %q, want node-a", ev.NodeID)
	}
	if !ev.Timestamp.Equal(testTime) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, testTime)
	}
}

func TestEmitter_KeepsExplicitStamps(t *testing.T) {
	e, _ := testEmitter(t, 16)
	custom := NodeStatus("healthy", "g.node-z")
	custom.NodeID = "node-z"
	custom.Timestamp = testTime.Add(-time.Hour)
	e.Emit(custom)

	ev := e.Drain(1)[0]
	if ev.NodeID != "node-z" || !ev.Timestamp.Equal(testTime.Add(-time.Hour)) {
		t.Fatalf("explicit stamps were overwritten: %+v", ev)
	}
}

func TestEmitter_DrainOrderAndMax(t *testing.T) {
	e, _ := testEmitter(t, 16)
	for i := 0; i < 5; i++ {
		e.Emit(RouteLookup("g.dest", "g.", "peer-b"))
	}

	batch := e.Drain(2)
	if len(batch) != 2 {
		t.Fatalf("got %d events, want 2", len(batch))
	}
	if e.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", e.Pending())
	}
	if rest := e.Drain(10); len(rest) != 3 {
		t.Fatalf("got %d remaining events, want 3", len(rest))
	}
	if again := e.Drain(10); len(again) != 0 {
		t.Fatalf("drained %d events from an empty queue", len(again))
	}
}

func TestEmitter_OverflowDropsOldestNonCritical(t *testing.T) {
	e, _ := testEmitter(t, 3)
	e.Emit(NodeStatus("healthy", "g.node-a"))
	e.Emit(PacketSent("peer-b", PacketPrepare, 1, "g.first", ""))
	e.Emit(PacketSent("peer-b", PacketPrepare, 2, "g.second", ""))
	// Queue is full; this drops the amount=1 packet event, not the status.
	e.Emit(PacketSent("peer-b", PacketPrepare, 3, "g.third", ""))

	batch := e.Drain(10)
	if len(batch) != 4 {
		t.Fatalf("got %d events, want 3 survivors plus coalesced warn", len(batch))
	}
	if batch[0].Type != TypeNodeStatus {
		t.Fatalf("critical event was dropped: %+v", batch[0])
	}
	if batch[1].Amount != 2 || batch[2].Amount != 3 {
		t.Fatalf("wrong survivors: %+v", batch[1:3])
	}
	warn := batch[3]
	if warn.Type != TypeLog || warn.Event != "telemetry_dropped" || warn.Level != "warn" || warn.Count != 1 {
		t.Fatalf("coalesced warn = %+v", warn)
	}
}

func TestEmitter_AllCriticalShedsNewcomer(t *testing.T) {
	e, _ := testEmitter(t, 2)
	e.Emit(NodeStatus("healthy", "g.node-a"))
	e.Emit(ChannelOpened("chan-1", "ledger-x", "peer-b", 500))
	e.Emit(PacketSent("peer-b", PacketPrepare, 1, "g.dest", ""))

	batch := e.Drain(10)
	if len(batch) != 3 {
		t.Fatalf("got %d events, want 2 critical plus warn", len(batch))
	}
	if batch[0].Type != TypeNodeStatus || batch[1].Type != TypeChannelOpened {
		t.Fatalf("critical events disturbed: %+v", batch[:2])
	}
	if batch[2].Event != "telemetry_dropped" || batch[2].Count != 1 {
		t.Fatalf("coalesced warn = %+v", batch[2])
	}
}

func TestEmitter_CoalescesDrops(t *testing.T) {
	e, _ := testEmitter(t, 2)
	for i := 0; i < 5; i++ {
		e.Emit(RouteLookup("g.dest", "g.", "peer-b"))
	}

	batch := e.Drain(10)
	if len(batch) != 3 {
		t.Fatalf("got %d events, want 2 survivors plus one warn", len(batch))
	}
	if batch[2].Count != 3 {
		t.Fatalf("warn count = %d, want 3", batch[2].Count)
	}
	if again := e.Drain(10); len(again) != 0 {
		t.Fatalf("second drain produced %d events, want 0", len(again))
	}
}

func TestEmitter_Notify(t *testing.T) {
	e, _ := testEmitter(t, 16)
	select {
	case <-e.Notify():
		t.Fatal("notify fired before any emit")
	default:
	}
	e.Emit(NodeStatus("healthy", "g.node-a"))
	select {
	case <-e.Notify():
	default:
		t.Fatal("notify did not fire after emit")
	}
}

func TestEmitterConfig_Validate(t *testing.T) {
	if _, err := NewEmitter(EmitterConfig{}); err == nil {
		t.Fatal("expected error for missing node id")
	}
}
