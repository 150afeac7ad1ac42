package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

var testTime = time.Date(2026, 8, 25, 19, 30, 0, 0, time.UTC)

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClockAt(testTime)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

// newTestClient registers a connection-less client so state transitions can
// be driven synchronously through handleFrame.
func newTestClient(h *Hub, queue int) *client {
	c := &client{hub: h, log: zap.NewNop(), send: make(chan []byte, queue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func eventJSON(t *testing.T, ev telemetry.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func stamped(ev telemetry.Event, nodeID string) telemetry.Event {
	ev.NodeID = nodeID
	ev.Timestamp = testTime
	return ev
}

func TestHub_IngestUpdatesState(t *testing.T) {
	h := newTestHub(t, Config{})
	em := newTestClient(h, 1)

	h.handleFrame(em, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.AccountBalance("peer-b", "USD", 42), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.SettlementTriggered("peer-b", "USD", "st-1", 10), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelOpened("chan-1", "xrpl", "peer-b", 1000), "node-a")))

	if got := h.EmitterCount(); got != 1 {
		t.Fatalf("EmitterCount = %d, want 1", got)
	}
	statuses := h.NodeStatuses()
	if len(statuses) != 1 || statuses[0].NodeID != "node-a" || statuses[0].Status != "healthy" {
		t.Fatalf("NodeStatuses = %+v", statuses)
	}
	balances := h.Balances()
	if len(balances) != 1 || balances[0].Balance != 42 || balances[0].PeerID != "peer-b" {
		t.Fatalf("Balances = %+v", balances)
	}
	settlements := h.RecentSettlements()
	if len(settlements) != 1 || settlements[0].SettlementID != "st-1" {
		t.Fatalf("RecentSettlements = %+v", settlements)
	}
	channels := h.ChannelSnapshot()
	if len(channels) != 1 {
		t.Fatalf("ChannelSnapshot = %+v", channels)
	}
	if ch := channels[0]; ch.ChannelID != "chan-1" || ch.State != "open" || ch.Balance != 1000 || ch.NodeID != "node-a" {
		t.Fatalf("channel = %+v", ch)
	}
}

func TestHub_LatestStateWins(t *testing.T) {
	h := newTestHub(t, Config{})
	em := newTestClient(h, 1)

	h.handleFrame(em, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.NodeStatus("unhealthy", "g.node-a"), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.AccountBalance("peer-b", "USD", 42), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.AccountBalance("peer-b", "USD", -7), "node-a")))

	statuses := h.NodeStatuses()
	if len(statuses) != 1 || statuses[0].Status != "unhealthy" {
		t.Fatalf("NodeStatuses = %+v", statuses)
	}
	balances := h.Balances()
	if len(balances) != 1 || balances[0].Balance != -7 {
		t.Fatalf("Balances = %+v", balances)
	}
}

func TestHub_MalformedFramesDiscarded(t *testing.T) {
	h := newTestHub(t, Config{})
	c := newTestClient(h, 1)

	h.handleFrame(c, []byte("{not json"))
	h.handleFrame(c, []byte(`{"nodeId":"node-a"}`))                     // missing type
	h.handleFrame(c, []byte(`{"type":"NodeStatus","status":"healthy"}`)) // missing nodeId

	if got := h.EmitterCount(); got != 0 {
		t.Fatalf("EmitterCount = %d, want 0", got)
	}
	if got := len(h.NodeStatuses()); got != 0 {
		t.Fatalf("NodeStatuses len = %d, want 0", got)
	}
	h.mu.Lock()
	dropped := c.dropped
	_, present := h.clients[c]
	h.mu.Unlock()
	if dropped || !present {
		t.Fatalf("malformed frames must not disconnect the client (dropped=%v present=%v)", dropped, present)
	}
}

func TestHub_SubscriberReplayThenLive(t *testing.T) {
	h := newTestHub(t, Config{})
	em := newTestClient(h, 1)

	// Ingest out of node id order; replay must come back sorted.
	statusB := eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-b"), "node-b"))
	statusA := eventJSON(t, stamped(telemetry.NodeStatus("unhealthy", "g.node-a"), "node-a"))
	h.handleFrame(em, statusB)
	h.handleFrame(em, statusA)
	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelOpened("chan-9", "xrpl", "peer-b", 500), "node-b")))

	sub := newTestClient(h, 16)
	h.handleFrame(sub, eventJSON(t, telemetry.ClientConnect()))

	if got := h.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	first := <-sub.send
	if !bytes.Equal(first, statusA) {
		t.Fatalf("first replay frame = %s, want node-a status verbatim", first)
	}
	second := <-sub.send
	if !bytes.Equal(second, statusB) {
		t.Fatalf("second replay frame = %s, want node-b status verbatim", second)
	}

	var snap telemetry.Event
	if err := json.Unmarshal(<-sub.send, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Type != telemetry.TypeInitialChannelState {
		t.Fatalf("third frame type = %q, want %q", snap.Type, telemetry.TypeInitialChannelState)
	}
	if len(snap.Channels) != 1 || snap.Channels[0].ChannelID != "chan-9" {
		t.Fatalf("snapshot channels = %+v", snap.Channels)
	}

	live := eventJSON(t, stamped(telemetry.PacketSent("peer-b", "prepare", 10, "g.dest.x", ""), "node-a"))
	h.handleFrame(em, live)
	if got := <-sub.send; !bytes.Equal(got, live) {
		t.Fatalf("live frame = %s, want broadcast verbatim", got)
	}
}

func TestHub_SlowSubscriberEvicted(t *testing.T) {
	h := newTestHub(t, Config{SendQueueSize: 1})
	em := newTestClient(h, 1)
	sub := newTestClient(h, 1)

	h.handleFrame(sub, eventJSON(t, telemetry.ClientConnect()))
	if got := h.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	// The undrained queue already holds the channel snapshot; the first
	// live event overflows it.
	h.handleFrame(em, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))

	if got := h.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount after overflow = %d, want 0", got)
	}
	<-sub.send // buffered snapshot
	if _, ok := <-sub.send; ok {
		t.Fatalf("send channel still open after eviction")
	}
	if got := len(h.NodeStatuses()); got != 1 {
		t.Fatalf("ingest must survive subscriber eviction, NodeStatuses len = %d", got)
	}
}

func TestHub_SettlementHistoryBounded(t *testing.T) {
	h := newTestHub(t, Config{SettlementCap: 3})
	em := newTestClient(h, 1)

	for i := 1; i <= 4; i++ {
		ev := stamped(telemetry.SettlementTriggered("peer-b", "USD", fmt.Sprintf("st-%d", i), 10), "node-a")
		h.handleFrame(em, eventJSON(t, ev))
	}

	got := h.RecentSettlements()
	if len(got) != 3 {
		t.Fatalf("RecentSettlements len = %d, want 3", len(got))
	}
	for i, want := range []string{"st-2", "st-3", "st-4"} {
		if got[i].SettlementID != want {
			t.Fatalf("settlement[%d] = %q, want %q", i, got[i].SettlementID, want)
		}
	}
}

func TestHub_ChannelLifecycle(t *testing.T) {
	h := newTestHub(t, Config{})
	em := newTestClient(h, 1)

	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelOpened("chan-1", "xrpl", "peer-b", 1000), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelBalanceUpdate("chan-1", 400), "node-a")))

	channels := h.ChannelSnapshot()
	if len(channels) != 1 || channels[0].Balance != 400 || channels[0].State != "open" {
		t.Fatalf("after update: %+v", channels)
	}

	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelSettled("chan-1"), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelBalanceUpdate("chan-1", 999), "node-a")))

	channels = h.ChannelSnapshot()
	if len(channels) != 1 || channels[0].State != "settled" {
		t.Fatalf("after settle: %+v", channels)
	}
	if channels[0].Balance != 400 {
		t.Fatalf("settled channel balance mutated to %d", channels[0].Balance)
	}
}

func TestHub_SettledChannelExpires(t *testing.T) {
	h := newTestHub(t, Config{SettledChannelTTL: 20 * time.Millisecond})
	em := newTestClient(h, 1)

	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelOpened("chan-1", "xrpl", "peer-b", 1000), "node-a")))
	h.handleFrame(em, eventJSON(t, stamped(telemetry.ChannelSettled("chan-1"), "node-a")))

	waitFor(t, 2*time.Second, "settled channel eviction", func() bool {
		return len(h.ChannelSnapshot()) == 0
	})
}

func TestHub_EmitterReplacement(t *testing.T) {
	h := newTestHub(t, Config{})
	first := newTestClient(h, 1)
	second := newTestClient(h, 1)

	h.handleFrame(first, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))
	h.handleFrame(second, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))

	if got := h.EmitterCount(); got != 1 {
		t.Fatalf("EmitterCount = %d, want 1", got)
	}
	h.mu.Lock()
	canonical := h.emitters["node-a"]
	h.mu.Unlock()
	if canonical != second {
		t.Fatalf("canonical emitter is not the latest connection")
	}

	// The replaced connection stays up and its events are still ingested.
	h.handleFrame(first, eventJSON(t, stamped(telemetry.NodeStatus("unhealthy", "g.node-a"), "node-a")))
	if statuses := h.NodeStatuses(); statuses[0].Status != "unhealthy" {
		t.Fatalf("replaced emitter's event dropped: %+v", statuses)
	}

	h.drop(second)
	if got := h.EmitterCount(); got != 0 {
		t.Fatalf("EmitterCount after canonical drop = %d, want 0", got)
	}
}

func TestHub_SubscriberEventsIgnored(t *testing.T) {
	h := newTestHub(t, Config{})
	sub := newTestClient(h, 16)

	h.handleFrame(sub, eventJSON(t, telemetry.ClientConnect()))
	h.handleFrame(sub, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.evil"), "evil")))

	if got := len(h.NodeStatuses()); got != 0 {
		t.Fatalf("subscriber event reached state, NodeStatuses len = %d", got)
	}
	if got := h.EmitterCount(); got != 0 {
		t.Fatalf("EmitterCount = %d, want 0", got)
	}
}

func TestHub_ClientConnectFromEmitterIgnored(t *testing.T) {
	h := newTestHub(t, Config{})
	em := newTestClient(h, 1)

	h.handleFrame(em, eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")))
	h.handleFrame(em, eventJSON(t, telemetry.ClientConnect()))

	if got := h.SubscriberCount(); got != 0 {
		t.Fatalf("emitter became a subscriber, SubscriberCount = %d", got)
	}
	if got := h.EmitterCount(); got != 1 {
		t.Fatalf("EmitterCount = %d, want 1", got)
	}
}

func TestHub_ConfigValidate(t *testing.T) {
	cfg := Config{PingInterval: time.Minute, PongWait: 30 * time.Second}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for pong wait below ping interval")
	}

	h := newTestHub(t, Config{})
	if h.cfg.SendQueueSize != 256 || h.cfg.SettlementCap != 100 {
		t.Fatalf("defaults not applied: %+v", h.cfg)
	}
	if h.cfg.SettledChannelTTL != 5*time.Minute || h.cfg.PingInterval != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", h.cfg)
	}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return raw
}

func writeWS(t *testing.T, conn *websocket.Conn, raw []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	h := newTestHub(t, Config{Clock: clockwork.NewRealClock()})
	srv := NewServer("127.0.0.1:0", h, nil, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	emitter := dialWS(t, srv.Addr())
	status := eventJSON(t, stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a"))
	writeWS(t, emitter, status)

	waitFor(t, 2*time.Second, "emitter registration", func() bool {
		return h.EmitterCount() == 1 && len(h.NodeStatuses()) == 1
	})

	subscriber := dialWS(t, srv.Addr())
	writeWS(t, subscriber, eventJSON(t, telemetry.ClientConnect()))

	if got := readWS(t, subscriber); !bytes.Equal(got, status) {
		t.Fatalf("replayed status = %s, want verbatim original", got)
	}
	var snap telemetry.Event
	if err := json.Unmarshal(readWS(t, subscriber), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Type != telemetry.TypeInitialChannelState {
		t.Fatalf("second frame type = %q, want %q", snap.Type, telemetry.TypeInitialChannelState)
	}

	live := eventJSON(t, stamped(telemetry.PacketSent("peer-b", "fulfill", 0, "", ""), "node-a"))
	writeWS(t, emitter, live)
	if got := readWS(t, subscriber); !bytes.Equal(got, live) {
		t.Fatalf("live frame = %s, want broadcast verbatim", got)
	}
}

type stubCheck struct {
	name string
	err  error
}

func (s stubCheck) Name() string                 { return s.name }
func (s stubCheck) Ready(context.Context) error { return s.err }

func TestServer_Readyz(t *testing.T) {
	h := newTestHub(t, Config{})
	checks := []ReadyChecker{
		stubCheck{name: "postgres"},
		stubCheck{name: "kafka", err: errors.New("not joined")},
	}
	srv := NewServer("127.0.0.1:0", h, checks, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	resp, err := http.Get("http://" + srv.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "not_ready" || body.Checks["postgres"] != "ok" || body.Checks["kafka"] != "error" {
		t.Fatalf("body = %+v", body)
	}

	healthy, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer healthy.Body.Close()
	if healthy.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", healthy.StatusCode)
	}
}
