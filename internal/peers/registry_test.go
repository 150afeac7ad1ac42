package peers

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledger-mesh/ilp-connector/internal/btp"
)

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func echoHandler(_ context.Context, _ string, f *btp.Frame) (*btp.Frame, error) {
	sp, _ := f.Get(btp.ProtocolILP)
	return btp.ResponseFrame(0, sp.Content), nil
}

type testNode struct {
	reg *Registry
	ln  *Listener
}

func (n *testNode) endpoint() string {
	return "ws://" + n.ln.Addr() + "/btp"
}

// newTestNode stands up a registry with a live BTP listener.
func newTestNode(t *testing.T, nodeID string, handler btp.HandlerFunc) *testNode {
	t.Helper()
	reg, err := NewRegistry(RegistryConfig{
		NodeID:           nodeID,
		Handler:          handler,
		HandshakeTimeout: 5 * time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ln, err := NewListener(ListenerConfig{Addr: "127.0.0.1:0", Registry: reg})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	if err := ln.Start(); err != nil {
		t.Fatalf("listener start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ln.Shutdown(shutdownCtx)
	})
	return &testNode{reg: reg, ln: ln}
}

func startRegistry(t *testing.T, reg *Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("registry start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		done := make(chan struct{})
		go func() {
			reg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("registry tasks did not stop")
		}
	})
}

func TestPeerConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PeerConfig
		ok   bool
	}{
		{"valid outbound", PeerConfig{ID: "b", Direction: DirectionOutbound, Endpoint: "ws://x/btp", AuthToken: "t"}, true},
		{"valid inbound", PeerConfig{ID: "b", Direction: DirectionInbound, AuthToken: "t"}, true},
		{"missing id", PeerConfig{Direction: DirectionInbound, AuthToken: "t"}, false},
		{"outbound without endpoint", PeerConfig{ID: "b", Direction: DirectionOutbound, AuthToken: "t"}, false},
		{"inbound with endpoint", PeerConfig{ID: "b", Direction: DirectionInbound, Endpoint: "ws://x", AuthToken: "t"}, false},
		{"bad direction", PeerConfig{ID: "b", Direction: "sideways", AuthToken: "t"}, false},
		{"missing token", PeerConfig{ID: "b", Direction: DirectionInbound}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRegistry_AddPeerIdempotent(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{NodeID: "node-a", Handler: echoHandler})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cfg := PeerConfig{ID: "node-b", Direction: DirectionInbound, AuthToken: "tok"}
	if err := reg.AddPeer(cfg); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := reg.AddPeer(cfg); err != nil {
		t.Fatalf("identical re-add must be a no-op, got: %v", err)
	}
	conflicting := cfg
	conflicting.AuthToken = "other"
	if err := reg.AddPeer(conflicting); err == nil {
		t.Fatal("expected error for conflicting config")
	}
	if !reg.Known("node-b") {
		t.Fatal("peer not known after add")
	}
	if reg.Known("node-z") {
		t.Fatal("unknown peer reported as known")
	}
}

func TestRegistry_StartRequiresHandler(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Start(context.Background()); err == nil {
		t.Fatal("expected error without handler")
	}
	reg.SetHandler(echoHandler)
	startRegistry(t, reg)
}

func TestRegistry_OutboundConnect(t *testing.T) {
	server := newTestNode(t, "node-b", echoHandler)
	if err := server.reg.AddPeer(PeerConfig{ID: "node-a", Direction: DirectionInbound, AuthToken: "tok-a"}); err != nil {
		t.Fatalf("server add peer: %v", err)
	}
	startRegistry(t, server.reg)

	client, err := NewRegistry(RegistryConfig{
		NodeID:           "node-a",
		Handler:          echoHandler,
		HandshakeTimeout: 5 * time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client registry: %v", err)
	}
	if err := client.AddPeer(PeerConfig{
		ID:        "node-b",
		Direction: DirectionOutbound,
		Endpoint:  server.endpoint(),
		AuthToken: "tok-a",
	}); err != nil {
		t.Fatalf("client add peer: %v", err)
	}
	startRegistry(t, client)

	waitFor(t, 5*time.Second, "outbound session never became ready", func() bool {
		_, ok := client.Lookup("node-b")
		return ok
	})
	waitFor(t, 5*time.Second, "server never installed the inbound session", func() bool {
		_, ok := server.reg.Lookup("node-a")
		return ok
	})

	h := client.Health()
	if h.OutboundTotal != 1 || h.OutboundReady != 1 {
		t.Fatalf("client health = %+v", h)
	}
	if f := h.OutboundReadyFraction(); f != 1 {
		t.Fatalf("ready fraction = %v, want 1", f)
	}

	sess, ok := client.Lookup("node-b")
	if !ok {
		t.Fatal("lookup failed after ready")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := sess.Request(ctx, btp.MessageFrame(0, []byte{0x0C, 0x01}))
	if err != nil {
		t.Fatalf("request over outbound session: %v", err)
	}
	sp, _ := reply.Get(btp.ProtocolILP)
	if !bytes.Equal(sp.Content, []byte{0x0C, 0x01}) {
		t.Fatalf("echo mismatch: %x", sp.Content)
	}
}

func TestRegistry_ReconnectAfterDrop(t *testing.T) {
	server := newTestNode(t, "node-b", echoHandler)
	if err := server.reg.AddPeer(PeerConfig{ID: "node-a", Direction: DirectionInbound, AuthToken: "tok-a"}); err != nil {
		t.Fatalf("server add peer: %v", err)
	}
	startRegistry(t, server.reg)

	client, err := NewRegistry(RegistryConfig{
		NodeID:           "node-a",
		Handler:          echoHandler,
		HandshakeTimeout: 5 * time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client registry: %v", err)
	}
	if err := client.AddPeer(PeerConfig{
		ID: "node-b", Direction: DirectionOutbound, Endpoint: server.endpoint(), AuthToken: "tok-a",
	}); err != nil {
		t.Fatalf("client add peer: %v", err)
	}
	startRegistry(t, client)

	var first *btp.Session
	waitFor(t, 5*time.Second, "first session never ready", func() bool {
		s, ok := client.Lookup("node-b")
		if ok {
			first = s
		}
		return ok
	})

	// Kill the link from the server side; the maintainer must redial.
	serverSess, ok := server.reg.Lookup("node-a")
	if !ok {
		t.Fatal("server session missing")
	}
	serverSess.Close(btp.ErrCodeRemoved)

	waitFor(t, 5*time.Second, "client never reconnected", func() bool {
		s, ok := client.Lookup("node-b")
		return ok && s != first
	})

	sess, _ := client.Lookup("node-b")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Request(ctx, btp.MessageFrame(0, []byte{1})); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
}

func TestRegistry_InboundReplacement(t *testing.T) {
	server := newTestNode(t, "node-b", echoHandler)
	if err := server.reg.AddPeer(PeerConfig{ID: "node-a", Direction: DirectionInbound, AuthToken: "tok-a"}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	startRegistry(t, server.reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dial := btp.DialConfig{Endpoint: server.endpoint(), Username: "node-a", Token: "tok-a"}

	conn1, err := btp.DialAndAuth(ctx, dial)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn1.Close()
	waitFor(t, 5*time.Second, "first session never installed", func() bool {
		_, ok := server.reg.Lookup("node-a")
		return ok
	})

	conn2, err := btp.DialAndAuth(ctx, dial)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer conn2.Close()

	// The first connection must be closed with SessionReplaced.
	conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn1.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("first connection read ended with %v, want close frame", err)
	}
	if ce.Text != btp.ErrCodeReplaced {
		t.Fatalf("close reason = %q, want %q", ce.Text, btp.ErrCodeReplaced)
	}

	h := server.reg.Health()
	if h.InboundTotal != 1 || h.InboundReady != 1 {
		t.Fatalf("health after replacement = %+v", h)
	}

	// The replacement session must serve traffic.
	raw, _ := btp.MessageFrame(2, []byte{5}).Marshal()
	if err := conn2.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write on second connection: %v", err)
	}
	conn2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn2.ReadMessage()
	if err != nil {
		t.Fatalf("read on second connection: %v", err)
	}
	reply, err := btp.UnmarshalFrame(data)
	if err != nil || reply.Type != btp.TypeResponse || reply.RequestID != 2 {
		t.Fatalf("reply = %+v err=%v", reply, err)
	}
}

func TestRegistry_RemovePeerClosesSession(t *testing.T) {
	server := newTestNode(t, "node-b", echoHandler)
	if err := server.reg.AddPeer(PeerConfig{ID: "node-a", Direction: DirectionInbound, AuthToken: "tok-a"}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	startRegistry(t, server.reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := btp.DialAndAuth(ctx, btp.DialConfig{Endpoint: server.endpoint(), Username: "node-a", Token: "tok-a"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, 5*time.Second, "session never installed", func() bool {
		_, ok := server.reg.Lookup("node-a")
		return ok
	})

	server.reg.RemovePeer("node-a")
	if server.reg.Known("node-a") {
		t.Fatal("peer still known after remove")
	}
	if _, ok := server.reg.Lookup("node-a"); ok {
		t.Fatal("session still returned after remove")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != btp.ErrCodeRemoved {
		t.Fatalf("got %v, want close frame with %q", err, btp.ErrCodeRemoved)
	}
}

func TestRegistry_RejectsBadCredentials(t *testing.T) {
	server := newTestNode(t, "node-b", echoHandler)
	if err := server.reg.AddPeer(PeerConfig{ID: "node-a", Direction: DirectionInbound, AuthToken: "tok-a"}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	startRegistry(t, server.reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := btp.DialAndAuth(ctx, btp.DialConfig{Endpoint: server.endpoint(), Username: "node-a", Token: "wrong"})
	if err == nil || !strings.Contains(err.Error(), btp.ErrCodeAuthFailed) {
		t.Fatalf("wrong token: got %v", err)
	}

	_, err = btp.DialAndAuth(ctx, btp.DialConfig{Endpoint: server.endpoint(), Username: "node-zz", Token: "tok-a"})
	if err == nil {
		t.Fatal("unknown peer id must be rejected")
	}

	if _, ok := server.reg.Lookup("node-a"); ok {
		t.Fatal("rejected connection produced a session")
	}
}

func TestRegistry_ForEachSnapshot(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{NodeID: "node-a", Handler: echoHandler})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	reg.AddPeer(PeerConfig{ID: "b", Direction: DirectionInbound, AuthToken: "t", DeclaredPrefixes: []string{"g.b."}})
	reg.AddPeer(PeerConfig{ID: "c", Direction: DirectionOutbound, Endpoint: "ws://c/btp", AuthToken: "t"})

	seen := map[string]Info{}
	reg.ForEach(func(info Info) { seen[info.ID] = info })
	if len(seen) != 2 {
		t.Fatalf("visited %d peers, want 2", len(seen))
	}
	if seen["b"].Status != StatusClosed || seen["b"].Direction != DirectionInbound {
		t.Fatalf("peer b info = %+v", seen["b"])
	}
	if len(seen["b"].DeclaredPrefixes) != 1 || seen["b"].DeclaredPrefixes[0] != "g.b." {
		t.Fatalf("peer b prefixes = %v", seen["b"].DeclaredPrefixes)
	}
}
