package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/peers"
)

// mockPeers implements PeerHealth for testing.
type mockPeers struct {
	health peers.Health
	infos  []peers.Info
}

func (m *mockPeers) Health() peers.Health { return m.health }

func (m *mockPeers) ForEach(fn func(peers.Info)) {
	for _, info := range m.infos {
		fn(info)
	}
}

// mockRouter implements RouterStatus for testing.
type mockRouter struct {
	inFlight int
}

func (m *mockRouter) InFlight() int { return m.inFlight }

func newTestServer(h peers.Health) *Server {
	return NewServer(":0", &mockPeers{health: h}, &mockRouter{inFlight: 3}, zap.NewNop())
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(peers.Health{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(peers.Health{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_MajorityOutboundReady(t *testing.T) {
	mock := &mockPeers{
		health: peers.Health{OutboundTotal: 2, OutboundReady: 1, InboundTotal: 1},
		infos: []peers.Info{
			{ID: "bob", Direction: peers.DirectionOutbound, Status: peers.StatusReady},
			{ID: "carol", Direction: peers.DirectionOutbound, Status: peers.StatusConnecting},
			{ID: "alice", Direction: peers.DirectionInbound, Status: peers.StatusClosed},
		},
	}
	s := NewServer(":0", mock, &mockRouter{inFlight: 3}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["peers"] != "ok" {
		t.Errorf("expected peers 'ok', got '%v'", checks["peers"])
	}
	peerStates := body["peers"].(map[string]any)
	if peerStates["bob"] != "ready" || peerStates["carol"] != "connecting" || peerStates["alice"] != "closed" {
		t.Errorf("unexpected per-peer states: %v", peerStates)
	}
	if body["in_flight"] != float64(3) {
		t.Errorf("expected in_flight 3, got '%v'", body["in_flight"])
	}
}

func TestReadyz_NotReady_OutboundDown(t *testing.T) {
	s := newTestServer(peers.Health{OutboundTotal: 4, OutboundReady: 1})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["peers"] != "degraded" {
		t.Errorf("expected peers 'degraded', got '%v'", checks["peers"])
	}

	sessions := body["sessions"].(map[string]any)
	if sessions["outbound_ready"] != float64(1) || sessions["outbound_total"] != float64(4) {
		t.Errorf("unexpected session counts: %v", sessions)
	}
}

func TestReadyz_NoOutboundPeersIsReady(t *testing.T) {
	s := newTestServer(peers.Health{InboundTotal: 2})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for inbound-only node, got %d", w.Code)
	}
}

func TestReadyz_NilPeerHealth(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestReadyz_ContentType(t *testing.T) {
	s := newTestServer(peers.Health{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}
