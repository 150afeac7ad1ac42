// Package http serves the connector's operational endpoints: liveness,
// readiness derived from BTP session health, and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/peers"
)

// PeerHealth reports BTP session readiness per direction and exposes a
// point-in-time snapshot of every configured peer.
type PeerHealth interface {
	Health() peers.Health
	ForEach(fn func(peers.Info))
}

// RouterStatus exposes the forwarder's in-flight packet count.
type RouterStatus interface {
	InFlight() int
}

type Server struct {
	srv    *http.Server
	ln     net.Listener
	peers  PeerHealth
	router RouterStatus
	logger *zap.Logger
}

func NewServer(addr string, peerHealth PeerHealth, router RouterStatus, logger *zap.Logger) *Server {
	s := &Server{
		peers:  peerHealth,
		router: router,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Ready while at least half of the configured outbound peers hold a
	// ready session. Inbound counts are reported but never gate readiness;
	// remote peers decide when to connect.
	var h peers.Health
	peerStates := map[string]string{}
	if s.peers != nil {
		h = s.peers.Health()
		s.peers.ForEach(func(info peers.Info) {
			peerStates[info.ID] = string(info.Status)
		})
		if h.OutboundReadyFraction() >= 0.5 {
			checks["peers"] = "ok"
		} else {
			checks["peers"] = "degraded"
			allOK = false
		}
	} else {
		checks["peers"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status": status,
		"checks": checks,
		"peers":  peerStates,
		"sessions": map[string]int{
			"outbound_ready": h.OutboundReady,
			"outbound_total": h.OutboundTotal,
			"inbound_ready":  h.InboundReady,
			"inbound_total":  h.InboundTotal,
		},
	}
	if s.router != nil {
		body["in_flight"] = s.router.InFlight()
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(body)
}
