package peers

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ListenerConfig carries the dependencies of the inbound BTP listener.
type ListenerConfig struct {
	// Addr is the TCP listen address, e.g. ":7768".
	Addr string
	// Path is the websocket endpoint path; defaults to /btp.
	Path     string
	Registry *Registry
	Logger   *zap.Logger
	// ReadBufferBytes and WriteBufferBytes size the websocket upgrader
	// buffers; zero takes the library defaults.
	ReadBufferBytes  int
	WriteBufferBytes int
}

func (c *ListenerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("peers: listener config: addr is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("peers: listener config: registry is required")
	}
	if c.Path == "" {
		c.Path = "/btp"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Listener accepts inbound BTP connections over websocket and hands them to
// the registry for authentication.
type Listener struct {
	cfg      ListenerConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Listener{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferBytes,
			WriteBufferSize: cfg.WriteBufferBytes,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleBTP)
	l.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return l, nil
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.srv.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.log.Info("BTP listener up", zap.String("addr", ln.Addr().String()), zap.String("path", l.cfg.Path))
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error("BTP listener error", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address; empty before Start.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}

func (l *Listener) handleBTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	peerID, err := l.cfg.Registry.AcceptInbound(conn)
	if err != nil {
		l.log.Warn("inbound peer rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}
	l.log.Info("inbound peer connected", zap.String("peer", peerID), zap.String("remote", r.RemoteAddr))
}
