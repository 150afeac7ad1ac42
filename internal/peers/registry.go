package peers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/btp"
	"github.com/ledger-mesh/ilp-connector/internal/metrics"
)

// RegistryConfig carries the dependencies of a Registry.
type RegistryConfig struct {
	// NodeID is the account name presented when dialing outbound peers.
	NodeID string
	// Handler serves inbound Message frames on every session. It can also
	// be installed later with SetHandler, before Start.
	Handler btp.HandlerFunc
	Logger  *zap.Logger
	Clock   clockwork.Clock

	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RequestTimeout   time.Duration
	MaxFrameBytes    int64

	// OnPeerUp and OnPeerDown fire on session install and loss; both are
	// optional and must not block.
	OnPeerUp   func(peerID string)
	OnPeerDown func(peerID, reason string)
}

func (c *RegistryConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("peers: registry config: node id is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = btp.MaxFrameBytes
	}
	return nil
}

type peerState struct {
	cfg     PeerConfig
	status  Status
	session *btp.Session
	// cancel stops the outbound maintainer; nil for inbound peers or
	// before Start.
	cancel context.CancelFunc
}

// Registry owns all peer sessions. At most one ready session exists per
// peer id; a newer session replaces the prior one, which is closed with
// SessionReplaced.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu      sync.Mutex
	peers   map[string]*peerState
	handler btp.HandlerFunc
	ctx     context.Context
	started bool

	wg sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:     cfg,
		log:     cfg.Logger,
		peers:   make(map[string]*peerState),
		handler: cfg.Handler,
	}, nil
}

// SetHandler installs the frame handler. Must be called before Start when
// the handler was not supplied at construction.
func (r *Registry) SetHandler(h btp.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Start launches maintainer tasks for all outbound peers. Canceling ctx
// closes every session and stops all maintainers; use Wait to block until
// they are gone.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("peers: registry already started")
	}
	if r.handler == nil {
		r.mu.Unlock()
		return fmt.Errorf("peers: registry has no frame handler")
	}
	r.started = true
	r.ctx = ctx
	for _, p := range r.peers {
		if p.cfg.Direction == DirectionOutbound {
			r.startMaintainerLocked(p)
		}
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.closeAll(btp.ErrCodeRemoved)
	}()
	return nil
}

// Wait blocks until all maintainer tasks have exited.
func (r *Registry) Wait() { r.wg.Wait() }

func (r *Registry) startMaintainerLocked(p *peerState) {
	pctx, cancel := context.WithCancel(r.ctx)
	p.cancel = cancel
	r.wg.Add(1)
	go r.maintain(pctx, p)
}

// AddPeer registers a peer. Re-adding a peer with identical config is a
// no-op; conflicting config is an error. Outbound peers added after Start
// begin connecting immediately.
func (r *Registry) AddPeer(cfg PeerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[cfg.ID]; ok {
		if existing.cfg.equal(&cfg) {
			return nil
		}
		return fmt.Errorf("peers: peer %q already registered with different config", cfg.ID)
	}
	p := &peerState{cfg: cfg, status: StatusClosed}
	r.peers[cfg.ID] = p
	if r.started && cfg.Direction == DirectionOutbound {
		r.startMaintainerLocked(p)
	}
	return nil
}

// RemovePeer stops the peer's maintainer, closes any live session with
// SessionRemoved, and forgets the peer.
func (r *Registry) RemovePeer(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.session != nil {
		p.session.Close(btp.ErrCodeRemoved)
	}
}

// Known reports whether a peer id is configured.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// Lookup returns the ready session for a peer, if one exists.
func (r *Registry) Lookup(id string) (*btp.Session, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	var sess *btp.Session
	if ok && p.session != nil {
		sess = p.session
	}
	r.mu.Unlock()
	if sess == nil || sess.State() != btp.StateReady {
		return nil, false
	}
	return sess, true
}

// ForEach visits a snapshot of all peers outside the registry lock.
func (r *Registry) ForEach(fn func(Info)) {
	for _, info := range r.snapshot() {
		fn(info)
	}
}

func (r *Registry) snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		info := Info{
			ID:               p.cfg.ID,
			Direction:        p.cfg.Direction,
			Status:           p.currentStatus(),
			DeclaredPrefixes: p.cfg.DeclaredPrefixes,
		}
		if p.session != nil {
			info.LastActivity = p.session.LastActivity()
		}
		infos = append(infos, info)
	}
	return infos
}

// Health counts ready sessions per direction.
func (r *Registry) Health() Health {
	var h Health
	r.ForEach(func(info Info) {
		switch info.Direction {
		case DirectionOutbound:
			h.OutboundTotal++
			if info.Status == StatusReady {
				h.OutboundReady++
			}
		case DirectionInbound:
			h.InboundTotal++
			if info.Status == StatusReady {
				h.InboundReady++
			}
		}
	})
	return h
}

func (p *peerState) currentStatus() Status {
	if p.session != nil {
		switch p.session.State() {
		case btp.StateReady:
			return StatusReady
		default:
			return StatusClosed
		}
	}
	return p.status
}

// AcceptInbound authenticates a fresh server-side connection and installs
// the session, replacing any prior session for the same peer. The caller
// keeps ownership of conn until this returns nil.
func (r *Registry) AcceptInbound(conn *websocket.Conn) (string, error) {
	peerID, err := btp.AcceptAuth(conn, r.cfg.HandshakeTimeout, func(username string) (string, bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		p, ok := r.peers[username]
		if !ok {
			return "", false
		}
		return p.cfg.AuthToken, true
	})
	if err != nil {
		return "", err
	}

	sess, err := r.newSession(peerID, conn)
	if err != nil {
		return "", err
	}
	r.install(peerID, sess)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-sess.Done()
		r.clearSession(peerID, sess)
	}()
	return peerID, nil
}

func (r *Registry) newSession(peerID string, conn *websocket.Conn) (*btp.Session, error) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("peers: registry has no frame handler")
	}
	return btp.NewSession(btp.SessionConfig{
		PeerID:         peerID,
		Conn:           conn,
		Handler:        handler,
		Logger:         r.log,
		Clock:          r.cfg.Clock,
		RequestTimeout: r.cfg.RequestTimeout,
		MaxFrameBytes:  r.cfg.MaxFrameBytes,
	})
}

func (r *Registry) install(peerID string, sess *btp.Session) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		// Removed while authenticating.
		r.mu.Unlock()
		sess.Close(btp.ErrCodeRemoved)
		return
	}
	old := p.session
	p.session = sess
	p.status = StatusReady
	r.mu.Unlock()

	if old != nil {
		old.Close(btp.ErrCodeReplaced)
	} else {
		metrics.PeerSessionsReady.WithLabelValues(string(p.cfg.Direction)).Inc()
	}
	r.log.Info("peer session ready",
		zap.String("peer", peerID),
		zap.String("direction", string(p.cfg.Direction)),
		zap.Bool("replaced", old != nil))
	if r.cfg.OnPeerUp != nil {
		r.cfg.OnPeerUp(peerID)
	}
}

// clearSession forgets a session once it is done, unless a newer session
// already replaced it.
func (r *Registry) clearSession(peerID string, sess *btp.Session) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok && p.session == sess {
		p.session = nil
		p.status = StatusClosed
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.PeerSessionsReady.WithLabelValues(string(p.cfg.Direction)).Dec()
	reason := sess.CloseReason()
	r.log.Warn("peer session lost", zap.String("peer", peerID), zap.String("reason", reason))
	if r.cfg.OnPeerDown != nil {
		r.cfg.OnPeerDown(peerID, reason)
	}
}

func (r *Registry) closeAll(reason string) {
	r.mu.Lock()
	sessions := make([]*btp.Session, 0, len(r.peers))
	for _, p := range r.peers {
		if p.session != nil {
			sessions = append(sessions, p.session)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(reason)
	}
}

// maintain dials an outbound peer and keeps redialing with jittered
// exponential backoff until the peer is removed or the registry stops.
func (r *Registry) maintain(ctx context.Context, p *peerState) {
	defer r.wg.Done()
	log := r.log.With(zap.String("peer", p.cfg.ID), zap.String("endpoint", p.cfg.Endpoint))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0

	dialCfg := btp.DialConfig{
		Endpoint:         p.cfg.Endpoint,
		Username:         r.cfg.NodeID,
		Token:            p.cfg.AuthToken,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		MaxFrameBytes:    r.cfg.MaxFrameBytes,
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.PeerReconnectsTotal.WithLabelValues(p.cfg.ID).Inc()
		}
		r.setStatus(p, StatusConnecting)
		conn, err := btp.Dial(ctx, dialCfg)
		if err == nil {
			r.setStatus(p, StatusAuthenticating)
			if err = btp.Authenticate(conn, dialCfg); err != nil {
				conn.Close()
			}
		}
		if err != nil {
			r.setStatus(p, StatusClosed)
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Warn("peer dial failed", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		sess, err := r.newSession(p.cfg.ID, conn)
		if err != nil {
			conn.Close()
			log.Error("session setup failed", zap.Error(err))
			return
		}
		r.install(p.cfg.ID, sess)
		bo.Reset()

		select {
		case <-ctx.Done():
			sess.Close(btp.ErrCodeRemoved)
			r.clearSession(p.cfg.ID, sess)
			return
		case <-sess.Done():
			r.clearSession(p.cfg.ID, sess)
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Registry) setStatus(p *peerState, s Status) {
	r.mu.Lock()
	p.status = s
	r.mu.Unlock()
}
