package btp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned when a request is submitted to a session
	// that is no longer accepting traffic.
	ErrSessionClosed = errors.New("btp: session closed")
	// ErrPeerDisconnected is returned for requests that were in flight when
	// the underlying connection went away.
	ErrPeerDisconnected = errors.New("btp: peer disconnected")
)

// State describes the lifecycle of an authenticated session.
type State int32

const (
	StateReady State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HandlerFunc serves an inbound Message frame. A nil reply with a nil error
// acknowledges the message with an empty Response. The context is canceled
// when the session closes.
type HandlerFunc func(ctx context.Context, peerID string, f *Frame) (*Frame, error)

// SessionConfig carries the dependencies of a Session. The connection must
// already be authenticated on both ends.
type SessionConfig struct {
	PeerID  string
	Conn    *websocket.Conn
	Handler HandlerFunc
	Logger  *zap.Logger
	Clock   clockwork.Clock

	WriteQueueSize  int
	HandlerPoolSize int
	RequestTimeout  time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxFrameBytes   int64
}

func (c *SessionConfig) Validate() error {
	if c.PeerID == "" {
		return fmt.Errorf("btp: session config: peer id is required")
	}
	if c.Conn == nil {
		return fmt.Errorf("btp: session config: connection is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("btp: session config: handler is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 64
	}
	if c.HandlerPoolSize <= 0 {
		c.HandlerPoolSize = 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		return fmt.Errorf("btp: session config: pong wait %s must exceed ping interval %s", c.PongWait, c.PingInterval)
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = MaxFrameBytes
	}
	return nil
}

// Session multiplexes request/response frames over a single websocket
// connection. All writes funnel through one pump goroutine; replies are
// correlated to waiting callers by request id.
type Session struct {
	cfg   SessionConfig
	log   *zap.Logger
	clock clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	writeCh chan []byte
	done    chan struct{}

	mu          sync.Mutex
	state       State
	closeReason string
	nextID      uint32
	pending     map[uint32]chan *Frame

	pool pond.Pool

	lastActivity atomic.Int64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession wraps an authenticated connection and starts the read and
// write pumps.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("peer", cfg.PeerID)),
		clock:   cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
		writeCh: make(chan []byte, cfg.WriteQueueSize),
		done:    make(chan struct{}),
		nextID:  firstSessionRequestID,
		pending: make(map[uint32]chan *Frame),
		pool:    pond.NewPool(cfg.HandlerPoolSize),
	}
	s.touch()
	s.wg.Add(2)
	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *Session) PeerID() string { return s.cfg.PeerID }

// Done is closed once the session stops accepting traffic.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason reports why the session ended; empty while it is live.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// LastActivity is the time a frame was last read from or written to the
// connection.
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.clock.Now().UnixMilli())
}

// NextRequestID reserves a fresh request id. Ids 0 and 1 are never issued;
// 1 belongs to the auth handshake.
func (s *Session) NextRequestID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.nextID < firstSessionRequestID {
		s.nextID = firstSessionRequestID
	}
	return id
}

// Request assigns a fresh request id to the frame, sends it, and waits for
// the matching Response or Error frame.
func (s *Session) Request(ctx context.Context, f *Frame) (*Frame, error) {
	f.RequestID = s.NextRequestID()
	return s.RequestWithID(ctx, f)
}

// RequestWithID sends a frame whose request id the caller has already
// reserved via NextRequestID and waits for the reply. If ctx carries no
// deadline the session's request timeout applies.
func (s *Session) RequestWithID(ctx context.Context, f *Frame) (*Frame, error) {
	raw, err := f.Marshal()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	ch := make(chan *Frame, 1)
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, dup := s.pending[f.RequestID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("btp: request id %d already in flight", f.RequestID)
	}
	s.pending[f.RequestID] = ch
	s.mu.Unlock()
	defer s.forgetPending(f.RequestID)

	select {
	case s.writeCh <- raw:
	case <-s.done:
		return nil, ErrPeerDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-s.done:
		// Prefer a reply that raced the disconnect.
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return nil, ErrPeerDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) forgetPending(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Close drains queued writes, sends a close frame carrying the reason, and
// tears the connection down. Pending requests fail with
// ErrPeerDisconnected. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDraining
		s.closeReason = reason
		s.mu.Unlock()
		s.cancel()
		close(s.done)
		go func() {
			s.wg.Wait()
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
			s.pool.StopAndWait()
		}()
	})
}

func (s *Session) readPump() {
	defer s.wg.Done()
	conn := s.cfg.Conn
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("peer connection lost", zap.Error(err))
			}
			s.Close("PeerDisconnected")
			return
		}
		s.touch()
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		frame, err := UnmarshalFrame(data)
		if err != nil {
			// A garbled frame is dropped without tearing the session down.
			s.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		switch frame.Type {
		case TypeMessage:
			s.dispatchMessage(frame)
		case TypeResponse, TypeError:
			s.dispatchReply(frame)
		}
	}
}

func (s *Session) dispatchMessage(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return
	}
	s.pool.Submit(func() { s.serveMessage(f) })
}

func (s *Session) dispatchReply(f *Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.RequestID]
	if ok {
		delete(s.pending, f.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("dropping reply with no waiting request",
			zap.Uint32("request_id", f.RequestID),
			zap.String("frame_type", f.TypeName()))
		return
	}
	ch <- f
}

func (s *Session) serveMessage(f *Frame) {
	reply, err := s.cfg.Handler(s.ctx, s.cfg.PeerID, f)
	switch {
	case err != nil:
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("message handler failed", zap.Uint32("request_id", f.RequestID), zap.Error(err))
		reply = ErrorFrame(f.RequestID, ErrCodeInternal, err.Error())
	case reply == nil:
		reply = ResponseFrame(f.RequestID, nil)
	default:
		reply.RequestID = f.RequestID
	}
	raw, err := reply.Marshal()
	if err != nil {
		s.log.Error("marshaling reply frame", zap.Uint32("request_id", f.RequestID), zap.Error(err))
		return
	}
	select {
	case s.writeCh <- raw:
	case <-s.done:
	}
}

func (s *Session) writePump() {
	defer s.wg.Done()
	conn := s.cfg.Conn
	defer conn.Close()
	ticker := s.clock.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case raw := <-s.writeCh:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				if s.ctx.Err() == nil {
					s.log.Warn("transport write failed", zap.Error(err))
				}
				s.Close("PeerDisconnected")
				return
			}
			s.touch()
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("PeerDisconnected")
				return
			}
		case <-s.done:
			for {
				select {
				case raw := <-s.writeCh:
					conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
					if conn.WriteMessage(websocket.BinaryMessage, raw) != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.CloseReason()))
					return
				}
			}
		}
	}
}
