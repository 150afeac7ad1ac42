package btp

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DialConfig describes an outbound connection attempt to a peer's BTP
// endpoint.
type DialConfig struct {
	// Endpoint is the peer's websocket URL, e.g. wss://peer.example:7768/btp.
	Endpoint string
	// Username is the account name this node authenticates as.
	Username string
	Token    string
	// HandshakeTimeout bounds the websocket upgrade and the auth exchange.
	HandshakeTimeout time.Duration
	MaxFrameBytes    int64
}

// DialAndAuth opens a websocket connection to the endpoint and performs the
// client half of the auth handshake: it sends an auth Message with request
// id 1 and waits for the empty Response. The returned connection is ready
// to hand to NewSession. On any failure the connection is closed.
func DialAndAuth(ctx context.Context, cfg DialConfig) (*websocket.Conn, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Authenticate(conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial opens the websocket connection without authenticating.
func Dial(ctx context.Context, cfg DialConfig) (*websocket.Conn, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("btp: dial: endpoint is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeWindow
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.Endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("btp: dial %s: %w (status %s)", cfg.Endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("btp: dial %s: %w", cfg.Endpoint, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// Authenticate performs the client half of the handshake on a freshly
// dialed connection.
func Authenticate(conn *websocket.Conn, cfg DialConfig) error {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeWindow
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = MaxFrameBytes
	}
	raw, err := AuthFrame(cfg.Username, cfg.Token).Marshal()
	if err != nil {
		return err
	}
	conn.SetReadLimit(cfg.MaxFrameBytes)
	conn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("btp: writing auth frame: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("btp: reading auth response: %w", err)
	}
	frame, err := UnmarshalFrame(data)
	if err != nil {
		return fmt.Errorf("btp: malformed auth response: %w", err)
	}
	switch {
	case frame.RequestID != authRequestID:
		return fmt.Errorf("btp: auth response has request id %d, want %d", frame.RequestID, authRequestID)
	case frame.Type == TypeResponse:
		return nil
	case frame.Type == TypeError:
		if info, ok := frame.ErrorInfo(); ok {
			return fmt.Errorf("btp: auth rejected: %s: %s", info.Code, info.Message)
		}
		return fmt.Errorf("btp: auth rejected")
	default:
		return fmt.Errorf("btp: unexpected %s frame during auth", frame.TypeName())
	}
}
