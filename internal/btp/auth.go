package btp

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// BTP-level error codes carried in Error frames and close reasons.
const (
	ErrCodeAuthFailed = "AuthenticationFailed"
	ErrCodeReplaced   = "SessionReplaced"
	ErrCodeRemoved    = "SessionRemoved"
	ErrCodeInternal   = "InternalError"
)

// The auth handshake always uses request id 1; regular session requests
// start at 2.
const (
	authRequestID          = 1
	firstSessionRequestID  = 2
	defaultHandshakeWindow = 10 * time.Second
)

// ErrorInfo is the JSON payload of an Error frame's "error" sub-payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame builds an Error frame with a JSON error sub-payload.
func ErrorFrame(requestID uint32, code, message string) *Frame {
	payload, _ := json.Marshal(ErrorInfo{Code: code, Message: message})
	return &Frame{
		Type:      TypeError,
		RequestID: requestID,
		ProtocolData: []SubPayload{
			{Name: ProtocolError, ContentType: ContentJSON, Content: payload},
		},
	}
}

// ErrorInfo extracts the error payload from an Error frame. Returns false
// if the frame carries no parsable error sub-payload.
func (f *Frame) ErrorInfo() (ErrorInfo, bool) {
	sp, ok := f.Get(ProtocolError)
	if !ok {
		return ErrorInfo{}, false
	}
	var info ErrorInfo
	if err := json.Unmarshal(sp.Content, &info); err != nil {
		return ErrorInfo{}, false
	}
	return info, true
}

// AuthFrame builds the handshake Message a client sends as its first frame.
func AuthFrame(username, token string) *Frame {
	return &Frame{
		Type:      TypeMessage,
		RequestID: authRequestID,
		ProtocolData: []SubPayload{
			{Name: ProtocolAuth, ContentType: ContentOctetStream},
			{Name: ProtocolAuthUsername, ContentType: ContentTextPlain, Content: []byte(username)},
			{Name: ProtocolAuthToken, ContentType: ContentTextPlain, Content: []byte(token)},
		},
	}
}

// ParseAuthFrame validates the shape of a handshake frame and extracts the
// claimed username and token.
func ParseAuthFrame(f *Frame) (username, token string, err error) {
	if f.Type != TypeMessage {
		return "", "", fmt.Errorf("btp: first frame must be a message, got %s", f.TypeName())
	}
	if _, ok := f.Get(ProtocolAuth); !ok {
		return "", "", fmt.Errorf("btp: first frame is missing the auth sub-payload")
	}
	user, ok := f.Get(ProtocolAuthUsername)
	if !ok || len(user.Content) == 0 {
		return "", "", fmt.Errorf("btp: auth frame is missing auth_username")
	}
	tok, ok := f.Get(ProtocolAuthToken)
	if !ok {
		return "", "", fmt.Errorf("btp: auth frame is missing auth_token")
	}
	return string(user.Content), string(tok.Content), nil
}

// AcceptAuth performs the server half of the handshake on a fresh
// connection: it reads the first frame, resolves the claimed peer through
// lookup, and compares tokens in constant time. On success it sends the
// empty Response and returns the peer id. On failure it sends an Error
// frame with code AuthenticationFailed; closing the connection is left to
// the caller.
func AcceptAuth(conn *websocket.Conn, timeout time.Duration, lookup func(username string) (token string, ok bool)) (string, error) {
	if timeout <= 0 {
		timeout = defaultHandshakeWindow
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("btp: reading auth frame: %w", err)
	}
	frame, err := UnmarshalFrame(data)
	if err != nil {
		return "", fmt.Errorf("btp: malformed auth frame: %w", err)
	}

	username, token, err := ParseAuthFrame(frame)
	if err != nil {
		writeAuthReject(conn, frame.RequestID, err.Error())
		return "", err
	}

	want, ok := lookup(username)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		writeAuthReject(conn, frame.RequestID, "invalid credentials")
		return "", fmt.Errorf("btp: authentication failed for peer %q", username)
	}

	ack := &Frame{Type: TypeResponse, RequestID: frame.RequestID}
	raw, err := ack.Marshal()
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return "", fmt.Errorf("btp: writing auth response: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return username, nil
}

func writeAuthReject(conn *websocket.Conn, requestID uint32, message string) {
	raw, err := ErrorFrame(requestID, ErrCodeAuthFailed, message).Marshal()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(defaultHandshakeWindow))
	conn.WriteMessage(websocket.BinaryMessage, raw)
}
