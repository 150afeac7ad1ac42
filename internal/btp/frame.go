// Package btp implements the bilateral transfer protocol: a framed
// request/response layer between adjacent connector nodes, carried over a
// message-oriented duplex stream.
package btp

import (
	"fmt"

	"github.com/ledger-mesh/ilp-connector/internal/oer"
)

// Frame types.
const (
	TypeResponse uint8 = 1
	TypeError    uint8 = 2
	TypeMessage  uint8 = 6
)

// Sub-payload content types.
const (
	ContentOctetStream uint8 = 0
	ContentTextPlain   uint8 = 1
	ContentJSON        uint8 = 2
	ContentILP         uint8 = 3
)

// Well-known sub-payload names.
const (
	ProtocolILP          = "ilp"
	ProtocolAuth         = "auth"
	ProtocolAuthToken    = "auth_token"
	ProtocolAuthUsername = "auth_username"
	ProtocolError        = "error"
)

// MaxFrameBytes is the default cap on a single encoded frame.
const MaxFrameBytes = 64 * 1024

// SubPayload is one named entry in a frame's protocol data.
type SubPayload struct {
	Name        string
	ContentType uint8
	Content     []byte
}

// Frame is a single BTP wire unit.
//
// Layout:
//
//	type        uint8    1=Response, 2=Error, 6=Message
//	requestId   uint32   big-endian, session-scoped
//	protocolData varOctets, containing zero or more sub-payloads:
//	    name        varOctets (UTF-8)
//	    contentType uint8
//	    content     varOctets
type Frame struct {
	Type         uint8
	RequestID    uint32
	ProtocolData []SubPayload
}

// Get returns the first sub-payload with the given name.
func (f *Frame) Get(name string) (SubPayload, bool) {
	for _, sp := range f.ProtocolData {
		if sp.Name == name {
			return sp, true
		}
	}
	return SubPayload{}, false
}

// TypeName returns the frame type for logs.
func (f *Frame) TypeName() string {
	switch f.Type {
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	case TypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", f.Type)
	}
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	switch f.Type {
	case TypeResponse, TypeError, TypeMessage:
	default:
		return nil, fmt.Errorf("btp: cannot encode frame type %d", f.Type)
	}

	var pd []byte
	for i, sp := range f.ProtocolData {
		if len(sp.Name) == 0 {
			return nil, fmt.Errorf("btp: sub-payload %d has empty name", i)
		}
		pd = oer.AppendVarOctets(pd, []byte(sp.Name))
		pd = append(pd, sp.ContentType)
		pd = oer.AppendVarOctets(pd, sp.Content)
	}

	out := make([]byte, 0, len(pd)+8)
	out = append(out, f.Type)
	out = oer.AppendUint32(out, f.RequestID)
	out = oer.AppendVarOctets(out, pd)
	return out, nil
}

// UnmarshalFrame decodes one frame from data. Sub-payloads are parsed until
// the protocol data block is exhausted; trailing bytes after the block are
// rejected.
func UnmarshalFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	off := 0

	var err error
	f.Type, off, err = oer.ReadUint8(data, off)
	if err != nil {
		return nil, fmt.Errorf("btp: missing frame type")
	}
	switch f.Type {
	case TypeResponse, TypeError, TypeMessage:
	default:
		return nil, fmt.Errorf("btp: unknown frame type %d", f.Type)
	}

	f.RequestID, off, err = oer.ReadUint32(data, off)
	if err != nil {
		return nil, fmt.Errorf("btp: truncated request id")
	}

	pd, off, err := oer.ReadVarOctets(data, off)
	if err != nil {
		return nil, fmt.Errorf("btp: protocol data: %w", err)
	}
	if off != len(data) {
		return nil, fmt.Errorf("btp: %d trailing bytes after protocol data", len(data)-off)
	}

	pos := 0
	for pos < len(pd) {
		var sp SubPayload

		name, next, err := oer.ReadVarOctets(pd, pos)
		if err != nil {
			return nil, fmt.Errorf("btp: sub-payload name: %w", err)
		}
		if len(name) == 0 {
			return nil, fmt.Errorf("btp: sub-payload with empty name at offset %d", pos)
		}
		sp.Name = string(name)

		sp.ContentType, next, err = oer.ReadUint8(pd, next)
		if err != nil {
			return nil, fmt.Errorf("btp: sub-payload %q content type: %w", sp.Name, err)
		}

		sp.Content, next, err = oer.ReadVarOctets(pd, next)
		if err != nil {
			return nil, fmt.Errorf("btp: sub-payload %q content: %w", sp.Name, err)
		}

		f.ProtocolData = append(f.ProtocolData, sp)
		pos = next
	}

	return f, nil
}

// MessageFrame builds a Message frame carrying a single ILP packet.
func MessageFrame(requestID uint32, ilpPacket []byte) *Frame {
	return &Frame{
		Type:      TypeMessage,
		RequestID: requestID,
		ProtocolData: []SubPayload{
			{Name: ProtocolILP, ContentType: ContentILP, Content: ilpPacket},
		},
	}
}

// ResponseFrame builds a Response frame carrying a single ILP packet.
// A nil packet produces an empty response.
func ResponseFrame(requestID uint32, ilpPacket []byte) *Frame {
	f := &Frame{Type: TypeResponse, RequestID: requestID}
	if ilpPacket != nil {
		f.ProtocolData = []SubPayload{
			{Name: ProtocolILP, ContentType: ContentILP, Content: ilpPacket},
		}
	}
	return f
}
