// Package ilp defines ILPv4 packet types, addresses, error codes, and the
// OER packet codec.
package ilp

import (
	"crypto/sha256"
	"time"
)

// ILP packet type bytes.
const (
	TypePrepare uint8 = 12
	TypeFulfill uint8 = 13
	TypeReject  uint8 = 14
)

// Wire limits.
const (
	ConditionLen    = 32
	MaxDataBytes    = 32 * 1024
	MaxAddressBytes = 1023
	timestampLen    = 17
)

// ILP error codes. F codes are final, T codes are temporary (retryable),
// R codes are relative to expiry or amount.
const (
	CodeInvalidPacket         = "F01"
	CodeUnreachable           = "F02"
	CodeWrongCondition        = "F05"
	CodeUnexpectedPayment     = "F06"
	CodeInternal              = "T00"
	CodePeerUnreachable       = "T01"
	CodeRoutingLoop           = "T03"
	CodeInsufficientLiquidity = "T04"
	CodeTransferTimedOut      = "R00"
	CodeInsufficientSource    = "R01"
	CodeInsufficientDest      = "R02"
)

var codeMessages = map[string]string{
	CodeInvalidPacket:         "invalid packet",
	CodeUnreachable:           "unreachable",
	CodeWrongCondition:        "wrong condition",
	CodeUnexpectedPayment:     "unexpected payment",
	CodeInternal:              "internal error",
	CodePeerUnreachable:       "peer unreachable",
	CodeRoutingLoop:           "internal error",
	CodeInsufficientLiquidity: "insufficient liquidity",
	CodeTransferTimedOut:      "transfer timed out",
	CodeInsufficientSource:    "insufficient source amount",
	CodeInsufficientDest:      "insufficient destination amount",
}

// DefaultMessage returns the canonical human-readable message for an ILP
// error code, or the code itself if unknown.
func DefaultMessage(code string) string {
	if m, ok := codeMessages[code]; ok {
		return m
	}
	return code
}

// Packet is one of *Prepare, *Fulfill, or *Reject.
type Packet interface {
	// Type returns the wire type byte.
	Type() uint8
}

// Prepare is a conditional transfer request. The sender commits to accept a
// matching Fulfill until ExpiresAt.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionLen]byte
	Destination        Address
	Data               []byte
}

// Fulfill releases a Prepare. SHA-256(Fulfillment) must equal the
// ExecutionCondition of the correlated Prepare.
type Fulfill struct {
	Fulfillment [ConditionLen]byte
	Data        []byte
}

// Reject refuses a Prepare. TriggeredBy names the node that first produced
// the rejection; forwarders pass it through unchanged.
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Prepare) Type() uint8 { return TypePrepare }
func (*Fulfill) Type() uint8 { return TypeFulfill }
func (*Reject) Type() uint8  { return TypeReject }

// TypeName returns the lowercase packet kind for logs and telemetry.
func TypeName(p Packet) string {
	switch p.(type) {
	case *Prepare:
		return "prepare"
	case *Fulfill:
		return "fulfill"
	case *Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// NewReject builds a Reject with the canonical message for code.
func NewReject(code string, triggeredBy Address) *Reject {
	return &Reject{Code: code, TriggeredBy: triggeredBy, Message: DefaultMessage(code)}
}

// Condition computes the execution condition for a fulfillment preimage.
func Condition(fulfillment [ConditionLen]byte) [ConditionLen]byte {
	return sha256.Sum256(fulfillment[:])
}

// Matches reports whether this fulfillment satisfies condition.
func (f *Fulfill) Matches(condition [ConditionLen]byte) bool {
	return Condition(f.Fulfillment) == condition
}
