// Package telemetry defines the event stream a connector publishes to the
// telemetry hub, the bounded in-process queue feeding it, and the uplink
// publisher that ships events over a websocket.
package telemetry

import "time"

// Event type tags.
const (
	TypeNodeStatus           = "NodeStatus"
	TypePacketSent           = "PacketSent"
	TypePacketReceived       = "PacketReceived"
	TypeRouteLookup          = "RouteLookup"
	TypeLog                  = "Log"
	TypeAccountBalance       = "AccountBalance"
	TypeSettlementTriggered  = "SettlementTriggered"
	TypeSettlementCompleted  = "SettlementCompleted"
	TypeChannelOpened        = "ChannelOpened"
	TypeChannelBalanceUpdate = "ChannelBalanceUpdate"
	TypeChannelSettled       = "ChannelSettled"

	// TypeClientConnect is the hello a read-only subscriber sends to the
	// hub; it never originates from a connector.
	TypeClientConnect = "ClientConnect"
	// TypeInitialChannelState is sent by the hub to a fresh subscriber and
	// carries the current channel snapshot set.
	TypeInitialChannelState = "InitialChannelState"
)

// Packet type labels used by PacketSent/PacketReceived.
const (
	PacketPrepare = "prepare"
	PacketFulfill = "fulfill"
	PacketReject  = "reject"
)

// Event is one telemetry record. The wire form is a single JSON object per
// frame; type-specific fields are left empty on other event types.
type Event struct {
	Type      string    `json:"type"`
	NodeID    string    `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`

	// NodeStatus
	Status  string `json:"status,omitempty"`
	Address string `json:"address,omitempty"`

	// PacketSent / PacketReceived
	PeerID      string `json:"peerId,omitempty"`
	PacketType  string `json:"packetType,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	Destination string `json:"destination,omitempty"`
	Code        string `json:"code,omitempty"`

	// RouteLookup; an empty nextHop means no route matched.
	Prefix  string `json:"prefix,omitempty"`
	NextHop string `json:"nextHop,omitempty"`

	// Log
	Level   string `json:"level,omitempty"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
	Count   uint64 `json:"count,omitempty"`

	// Accounting and settlement
	TokenID      string `json:"tokenId,omitempty"`
	Balance      int64  `json:"balance,omitempty"`
	SettlementID string `json:"settlementId,omitempty"`

	// Payment channels
	ChannelID string `json:"channelId,omitempty"`
	Ledger    string `json:"ledger,omitempty"`
	State     string `json:"state,omitempty"`

	// InitialChannelState only.
	Channels []ChannelState `json:"channels,omitempty"`
}

// ChannelState is one entry of an InitialChannelState message: the hub's
// current view of a payment channel.
type ChannelState struct {
	ChannelID string `json:"channelId"`
	NodeID    string `json:"nodeId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	Ledger    string `json:"ledger,omitempty"`
	Balance   int64  `json:"balance"`
	State     string `json:"state"`
}

// Critical reports whether an event must survive queue overflow. State
// bearing events are critical; per-packet traffic events are not.
func (e Event) Critical() bool {
	switch e.Type {
	case TypeNodeStatus,
		TypeAccountBalance,
		TypeSettlementTriggered,
		TypeSettlementCompleted,
		TypeChannelOpened,
		TypeChannelBalanceUpdate,
		TypeChannelSettled:
		return true
	default:
		return false
	}
}

// NodeStatus reports the node's health and ILP address.
func NodeStatus(status, address string) Event {
	return Event{Type: TypeNodeStatus, Status: status, Address: address}
}

// PacketSent records a packet leaving this node toward a peer.
func PacketSent(peerID, packetType string, amount uint64, destination, code string) Event {
	return Event{
		Type:        TypePacketSent,
		PeerID:      peerID,
		PacketType:  packetType,
		Amount:      amount,
		Destination: destination,
		Code:        code,
	}
}

// PacketReceived records a packet arriving from a peer.
func PacketReceived(peerID, packetType string, amount uint64, destination, code string) Event {
	return Event{
		Type:        TypePacketReceived,
		PeerID:      peerID,
		PacketType:  packetType,
		Amount:      amount,
		Destination: destination,
		Code:        code,
	}
}

// RouteLookup records a routing decision. prefix and nextHop are empty when
// no route matched.
func RouteLookup(destination, prefix, nextHop string) Event {
	return Event{
		Type:        TypeRouteLookup,
		Destination: destination,
		Prefix:      prefix,
		NextHop:     nextHop,
	}
}

// LogLine carries an operator-facing log record. event is a stable machine
// readable tag.
func LogLine(level, event, message string) Event {
	return Event{Type: TypeLog, Level: level, Event: event, Message: message}
}

// AccountBalance reports the net position against one peer in one token.
func AccountBalance(peerID, tokenID string, balance int64) Event {
	return Event{Type: TypeAccountBalance, PeerID: peerID, TokenID: tokenID, Balance: balance}
}

// SettlementTriggered records that a balance threshold fired a settlement.
func SettlementTriggered(peerID, tokenID, settlementID string, amount uint64) Event {
	return Event{
		Type:         TypeSettlementTriggered,
		PeerID:       peerID,
		TokenID:      tokenID,
		SettlementID: settlementID,
		Amount:       amount,
	}
}

// SettlementCompleted records the terminal outcome of a settlement.
func SettlementCompleted(peerID, tokenID, settlementID string, amount uint64) Event {
	return Event{
		Type:         TypeSettlementCompleted,
		PeerID:       peerID,
		TokenID:      tokenID,
		SettlementID: settlementID,
		Amount:       amount,
	}
}

// ChannelOpened announces a new payment channel.
func ChannelOpened(channelID, ledger, peerID string, balance int64) Event {
	return Event{
		Type:      TypeChannelOpened,
		ChannelID: channelID,
		Ledger:    ledger,
		PeerID:    peerID,
		Balance:   balance,
		State:     "open",
	}
}

// ChannelBalanceUpdate reports the channel's current balance.
func ChannelBalanceUpdate(channelID string, balance int64) Event {
	return Event{Type: TypeChannelBalanceUpdate, ChannelID: channelID, Balance: balance}
}

// ChannelSettled marks a channel as settled on chain.
func ChannelSettled(channelID string) Event {
	return Event{Type: TypeChannelSettled, ChannelID: channelID, State: "settled"}
}

// ClientConnect is the hello a subscriber sends to the hub.
func ClientConnect() Event {
	return Event{Type: TypeClientConnect}
}

// InitialChannelState carries the hub's channel snapshot to a fresh
// subscriber.
func InitialChannelState(channels []ChannelState) Event {
	return Event{Type: TypeInitialChannelState, Channels: channels}
}
