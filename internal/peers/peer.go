// Package peers tracks every configured peer, owns the live BTP session per
// peer, dials and re-dials outbound peers, and admits inbound connections.
package peers

import (
	"fmt"
	"time"
)

// Direction says which side opens the connection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the registry's view of a peer's connectivity.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusReady          Status = "ready"
	StatusClosed         Status = "closed"
)

// PeerConfig describes one configured peer.
type PeerConfig struct {
	ID        string
	Direction Direction
	// Endpoint is the peer's websocket URL; outbound only.
	Endpoint string
	// AuthToken is the shared secret. For outbound peers it is presented
	// during the handshake; for inbound peers it is what the remote side
	// must present.
	AuthToken string
	// DeclaredPrefixes is informational; routing is configured separately.
	DeclaredPrefixes []string
}

func (c *PeerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("peers: peer id is required")
	}
	switch c.Direction {
	case DirectionInbound:
		if c.Endpoint != "" {
			return fmt.Errorf("peers: peer %q: inbound peers must not set an endpoint", c.ID)
		}
	case DirectionOutbound:
		if c.Endpoint == "" {
			return fmt.Errorf("peers: peer %q: outbound peers require an endpoint", c.ID)
		}
	default:
		return fmt.Errorf("peers: peer %q: direction must be inbound or outbound, got %q", c.ID, c.Direction)
	}
	if c.AuthToken == "" {
		return fmt.Errorf("peers: peer %q: auth token is required", c.ID)
	}
	return nil
}

func (c *PeerConfig) equal(other *PeerConfig) bool {
	if c.ID != other.ID || c.Direction != other.Direction ||
		c.Endpoint != other.Endpoint || c.AuthToken != other.AuthToken {
		return false
	}
	if len(c.DeclaredPrefixes) != len(other.DeclaredPrefixes) {
		return false
	}
	for i, p := range c.DeclaredPrefixes {
		if other.DeclaredPrefixes[i] != p {
			return false
		}
	}
	return true
}

// Info is a point-in-time snapshot of one peer for health and telemetry.
type Info struct {
	ID               string
	Direction        Direction
	Status           Status
	LastActivity     time.Time
	DeclaredPrefixes []string
}

// Health counts ready sessions by direction.
type Health struct {
	OutboundTotal int
	OutboundReady int
	InboundTotal  int
	InboundReady  int
}

// OutboundReadyFraction is the share of configured outbound peers with a
// ready session; 1 when no outbound peers are configured.
func (h Health) OutboundReadyFraction() float64 {
	if h.OutboundTotal == 0 {
		return 1
	}
	return float64(h.OutboundReady) / float64(h.OutboundTotal)
}
