package ilp

import (
	"fmt"
	"strings"
)

// Address is a dotted-hierarchical ILP address (e.g. "g.alice.sub.x").
// Addresses are treated as opaque bytes; routability is defined by byte
// prefix ordering.
type Address string

func (a Address) String() string { return string(a) }

// Validate checks length and charset. Addresses are limited to
// [A-Za-z0-9._~-] and at most MaxAddressBytes bytes.
func (a Address) Validate() error {
	if len(a) == 0 {
		return fmt.Errorf("ilp: empty address")
	}
	if len(a) > MaxAddressBytes {
		return fmt.Errorf("ilp: address length %d exceeds maximum %d", len(a), MaxAddressBytes)
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '~' || c == '-':
		default:
			return fmt.Errorf("ilp: address contains invalid byte 0x%02x at position %d", c, i)
		}
	}
	return nil
}

// LocalTo reports whether a is node itself or falls under node's namespace
// (node followed by a dot-separated suffix).
func (a Address) LocalTo(node Address) bool {
	if a == node {
		return true
	}
	return strings.HasPrefix(string(a), string(node)+".")
}
