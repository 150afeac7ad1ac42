package ilp

import (
	"strings"
	"testing"
)

func TestAddress_Validate(t *testing.T) {
	cases := []struct {
		addr    Address
		wantErr bool
	}{
		{"g.alice", false},
		{"g.alice.sub.x", false},
		{"private.node_1~test-2", false},
		{"g", false},
		{"", true},
		{"g.alice space", true},
		{"g.alice\x00", true},
		{"g.ünïcode", true},
		{Address(strings.Repeat("a", MaxAddressBytes)), false},
		{Address(strings.Repeat("a", MaxAddressBytes+1)), true},
	}
	for _, tc := range cases {
		err := tc.addr.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%.40q: expected error", string(tc.addr))
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%.40q: unexpected error: %v", string(tc.addr), err)
		}
	}
}

func TestAddress_LocalTo(t *testing.T) {
	node := Address("g.connector")
	cases := []struct {
		addr Address
		want bool
	}{
		{"g.connector", true},
		{"g.connector.alice", true},
		{"g.connector.a.b.c", true},
		{"g.connectorx", false},
		{"g.other", false},
		{"g", false},
	}
	for _, tc := range cases {
		if got := tc.addr.LocalTo(node); got != tc.want {
			t.Errorf("%q.LocalTo(%q): expected %v, got %v", tc.addr, node, tc.want, got)
		}
	}
}
