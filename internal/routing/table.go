// Package routing provides the longest-prefix route table used to pick the
// next hop for a destination address.
package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ledger-mesh/ilp-connector/internal/ilp"
)

// Route maps an address prefix to the peer that traffic for it should be
// forwarded to. Lower priority values win among routes with equally long
// prefixes.
type Route struct {
	Prefix   string
	NextHop  string
	Priority int
}

type snapshot struct {
	// Sorted by prefix length descending, then priority ascending, then
	// insertion order. The first prefix match during a scan is therefore
	// the winning route.
	routes []Route
}

// Table is a longest-prefix matcher over destination addresses. Lookups are
// lock-free against an immutable snapshot; Update swaps the whole snapshot
// at once.
type Table struct {
	current atomic.Pointer[snapshot]
}

// NewTable builds a table from the given routes.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{}
	if err := t.Update(routes); err != nil {
		return nil, err
	}
	return t, nil
}

// Update atomically replaces the route set. Readers either see the old set
// or the new one, never a mix.
func (t *Table) Update(routes []Route) error {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	for i, r := range sorted {
		if r.Prefix == "" {
			return fmt.Errorf("routing: route %d has an empty prefix", i)
		}
		if r.NextHop == "" {
			return fmt.Errorf("routing: route %d (%s) has no next hop", i, r.Prefix)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Priority < sorted[j].Priority
	})
	t.current.Store(&snapshot{routes: sorted})
	return nil
}

// Lookup returns the route whose prefix is the longest byte prefix of the
// destination. Ties on length are broken by lowest priority, then earliest
// insertion.
func (t *Table) Lookup(destination ilp.Address) (Route, bool) {
	snap := t.current.Load()
	dest := string(destination)
	for _, r := range snap.routes {
		if strings.HasPrefix(dest, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the current route set in match order.
func (t *Table) Routes() []Route {
	snap := t.current.Load()
	out := make([]Route, len(snap.routes))
	copy(out, snap.routes)
	return out
}

// Size reports the number of installed routes.
func (t *Table) Size() int {
	return len(t.current.Load().routes)
}
