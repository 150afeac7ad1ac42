package router

import "context"

// Terminal outcomes reported to the accounting gate.
const (
	OutcomeFulfilled      = "fulfilled"
	OutcomeRejected       = "rejected"
	OutcomeTimeout        = "timeout"
	OutcomePeerLost       = "peer_lost"
	OutcomeOriginatorGone = "originator_gone"
)

// AccountingGate admits forwards against peer liquidity. Reserve is called
// before a prepare leaves the node and may refuse it; for every packet whose
// Reserve succeeded, Commit is called exactly once with the terminal outcome,
// never before Reserve. Implementations must be safe for concurrent use.
type AccountingGate interface {
	Reserve(ctx context.Context, peerID string, amount uint64, ref string) error
	Commit(ref, outcome string)
}

// NopGate admits everything and discards commits.
type NopGate struct{}

func (NopGate) Reserve(context.Context, string, uint64, string) error { return nil }

func (NopGate) Commit(string, string) {}
