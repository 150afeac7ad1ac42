// Package router implements the ILP packet forwarding state machine: accept
// a Prepare from an originating peer session, pick the next hop, forward, and
// return exactly one Fulfill or Reject to the originator inside the packet's
// expiry window.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/btp"
	"github.com/ledger-mesh/ilp-connector/internal/ilp"
	"github.com/ledger-mesh/ilp-connector/internal/metrics"
	"github.com/ledger-mesh/ilp-connector/internal/routing"
	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

// Requester is the slice of a peer session the router forwards over.
type Requester interface {
	NextRequestID() uint32
	RequestWithID(ctx context.Context, f *btp.Frame) (*btp.Frame, error)
}

// Sessions resolves ready peer sessions by id. Sessions are looked up per
// packet so that replaced connections are picked up immediately.
type Sessions interface {
	Lookup(id string) (Requester, bool)
}

// LocalHandler terminates prepares addressed to this node. It returns a
// *ilp.Fulfill or *ilp.Reject.
type LocalHandler interface {
	HandlePrepare(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)
}

type Config struct {
	// Address is this node's ILP address. It stamps TriggeredBy on every
	// locally generated reject.
	Address ilp.Address
	Table   *routing.Table
	Peers   Sessions
	Gate    AccountingGate     // defaults to NopGate
	Local   LocalHandler       // nil rejects own-address destinations with F02
	Emitter *telemetry.Emitter // nil disables telemetry
	Logger  *zap.Logger
	Clock   clockwork.Clock

	// LocalTimeout caps how long the originator is kept waiting even when
	// the packet expiry is far away.
	LocalTimeout time.Duration
	// ReplyHeadroom is the margin before expiresAt reserved for the reply
	// trip back to the originator.
	ReplyHeadroom time.Duration
	// LoopWindow is how long a forwarded packet's correlation id is
	// remembered; MaxRevisits sightings inside the window are allowed
	// before re-entries are rejected as loops.
	LoopWindow  time.Duration
	MaxRevisits int
}

func (c *Config) Validate() error {
	if err := c.Address.Validate(); err != nil {
		return fmt.Errorf("router: node address: %w", err)
	}
	if c.Table == nil {
		return fmt.Errorf("router: routing table is required")
	}
	if c.Peers == nil {
		return fmt.Errorf("router: peer sessions are required")
	}
	if c.Gate == nil {
		c.Gate = NopGate{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = 30 * time.Second
	}
	if c.ReplyHeadroom <= 0 {
		c.ReplyHeadroom = time.Second
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = 30 * time.Second
	}
	if c.MaxRevisits <= 0 {
		c.MaxRevisits = 1
	}
	return nil
}

type packetKey struct {
	peer string
	id   uint32
}

// inflight tracks one forwarded prepare until its terminal outcome. The
// entry stays linked after a reply-deadline R00 so that a response arriving
// before expiresAt still settles accounting and replays stay deduplicated.
type inflight struct {
	originPeer      string
	originRequestID uint32
	nextHop         string
	outboundID      uint32
	acceptedAt      time.Time
	expiresAt       time.Time
	condition       [ilp.ConditionLen]byte
	amount          uint64
	destination     ilp.Address
	ref             string

	done bool // guarded by Router.mu; set once by the winning resolver
}

type response struct {
	frame *btp.Frame
	err   error
}

type Router struct {
	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock
	gate  AccountingGate

	mu         sync.Mutex
	byOrigin   map[packetKey]*inflight
	byOutbound map[packetKey]*inflight

	loopMu sync.Mutex
	loops  *ttlcache.Cache[string, int]
}

func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		cfg:        cfg,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		gate:       cfg.Gate,
		byOrigin:   make(map[packetKey]*inflight),
		byOutbound: make(map[packetKey]*inflight),
		loops: ttlcache.New(
			ttlcache.WithTTL[string, int](cfg.LoopWindow),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
	go r.loops.Start()
	return r, nil
}

// Close stops the loop-window janitor. In-flight packets are unaffected.
func (r *Router) Close() {
	r.loops.Stop()
}

// InFlight returns the number of packets awaiting a terminal outcome.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOrigin)
}

// PendingOn reports whether an outbound request id on a next-hop session
// still has a live in-flight entry.
func (r *Router) PendingOn(peerID string, requestID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byOutbound[packetKey{peerID, requestID}]
	return ok
}

// HandleFrame serves one inbound BTP Message frame. Its signature matches
// btp.HandlerFunc so it can be installed on peer sessions directly. Frames
// without an ilp sub-payload are acknowledged and ignored.
func (r *Router) HandleFrame(ctx context.Context, peerID string, f *btp.Frame) (*btp.Frame, error) {
	sp, ok := f.Get(btp.ProtocolILP)
	if !ok {
		return btp.ResponseFrame(f.RequestID, nil), nil
	}
	pkt, err := r.HandlePrepare(ctx, peerID, f.RequestID, sp.Content)
	if err != nil {
		// Originator is gone; the session suppresses the reply.
		return nil, err
	}
	raw, err := ilp.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("router: encoding %s response: %w", ilp.TypeName(pkt), err)
	}
	return btp.ResponseFrame(f.RequestID, raw), nil
}

// HandlePrepare runs the acceptance pipeline for one prepare and blocks
// until a response packet is due to the originator. It returns an error
// only when the originator is gone and no response should be attempted.
func (r *Router) HandlePrepare(ctx context.Context, originPeer string, originID uint32, raw []byte) (ilp.Packet, error) {
	pkt, err := ilp.Parse(raw)
	if err != nil {
		metrics.PacketsReceivedTotal.WithLabelValues(originPeer, "unknown").Inc()
		r.log.Debug("unparsable packet",
			zap.String("peer", originPeer), zap.Uint32("request_id", originID), zap.Error(err))
		return r.rejectLocal(originPeer, ilp.CodeInvalidPacket, "invalid packet", 0, ""), nil
	}
	prep, ok := pkt.(*ilp.Prepare)
	if !ok {
		// Responses ride Response frames; a fulfill or reject inside a
		// Message is a protocol violation.
		metrics.PacketsReceivedTotal.WithLabelValues(originPeer, ilp.TypeName(pkt)).Inc()
		return r.rejectLocal(originPeer, ilp.CodeInvalidPacket, "expected a prepare", 0, ""), nil
	}
	r.emitReceived(originPeer, prep, prep.Amount, prep.Destination)

	now := r.clock.Now()
	switch {
	case prep.Amount == 0:
		return r.rejectLocal(originPeer, ilp.CodeUnexpectedPayment, "zero amount", 0, prep.Destination), nil
	case !prep.ExpiresAt.After(now):
		return r.rejectLocal(originPeer, ilp.CodeTransferTimedOut, "already expired", prep.Amount, prep.Destination), nil
	case prep.Destination.LocalTo(r.cfg.Address):
		return r.deliverLocal(ctx, originPeer, prep)
	}

	corrID := correlationID(prep)
	if r.loopSeen(corrID) {
		metrics.LoopsDetectedTotal.Inc()
		r.log.Warn("routing loop detected",
			zap.String("peer", originPeer),
			zap.String("destination", prep.Destination.String()),
			zap.String("correlation_id", corrID[:16]))
		if r.cfg.Emitter != nil {
			r.cfg.Emitter.Emit(telemetry.LogLine("warn", "routing_loop",
				fmt.Sprintf("packet for %s re-entered within the loop window", prep.Destination)))
		}
		return r.rejectLocal(originPeer, ilp.CodeRoutingLoop, "routing loop detected", prep.Amount, prep.Destination), nil
	}

	okey := packetKey{originPeer, originID}
	r.mu.Lock()
	_, dup := r.byOrigin[okey]
	r.mu.Unlock()
	if dup {
		r.log.Error("duplicate request id while packet in flight",
			zap.String("peer", originPeer), zap.Uint32("request_id", originID))
		return r.rejectLocal(originPeer, ilp.CodeInternal, "duplicate request id", prep.Amount, prep.Destination), nil
	}

	route, found := r.cfg.Table.Lookup(prep.Destination)
	if !found {
		metrics.RouteLookupsTotal.WithLabelValues("miss").Inc()
		if r.cfg.Emitter != nil {
			r.cfg.Emitter.Emit(telemetry.RouteLookup(prep.Destination.String(), "", ""))
		}
		return r.rejectLocal(originPeer, ilp.CodeUnreachable, "no route to destination", prep.Amount, prep.Destination), nil
	}
	metrics.RouteLookupsTotal.WithLabelValues("hit").Inc()
	if r.cfg.Emitter != nil {
		r.cfg.Emitter.Emit(telemetry.RouteLookup(prep.Destination.String(), route.Prefix, route.NextHop))
	}
	if route.NextHop == originPeer {
		return r.rejectLocal(originPeer, ilp.CodeUnreachable, "refusing to reflect to originator", prep.Amount, prep.Destination), nil
	}
	sess, ready := r.cfg.Peers.Lookup(route.NextHop)
	if !ready {
		return r.rejectLocal(originPeer, ilp.CodePeerUnreachable, "next hop not connected", prep.Amount, prep.Destination), nil
	}

	ref := uuid.NewString()
	if err := r.gate.Reserve(ctx, route.NextHop, prep.Amount, ref); err != nil {
		metrics.ReserveRefusalsTotal.Inc()
		r.log.Info("accounting gate refused forward",
			zap.String("next_hop", route.NextHop), zap.Uint64("amount", prep.Amount), zap.Error(err))
		return r.rejectLocal(originPeer, ilp.CodeInsufficientLiquidity, "insufficient liquidity", prep.Amount, prep.Destination), nil
	}

	e := &inflight{
		originPeer:      originPeer,
		originRequestID: originID,
		nextHop:         route.NextHop,
		outboundID:      sess.NextRequestID(),
		acceptedAt:      now,
		expiresAt:       prep.ExpiresAt,
		condition:       prep.ExecutionCondition,
		amount:          prep.Amount,
		destination:     prep.Destination,
		ref:             ref,
	}
	r.mu.Lock()
	if _, raced := r.byOrigin[okey]; raced {
		r.mu.Unlock()
		r.gate.Commit(ref, OutcomeRejected)
		return r.rejectLocal(originPeer, ilp.CodeInternal, "duplicate request id", prep.Amount, prep.Destination), nil
	}
	r.byOrigin[okey] = e
	r.byOutbound[packetKey{e.nextHop, e.outboundID}] = e
	r.mu.Unlock()
	metrics.InFlightPackets.Inc()
	r.recordSighting(corrID)
	r.emitSent(e.nextHop, prep, e.amount, e.destination)

	return r.forward(ctx, sess, e, raw)
}

// forward ships raw over the next-hop session and waits for the terminal
// outcome. The originator's reply is bounded by the reply deadline; the
// downstream wait runs to expiresAt so late responses still settle the
// accounting commit.
func (r *Router) forward(ctx context.Context, sess Requester, e *inflight, raw []byte) (ilp.Packet, error) {
	budget := e.expiresAt.Sub(e.acceptedAt)
	replyBudget := budget - r.cfg.ReplyHeadroom
	if replyBudget > r.cfg.LocalTimeout {
		replyBudget = r.cfg.LocalTimeout
	}
	if replyBudget <= 0 {
		replyBudget = budget
	}

	// Wall-clock safety net; the authoritative bounds are the clock timers.
	dctx, cancel := context.WithTimeout(ctx, budget)

	frame := btp.MessageFrame(e.outboundID, raw)
	respCh := make(chan response, 1)
	go func() {
		f, err := sess.RequestWithID(dctx, frame)
		respCh <- response{frame: f, err: err}
	}()

	replyTimer := r.clock.NewTimer(replyBudget)
	defer replyTimer.Stop()

	select {
	case res := <-respCh:
		cancel()
		return r.settle(e, res)
	case <-replyTimer.Chan():
		// Prefer a response that raced the deadline.
		select {
		case res := <-respCh:
			cancel()
			return r.settle(e, res)
		default:
		}
		if replyBudget == budget {
			cancel()
			r.resolve(e, OutcomeTimeout)
			return r.rejectLocal(e.originPeer, ilp.CodeTransferTimedOut, "transfer timed out", e.amount, e.destination), nil
		}
		go r.reap(dctx, cancel, e, respCh, budget-replyBudget)
		return r.rejectLocal(e.originPeer, ilp.CodeTransferTimedOut, "transfer timed out", e.amount, e.destination), nil
	}
}

// settle resolves a downstream result that arrived before the reply
// deadline and builds the originator's response.
func (r *Router) settle(e *inflight, res response) (ilp.Packet, error) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, context.Canceled):
			r.resolve(e, OutcomeOriginatorGone)
			r.log.Info("originator gone before response",
				zap.String("peer", e.originPeer), zap.Uint32("request_id", e.originRequestID))
			return nil, res.err
		case errors.Is(res.err, btp.ErrPeerDisconnected), errors.Is(res.err, btp.ErrSessionClosed):
			r.resolve(e, OutcomePeerLost)
			return r.rejectLocal(e.originPeer, ilp.CodePeerUnreachable, "next hop lost", e.amount, e.destination), nil
		case errors.Is(res.err, context.DeadlineExceeded):
			r.resolve(e, OutcomeTimeout)
			return r.rejectLocal(e.originPeer, ilp.CodeTransferTimedOut, "transfer timed out", e.amount, e.destination), nil
		default:
			r.log.Error("forward failed",
				zap.String("next_hop", e.nextHop), zap.Uint32("request_id", e.outboundID), zap.Error(res.err))
			r.resolve(e, OutcomeRejected)
			return r.rejectLocal(e.originPeer, ilp.CodeInternal, "internal error", e.amount, e.destination), nil
		}
	}

	pkt, err := parseResponse(res.frame)
	if err != nil {
		r.log.Warn("bad downstream response",
			zap.String("next_hop", e.nextHop), zap.Uint32("request_id", e.outboundID), zap.Error(err))
		r.resolve(e, OutcomeRejected)
		return r.rejectLocal(e.originPeer, ilp.CodeInternal, "bad downstream response", e.amount, e.destination), nil
	}
	r.emitReceived(e.nextHop, pkt, e.amount, e.destination)

	switch p := pkt.(type) {
	case *ilp.Fulfill:
		if !p.Matches(e.condition) {
			r.resolve(e, OutcomeRejected)
			return r.rejectLocal(e.originPeer, ilp.CodeWrongCondition, "fulfillment does not match condition", e.amount, e.destination), nil
		}
		r.resolve(e, OutcomeFulfilled)
		r.emitSent(e.originPeer, p, e.amount, e.destination)
		return p, nil
	case *ilp.Reject:
		// Forward unchanged, TriggeredBy included.
		r.resolve(e, OutcomeRejected)
		metrics.RejectsTotal.WithLabelValues(p.Code).Inc()
		r.emitSent(e.originPeer, p, e.amount, e.destination)
		return p, nil
	default:
		r.resolve(e, OutcomeRejected)
		return r.rejectLocal(e.originPeer, ilp.CodeInternal, "unexpected packet in response", e.amount, e.destination), nil
	}
}

// reap owns an entry after its originator already received R00. It waits for
// the real downstream resolution until expiresAt: a late valid fulfill is
// credited to accounting but never forwarded.
func (r *Router) reap(dctx context.Context, cancel context.CancelFunc, e *inflight, respCh <-chan response, remaining time.Duration) {
	defer cancel()
	hard := r.clock.NewTimer(remaining)
	defer hard.Stop()

	select {
	case res := <-respCh:
		r.settleLate(e, res)
	case <-hard.Chan():
		select {
		case res := <-respCh:
			r.settleLate(e, res)
		default:
			r.resolve(e, OutcomeTimeout)
		}
	case <-dctx.Done():
		if errors.Is(dctx.Err(), context.Canceled) {
			r.resolve(e, OutcomeOriginatorGone)
		} else {
			r.resolve(e, OutcomeTimeout)
		}
	}
}

func (r *Router) settleLate(e *inflight, res response) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, context.Canceled):
			r.resolve(e, OutcomeOriginatorGone)
		case errors.Is(res.err, btp.ErrPeerDisconnected), errors.Is(res.err, btp.ErrSessionClosed):
			r.resolve(e, OutcomePeerLost)
		default:
			r.resolve(e, OutcomeTimeout)
		}
		return
	}
	pkt, err := parseResponse(res.frame)
	if err != nil {
		r.resolve(e, OutcomeTimeout)
		return
	}
	r.emitReceived(e.nextHop, pkt, e.amount, e.destination)
	if f, ok := pkt.(*ilp.Fulfill); ok && f.Matches(e.condition) {
		r.log.Info("late fulfill credited",
			zap.String("next_hop", e.nextHop),
			zap.String("destination", e.destination.String()),
			zap.Uint64("amount", e.amount))
		r.resolve(e, OutcomeFulfilled)
		return
	}
	r.resolve(e, OutcomeRejected)
}

// resolve commits the terminal outcome exactly once and unlinks the entry.
// Concurrent resolvers race; losers are no-ops.
func (r *Router) resolve(e *inflight, outcome string) bool {
	r.mu.Lock()
	if e.done {
		r.mu.Unlock()
		return false
	}
	e.done = true
	delete(r.byOrigin, packetKey{e.originPeer, e.originRequestID})
	delete(r.byOutbound, packetKey{e.nextHop, e.outboundID})
	r.mu.Unlock()

	r.gate.Commit(e.ref, outcome)
	metrics.InFlightPackets.Dec()
	metrics.ForwardDuration.Observe(r.clock.Now().Sub(e.acceptedAt).Seconds())
	return true
}

func (r *Router) deliverLocal(ctx context.Context, originPeer string, prep *ilp.Prepare) (ilp.Packet, error) {
	if r.cfg.Local == nil {
		return r.rejectLocal(originPeer, ilp.CodeUnreachable, "no local handler", prep.Amount, prep.Destination), nil
	}
	pkt, err := r.cfg.Local.HandlePrepare(ctx, prep)
	if err != nil {
		r.log.Error("local handler failed",
			zap.String("destination", prep.Destination.String()), zap.Error(err))
		return r.rejectLocal(originPeer, ilp.CodeInternal, "internal error", prep.Amount, prep.Destination), nil
	}
	switch p := pkt.(type) {
	case *ilp.Fulfill:
		if !p.Matches(prep.ExecutionCondition) {
			return r.rejectLocal(originPeer, ilp.CodeWrongCondition, "fulfillment does not match condition", prep.Amount, prep.Destination), nil
		}
	case *ilp.Reject:
		metrics.RejectsTotal.WithLabelValues(p.Code).Inc()
	default:
		return r.rejectLocal(originPeer, ilp.CodeInternal, "unexpected local response", prep.Amount, prep.Destination), nil
	}
	r.emitSent(originPeer, pkt, prep.Amount, prep.Destination)
	return pkt, nil
}

func parseResponse(f *btp.Frame) (ilp.Packet, error) {
	if f.Type == btp.TypeError {
		if info, ok := f.ErrorInfo(); ok {
			return nil, fmt.Errorf("transport error %s: %s", info.Code, info.Message)
		}
		return nil, errors.New("transport error")
	}
	sp, ok := f.Get(btp.ProtocolILP)
	if !ok {
		return nil, errors.New("response carries no ilp payload")
	}
	pkt, err := ilp.Parse(sp.Content)
	if err != nil {
		return nil, fmt.Errorf("unparsable ilp payload: %w", err)
	}
	return pkt, nil
}

// correlationID fingerprints a payment for loop detection. Hops forward the
// condition and destination unchanged, so the same packet coming back around
// produces the same id.
func correlationID(p *ilp.Prepare) string {
	h := sha256.New()
	h.Write(p.ExecutionCondition[:])
	h.Write([]byte(p.Destination))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Router) loopSeen(id string) bool {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	item := r.loops.Get(id)
	return item != nil && item.Value() >= r.cfg.MaxRevisits
}

func (r *Router) recordSighting(id string) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	n := 0
	if item := r.loops.Get(id); item != nil {
		n = item.Value()
	}
	r.loops.Set(id, n+1, ttlcache.DefaultTTL)
}

func (r *Router) rejectLocal(originPeer, code, message string, amount uint64, destination ilp.Address) *ilp.Reject {
	rej := &ilp.Reject{Code: code, TriggeredBy: r.cfg.Address, Message: message}
	metrics.RejectsTotal.WithLabelValues(code).Inc()
	r.emitSent(originPeer, rej, amount, destination)
	return rej
}

func (r *Router) emitReceived(peerID string, pkt ilp.Packet, amount uint64, destination ilp.Address) {
	typ := ilp.TypeName(pkt)
	metrics.PacketsReceivedTotal.WithLabelValues(peerID, typ).Inc()
	if r.cfg.Emitter == nil {
		return
	}
	code := ""
	if rej, ok := pkt.(*ilp.Reject); ok {
		code = rej.Code
	}
	r.cfg.Emitter.Emit(telemetry.PacketReceived(peerID, typ, amount, destination.String(), code))
}

func (r *Router) emitSent(peerID string, pkt ilp.Packet, amount uint64, destination ilp.Address) {
	typ := ilp.TypeName(pkt)
	metrics.PacketsSentTotal.WithLabelValues(peerID, typ).Inc()
	if r.cfg.Emitter == nil {
		return
	}
	code := ""
	if rej, ok := pkt.(*ilp.Reject); ok {
		code = rej.Code
	}
	r.cfg.Emitter.Emit(telemetry.PacketSent(peerID, typ, amount, destination.String(), code))
}
