// Package hub implements the telemetry fan-out service. Connector emitters
// stream JSON events in over websockets; the hub keeps state snapshots,
// replays them to fresh subscribers, and broadcasts live events verbatim.
package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/metrics"
	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

// Sink receives every well-formed ingested event, after state updates and
// broadcast. Implementations must not block; slow downstreams buffer or
// drop internally.
type Sink interface {
	Consume(ev telemetry.Event, raw []byte)
}

type Config struct {
	Logger *zap.Logger
	Clock  clockwork.Clock
	Sinks  []Sink

	// SendQueueSize bounds each subscriber's outbound queue; a subscriber
	// that falls this far behind is dropped.
	SendQueueSize int
	// SettlementCap bounds the recent-settlements deque.
	SettlementCap int
	// SettledChannelTTL is how long a settled channel stays in the
	// snapshot before eviction.
	SettledChannelTTL time.Duration

	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.SettlementCap <= 0 {
		c.SettlementCap = 100
	}
	if c.SettledChannelTTL <= 0 {
		c.SettledChannelTTL = 5 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 75 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		return fmt.Errorf("hub: pong wait %s must exceed ping interval %s", c.PongWait, c.PingInterval)
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	return nil
}

type role int

const (
	roleUnknown role = iota
	roleEmitter
	roleSubscriber
)

// client is one websocket connection. Role starts unknown and is decided by
// the first useful frame.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger
	send chan []byte

	// Guarded by Hub.mu.
	role    role
	nodeID  string
	dropped bool
}

type balanceKey struct {
	node  string
	peer  string
	token string
}

type nodeRecord struct {
	ev  telemetry.Event
	raw []byte
}

type Hub struct {
	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock
	sinks []Sink

	mu          sync.Mutex
	closed      bool
	clients     map[*client]struct{}
	emitters    map[string]*client
	subscribers map[*client]struct{}
	nodeStatus  map[string]nodeRecord
	balances    map[balanceKey]telemetry.Event
	settlements []telemetry.Event

	channels *ttlcache.Cache[string, telemetry.ChannelState]

	wg sync.WaitGroup
}

func New(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{
		cfg:         cfg,
		log:         cfg.Logger,
		clock:       cfg.Clock,
		sinks:       cfg.Sinks,
		clients:     make(map[*client]struct{}),
		emitters:    make(map[string]*client),
		subscribers: make(map[*client]struct{}),
		nodeStatus:  make(map[string]nodeRecord),
		balances:    make(map[balanceKey]telemetry.Event),
		channels: ttlcache.New[string, telemetry.ChannelState](
			ttlcache.WithDisableTouchOnHit[string, telemetry.ChannelState](),
		),
	}
	go h.channels.Start()
	return h, nil
}

// Serve takes ownership of conn, spawns its pumps, and returns.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{
		hub:  h,
		conn: conn,
		log:  h.log.With(zap.String("remote", conn.RemoteAddr().String())),
		send: make(chan []byte, h.cfg.SendQueueSize),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// Close drops every connection and stops the channel janitor. It blocks
// until all pumps have exited.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.channels.Stop()
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()
	c.conn.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("connection read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		c.hub.handleFrame(c, raw)
	}
}

func (c *client) writePump() {
	ticker := c.hub.clock.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame validates one inbound frame and routes it by the sender's
// role. Malformed frames are counted and discarded without disconnecting.
func (h *Hub) handleFrame(c *client, raw []byte) {
	var ev telemetry.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.HubMalformedFramesTotal.Inc()
		c.log.Warn("discarding unparsable frame", zap.Error(err))
		return
	}
	if ev.Type == "" {
		metrics.HubMalformedFramesTotal.Inc()
		c.log.Warn("discarding frame without a type")
		return
	}
	if ev.Type == telemetry.TypeClientConnect {
		h.subscribe(c)
		return
	}
	if ev.NodeID == "" {
		metrics.HubMalformedFramesTotal.Inc()
		c.log.Warn("discarding event without a node id", zap.String("type", ev.Type))
		return
	}
	h.ingest(c, ev, raw)
}

// subscribe onboards a read-only observer: every current NodeStatus is
// replayed first, then one InitialChannelState, and only then does the
// client start receiving live events.
func (h *Hub) subscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.dropped || c.role == roleSubscriber {
		return
	}
	if c.role == roleEmitter {
		c.log.Debug("ignoring ClientConnect from an emitter", zap.String("node_id", c.nodeID))
		return
	}
	c.role = roleSubscriber

	ids := make([]string, 0, len(h.nodeStatus))
	for id := range h.nodeStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !h.enqueueLocked(c, h.nodeStatus[id].raw) {
			return
		}
	}
	snap := telemetry.InitialChannelState(h.channelSnapshotLocked())
	snap.Timestamp = h.clock.Now()
	raw, err := json.Marshal(snap)
	if err != nil {
		c.log.Error("encoding channel snapshot", zap.Error(err))
		h.dropLocked(c)
		return
	}
	if !h.enqueueLocked(c, raw) {
		return
	}

	h.subscribers[c] = struct{}{}
	metrics.HubSubscribers.Set(float64(len(h.subscribers)))
	c.log.Info("subscriber joined",
		zap.Int("replayed_statuses", len(ids)), zap.Int("channels", len(snap.Channels)))
}

func (h *Hub) ingest(c *client, ev telemetry.Event, raw []byte) {
	h.mu.Lock()
	if c.role == roleSubscriber {
		h.mu.Unlock()
		c.log.Debug("ignoring event from a subscriber", zap.String("type", ev.Type))
		return
	}
	if c.role == roleUnknown {
		c.role = roleEmitter
		c.nodeID = ev.NodeID
		prev := h.emitters[ev.NodeID]
		h.emitters[ev.NodeID] = c
		metrics.HubEmitters.Set(float64(len(h.emitters)))
		if prev != nil {
			// Latest registration wins; the prior connection stays up but
			// is no longer the canonical source.
			c.log.Info("emitter replaced", zap.String("node_id", ev.NodeID))
		} else {
			c.log.Info("emitter registered", zap.String("node_id", ev.NodeID))
		}
	}
	h.applyLocked(ev, raw)
	h.broadcastLocked(raw)
	h.mu.Unlock()

	metrics.HubEventsIngestedTotal.WithLabelValues(ev.Type).Inc()
	for _, s := range h.sinks {
		s.Consume(ev, raw)
	}
}

func (h *Hub) applyLocked(ev telemetry.Event, raw []byte) {
	switch ev.Type {
	case telemetry.TypeNodeStatus:
		h.nodeStatus[ev.NodeID] = nodeRecord{ev: ev, raw: raw}
	case telemetry.TypeAccountBalance:
		h.balances[balanceKey{ev.NodeID, ev.PeerID, ev.TokenID}] = ev
	case telemetry.TypeSettlementTriggered, telemetry.TypeSettlementCompleted:
		h.settlements = append(h.settlements, ev)
		if len(h.settlements) > h.cfg.SettlementCap {
			copy(h.settlements, h.settlements[1:])
			h.settlements = h.settlements[:h.cfg.SettlementCap]
		}
	case telemetry.TypeChannelOpened:
		h.channels.Set(ev.ChannelID, telemetry.ChannelState{
			ChannelID: ev.ChannelID,
			NodeID:    ev.NodeID,
			PeerID:    ev.PeerID,
			Ledger:    ev.Ledger,
			Balance:   ev.Balance,
			State:     "open",
		}, ttlcache.NoTTL)
	case telemetry.TypeChannelBalanceUpdate:
		if item := h.channels.Get(ev.ChannelID); item != nil {
			cs := item.Value()
			if cs.State == "open" {
				cs.Balance = ev.Balance
				h.channels.Set(ev.ChannelID, cs, ttlcache.NoTTL)
			}
		}
	case telemetry.TypeChannelSettled:
		if item := h.channels.Get(ev.ChannelID); item != nil {
			cs := item.Value()
			cs.State = "settled"
			h.channels.Set(ev.ChannelID, cs, h.cfg.SettledChannelTTL)
		}
	}
}

func (h *Hub) broadcastLocked(raw []byte) {
	for c := range h.subscribers {
		if !h.enqueueLocked(c, raw) {
			continue
		}
		metrics.HubBroadcastsTotal.Inc()
	}
}

// enqueueLocked hands raw to the client's writer without blocking. A full
// queue drops the client.
func (h *Hub) enqueueLocked(c *client, raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		metrics.HubSubscriberEvictionsTotal.Inc()
		c.log.Warn("dropping slow subscriber", zap.Int("queue", len(c.send)))
		h.dropLocked(c)
		return false
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client) {
	if c.dropped {
		return
	}
	c.dropped = true
	delete(h.clients, c)
	if _, ok := h.subscribers[c]; ok {
		delete(h.subscribers, c)
		metrics.HubSubscribers.Set(float64(len(h.subscribers)))
	}
	if c.role == roleEmitter && h.emitters[c.nodeID] == c {
		delete(h.emitters, c.nodeID)
		metrics.HubEmitters.Set(float64(len(h.emitters)))
	}
	close(c.send)
}

func (h *Hub) channelSnapshotLocked() []telemetry.ChannelState {
	out := make([]telemetry.ChannelState, 0, h.channels.Len())
	for _, item := range h.channels.Items() {
		out = append(out, item.Value())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// NodeStatuses returns the last status seen per node, ordered by node id.
func (h *Hub) NodeStatuses() []telemetry.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]telemetry.Event, 0, len(h.nodeStatus))
	for _, rec := range h.nodeStatus {
		out = append(out, rec.ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Balances returns the latest balance per (node, peer, token).
func (h *Hub) Balances() []telemetry.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]telemetry.Event, 0, len(h.balances))
	for _, ev := range h.balances {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

// RecentSettlements returns the bounded settlement history, oldest first.
func (h *Hub) RecentSettlements() []telemetry.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]telemetry.Event(nil), h.settlements...)
}

// ChannelSnapshot returns the current channel set, ordered by channel id.
func (h *Hub) ChannelSnapshot() []telemetry.ChannelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelSnapshotLocked()
}

// EmitterCount reports registered canonical emitters.
func (h *Hub) EmitterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.emitters)
}

// SubscriberCount reports attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
