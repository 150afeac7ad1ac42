package telemetry

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/metrics"
)

// EmitterConfig carries the dependencies of an Emitter.
type EmitterConfig struct {
	// NodeID is stamped onto every event that does not already carry one.
	NodeID string
	// Capacity bounds the queue; overflow drops the oldest non-critical
	// event.
	Capacity int
	Logger   *zap.Logger
	Clock    clockwork.Clock
}

func (c *EmitterConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("telemetry: emitter config: node id is required")
	}
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Emitter is the bounded event queue between packet processing and the
// publisher. Emit never blocks: when the queue is full the oldest
// non-critical event is discarded and the discards are coalesced into a
// single warn-level Log event on the next drain.
type Emitter struct {
	cfg   EmitterConfig
	log   *zap.Logger
	clock clockwork.Clock

	mu      sync.Mutex
	queue   []Event
	dropped uint64

	notify chan struct{}
}

func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Emitter{
		cfg:    cfg,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		queue:  make([]Event, 0, cfg.Capacity),
		notify: make(chan struct{}, 1),
	}, nil
}

// Emit stamps the event with the node id and current time where missing
// and enqueues it. Returns immediately in all cases.
func (e *Emitter) Emit(ev Event) {
	if ev.NodeID == "" {
		ev.NodeID = e.cfg.NodeID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now().UTC()
	}

	e.mu.Lock()
	if len(e.queue) >= e.cfg.Capacity {
		if i := e.oldestNonCriticalLocked(); i >= 0 {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			e.dropped++
			metrics.TelemetryDroppedTotal.Inc()
		} else {
			// Queue is all critical events; shed the newcomer instead.
			e.dropped++
			metrics.TelemetryDroppedTotal.Inc()
			e.mu.Unlock()
			e.wake()
			return
		}
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.wake()
}

func (e *Emitter) oldestNonCriticalLocked() int {
	for i, ev := range e.queue {
		if !ev.Critical() {
			return i
		}
	}
	return -1
}

func (e *Emitter) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Notify signals that the queue may be non-empty. The channel carries at
// most one pending wake-up.
func (e *Emitter) Notify() <-chan struct{} { return e.notify }

// Drain removes and returns up to max events in emission order. If events
// were dropped since the previous drain, one coalesced warn Log event is
// appended reporting the count.
func (e *Emitter) Drain(max int) []Event {
	e.mu.Lock()
	n := len(e.queue)
	if n > max {
		n = max
	}
	batch := make([]Event, n, n+1)
	copy(batch, e.queue[:n])
	rest := copy(e.queue, e.queue[n:])
	e.queue = e.queue[:rest]

	var dropped uint64
	if e.dropped > 0 && rest == 0 {
		dropped = e.dropped
		e.dropped = 0
	}
	e.mu.Unlock()

	if dropped > 0 {
		e.log.Warn("telemetry queue overflowed", zap.Uint64("dropped", dropped))
		warn := LogLine("warn", "telemetry_dropped",
			fmt.Sprintf("dropped %d telemetry events under backpressure", dropped))
		warn.NodeID = e.cfg.NodeID
		warn.Timestamp = e.clock.Now().UTC()
		warn.Count = dropped
		batch = append(batch, warn)
	}
	return batch
}

// Pending reports the number of queued events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
