package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PublisherConfig carries the dependencies of a Publisher.
type PublisherConfig struct {
	Emitter *Emitter
	// Endpoint is the hub's websocket URL, e.g. ws://hub.example:7780/ws.
	Endpoint string
	Logger   *zap.Logger
	Clock    clockwork.Clock

	FlushInterval    time.Duration
	BatchSize        int
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c *PublisherConfig) Validate() error {
	if c.Emitter == nil {
		return fmt.Errorf("telemetry: publisher config: emitter is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry: publisher config: endpoint is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return nil
}

// Publisher drains the emitter queue and ships events to the hub, one JSON
// frame per event. It owns the uplink connection and reconnects with
// jittered exponential backoff until the context is canceled.
type Publisher struct {
	cfg PublisherConfig
	log *zap.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, log: cfg.Logger}, nil
}

// Run connects to the hub and streams events until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0

	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			p.log.Warn("telemetry hub unreachable", zap.String("endpoint", p.cfg.Endpoint),
				zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		p.log.Info("connected to telemetry hub", zap.String("endpoint", p.cfg.Endpoint))

		err = p.stream(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		p.log.Warn("telemetry hub connection lost", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (p *Publisher) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, p.cfg.Endpoint, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Publisher) stream(ctx context.Context, conn *websocket.Conn) error {
	// The hub pushes nothing to emitters; the read loop exists to surface
	// connection loss and service control frames.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := p.cfg.Clock.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(conn)
			conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return err
		case <-p.cfg.Emitter.Notify():
		case <-ticker.Chan():
		}
		if err := p.flush(conn); err != nil {
			return err
		}
	}
}

func (p *Publisher) flush(conn *websocket.Conn) error {
	for {
		batch := p.cfg.Emitter.Drain(p.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			data, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("encoding telemetry event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
		if len(batch) < p.cfg.BatchSize {
			return nil
		}
	}
}
