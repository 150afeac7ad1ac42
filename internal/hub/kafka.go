package hub

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/metrics"
	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

type ForwarderConfig struct {
	Brokers  []string
	ClientID string
	Topic    string
	Logger   *zap.Logger

	// TLS and SASL are optional; nil disables each.
	TLS  *tls.Config
	SASL sasl.Mechanism
}

func (c *ForwarderConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("hub: forwarder config: brokers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("hub: forwarder config: topic is required")
	}
	if c.ClientID == "" {
		c.ClientID = "telemetry-hub"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Forwarder republishes every ingested event to a Kafka topic, keyed by
// node id so per-node ordering survives partitioning.
type Forwarder struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(1 * time.Second),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &Forwarder{client: client, logger: cfg.Logger}, nil
}

func (f *Forwarder) Name() string { return "kafka" }

func (f *Forwarder) Ready(ctx context.Context) error { return f.client.Ping(ctx) }

// Consume implements Sink. Produce is asynchronous; failures are counted
// and logged, never retried here.
func (f *Forwarder) Consume(ev telemetry.Event, raw []byte) {
	rec := &kgo.Record{Key: []byte(ev.NodeID), Value: raw}
	f.client.Produce(context.Background(), rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.HubKafkaPublishesTotal.WithLabelValues("error").Inc()
			f.logger.Warn("kafka publish failed",
				zap.String("node_id", ev.NodeID), zap.Error(err))
			return
		}
		metrics.HubKafkaPublishesTotal.WithLabelValues("ok").Inc()
	})
}

// Close flushes buffered records and releases the client.
func (f *Forwarder) Close(ctx context.Context) {
	if err := f.client.Flush(ctx); err != nil {
		f.logger.Warn("kafka flush on close", zap.Error(err))
	}
	f.client.Close()
}
