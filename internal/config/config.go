package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Connector is the configuration of a connector node.
type Connector struct {
	Node       NodeConfig       `koanf:"node"`
	Service    ServiceConfig    `koanf:"service"`
	BTP        BTPConfig        `koanf:"btp"`
	Peers      []PeerConfig     `koanf:"peers"`
	Routes     []RouteConfig    `koanf:"routes"`
	Forwarding ForwardingConfig `koanf:"forwarding"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// Hub is the configuration of the telemetry hub service.
type Hub struct {
	Service   ServiceConfig   `koanf:"service"`
	Fanout    FanoutConfig    `koanf:"fanout"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Retention RetentionConfig `koanf:"retention"`
}

type NodeConfig struct {
	ID      string `koanf:"id"`
	Address string `koanf:"address"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BTPConfig struct {
	Listen             string `koanf:"listen"`
	Path               string `koanf:"path"`
	HandshakeTimeoutMs int    `koanf:"handshake_timeout_ms"`
	InitialBackoffMs   int    `koanf:"initial_backoff_ms"`
	MaxBackoffMs       int    `koanf:"max_backoff_ms"`
	MaxFrameBytes      int64  `koanf:"max_frame_bytes"`
}

type PeerConfig struct {
	ID        string   `koanf:"id"`
	Direction string   `koanf:"direction"`
	Endpoint  string   `koanf:"endpoint"`
	AuthToken string   `koanf:"auth_token"`
	Prefixes  []string `koanf:"prefixes"`
}

type RouteConfig struct {
	Prefix   string `koanf:"prefix"`
	NextHop  string `koanf:"next_hop"`
	Priority int    `koanf:"priority"`
}

type ForwardingConfig struct {
	LocalTimeoutMs  int `koanf:"local_timeout_ms"`
	ReplyHeadroomMs int `koanf:"reply_headroom_ms"`
	LoopWindowMs    int `koanf:"loop_window_ms"`
	MaxRevisits     int `koanf:"max_revisits"`
}

type TelemetryConfig struct {
	// Endpoint is the hub's websocket URL; empty disables the uplink.
	Endpoint              string `koanf:"endpoint"`
	QueueCapacity         int    `koanf:"queue_capacity"`
	BatchSize             int    `koanf:"batch_size"`
	FlushIntervalMs       int    `koanf:"flush_interval_ms"`
	StatusIntervalSeconds int    `koanf:"status_interval_seconds"`
}

type FanoutConfig struct {
	SendQueueSize            int   `koanf:"send_queue_size"`
	SettlementCap            int   `koanf:"settlement_cap"`
	SettledChannelTTLSeconds int   `koanf:"settled_channel_ttl_seconds"`
	PingIntervalSeconds      int   `koanf:"ping_interval_seconds"`
	PongWaitSeconds          int   `koanf:"pong_wait_seconds"`
	MaxFrameBytes            int64 `koanf:"max_frame_bytes"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type ArchiveConfig struct {
	Enabled               bool `koanf:"enabled"`
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	QueueSize             int  `koanf:"queue_size"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// LoadConnector reads connector configuration from an optional YAML file
// overlaid with CONNECTOR_* environment variables, e.g. CONNECTOR_BTP__LISTEN
// maps to btp.listen.
func LoadConnector(path string) (*Connector, error) {
	k, err := load(path, "CONNECTOR_")
	if err != nil {
		return nil, err
	}

	cfg := &Connector{
		Service: ServiceConfig{
			HTTPListen:             ":7781",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BTP: BTPConfig{
			Listen:             ":7768",
			Path:               "/btp",
			HandshakeTimeoutMs: 10000,
			InitialBackoffMs:   1000,
			MaxBackoffMs:       30000,
			MaxFrameBytes:      1048576,
		},
		Forwarding: ForwardingConfig{
			LocalTimeoutMs:  30000,
			ReplyHeadroomMs: 1000,
			LoopWindowMs:    30000,
			MaxRevisits:     1,
		},
		Telemetry: TelemetryConfig{
			QueueCapacity:         10000,
			BatchSize:             256,
			FlushIntervalMs:       250,
			StatusIntervalSeconds: 10,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadHub reads hub configuration from an optional YAML file overlaid with
// TELEMETRY_HUB_* environment variables.
func LoadHub(path string) (*Hub, error) {
	k, err := load(path, "TELEMETRY_HUB_")
	if err != nil {
		return nil, err
	}

	cfg := &Hub{
		Service: ServiceConfig{
			HTTPListen:             ":7780",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Fanout: FanoutConfig{
			SendQueueSize:            256,
			SettlementCap:            100,
			SettledChannelTTLSeconds: 300,
			PingIntervalSeconds:      30,
			PongWaitSeconds:          75,
			MaxFrameBytes:            1048576,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Archive: ArchiveConfig{
			BatchSize:             256,
			FlushIntervalMs:       1000,
			QueueSize:             8192,
			StoreRawBytesCompress: true,
		},
		Kafka: KafkaConfig{
			ClientID: "telemetry-hub",
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(path, envPrefix string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	return k, nil
}

func (c *Connector) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("config: node.address is required")
	}
	if c.BTP.Listen == "" {
		return fmt.Errorf("config: btp.listen is required")
	}
	if c.BTP.HandshakeTimeoutMs <= 0 {
		return fmt.Errorf("config: btp.handshake_timeout_ms must be > 0 (got %d)", c.BTP.HandshakeTimeoutMs)
	}
	if c.BTP.InitialBackoffMs <= 0 {
		return fmt.Errorf("config: btp.initial_backoff_ms must be > 0 (got %d)", c.BTP.InitialBackoffMs)
	}
	if c.BTP.MaxBackoffMs < c.BTP.InitialBackoffMs {
		return fmt.Errorf("config: btp.max_backoff_ms (%d) must be >= btp.initial_backoff_ms (%d)",
			c.BTP.MaxBackoffMs, c.BTP.InitialBackoffMs)
	}
	if c.BTP.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: btp.max_frame_bytes must be > 0 (got %d)", c.BTP.MaxFrameBytes)
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("config: peers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: peers[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Direction {
		case "inbound":
			if p.Endpoint != "" {
				return fmt.Errorf("config: peer %q: inbound peers must not set an endpoint", p.ID)
			}
		case "outbound":
			if p.Endpoint == "" {
				return fmt.Errorf("config: peer %q: outbound peers require an endpoint", p.ID)
			}
		default:
			return fmt.Errorf("config: peer %q: direction must be inbound or outbound (got %q)", p.ID, p.Direction)
		}
		if p.AuthToken == "" {
			return fmt.Errorf("config: peer %q: auth_token is required", p.ID)
		}
	}

	for i, r := range c.Routes {
		if r.Prefix == "" {
			return fmt.Errorf("config: routes[%d].prefix is required", i)
		}
		if r.NextHop == "" {
			return fmt.Errorf("config: routes[%d].next_hop is required", i)
		}
		if !seen[r.NextHop] {
			return fmt.Errorf("config: routes[%d].next_hop %q is not a configured peer", i, r.NextHop)
		}
	}

	if c.Forwarding.LocalTimeoutMs <= 0 {
		return fmt.Errorf("config: forwarding.local_timeout_ms must be > 0 (got %d)", c.Forwarding.LocalTimeoutMs)
	}
	if c.Forwarding.ReplyHeadroomMs < 1000 {
		return fmt.Errorf("config: forwarding.reply_headroom_ms must be >= 1000 (got %d)", c.Forwarding.ReplyHeadroomMs)
	}
	if c.Forwarding.LoopWindowMs <= 0 {
		return fmt.Errorf("config: forwarding.loop_window_ms must be > 0 (got %d)", c.Forwarding.LoopWindowMs)
	}
	if c.Forwarding.MaxRevisits <= 0 {
		return fmt.Errorf("config: forwarding.max_revisits must be > 0 (got %d)", c.Forwarding.MaxRevisits)
	}

	if c.Telemetry.Endpoint != "" {
		if c.Telemetry.QueueCapacity <= 0 {
			return fmt.Errorf("config: telemetry.queue_capacity must be > 0 (got %d)", c.Telemetry.QueueCapacity)
		}
		if c.Telemetry.BatchSize <= 0 {
			return fmt.Errorf("config: telemetry.batch_size must be > 0 (got %d)", c.Telemetry.BatchSize)
		}
		if c.Telemetry.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: telemetry.flush_interval_ms must be > 0 (got %d)", c.Telemetry.FlushIntervalMs)
		}
		if c.Telemetry.StatusIntervalSeconds <= 0 {
			return fmt.Errorf("config: telemetry.status_interval_seconds must be > 0 (got %d)", c.Telemetry.StatusIntervalSeconds)
		}
	}

	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

func (c *Hub) Validate() error {
	if c.Service.HTTPListen == "" {
		return fmt.Errorf("config: service.http_listen is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Fanout.SendQueueSize <= 0 {
		return fmt.Errorf("config: fanout.send_queue_size must be > 0 (got %d)", c.Fanout.SendQueueSize)
	}
	if c.Fanout.SettlementCap <= 0 {
		return fmt.Errorf("config: fanout.settlement_cap must be > 0 (got %d)", c.Fanout.SettlementCap)
	}
	if c.Fanout.SettledChannelTTLSeconds <= 0 {
		return fmt.Errorf("config: fanout.settled_channel_ttl_seconds must be > 0 (got %d)", c.Fanout.SettledChannelTTLSeconds)
	}
	if c.Fanout.PongWaitSeconds <= c.Fanout.PingIntervalSeconds {
		return fmt.Errorf("config: fanout.pong_wait_seconds (%d) must exceed fanout.ping_interval_seconds (%d)",
			c.Fanout.PongWaitSeconds, c.Fanout.PingIntervalSeconds)
	}
	if c.Fanout.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: fanout.max_frame_bytes must be > 0 (got %d)", c.Fanout.MaxFrameBytes)
	}

	if c.Archive.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when archive.enabled is set")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Archive.BatchSize <= 0 {
			return fmt.Errorf("config: archive.batch_size must be > 0 (got %d)", c.Archive.BatchSize)
		}
		if c.Archive.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: archive.flush_interval_ms must be > 0 (got %d)", c.Archive.FlushIntervalMs)
		}
		if c.Archive.QueueSize <= 0 {
			return fmt.Errorf("config: archive.queue_size must be > 0 (got %d)", c.Archive.QueueSize)
		}
		if c.Retention.Days <= 0 {
			return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
		}
		if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
			return fmt.Errorf("config: retention.timezone is invalid: %w", err)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka.enabled is set")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required when kafka.enabled is set")
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
