package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_packets_received_total",
			Help: "ILP packets received, by peer and packet type.",
		},
		[]string{"peer", "type"},
	)

	PacketsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_packets_sent_total",
			Help: "ILP packets sent, by peer and packet type.",
		},
		[]string{"peer", "type"},
	)

	RejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_rejects_total",
			Help: "Reject packets produced or forwarded, by ILP code.",
		},
		[]string{"code"},
	)

	InFlightPackets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ilpconnector_in_flight_packets",
			Help: "Prepares forwarded and still awaiting a response.",
		},
	)

	ForwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ilpconnector_forward_duration_seconds",
			Help:    "Time from accepting a prepare to delivering its response.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	RouteLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_route_lookups_total",
			Help: "Routing table lookups (hit/miss).",
		},
		[]string{"outcome"},
	)

	ReserveRefusalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilpconnector_reserve_refusals_total",
			Help: "Forwards refused by the accounting gate.",
		},
	)

	LoopsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilpconnector_loops_detected_total",
			Help: "Prepares rejected because their correlation id re-entered.",
		},
	)

	PeerSessionsReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ilpconnector_peer_sessions_ready",
			Help: "Peer sessions currently ready, by direction.",
		},
		[]string{"direction"},
	)

	PeerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilpconnector_peer_reconnects_total",
			Help: "Outbound session re-establishments.",
		},
		[]string{"peer"},
	)

	TelemetryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilpconnector_telemetry_dropped_total",
			Help: "Telemetry events shed under queue backpressure.",
		},
	)
)

var (
	HubEventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_events_ingested_total",
			Help: "Telemetry events accepted from emitters, by type.",
		},
		[]string{"type"},
	)

	HubMalformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_malformed_frames_total",
			Help: "Ingest frames discarded as unparsable.",
		},
	)

	HubEmitters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryhub_emitters",
			Help: "Connector emitters currently registered.",
		},
	)

	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryhub_subscribers",
			Help: "Observer subscribers currently connected.",
		},
	)

	HubSubscriberEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_subscriber_evictions_total",
			Help: "Subscribers dropped for backpressure.",
		},
	)

	HubBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_broadcasts_total",
			Help: "Events fanned out to subscribers.",
		},
	)

	HubArchiveWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetryhub_archive_write_duration_seconds",
			Help:    "Archive batch insert latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	HubArchiveRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_archive_rows_total",
			Help: "Events persisted to the archive.",
		},
	)

	HubArchiveDedupConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_archive_dedup_conflicts_total",
			Help: "Archive dedup hits (ON CONFLICT DO NOTHING skips).",
		},
	)

	HubArchiveDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_archive_dropped_total",
			Help: "Events dropped instead of archived, due to backpressure.",
		},
	)

	HubKafkaPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_kafka_publishes_total",
			Help: "Events forwarded to Kafka, by result.",
		},
		[]string{"result"},
	)
)

var (
	registerOnce    sync.Once
	registerHubOnce sync.Once
)

// Register installs the connector metric set.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PacketsReceivedTotal,
			PacketsSentTotal,
			RejectsTotal,
			InFlightPackets,
			ForwardDuration,
			RouteLookupsTotal,
			ReserveRefusalsTotal,
			LoopsDetectedTotal,
			PeerSessionsReady,
			PeerReconnectsTotal,
			TelemetryDroppedTotal,
		)
	})
}

// RegisterHub installs the telemetry hub metric set.
func RegisterHub() {
	registerHubOnce.Do(func() {
		prometheus.MustRegister(
			HubEventsIngestedTotal,
			HubMalformedFramesTotal,
			HubEmitters,
			HubSubscribers,
			HubSubscriberEvictionsTotal,
			HubBroadcastsTotal,
			HubArchiveWriteDuration,
			HubArchiveRowsTotal,
			HubArchiveDedupConflictsTotal,
			HubArchiveDroppedTotal,
			HubKafkaPublishesTotal,
		)
	})
}
