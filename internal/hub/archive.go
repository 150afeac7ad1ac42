package hub

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/metrics"
	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

type ArchiveConfig struct {
	Pool   *pgxpool.Pool
	Logger *zap.Logger

	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int

	// StoreRaw keeps the original wire frame next to the parsed columns;
	// CompressRaw additionally zstd-compresses it.
	StoreRaw    bool
	CompressRaw bool
}

func (c *ArchiveConfig) Validate() error {
	if c.Pool == nil {
		return fmt.Errorf("hub: archive config: pool is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	return nil
}

// archiveRow is one event destined for telemetry_events.
type archiveRow struct {
	eventID    []byte // 32-byte SHA256 of the wire frame
	nodeID     string
	eventType  string
	occurredAt time.Time
	payload    []byte
	raw        []byte
}

// Archive persists ingested events to a day-partitioned PostgreSQL table.
// Consume never blocks the hub; rows queue up and a background loop writes
// them in batches.
type Archive struct {
	cfg    ArchiveConfig
	pool   *pgxpool.Pool
	logger *zap.Logger
	rows   chan archiveRow

	flush func(ctx context.Context, rows []archiveRow) (int64, error)
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Archive{
		cfg:    cfg,
		pool:   cfg.Pool,
		logger: cfg.Logger,
		rows:   make(chan archiveRow, cfg.QueueSize),
	}
	a.flush = a.flushBatch
	return a, nil
}

func (a *Archive) Name() string { return "postgres" }

func (a *Archive) Ready(ctx context.Context) error { return a.pool.Ping(ctx) }

// Consume implements Sink.
func (a *Archive) Consume(ev telemetry.Event, raw []byte) {
	id := sha256.Sum256(raw)
	occurred := ev.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	row := archiveRow{
		eventID:    id[:],
		nodeID:     ev.NodeID,
		eventType:  ev.Type,
		occurredAt: occurred,
		payload:    raw,
	}
	if a.cfg.StoreRaw {
		if a.cfg.CompressRaw {
			row.raw = zstdEncoder.EncodeAll(raw, nil)
		} else {
			row.raw = raw
		}
	}
	select {
	case a.rows <- row:
	default:
		metrics.HubArchiveDroppedTotal.Inc()
		a.logger.Warn("archive queue full, dropping event",
			zap.String("type", ev.Type), zap.String("node_id", ev.NodeID))
	}
}

// Run flushes queued rows until ctx is cancelled, on batch size or on the
// flush interval, whichever comes first.
func (a *Archive) Run(ctx context.Context) {
	var batch []archiveRow
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				a.tryFlush(context.Background(), &batch)
			}
			return

		case row := <-a.rows:
			batch = append(batch, row)
			if len(batch) >= a.cfg.BatchSize {
				a.tryFlush(ctx, &batch)
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it to prevent
			// unbounded growth during prolonged DB outages.
			if len(batch) >= a.cfg.BatchSize*10 {
				metrics.HubArchiveDroppedTotal.Add(float64(len(batch)))
				a.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_rows", len(batch)),
				)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.tryFlush(ctx, &batch)
			}
		}
	}
}

func (a *Archive) tryFlush(ctx context.Context, batch *[]archiveRow) {
	inserted, err := a.flush(ctx, *batch)
	if err != nil {
		a.logger.Error("archive batch flush failed", zap.Error(err))
		return
	}
	a.logger.Debug("archive batch flushed",
		zap.Int("batch_size", len(*batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(*batch))-inserted),
	)
	*batch = nil
}

// flushBatch inserts a batch into telemetry_events. Returns the number of
// rows actually inserted (after dedup).
func (a *Archive) flushBatch(ctx context.Context, rows []archiveRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var totalInserted int64

	for _, row := range rows {
		tag, err := tx.Exec(ctx, `
			INSERT INTO telemetry_events (event_id, received_at, node_id, event_type, occurred_at, payload, raw)
			VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6)
			ON CONFLICT (event_id, received_at) DO NOTHING`,
			row.eventID, row.nodeID, row.eventType, row.occurredAt,
			row.payload, row.raw,
		)
		if err != nil {
			return 0, fmt.Errorf("insert telemetry_event: %w", err)
		}

		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.HubArchiveDedupConflictsTotal.Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.HubArchiveWriteDuration.Observe(time.Since(start).Seconds())
	metrics.HubArchiveRowsTotal.Add(float64(totalInserted))

	return totalInserted, nil
}
