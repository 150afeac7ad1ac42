// Package maintenance keeps the telemetry archive's day partitions rolling:
// partitions are created ahead of time and dropped past retention.
package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// precreateDays is how many daily partitions exist ahead of now, today
// included. Two keeps ingestion writable across the midnight rollover.
const precreateDays = 2

var validPartitionName = regexp.MustCompile(`^telemetry_events_\d{8}$`)

type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	if err := pm.RefreshSummary(ctx); err != nil {
		return fmt.Errorf("refreshing event summary: %w", err)
	}
	return nil
}

func (pm *PartitionManager) location() (*time.Location, error) {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}
	return loc, nil
}

// RefreshSummary refreshes the telemetry_daily_summary materialized view
// concurrently. A missing view is logged, not fatal, so maintenance still
// runs before the first migration that creates it.
func (pm *PartitionManager) RefreshSummary(ctx context.Context) error {
	_, err := pm.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY telemetry_daily_summary")
	if err != nil {
		pm.logger.Warn("failed to refresh telemetry_daily_summary (may not exist yet)", zap.Error(err))
	}
	return nil
}

// CreatePartitions ensures a daily partition exists for each day of the
// precreate window, starting today in the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := pm.location()
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for i := 0; i < precreateDays; i++ {
		next := day.AddDate(0, 0, 1)
		if err := pm.ensurePartition(ctx, day, next); err != nil {
			return err
		}
		day = next
	}
	return nil
}

func (pm *PartitionManager) ensurePartition(ctx context.Context, from, to time.Time) error {
	name := fmt.Sprintf("telemetry_events_%s", from.Format("20060102"))
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF telemetry_events FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	// Per-partition indexes, sanitized the same way as the table name.
	safeIdxNode := pgx.Identifier{fmt.Sprintf("idx_%s_node_history", name)}.Sanitize()
	safeIdxType := pgx.Identifier{fmt.Sprintf("idx_%s_event_type", name)}.Sanitize()

	nodeIdx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (node_id, event_type, occurred_at DESC)`,
		safeIdxNode, safeName,
	)
	typeIdx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (event_type, occurred_at DESC)`,
		safeIdxType, safeName,
	)

	if _, err := pm.pool.Exec(ctx, nodeIdx); err != nil {
		return fmt.Errorf("creating node_history index on %s: %w", name, err)
	}
	if _, err := pm.pool.Exec(ctx, typeIdx); err != nil {
		return fmt.Errorf("creating event_type index on %s: %w", name, err)
	}
	return nil
}

// DropOldPartitions drops day partitions wholly before the retention cutoff.
// Only names matching the telemetry_events_YYYYMMDD pattern are considered;
// anything else attached to the parent is left alone and logged.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := pm.location()
	if err != nil {
		return err
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -pm.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'telemetry_events'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	partitions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("reading partition names: %w", err)
	}

	for _, name := range partitions {
		if !validPartitionName.MatchString(name) {
			pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}

		dateStr := name[len(name)-8:]
		partDate, err := time.ParseInLocation("20060102", dateStr, loc)
		if err != nil {
			pm.logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}

		if partDate.Before(cutoffDate) {
			safeName := pgx.Identifier{name}.Sanitize()
			if _, err := pm.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoffDate))
		}
	}
	return nil
}
