package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Concurrent hub starts against the same database serialize on this
// advisory lock, so at most one applies migrations.
const migrationLockID int64 = 0x696C70687562 // "ilphub"

const ledgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// migrationFile is one NNNN_description.sql entry from the migrations
// directory.
type migrationFile struct {
	Version int
	Name    string
	Path    string
}

// RunMigrations applies every pending migration in version order inside its
// own transaction, recording each in schema_migrations. Versions already in
// the ledger are skipped.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) error {
	files, err := loadMigrationFiles(dir, logger)
	if err != nil {
		return err
	}

	// A dedicated connection keeps the advisory lock and the ledger reads
	// on the same session.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, ledgerTable); err != nil {
		return fmt.Errorf("ensuring schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for _, mf := range files {
		if applied[mf.Version] {
			logger.Debug("migration already applied", zap.Int("version", mf.Version))
			continue
		}
		if err := applyOne(ctx, conn, mf, logger); err != nil {
			return err
		}
	}
	return nil
}

// loadMigrationFiles reads dir and returns its NNNN_description.sql entries
// sorted by version. Duplicate version numbers are an error; files without a
// numeric prefix are skipped with a warning.
func loadMigrationFiles(dir string, logger *zap.Logger) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory %s: %w", dir, err)
	}

	seen := make(map[int]string)
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			logger.Warn("skipping migration without a numeric prefix", zap.String("file", e.Name()))
			continue
		}
		if prior, dup := seen[ver]; dup {
			return nil, fmt.Errorf("duplicate migration version %d (%s and %s)", ver, prior, e.Name())
		}
		seen[ver] = e.Name()
		files = append(files, migrationFile{
			Version: ver,
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func applyOne(ctx context.Context, conn *pgxpool.Conn, mf migrationFile, logger *zap.Logger) error {
	sql, err := os.ReadFile(mf.Path)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", mf.Name, err)
	}

	logger.Info("applying migration", zap.Int("version", mf.Version), zap.String("name", mf.Name))

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w", mf.Version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("executing migration %d (%s): %w", mf.Version, mf.Name, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
		mf.Version, mf.Name,
	); err != nil {
		return fmt.Errorf("recording migration %d: %w", mf.Version, err)
	}
	return tx.Commit(ctx)
}
