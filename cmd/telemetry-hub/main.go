package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ledger-mesh/ilp-connector/internal/config"
	"github.com/ledger-mesh/ilp-connector/internal/db"
	"github.com/ledger-mesh/ilp-connector/internal/hub"
	"github.com/ledger-mesh/ilp-connector/internal/maintenance"
	"github.com/ledger-mesh/ilp-connector/internal/metrics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: telemetry-hub <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the telemetry hub")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Hub, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.LoadHub(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

// fatalExit makes logger.Fatal exit with code 2. Configuration errors exit
// with code 1 before the logger exists.
type fatalExit struct{}

func (fatalExit) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) { os.Exit(2) }

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build(zap.WithFatalHook(fatalExit{}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.RegisterHub()

	logger.Info("starting telemetry-hub",
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var sinks []hub.Sink
	var checks []hub.ReadyChecker

	// --- Postgres archive (optional) ---
	if cfg.Archive.Enabled {
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, db.PoolOptions{
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		// Ensure partitions exist on startup.
		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}

		archive, err := hub.NewArchive(hub.ArchiveConfig{
			Pool:          pool,
			Logger:        logger.Named("archive"),
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: time.Duration(cfg.Archive.FlushIntervalMs) * time.Millisecond,
			QueueSize:     cfg.Archive.QueueSize,
			StoreRaw:      cfg.Archive.StoreRawBytes,
			CompressRaw:   cfg.Archive.StoreRawBytesCompress,
		})
		if err != nil {
			logger.Fatal("failed to create archive", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			archive.Run(ctx)
		}()
		sinks = append(sinks, archive)
		checks = append(checks, archive)

		logger.Info("postgres archive started",
			zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
			zap.Int("batch_size", cfg.Archive.BatchSize),
		)
	}

	// --- Kafka forwarder (optional) ---
	var forwarder *hub.Forwarder
	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		saslMech := cfg.Kafka.BuildSASLMechanism()

		forwarder, err = hub.NewForwarder(hub.ForwarderConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Topic:    cfg.Kafka.Topic,
			Logger:   logger.Named("kafka"),
			TLS:      tlsCfg,
			SASL:     saslMech,
		})
		if err != nil {
			logger.Fatal("failed to create kafka forwarder", zap.Error(err))
		}
		sinks = append(sinks, forwarder)
		checks = append(checks, forwarder)

		logger.Info("kafka forwarder started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// --- Fan-out hub ---
	h, err := hub.New(hub.Config{
		Logger:            logger.Named("hub"),
		Sinks:             sinks,
		SendQueueSize:     cfg.Fanout.SendQueueSize,
		SettlementCap:     cfg.Fanout.SettlementCap,
		SettledChannelTTL: time.Duration(cfg.Fanout.SettledChannelTTLSeconds) * time.Second,
		PingInterval:      time.Duration(cfg.Fanout.PingIntervalSeconds) * time.Second,
		PongWait:          time.Duration(cfg.Fanout.PongWaitSeconds) * time.Second,
		MaxFrameBytes:     cfg.Fanout.MaxFrameBytes,
	})
	if err != nil {
		logger.Fatal("failed to create hub", zap.Error(err))
	}

	// --- HTTP server ---
	httpServer := hub.NewServer(cfg.Service.HTTPListen, h, checks, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("telemetry-hub started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections, then drop the live ones.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	h.Close()

	// Cancel context so the archive performs its final flush.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sinks stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	if forwarder != nil {
		forwarder.Close(shutdownCtx)
	}

	logger.Info("telemetry-hub stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, db.PoolOptions{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
		AppName:  "telemetry-hub-migrate",
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, db.PoolOptions{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
		AppName:  "telemetry-hub-maintenance",
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format, redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
