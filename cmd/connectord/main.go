package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ledger-mesh/ilp-connector/internal/config"
	connhttp "github.com/ledger-mesh/ilp-connector/internal/http"
	"github.com/ledger-mesh/ilp-connector/internal/ilp"
	"github.com/ledger-mesh/ilp-connector/internal/metrics"
	"github.com/ledger-mesh/ilp-connector/internal/peers"
	"github.com/ledger-mesh/ilp-connector/internal/router"
	"github.com/ledger-mesh/ilp-connector/internal/routing"
	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "validate":
		runValidate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: connectord <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the connector node")
	fmt.Println("  validate      Check the configuration and exit")
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

func loadConfig(args []string) (*config.Connector, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.LoadConnector(configPath)
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

// sessionDirectory adapts the peer registry to the router's view of
// reachable next hops.
type sessionDirectory struct {
	reg *peers.Registry
}

func (d sessionDirectory) Lookup(id string) (router.Requester, bool) {
	sess, ok := d.reg.Lookup(id)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// healthGrade maps session health onto the status vocabulary carried by
// NodeStatus events: healthy while at least half of the configured
// outbound peers hold a ready session, unhealthy below that. The boot
// announcement uses "starting" before the first maintainer pass.
func healthGrade(h peers.Health) string {
	if h.OutboundReadyFraction() >= 0.5 {
		return "healthy"
	}
	return "unhealthy"
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting connectord",
		zap.String("node_id", cfg.Node.ID),
		zap.String("ilp_address", cfg.Node.Address),
		zap.String("btp_listen", cfg.BTP.Listen),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Routing table ---
	routes := make([]routing.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, routing.Route{Prefix: r.Prefix, NextHop: r.NextHop, Priority: r.Priority})
	}
	table, err := routing.NewTable(routes)
	if err != nil {
		logger.Fatal("invalid routing table", zap.Error(err))
	}

	// --- Telemetry uplink (optional) ---
	var emitter *telemetry.Emitter
	var publisher *telemetry.Publisher
	if cfg.Telemetry.Endpoint != "" {
		emitter, err = telemetry.NewEmitter(telemetry.EmitterConfig{
			NodeID:   cfg.Node.ID,
			Capacity: cfg.Telemetry.QueueCapacity,
			Logger:   logger.Named("telemetry"),
		})
		if err != nil {
			logger.Fatal("failed to create telemetry emitter", zap.Error(err))
		}
		publisher, err = telemetry.NewPublisher(telemetry.PublisherConfig{
			Emitter:       emitter,
			Endpoint:      cfg.Telemetry.Endpoint,
			Logger:        logger.Named("telemetry.publisher"),
			FlushInterval: time.Duration(cfg.Telemetry.FlushIntervalMs) * time.Millisecond,
			BatchSize:     cfg.Telemetry.BatchSize,
		})
		if err != nil {
			logger.Fatal("failed to create telemetry publisher", zap.Error(err))
		}
	}

	// --- Peer sessions ---
	regCfg := peers.RegistryConfig{
		NodeID:           cfg.Node.ID,
		Logger:           logger.Named("peers"),
		HandshakeTimeout: time.Duration(cfg.BTP.HandshakeTimeoutMs) * time.Millisecond,
		InitialBackoff:   time.Duration(cfg.BTP.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(cfg.BTP.MaxBackoffMs) * time.Millisecond,
		MaxFrameBytes:    cfg.BTP.MaxFrameBytes,
	}
	if emitter != nil {
		regCfg.OnPeerUp = func(peerID string) {
			emitter.Emit(telemetry.LogLine("info", "peer_up", "session ready for peer "+peerID))
		}
		regCfg.OnPeerDown = func(peerID, reason string) {
			emitter.Emit(telemetry.LogLine("warn", "peer_down", "session lost for peer "+peerID+": "+reason))
		}
	}
	registry, err := peers.NewRegistry(regCfg)
	if err != nil {
		logger.Fatal("failed to create peer registry", zap.Error(err))
	}

	// --- Router ---
	rt, err := router.New(router.Config{
		Address:       ilp.Address(cfg.Node.Address),
		Table:         table,
		Peers:         sessionDirectory{reg: registry},
		Emitter:       emitter,
		Logger:        logger.Named("router"),
		LocalTimeout:  time.Duration(cfg.Forwarding.LocalTimeoutMs) * time.Millisecond,
		ReplyHeadroom: time.Duration(cfg.Forwarding.ReplyHeadroomMs) * time.Millisecond,
		LoopWindow:    time.Duration(cfg.Forwarding.LoopWindowMs) * time.Millisecond,
		MaxRevisits:   cfg.Forwarding.MaxRevisits,
	})
	if err != nil {
		logger.Fatal("failed to create router", zap.Error(err))
	}
	registry.SetHandler(rt.HandleFrame)

	for _, p := range cfg.Peers {
		err := registry.AddPeer(peers.PeerConfig{
			ID:               p.ID,
			Direction:        peers.Direction(p.Direction),
			Endpoint:         p.Endpoint,
			AuthToken:        p.AuthToken,
			DeclaredPrefixes: p.Prefixes,
		})
		if err != nil {
			logger.Fatal("failed to register peer", zap.String("peer", p.ID), zap.Error(err))
		}
	}

	if err := registry.Start(ctx); err != nil {
		logger.Fatal("failed to start peer registry", zap.Error(err))
	}

	listener, err := peers.NewListener(peers.ListenerConfig{
		Addr:     cfg.BTP.Listen,
		Path:     cfg.BTP.Path,
		Registry: registry,
		Logger:   logger.Named("btp.listener"),
	})
	if err != nil {
		logger.Fatal("failed to create BTP listener", zap.Error(err))
	}
	if err := listener.Start(); err != nil {
		logger.Fatal("failed to start BTP listener", zap.Error(err))
	}

	logger.Info("BTP listener started",
		zap.String("addr", listener.Addr()),
		zap.String("path", cfg.BTP.Path),
		zap.Int("peers", len(cfg.Peers)),
		zap.Int("routes", table.Size()),
	)

	var wg sync.WaitGroup

	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
		}()

		// Periodic node status for the hub's dashboard snapshot.
		wg.Add(1)
		go func() {
			defer wg.Done()
			interval := time.Duration(cfg.Telemetry.StatusIntervalSeconds) * time.Second
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			emitter.Emit(telemetry.NodeStatus("starting", cfg.Node.Address))
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					emitter.Emit(telemetry.NodeStatus(healthGrade(registry.Health()), cfg.Node.Address))
				}
			}
		}()

		logger.Info("telemetry uplink started", zap.String("endpoint", cfg.Telemetry.Endpoint))
	}

	// --- HTTP server ---
	httpServer := connhttp.NewServer(cfg.Service.HTTPListen, registry, rt, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("connector started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP and inbound BTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Error("BTP listener shutdown error", zap.Error(err))
	}

	// Cancel context to close sessions and stop the uplink.
	cancel()

	done := make(chan struct{})
	go func() {
		registry.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions closed gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	rt.Close()
	logger.Info("connectord stopped")
}

func runValidate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	outbound := 0
	for _, p := range cfg.Peers {
		if p.Direction == string(peers.DirectionOutbound) {
			outbound++
		}
	}

	logger.Info("configuration OK",
		zap.String("node_id", cfg.Node.ID),
		zap.String("ilp_address", cfg.Node.Address),
		zap.Int("peers", len(cfg.Peers)),
		zap.Int("outbound_peers", outbound),
		zap.Int("routes", len(cfg.Routes)),
		zap.Bool("telemetry", cfg.Telemetry.Endpoint != ""),
	)
}
