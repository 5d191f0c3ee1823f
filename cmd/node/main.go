package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crashnet/overlay/internal/cache"
	"github.com/crashnet/overlay/internal/cluster"
	"github.com/crashnet/overlay/internal/config"
	"github.com/crashnet/overlay/internal/engine"
	"github.com/crashnet/overlay/internal/metrics"
	"github.com/crashnet/overlay/internal/rpc"
	"github.com/crashnet/overlay/internal/server"
	"github.com/crashnet/overlay/internal/store"
	"github.com/crashnet/overlay/internal/timing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	nodeID := flag.String("node", os.Getenv("NODE_ID"), "node id (defaults to NODE_ID env)")
	settingsPath := flag.String("settings", "", "optional settings YAML")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 || *nodeID == "" {
		usage()
		os.Exit(1)
	}
	configPath := flag.Arg(0)
	dataPath := ""
	if flag.NArg() > 1 {
		dataPath = flag.Arg(1)
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(settings.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	topo, err := config.LoadTopology(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	node, err := topo.Node(*nodeID)
	if err != nil {
		logger.Fatal("Failed to resolve node", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", node.ID),
		zap.String("address", node.Address()),
		zap.Strings("connections", node.Connections),
		zap.Bool("portal", node.Portal))

	// Local store: CSV if given, demo rows otherwise for data-owning nodes.
	st := store.New("node_"+node.ID, logger)
	if dataPath != "" {
		if _, err := st.LoadCSV(dataPath); err != nil {
			logger.Warn("Proceeding with empty store", zap.Error(err))
		}
	} else if node.DataSubset != "" {
		st.SeedDemo(node.DataSubset)
	}

	ca := cache.New("node_"+node.ID, settings.Cache.RegionSize, logger)
	defer ca.Close()

	ttl := settings.Cache.NodeTTL
	if node.Portal {
		ttl = settings.Cache.PortalTTL
	}

	eng := engine.New(
		&engine.Config{
			NodeID:     node.ID,
			Portal:     node.Portal,
			DataSubset: node.DataSubset,
			CacheTTL:   ttl,
			RelayQueue: settings.Relay.QueueSize,
		},
		st,
		ca,
		timing.NewLedger(),
		rpc.NewServer(node.ID, node.Address(), logger),
		logger,
	)

	registry := prometheus.NewRegistry()
	var metricsServer *server.MetricsServer
	if settings.Metrics.Enabled {
		eng.SetMetrics(metrics.New(node.ID, registry))
		metricsServer = server.NewMetricsServer(settings.Metrics.Port, registry, eng.IsRunning, logger)
		metricsServer.Start()
		defer metricsServer.Stop()
	}

	if settings.Gossip.Enabled {
		monitor, err := cluster.NewMonitor(&cluster.Config{
			BindPort:       settings.Gossip.BindPort,
			SeedNodes:      settings.Gossip.SeedNodes,
			GossipInterval: settings.Gossip.GossipInterval,
			ProbeTimeout:   settings.Gossip.ProbeTimeout,
			ProbeInterval:  settings.Gossip.ProbeInterval,
		}, node.ID, logger)
		if err != nil {
			logger.Error("Gossip unavailable, relying on channel state only", zap.Error(err))
		} else {
			defer monitor.Shutdown()
			eng.SetLiveness(monitor)
		}
	}

	// Dial every outbound edge. A peer that is down now is retried
	// implicitly: channels reconnect and IsConnected gates each call.
	for _, peerID := range node.Connections {
		peerCfg, err := topo.Node(peerID)
		if err != nil {
			logger.Warn("Skipping unknown connection", zap.String("peer", peerID), zap.Error(err))
			continue
		}
		logger.Info("Connecting to peer",
			zap.String("peer", peerID),
			zap.String("target", peerCfg.Address()))
		client, err := rpc.NewClient(peerCfg.Address(), logger)
		if err != nil {
			logger.Warn("Failed to create peer channel",
				zap.String("peer", peerID),
				zap.Error(err))
			continue
		}
		eng.AddPeer(peerID, client)
	}

	if err := eng.Start(); err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}
	defer eng.Stop()

	logger.Info("Node started, press Enter or send SIGINT to exit",
		zap.String("node_id", node.ID))
	waitForShutdown(logger)
}

// waitForShutdown blocks until SIGINT/SIGTERM, a line on stdin (Enter), or
// EOF on stdin.
func waitForShutdown(logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	stdinDone := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		close(stdinDone)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case <-stdinDone:
		logger.Info("Shutting down on stdin close")
	}
}

func initLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg.Level = parsed
	return cfg.Build()
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-node <id>] [-settings <settings.yaml>] <config.json> [data.csv]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "The node id may also be supplied via the NODE_ID environment variable.")
}
