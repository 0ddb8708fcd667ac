package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/raftkv/pkg/config"
	"github.com/cuemby/raftkv/pkg/consensus"
	"github.com/cuemby/raftkv/pkg/control"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftkvd",
	Short: "raftkv - a Raft-replicated in-memory key-value store",
	Long: `raftkvd runs a single node of a Raft-replicated key-value store.

Each node owns a persistent replicated log, a background snapshot
subsystem, and a single consensus core that serializes every command
and membership change through hashicorp/raft.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"raftkvd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a raftkv node",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().Uint64("id", 0, "This node's id")
	runCmd.Flags().String("addr", "", "This node's Raft bind address (host:port)")
	runCmd.Flags().String("control-addr", "", "Control-surface listen address (overrides config)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	runCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	runCmd.Flags().Bool("init", false, "Bootstrap a new single-node cluster")
	runCmd.Flags().StringSlice("join", nil, "Candidate addresses of an existing cluster to join")
}

func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	nodeAddr, err := cfg.NodeAddr()
	if err != nil {
		return err
	}

	ncfg := consensus.Config{
		ID:                types.NodeID(cfg.ID),
		Addr:              nodeAddr,
		DataDir:           cfg.DataDir,
		RaftInterval:      cfg.RaftInterval(),
		RequestTimeout:    cfg.RequestTimeout(),
		ElectionTimeout:   cfg.ElectionTimeout(),
		ReconnectInterval: cfg.ReconnectInterval(),
		MaxLogEntries:     cfg.MaxLogEntries,
		CompactDelay:      cfg.CompactDelay(),
	}

	node, err := consensus.New(ncfg, log.Logger)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	for _, p := range cfg.Peers {
		addr, err := parsePeerAddr(p.Addr)
		if err != nil {
			return err
		}
		node.RegisterPeer(types.NodeID(p.ID), addr)
	}

	doInit, _ := cmd.Flags().GetBool("init")
	joinAddrs, _ := cmd.Flags().GetStringSlice("join")

	switch {
	case node.LogExists():
		fmt.Println("Recovering from existing log...")
		if err := node.Recover(); err != nil {
			return fmt.Errorf("recovering: %w", err)
		}
	case doInit:
		fmt.Println("Bootstrapping new cluster...")
		if err := node.ClusterInit(); err != nil {
			return fmt.Errorf("initializing cluster: %w", err)
		}
	case len(joinAddrs) > 0:
		fmt.Println("Joining existing cluster...")
		if err := joinCluster(node, joinAddrs, cfg.ID, nodeAddr.String(), cfg.RequestTimeout()); err != nil {
			return fmt.Errorf("joining cluster: %w", err)
		}
	default:
		return fmt.Errorf("one of --init, --join, or an existing data directory is required")
	}

	controlAddr := cfg.ControlAddr
	if v, _ := cmd.Flags().GetString("control-addr"); v != "" {
		controlAddr = v
	}
	controlServer, err := control.NewServer(node, controlAddr, log.Logger)
	if err != nil {
		return fmt.Errorf("starting control surface: %w", err)
	}
	go func() {
		if err := controlServer.Serve(); err != nil {
			log.Logger.Error().Err(err).Msg("control surface stopped")
		}
	}()
	fmt.Printf("Control surface listening on %s\n", controlServer.Addr())

	collector := metrics.NewCollector(node)
	collector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "running")
	metrics.RegisterComponent("dataset", true, "ready")
	metrics.RegisterComponent("control", true, "ready")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("Metrics endpoint: http://%s/metrics\n", metricsAddr)

	fmt.Println("Node running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	collector.Stop()
	controlServer.Close()
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetUint64("id"); v != 0 {
		cfg.ID = v
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	logLevel, _ := cmd.Flags().GetString("log-level")
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logJSON, _ := cmd.Flags().GetBool("log-json")
	cfg.LogJSON = cfg.LogJSON || logJSON
}

func joinCluster(node *consensus.Node, addrs []string, selfID uint64, selfAddr string, timeout time.Duration) error {
	var dbid [32]byte
	var lastErr error
	for _, addr := range addrs {
		client := control.NewClient(addr, timeout)
		reply, err := client.Do("RAFT.INFO")
		if err != nil {
			lastErr = err
			continue
		}
		id, err := parseDBIDFromInfo(reply)
		if err != nil {
			lastErr = err
			continue
		}
		dbid = id
		break
	}
	if dbid == ([32]byte{}) {
		return fmt.Errorf("could not reach any seed address: %w", lastErr)
	}
	if err := node.ClusterJoin(dbid); err != nil {
		return err
	}
	return control.Join(addrs, selfID, selfAddr, timeout)
}

func parseDBIDFromInfo(reply string) ([32]byte, error) {
	var id [32]byte
	const key = "dbid:"
	idx := strings.Index(reply, key)
	if idx < 0 {
		return id, fmt.Errorf("no dbid in RAFT.INFO reply")
	}
	rest := reply[idx+len(key):]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	copy(id[:], rest)
	return id, nil
}

func parsePeerAddr(s string) (types.NodeAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return types.NodeAddr{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.NodeAddr{}, fmt.Errorf("invalid port in peer address %q: %w", s, err)
	}
	return types.NodeAddr{Host: host, Port: port}, nil
}
