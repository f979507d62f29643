package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/locus/pkg/catalog"
	"github.com/cuemby/locus/pkg/catalogsvc"
	"github.com/cuemby/locus/pkg/cluster"
	"github.com/cuemby/locus/pkg/ehash"
	"github.com/cuemby/locus/pkg/events"
	"github.com/cuemby/locus/pkg/heap"
	"github.com/cuemby/locus/pkg/index"
	"github.com/cuemby/locus/pkg/lockmgr"
	"github.com/cuemby/locus/pkg/locator"
	"github.com/cuemby/locus/pkg/log"
	"github.com/cuemby/locus/pkg/metrics"
	"github.com/cuemby/locus/pkg/pagefile"
	"github.com/spf13/cobra"
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
	Use:     "locatord",
	Short:   "locatord - object locator and B+tree page-layout server",
	Long:    `locatord is a single-binary object locator: a fetch/force engine over a heap, a classname B+tree, and an index/FK maintainer, replicated through a single Raft log entry per force batch.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("locatord version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)

	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().String("node-id", "", "Unique node ID (overrides config)")
	serveCmd.Flags().String("bind-addr", "", "Raft bind address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for heap/catalog/raft state (overrides config)")
	serveCmd.Flags().String("metrics-addr", "", "Metrics/health HTTP address (overrides config)")
	serveCmd.Flags().Bool("bootstrap", true, "Bootstrap a fresh single-node Raft cluster on first start")

	joinCmd.Flags().String("leader", "", "Leader node's Raft bind address (required)")
	joinCmd.Flags().String("node-id", "", "This node's ID, as known to the leader (required)")
	joinCmd.Flags().String("bind-addr", "", "This node's Raft bind address, as it will be added to the leader (required)")
	_ = joinCmd.MarkFlagRequired("leader")
	_ = joinCmd.MarkFlagRequired("node-id")
	_ = joinCmd.MarkFlagRequired("bind-addr")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a locatord node",
	RunE:  runServe,
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Placeholder for adding a Raft voter; always returns an error",
	Long: `join takes the leader's address in --leader but does not contact it:
this build has no admin RPC to the leader, so the command always returns
an error and never adds a voter. Adding a voter works only through an
AddVoter call made in the same process as the leader (as the tests do).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("join requires an admin RPC to the leader, which this build does not wire (spec's non-goal of wire-protocol framing); use a same-process AddVoter call in tests instead")
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	log.WithComponent("locatord").Info().
		Str("node_id", cfg.NodeID).
		Str("bind_addr", cfg.BindAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting locatord")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	node, _, err := buildNode(cfg, broker)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	if bootstrap {
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	} else {
		if err := node.JoinExisting(); err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("heap", true, "open")
	metrics.RegisterComponent("catalog", true, "open")

	collector := metrics.NewCollector(node)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	_ = server.Close()
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// logEvents drains the broker onto the structured logger, the simplest
// possible subscriber and the one cmd/locatord needs until something
// else (an audit sink, a webhook) wants the same stream.
func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		log.Logger.Info().Str("event", string(ev.Type)).Str("message", ev.Message).Msg("event")
	}
}

// buildNode wires one cluster.Node over a fresh (or reopened) set of
// durable stores: heap, pagefile (B+trees), ehash (classname table),
// plus the in-memory catalog and lock manager every restart rebuilds.
func buildNode(cfg Config, broker *events.Broker) (*cluster.Node, *locator.Locator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	h, err := heap.Open(filepath.Join(cfg.DataDir, "heap.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open heap: %w", err)
	}
	trees, err := pagefile.Open(filepath.Join(cfg.DataDir, "pagefile.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open pagefile: %w", err)
	}
	durable, err := ehash.Open(filepath.Join(cfg.DataDir, "ehash.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open ehash: %w", err)
	}

	locks := lockmgr.New()
	names := catalog.New(durable, locks)
	cat := catalogsvc.New()
	idx := index.New(trees, h, cat)
	loc := locator.New(h, cat, names, locks, idx, cfg.rootHFID())

	node := cluster.New(cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  filepath.Join(cfg.DataDir, "raft"),
	}, loc, broker)

	return node, loc, nil
}
