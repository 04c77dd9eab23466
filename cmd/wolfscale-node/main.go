package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/migration"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/node"
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
	Use:   "wolfscale-node",
	Short: "WolfScale - highly-available MariaDB/MySQL coordination layer",
	Long: `WolfScale runs alongside MariaDB/MySQL on every node in a cluster,
replicating writes through a local write-ahead log, electing a leader
deterministically, and routing client statements through a MySQL-protocol
proxy without requiring an external consensus service.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"wolfscale-node version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node: WAL, membership, replication, proxy, and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("build node: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.WithComponent("main").Info().Str("node_id", cfg.Node.ID).Msg("starting wolfscale-node")
		return n.Run(ctx)
	},
}

func init() {
	startCmd.Flags().String("config", "/etc/wolfscale/config.yaml", "Path to the node's YAML configuration file")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <source-host:source-port>",
	Short: "Run a one-shot consistent-dump migration from a live peer's database",
	Long: `Pulls a consistent snapshot from a live peer's database and replays it
into this node's local database, then records the source's head_lsn as this
node's last_applied_lsn. Use when a node is parked in needs_migration and
must bootstrap before rejoining replication.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		headLSN, _ := cmd.Flags().GetUint64("head-lsn")

		host, port, err := splitHostPort(args[0])
		if err != nil {
			return fmt.Errorf("parse source address: %w", err)
		}

		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("build node: %w", err)
		}
		return n.MigrateFrom(context.Background(), migration.Source{Host: host, Port: port, HeadLSN: headLSN})
	},
}

func init() {
	migrateCmd.Flags().String("config", "/etc/wolfscale/config.yaml", "Path to the node's YAML configuration file")
	migrateCmd.Flags().Uint64("head-lsn", 0, "The source's head_lsn at dump-start, to record as last_applied_lsn on success")
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("non-numeric port %q: %w", portStr, err)
	}
	return host, port, nil
}
