// Package main is the entry point for the vigil-agent binary.
// It wires all internal packages together and starts the communication core.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the YAML configuration snapshot
//  4. Build the agent (identity, event store recovery, pipelines)
//  5. Run until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/agent"
	"github.com/vigilsec/vigil-agent/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "vigil-agent",
		Short: "Vigil agent — endpoint security agent",
		Long: `Vigil agent runs on each monitored endpoint. It authenticates with the
central manager, long-polls for commands, pushes stateful and stateless
telemetry, and durably queues events across manager outages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configFile, "config", envOrDefault("VIGIL_AGENT_CONFIG", ""), "Path to the agent YAML configuration file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("VIGIL_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vigil-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(cli.configFile, logger)
	if err != nil {
		return err
	}

	logger.Info("starting vigil agent",
		zap.String("version", version),
		zap.String("manager", cfg.ManagerIP),
		zap.String("data_dir", cfg.DataDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg, version, logger)
	if err != nil {
		return err
	}

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM) or the persistent
	// store fails fatally.
	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("vigil agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
