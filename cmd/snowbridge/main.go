package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/manager"
	"github.com/snowbridge/snowbridge/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snowbridge",
	Short: "Snowbridge - ServiceNow integration middleware",
	Long: `Snowbridge keeps a local document store in step with a ServiceNow
instance and serves tickets through a read-through cache, with SLA
tracking, business rules and real-time notification transports.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Snowbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/snowbridge/config.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snowbridge daemon",
	Long: `Start the full daemon: sync scheduler, SLA engine, notification
queue, websocket and event-stream transports and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		if err := mgr.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		mgr.Stop()
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one extraction pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// one-shot runs do not serve the API
		cfg.EnableRealTimeUpdates = false

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer mgr.Stop()

		ctx := context.Background()
		if full {
			fmt.Println("Running full sync...")
			mgr.RunFullSync(ctx)
		} else {
			fmt.Println("Running incremental sync...")
			mgr.RunIncrementalSync(ctx)
		}
		fmt.Println("✓ Sync complete")
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Run a full 30-day extraction instead of incremental")
}
