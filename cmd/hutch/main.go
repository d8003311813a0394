package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/queue"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "hutch",
	Short: "Hutch - Multi-tenant durable file queue store",
	Long: `Hutch stores tenant files on local volumes and tracks each one
through a durable processing queue: write, claim, complete or retry
with backoff, with per-tenant quotas and automatic store recovery.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(rebuildCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the queue store",
	Long: `Run the queue store with the given configuration: mounts the
volumes, checks store health, then serves until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		ctx := context.Background()
		s, err := queue.Open(ctx, cfg)
		if err != nil {
			return err
		}
		s.Start()
		log.Info("queue store started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		ctx := context.Background()
		s, err := queue.Open(ctx, cfg)
		if err != nil {
			return err
		}
		s.Reconcile()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <tenant-id>",
	Short: "Rebuild a tenant's metadata store from the volume scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		ctx := context.Background()
		s, err := queue.Open(ctx, cfg)
		if err != nil {
			return err
		}
		if err := s.RebuildMetadata(args[0]); err != nil {
			return err
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, reconcileCmd, rebuildCmd} {
		c.Flags().StringP("config", "c", "hutch.yaml", "Path to configuration file")
	}
}
