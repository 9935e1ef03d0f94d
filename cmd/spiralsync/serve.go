package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mikedesigns-nvisia/spiralsync/internal/cache"
	"github.com/mikedesigns-nvisia/spiralsync/internal/config"
	"github.com/mikedesigns-nvisia/spiralsync/internal/daemon"
	"github.com/mikedesigns-nvisia/spiralsync/internal/dashboard"
	"github.com/mikedesigns-nvisia/spiralsync/internal/queue"
	syncpkg "github.com/mikedesigns-nvisia/spiralsync/internal/sync"
	"github.com/mikedesigns-nvisia/spiralsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the background reconciler in foreground mode.

The daemon will:
  1. Drain the offline queue on the sync interval
  2. Reclaim updates stuck in processing
  3. Watch the analysis spool for dropped delta files
  4. Optionally serve the monitoring dashboard

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := newServeLogger(cfg)

		eng, err := openEngine(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open engine: %w", err)
		}
		defer eng.Close()

		daemonConfig := &daemon.Config{
			SyncInterval:     cfg.Sync.Interval,
			WatchdogInterval: cfg.Sync.WatchdogInterval,
			DebounceInterval: daemon.DefaultConfig().DebounceInterval,
			Logger:           logger,
		}
		d, err := daemon.New(eng, cfg.SpoolDir(), daemonConfig)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(eng, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()
			fmt.Printf("%s Dashboard: ws://localhost:%d/ws\n", ui.RenderAccent("◆"), cfg.Dashboard.Port)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("◆"))
		fmt.Printf("   Database: %s\n", cfg.DBPath())
		fmt.Printf("   Spool:    %s\n", cfg.SpoolDir())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Assume connectivity at startup; the queue drains on the ticker.
		eng.OnNetworkStatusChanged(true)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

// newServeLogger logs to stderr, and additionally to a rotated file when
// one is configured.
func newServeLogger(cfg *config.Config) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(w, "[spiralsync] ", log.LstdFlags)
}

func cacheConfig(cfg *config.Config, logger *log.Logger) *cache.Config {
	return &cache.Config{
		MaxEntries:     cfg.Cache.MaxEntries,
		PressureTarget: cfg.Cache.PressureTarget,
		Logger:         logger,
	}
}

func queueConfig(cfg *config.Config, logger *log.Logger) *queue.Config {
	return &queue.Config{
		MaxPending: cfg.Queue.MaxPending,
		BatchSize:  cfg.Queue.BatchSize,
		Logger:     logger,
	}
}

func syncConfig(cfg *config.Config, logger *log.Logger) *syncpkg.Config {
	return &syncpkg.Config{
		BaseDelay:    cfg.Sync.BaseDelay,
		MaxDelay:     cfg.Sync.MaxDelay,
		MaxRetries:   cfg.Sync.MaxRetries,
		StuckTimeout: cfg.Sync.StuckTimeout,
		Logger:       logger,
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
