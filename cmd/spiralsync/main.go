// Command spiralsync runs the local-first core synchronization engine:
// a bounded snapshot cache, a durable offline queue, and a background
// coordinator that reconciles core levels with the remote backend.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikedesigns-nvisia/spiralsync/internal/config"
	"github.com/mikedesigns-nvisia/spiralsync/internal/engine"
	"github.com/mikedesigns-nvisia/spiralsync/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "spiralsync",
	Short: "Local-first sync engine for journal cores",
	Long: `spiralsync keeps journal core levels consistent between the device
and the remote backend.

Mutations are applied optimistically to a local cache, queued durably in
SQLite, and reconciled in the background: conflicting updates for the
same core resolve last-write-wins, transient failures retry with
exponential backoff, and updates past the retry budget land in a
dead-letter table for inspection.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: spiralsync.yaml in the data dir)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return cfg, nil
}

// newTransport selects the HTTP transport when an endpoint is
// configured, the local simulator otherwise.
func newTransport(cfg *config.Config) transport.Transport {
	if cfg.Remote.Endpoint != "" {
		return transport.NewHTTPTransport(cfg.Remote.Endpoint, cfg.Remote.Timeout)
	}
	return transport.NewSimTransport(0)
}

// openEngine builds an engine from the loaded configuration.
func openEngine(cfg *config.Config, logger *log.Logger) (*engine.Engine, error) {
	engConfig := engine.DefaultConfig()
	engConfig.Logger = logger
	engConfig.Cache = cacheConfig(cfg, logger)
	engConfig.Queue = queueConfig(cfg, logger)
	engConfig.Sync = syncConfig(cfg, logger)

	return engine.Open(cfg.DBPath(), newTransport(cfg), engConfig)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
