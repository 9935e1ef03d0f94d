package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikedesigns-nvisia/spiralsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket monitoring dashboard",
	Long: `Start a WebSocket dashboard server for monitoring sync activity in
real-time.

WebSocket messages include:
- event: level updates, conflict resolutions, batch completions,
  abandonments
- stats: periodic cache/queue/sync counters

Example usage:
  spiralsync dashboard                   # Start on default port 8090
  spiralsync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8090/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.New(os.Stderr, "[dashboard] ", log.LstdFlags)

		eng, err := openEngine(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open engine: %w", err)
		}
		defer eng.Close()

		server := dashboard.NewServer(eng, &dashboard.Config{
			Port:   port,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8090, "Port to listen on")

	rootCmd.AddCommand(dashboardCmd)
}
