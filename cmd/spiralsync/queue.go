package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikedesigns-nvisia/spiralsync/internal/db"
	"github.com/mikedesigns-nvisia/spiralsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Offline queue inspection and drain",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		counts, err := database.CountUpdates(context.Background())
		if err != nil {
			return fmt.Errorf("failed to count updates: %w", err)
		}

		fmt.Printf("\n%s Offline Queue\n\n", ui.RenderAccent("◆"))
		fmt.Printf("   Pending:    %d\n", counts.Pending)
		fmt.Printf("   Processing: %d\n", counts.Processing)
		fmt.Printf("   Completed:  %d\n", counts.Completed)
		if counts.Abandoned > 0 {
			fmt.Printf("   Abandoned:  %s\n", ui.RenderFail(fmt.Sprintf("%d", counts.Abandoned)))
		}
		fmt.Println()
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain all pending updates now",
	Long: `Process every due pending update immediately instead of waiting for
the daemon's next sync pass. Conflicting same-core updates resolve
last-write-wins before dispatch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[spiralsync] ", log.LstdFlags)
		eng, err := openEngine(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open engine: %w", err)
		}
		defer eng.Close()

		ctx := context.Background()
		merged, err := eng.Coordinator().OptimizeNetworkRequests(ctx)
		if err != nil {
			return fmt.Errorf("failed to coalesce updates: %w", err)
		}
		if merged > 0 {
			fmt.Printf("%s Coalesced %d redundant updates\n", ui.RenderMuted("·"), merged)
		}

		start := time.Now()
		results, err := eng.ProcessPending(ctx)
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		if failed > 0 {
			fmt.Printf("%s Drained %d updates in %v (%d failed, will retry)\n",
				ui.RenderWarn("⚠"), len(results), elapsed, failed)
		} else {
			fmt.Printf("%s Drained %d updates in %v\n", ui.RenderPass("✓"), len(results), elapsed)
		}
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List abandoned updates in the dead-letter table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		dead, err := database.DeadLetters(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if len(dead) == 0 {
			fmt.Printf("%s Dead-letter table is empty\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("\n%s Abandoned Updates\n\n", ui.RenderWarn("⚠"))
		for _, u := range dead {
			fmt.Printf("   %s  core=%s retries=%d\n", ui.RenderBold(u.ID), u.CoreID, u.RetryCount)
			if u.LastError != "" {
				fmt.Printf("   %s\n", ui.RenderMuted("last error: "+u.LastError))
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	queueDeadCmd.Flags().Int("limit", 20, "Maximum entries to list")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueDeadCmd)
	rootCmd.AddCommand(queueCmd)
}
