package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikedesigns-nvisia/spiralsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show core levels and engine statistics",
	Long: `Display every tracked core with its level, trend, and last update,
followed by cache and sync statistics.`,
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
		cores, err := eng.GetAllCores(ctx)
		if err != nil {
			return fmt.Errorf("failed to list cores: %w", err)
		}

		fmt.Printf("\n%s Core Levels\n\n", ui.RenderAccent("◆"))
		if len(cores) == 0 {
			fmt.Printf("   %s\n", ui.RenderMuted("no cores tracked yet"))
		}
		for _, c := range cores {
			fmt.Printf("   %-18s %s  %s\n", ui.RenderBold(c.Name), ui.RenderLevelBar(c.CurrentLevel, 20), ui.RenderTrend(c.Trend))
			fmt.Printf("   %-18s %s\n", "", ui.RenderMuted("updated "+c.LastUpdated.Format("2006-01-02 15:04:05")))
		}

		status, err := eng.QueueStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue status: %w", err)
		}
		cacheStats := eng.CacheStats()
		syncStats := eng.SyncStats()

		fmt.Printf("\n%s Engine\n\n", ui.RenderAccent("◆"))
		fmt.Printf("   Queue:  %d pending, %d processing, %d completed", status.Pending, status.Processing, status.Completed)
		if status.Abandoned > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d abandoned", status.Abandoned)))
		}
		fmt.Println()
		fmt.Printf("   Cache:  %d entries, hit rate %.0f%%\n", cacheStats.TotalEntries, cacheStats.HitRate*100)
		fmt.Printf("   Sync:   %d processed, %d conflicts resolved, %d retries\n",
			syncStats.ProcessedUpdates, syncStats.ConflictsResolved, syncStats.RetryAttempts)
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
