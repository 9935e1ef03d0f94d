package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mikedesigns-nvisia/spiralsync/internal/config"
	"github.com/mikedesigns-nvisia/spiralsync/internal/engine"
	"github.com/mikedesigns-nvisia/spiralsync/internal/ui"
)

var updateCmd = &cobra.Command{
	Use:     "update <core-id>",
	GroupID: "sync",
	Short:   "Set a core's level",
	Long: `Apply a level change to a core. The change is visible locally right
away and synchronized in the background. Levels are clamped to [0, 1]
and large jumps are limited by the daily change cap.

Example:
  spiralsync update optimism --level 0.7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := cmd.Flags().GetFloat64("level")
		if err != nil {
			return err
		}
		delta, err := cmd.Flags().GetFloat64("delta")
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("level") == cmd.Flags().Changed("delta") {
			return fmt.Errorf("specify exactly one of --level or --delta")
		}

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
		id := args[0]

		if cmd.Flags().Changed("delta") {
			if err := eng.ApplyAnalysis(ctx, engine.AnalysisDelta{CoreID: id, LevelDelta: delta}); err != nil {
				return err
			}
		} else {
			c, err := eng.GetCoreByID(ctx, id)
			if err != nil {
				return err
			}
			c.CurrentLevel = level
			if err := eng.UpdateCore(ctx, c); err != nil {
				return err
			}
		}

		c, err := eng.GetCoreByID(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s  %s\n", ui.RenderPass("✓"), ui.RenderBold(c.Name), ui.RenderLevelBar(c.CurrentLevel, 20))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset <core-id>",
	GroupID: "sync",
	Short:   "Reset a core to its baseline level",
	Args:    cobra.ExactArgs(1),
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
		if err := eng.ResetCore(ctx, args[0]); err != nil {
			return err
		}

		c, err := eng.GetCoreByID(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Reset %s to baseline  %s\n", ui.RenderPass("✓"), ui.RenderBold(c.Name), ui.RenderLevelBar(c.CurrentLevel, 20))
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "advanced",
	Short:   "Write a starter configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := cfgFile
		if target == "" {
			target = filepath.Join(config.Default().DataDir, "spiralsync.yaml")
		}
		if err := config.WriteStarter(target); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), target)
		return nil
	},
}

func init() {
	updateCmd.Flags().Float64("level", 0, "Target level in [0, 1]")
	updateCmd.Flags().Float64("delta", 0, "Relative level change")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(initCmd)
}
