package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "refsift",
	Short: "Literature screening pipeline",
	Long:  "Imports bibliographic records, runs dedup and AI screening steps over a per-project pipeline, and tracks every decision in an auditable change log.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
