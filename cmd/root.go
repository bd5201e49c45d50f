package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "refdata",
	Short: "Exchange reference data ingestion",
	Long:  "Fetches reference data published by exchanges and clearing houses (security lists, custodian holdings, index constituents, investor flows), normalizes it onto canonical tables and upserts it idempotently.",
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
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = zap.L().Sync()
		os.Exit(exitCode(err))
	}
}
