package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "market-pipeline",
	Short: "Content-to-prediction-market pipeline",
	Long:  "Crawls news sources, extracts predictable events via tiered Claude models, generates and validates binary markets, publishes them on-chain, and resolves them against fetched evidence.",
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

// openStore builds the configured backend.
func openStore(cmd *cobra.Command) (store.Store, error) {
	if cfg.Store.Driver == "sqlite" {
		return store.NewSQLite(cfg.Store.DatabaseURL)
	}
	return store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL, nil)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
